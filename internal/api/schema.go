package api

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request body schemas. Numeric ranges are deliberately left to the value
// translator so raw and percentage inputs share one code path and one
// out_of_range error.
const (
	switchBodySchema = `{
		"type": "object",
		"required": ["state"],
		"properties": {
			"state": {"enum": ["ON", "OFF"]}
		},
		"additionalProperties": false
	}`

	speedBodySchema = `{
		"type": "object",
		"required": ["speed"],
		"properties": {
			"speed": {"type": "integer"},
			"percent": {"type": "boolean"}
		},
		"additionalProperties": false
	}`

	levelBodySchema = `{
		"type": "object",
		"required": ["level"],
		"properties": {
			"level": {"type": "integer"},
			"percent": {"type": "boolean"}
		},
		"additionalProperties": false
	}`
)

// bodyValidator holds the compiled request schemas, keyed by schema name.
type bodyValidator struct {
	schemas map[string]*jsonschema.Schema
}

func newBodyValidator() (*bodyValidator, error) {
	docs := map[string]string{
		"switch": switchBodySchema,
		"speed":  speedBodySchema,
		"level":  levelBodySchema,
	}

	c := jsonschema.NewCompiler()
	for name, doc := range docs {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("parsing %s schema: %w", name, err)
		}
		if err := c.AddResource(name+".json", parsed); err != nil {
			return nil, fmt.Errorf("adding %s schema: %w", name, err)
		}
	}

	v := &bodyValidator{schemas: make(map[string]*jsonschema.Schema, len(docs))}
	for name := range docs {
		compiled, err := c.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compiling %s schema: %w", name, err)
		}
		v.schemas[name] = compiled
	}
	return v, nil
}

// decode parses body and validates it against the named schema. Numbers
// come back as json.Number.
func (v *bodyValidator) decode(schema string, body io.Reader) (map[string]any, error) {
	compiled, ok := v.schemas[schema]
	if !ok {
		return nil, fmt.Errorf("no schema named %q", schema)
	}

	doc, err := jsonschema.UnmarshalJSON(body)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return nil, err
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("request body must be an object")
	}
	return obj, nil
}

// intValue extracts a validated integer property.
func intValue(obj map[string]any, key string) (int, error) {
	n, ok := obj[key].(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	// The schema's "integer" type admits 5.0 and 5e0, so the number is read
	// exactly and only required to be integral.
	r, ok := new(big.Rat).SetString(n.String())
	if !ok || !r.IsInt() || !r.Num().IsInt64() {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return int(r.Num().Int64()), nil
}
