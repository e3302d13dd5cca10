package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
)

// fieldRoute maps one REST resource onto a fan field.
type fieldRoute struct {
	path   string
	field  senseme.Field
	key    string // response key carrying the value
	schema string // request body schema; also the body key for ranged fields
}

var fieldRoutes = []fieldRoute{
	{path: "/fan/power", field: senseme.FieldPower, key: "power", schema: "switch"},
	{path: "/fan/speed", field: senseme.FieldSpeed, key: "speed", schema: "speed"},
	{path: "/fan/whoosh", field: senseme.FieldWhoosh, key: "whoosh", schema: "switch"},
	{path: "/light/power", field: senseme.FieldLightPower, key: "power", schema: "switch"},
	{path: "/light/level", field: senseme.FieldLightLevel, key: "level", schema: "level"},
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// renderValue is the JSON form of a raw value: ON/OFF for switches,
// the integer otherwise.
func renderValue(f senseme.Field, raw int) any {
	if f.IsSwitch() {
		return senseme.FormatOnOff(raw)
	}
	return raw
}

// handleGetState returns the cached snapshot. Until the first poll or
// command lands there is nothing to return.
func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	state := s.bridge.State()
	if !state.Known() {
		writeError(w, http.StatusServiceUnavailable, ErrCodeNotAvailable, "fan state not yet available")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleGetField reads one field live from the fan.
func (s *Server) handleGetField(route fieldRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := s.bridge.Read(r.Context(), route.field)
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			route.key: renderValue(route.field, raw),
		})
	}
}

// handleSetField validates the body, runs the command and answers with the
// value the fan reported back, which may differ from the request.
func (s *Server) handleSetField(route fieldRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := s.bodies.decode(route.schema, r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}

		cmd := senseme.Command{Field: route.field, Origin: senseme.OriginREST}
		if route.field.IsSwitch() {
			state, _ := body["state"].(string) //nolint:errcheck // enum enforced by schema
			cmd.Input, err = senseme.ParseOnOff(state)
		} else {
			cmd.Input, err = intValue(body, route.schema)
			cmd.Percent, _ = body["percent"].(bool) //nolint:errcheck // optional flag
		}
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}

		state, err := s.bridge.Do(r.Context(), cmd)
		if err != nil {
			writeBridgeError(w, err)
			return
		}

		reported, _ := state.Raw(route.field)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			route.key: renderValue(route.field, reported),
			"state":   state,
		})
	}
}

// handleHistory lists recent commands, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "command history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeBadRequest(w, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}

	entries, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing command history failed", "error", err)
		writeInternalError(w, "failed to list command history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": entries,
		"count":    len(entries),
	})
}
