// Package panel serves the browser control page for the fan.
//
// The page is plain HTML and JavaScript embedded into the binary with
// go:embed. It drives the fan through the REST API and follows changes over
// the WebSocket feed, so it carries no state of its own.
//
// Handler can also serve from a directory on disk, which lets the page be
// edited without rebuilding the bridge.
package panel
