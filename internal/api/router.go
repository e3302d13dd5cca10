package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/haiku-bridge/internal/panel"
)

const panelPrefix = "/panel"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/fan/state", s.handleGetState)
		r.Get("/fan/history", s.handleHistory)
		r.Get("/system/metrics", s.handleSystemMetrics)

		for _, route := range fieldRoutes {
			r.Get(route.path, s.handleGetField(route))
			r.Post(route.path, s.handleSetField(route))
		}
	})

	r.Get(s.wsPath(), s.handleWebSocket)

	if s.cfg.Panel.Enabled {
		page := panel.Handler(panelPrefix, s.cfg.Panel.Dir)
		r.Handle(panelPrefix, page)
		r.Handle(panelPrefix+"/*", page)
	}

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path != "" {
		return s.wsCfg.Path
	}
	return "/ws"
}

// handleRoot identifies the service.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Haiku Fan Bridge",
		"version": s.version,
		"status":  "running",
	})
}

// handleHealth reports fan and bus connectivity. The endpoint always
// answers 200; status turns "degraded" when the fan stops answering.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	fanConnected := s.fanConnected()
	mqttConnected := s.mqtt != nil && s.mqtt.IsConnected()

	status := "healthy"
	if !fanConnected {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        s.version,
		"fan_connected":  fanConnected,
		"mqtt_connected": mqttConnected,
	})
}

// fanConnected prefers the poller's view, which is refreshed on a timer,
// over the link's view, which only moves when a command runs.
func (s *Server) fanConnected() bool {
	if s.poller != nil {
		return s.poller.Healthy()
	}
	if s.link != nil {
		return s.link.Stats().Reachable
	}
	return s.bridge.State().Known()
}
