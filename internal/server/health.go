package server

import (
	"context"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness probe.
const checkTimeout = 5 * time.Second

// healthResult is the JSON body for /healthz and /readyz.
type healthResult struct {
	Status   string            `json:"status"`
	Sessions int               `json:"activeSessions,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// handleHealthz is the liveness probe. A process that can serve HTTP is
// alive; the active session count rides along for operators.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResult{
		Status:   "ok",
		Sessions: s.cfg.Runner.ActiveSessionCount(),
	})
}

// handleReadyz evaluates the configured checkers in order and returns 503
// when any of them fails.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.cfg.Checkers))
	allOK := true

	for _, c := range s.cfg.Checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := healthResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}
