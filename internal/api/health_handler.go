package api

import (
	"context"
	"net/http"
)

// Pinger checks the liveness of one backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// handleHealthz reports process liveness.
func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: the service is ready only when both the
// database and the job queue answer a ping.
func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	for name, p := range map[string]Pinger{"database": a.db, "queue": a.queue} {
		if p == nil {
			continue
		}
		if err := p.Ping(r.Context()); err != nil {
			checks[name] = "unavailable"
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, checks)
}
