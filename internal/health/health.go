// Package health serves liveness and readiness probes.
//
//   - /healthz always returns 200 while the process can serve HTTP.
//   - /readyz returns 200 only when every [Checker] passes, which for the
//     tuner means the capture stream is connected and the audio context is
//     running.
//
// Bodies are JSON: {"status": "ok"|"fail", "checks": {name: result}}.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pitchtoy/internal/audio"
	"pitchtoy/internal/stream"
)

const checkTimeout = 2 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// StreamHealth reports stream.Health.
type StreamHealth interface {
	StreamHealth() stream.Health
}

// ContextState reports the audio context state.
type ContextState interface {
	ContextState() audio.ContextState
}

// Stream passes while the capture stream is connected.
func Stream(s StreamHealth) Checker {
	return Checker{Name: "stream", Check: func(context.Context) error {
		h := s.StreamHealth()
		if h.State == stream.Connected {
			return nil
		}
		if h.LastError != "" {
			return fmt.Errorf("%s: %s", h.State, h.LastError)
		}
		return fmt.Errorf("%s", h.State)
	}}
}

// AudioContext passes while the audio context is running.
func AudioContext(s ContextState) Checker {
	return Checker{Name: "audio_context", Check: func(context.Context) error {
		if st := s.ContextState(); st != audio.Running {
			return fmt.Errorf("%s", st)
		}
		return nil
	}}
}
