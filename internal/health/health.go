// Package health serves the liveness and readiness endpoints of the aptrium
// diagnostics server.
//
// GET /healthz answers 200 whenever the process can serve HTTP. GET /readyz
// runs every registered [Checker] in parallel and answers 200 only if all of
// them pass, 503 otherwise. Both reply with a JSON body such as
//
//	{"status":"fail","checks":{"session":"fail: last session failed: ...","history":"ok"}}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is one named readiness condition. Check returns nil when healthy
// and must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves both endpoints. The checker set is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New returns a Handler evaluating checkers on every readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, report{Status: "ok"})
}

// Readyz reports ok only when every checker passes within [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	outcomes := h.run(r.Context())

	rep := report{Status: "ok", Checks: make(map[string]string, len(outcomes))}
	code := http.StatusOK
	for i, err := range outcomes {
		name := h.checkers[i].Name
		if err == nil {
			rep.Checks[name] = "ok"
			continue
		}
		rep.Checks[name] = "fail: " + err.Error()
		rep.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, rep)
}

// run evaluates all checkers concurrently and returns their errors in
// registration order.
func (h *Handler) run(parent context.Context) []error {
	outcomes := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(parent, checkTimeout)
			defer cancel()
			outcomes[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func writeReport(w http.ResponseWriter, code int, rep report) {
	body, err := json.Marshal(rep)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}

// ── Checkers ─────────────────────────────────────────────────────────────────

// SessionReporter exposes how the most recent conversation session ended.
type SessionReporter interface {
	LastError() error
}

// SessionChecker fails while the most recent session ended with an error and
// recovers once a new session starts.
func SessionChecker(s SessionReporter) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			if err := s.LastError(); err != nil {
				return fmt.Errorf("last session failed: %w", err)
			}
			return nil
		},
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker names a connectivity check against p.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}
