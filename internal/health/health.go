// Package health serves the bridge's liveness and readiness probes and runs
// the same checks as a startup prerequisite test.
//
// /healthz answers 200 while the process can serve HTTP and reports the
// live call state. /readyz answers 200 only when every [Check] passes: the
// agent credential is present and the configured audio endpoints resolve.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const checkTimeout = 5 * time.Second

// Check is one named readiness probe. Probe returns nil when healthy.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Report is the outcome of one [Handler.Run].
type Report struct {
	// Failures maps check names to their errors. Nil when all passed.
	Failures map[string]error

	// Names lists every check that ran, sorted.
	Names []string
}

// OK reports whether every check passed.
func (r Report) OK() bool { return len(r.Failures) == 0 }

// body is the JSON written by both endpoints.
type body struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Info   map[string]string `json:"info,omitempty"`
}

// Handler serves /healthz and /readyz. The check list is fixed at
// construction.
type Handler struct {
	checks []Check
	info   func() map[string]string
}

// Option configures a [Handler].
type Option func(*Handler)

// WithInfo adds fields reported on both endpoints under "info", such as
// the call state. fn is called on every request.
func WithInfo(fn func() map[string]string) Option {
	return func(h *Handler) { h.info = fn }
}

// New returns a Handler over checks.
func New(checks []Check, opts ...Option) *Handler {
	h := &Handler{checks: append([]Check(nil), checks...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run evaluates every check concurrently, each under its own deadline.
func (h *Handler) Run(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		rep = Report{Names: make([]string, 0, len(h.checks))}
	)
	var g errgroup.Group
	for _, c := range h.checks {
		rep.Names = append(rep.Names, c.Name)
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			if err := c.Probe(cctx); err != nil {
				mu.Lock()
				if rep.Failures == nil {
					rep.Failures = make(map[string]error)
				}
				rep.Failures[c.Name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(rep.Names)
	return rep
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, body{Status: "ok", Info: h.infoFields()})
}

// Readyz answers 200 when every check passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Run(r.Context())
	b := body{Status: "ok", Checks: make(map[string]string, len(rep.Names)), Info: h.infoFields()}
	for _, name := range rep.Names {
		b.Checks[name] = "ok"
		if err := rep.Failures[name]; err != nil {
			b.Checks[name] = "fail: " + err.Error()
		}
	}
	code := http.StatusOK
	if !rep.OK() {
		b.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, b)
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) infoFields() map[string]string {
	if h.info == nil {
		return nil
	}
	return h.info()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
