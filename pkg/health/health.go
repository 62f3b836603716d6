// Package health serves liveness and readiness probes for the register API.
//
// Every probe check runs on its own ticker. A check flips to failing only
// after FailureThreshold consecutive errors and back after SuccessThreshold
// consecutive passes, so a single slow database ping does not take the
// register out of rotation.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"golang.org/x/sync/errgroup"
)

// Check returns nil when the checked component is healthy.
type Check func(ctx context.Context) error

// Probe selects the endpoint a check contributes to.
type Probe int

const (
	Liveness Probe = iota
	Readiness
)

// Options tunes a single check. Zero fields take defaults.
type Options struct {
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 1
	}
	return o
}

// probeCheck holds runtime state. fails and passes are touched only by the
// goroutine running the check; failing and lastErr are read by handlers.
type probeCheck struct {
	name  string
	probe Probe
	opts  Options
	fn    Check

	failing atomic.Bool
	lastErr atomic.Pointer[string]

	fails, passes int
}

func (c *probeCheck) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.fn(ctx); err != nil {
		msg := err.Error()
		c.lastErr.Store(&msg)
		c.passes = 0
		if c.fails++; c.fails >= c.opts.FailureThreshold {
			c.failing.Store(true)
		}
		return
	}
	c.fails = 0
	if c.passes++; c.passes >= c.opts.SuccessThreshold {
		c.failing.Store(false)
	}
}

// Registry owns the registered checks and the manual readiness gate.
type Registry struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks []*probeCheck
}

// New returns a Registry that reports not ready until SetReady(true).
func New() *Registry {
	return &Registry{}
}

// Register adds a check. Checks start passing.
func (r *Registry) Register(p Probe, name string, opts Options, fn Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, &probeCheck{name: name, probe: p, opts: opts.withDefaults(), fn: fn})
}

// SetReady toggles the readiness gate. Flip it off first when draining.
func (r *Registry) SetReady(ready bool) {
	r.ready.Store(ready)
}

// Run executes every check immediately and then once per interval until ctx
// is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	r.mu.RLock()
	checks := append([]*probeCheck(nil), r.checks...)
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range checks {
		g.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				c.tick(ctx)
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
			}
		})
	}
	return g.Wait()
}

// failures lists failing checks of probe p by name.
func (r *Registry) failures(p Probe) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string)
	for _, c := range r.checks {
		if c.probe != p || !c.failing.Load() {
			continue
		}
		msg := "check is failing"
		if last := c.lastErr.Load(); last != nil {
			msg = *last
		}
		out[c.name] = msg
	}
	return out
}

// Ready reports whether the gate is open and no readiness check is failing.
func (r *Registry) Ready() bool {
	return r.ready.Load() && len(r.failures(Readiness)) == 0
}

// Livez serves the liveness probe.
func (r *Registry) Livez(w http.ResponseWriter, _ *http.Request) {
	write(w, r.failures(Liveness))
}

// Readyz serves the readiness probe.
func (r *Registry) Readyz(w http.ResponseWriter, _ *http.Request) {
	failures := r.failures(Readiness)
	if !r.ready.Load() {
		failures["_gate"] = "service is not ready"
	}
	write(w, failures)
}

func write(w http.ResponseWriter, failures map[string]string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) {
			if len(failures) == 0 {
				e.Str("ok")
			} else {
				e.Str("unhealthy")
			}
		})
		if len(failures) == 0 {
			return
		}
		names := make([]string, 0, len(failures))
		for n := range failures {
			names = append(names, n)
		}
		sort.Strings(names)
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, n := range names {
					e.Field(n, func(e *jx.Encoder) { e.Str(failures[n]) })
				}
			})
		})
	})

	w.Header().Set("Content-Type", "application/json")
	if len(failures) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(e.Bytes())
}
