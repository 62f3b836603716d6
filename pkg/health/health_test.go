package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probeBody struct {
	Status string
	Checks map[string]string
}

func decode(t *testing.T, w *httptest.ResponseRecorder) probeBody {
	t.Helper()
	var b probeBody
	d := jx.DecodeBytes(w.Body.Bytes())
	require.NoError(t, d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			s, err := d.Str()
			b.Status = s
			return err
		case "checks":
			b.Checks = map[string]string{}
			return d.Obj(func(d *jx.Decoder, key string) error {
				s, err := d.Str()
				b.Checks[key] = s
				return err
			})
		default:
			return d.Skip()
		}
	}))
	return b
}

func failing(msg string) Check {
	return func(context.Context) error { return errors.New(msg) }
}

func passing(context.Context) error { return nil }

func (r *Registry) tickAll(n int) {
	for range n {
		for _, c := range r.checks {
			c.tick(context.Background())
		}
	}
}

func TestLivez(t *testing.T) {
	tests := []struct {
		name       string
		check      Check
		ticks      int
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{name: "passing", check: passing, ticks: 3, wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "below threshold", check: failing("refused"), ticks: 2, wantCode: http.StatusOK, wantStatus: "ok"},
		{
			name:       "at threshold",
			check:      failing("refused"),
			ticks:      3,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantChecks: map[string]string{"db": "refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			r.Register(Liveness, "db", Options{}, tt.check)
			r.tickAll(tt.ticks)

			w := httptest.NewRecorder()
			r.Livez(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			body := decode(t, w)
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, tt.wantChecks, body.Checks)
		})
	}
}

func TestReadyz_Gate(t *testing.T) {
	r := New()
	r.Register(Readiness, "db", Options{}, passing)

	w := httptest.NewRecorder()
	r.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decode(t, w).Checks, "_gate")
	assert.False(t, r.Ready())

	r.SetReady(true)
	w = httptest.NewRecorder()
	r.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, r.Ready())
}

func TestRecovery(t *testing.T) {
	healthy := false
	r := New()
	r.SetReady(true)
	r.Register(Readiness, "db", Options{FailureThreshold: 1, SuccessThreshold: 2}, func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("down")
	})

	r.tickAll(1)
	assert.False(t, r.Ready())

	healthy = true
	r.tickAll(1)
	assert.False(t, r.Ready(), "one pass is below the success threshold")
	r.tickAll(1)
	assert.True(t, r.Ready())
}

func TestRun_StopsWithContext(t *testing.T) {
	r := New()
	calls := make(chan struct{}, 16)
	r.Register(Liveness, "tick", Options{}, func(context.Context) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, time.Millisecond) }()

	<-calls
	<-calls
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCheckers(t *testing.T) {
	require.NoError(t, Goroutines(1_000_000)(context.Background()))
	require.Error(t, Goroutines(0)(context.Background()))

	require.NoError(t, Ping(pingerFunc(func(context.Context) error { return nil }))(context.Background()))
	require.Error(t, Ping(pingerFunc(func(context.Context) error { return errors.New("no route") }))(context.Background()))
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }
