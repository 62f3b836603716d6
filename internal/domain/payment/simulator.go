package payment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

var declineReasons = map[Method][]string{
	MethodCard: {
		"Card declined by issuer",
		"Insufficient funds",
		"Card expired",
		"Transaction limit exceeded",
		"Invalid card number",
	},
	MethodUPI: {
		"UPI PIN incorrect",
		"Transaction timeout",
		"UPI service unavailable",
		"Account balance insufficient",
		"Transaction declined by bank",
	},
}

// Config tunes the simulated gateway.
type Config struct {
	CardApprovalRate float64
	UPIApprovalRate  float64
	CashLatency      time.Duration
	CardLatency      time.Duration
	UPILatency       time.Duration
	RefundLatency    time.Duration
	// Seed makes approvals and references reproducible when non-zero.
	Seed uint64
}

// DefaultConfig mirrors a typical card network: most card and UPI payments
// clear, with network latency in the hundreds of milliseconds.
func DefaultConfig() Config {
	return Config{
		CardApprovalRate: 0.95,
		UPIApprovalRate:  0.92,
		CashLatency:      100 * time.Millisecond,
		CardLatency:      500 * time.Millisecond,
		UPILatency:       700 * time.Millisecond,
		RefundLatency:    300 * time.Millisecond,
	}
}

var _ Gateway = (*Simulator)(nil)

// Simulator is a probabilistic Gateway. Cash is decided deterministically,
// card and UPI approve with a fixed per-method probability, refunds always
// succeed.
type Simulator struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	rng   *rand.Rand
	stamp string
	seq   int
}

// NewSimulator creates a Simulator.
func NewSimulator(cfg Config) *Simulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Simulator{
		cfg: cfg,
		now: time.Now,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Authorize implements Gateway.
func (s *Simulator) Authorize(ctx context.Context, req Request) (*Result, error) {
	if err := ValidateAccount(req.Method, req.Account); err != nil {
		return nil, err
	}

	var (
		latency time.Duration
		rate    float64
	)
	switch req.Method {
	case MethodCash:
		latency = s.cfg.CashLatency
	case MethodCard:
		latency, rate = s.cfg.CardLatency, s.cfg.CardApprovalRate
	case MethodUPI:
		latency, rate = s.cfg.UPILatency, s.cfg.UPIApprovalRate
	default:
		return nil, ErrUnsupportedMethod
	}

	if err := wait(ctx, latency); err != nil {
		return nil, err
	}

	res := &Result{
		Method:      req.Method,
		Account:     maskAccount(req.Method, req.Account),
		Amount:      req.Amount,
		Paid:        req.Amount,
		ProcessedAt: s.now(),
	}

	if req.Method == MethodCash {
		if req.Tendered < req.Amount {
			return nil, &InsufficientPaymentError{Required: req.Amount, Tendered: req.Tendered}
		}
		res.Paid = req.Tendered
		res.Change = req.Tendered - req.Amount
		res.Reference = s.reference(req.Method.prefix())
		res.Message = "Cash payment accepted"
		return res, nil
	}

	approved, reason := s.roll(req.Method, rate)
	if !approved {
		return nil, &DeclinedError{Method: req.Method, Reason: reason}
	}
	res.Reference = s.reference(req.Method.prefix())
	res.Message = "Payment approved"
	return res, nil
}

// Refund implements Gateway. It never declines.
func (s *Simulator) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if err := wait(ctx, s.cfg.RefundLatency); err != nil {
		return nil, err
	}
	return &Result{
		Method:      req.Method,
		Reference:   "REF-" + s.reference(req.Method.prefix()),
		Amount:      req.Amount,
		Paid:        req.Amount,
		Message:     "Refund issued against " + req.OriginalReference,
		ProcessedAt: s.now(),
	}, nil
}

func (s *Simulator) roll(m Method, rate float64) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rng.Float64() < rate {
		return true, ""
	}
	reasons := declineReasons[m]
	return false, reasons[s.rng.IntN(len(reasons))]
}

// reference returns PREFIX-yyyymmddhhmmssNNNNNN. Within one second the
// six-digit suffix walks forward from a random start, so references from one
// simulator never repeat.
func (s *Simulator) reference(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := s.now().UTC().Format("20060102150405")
	if stamp != s.stamp {
		s.stamp = stamp
		s.seq = s.rng.IntN(1_000_000)
	} else {
		s.seq = (s.seq + 1) % 1_000_000
	}
	return fmt.Sprintf("%s-%s%06d", prefix, stamp, s.seq)
}

// wait models network latency without blocking other requests.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
