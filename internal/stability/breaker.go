// Package stability protects the core from cascading failure and
// redundant work: circuit breakers around named downstreams, bounded
// retries for idempotent reads, and in-flight deduplication of identical
// read requests.
package stability

import (
	"sync"
	"time"

	"github.com/mnemon/mnemon/internal/errs"
	"github.com/mnemon/mnemon/internal/logging"
)

// State is a breaker's position in its lifecycle.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes one breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // open duration before a half-open probe
	SuccessThreshold int           // consecutive successes to close again
}

// Breaker is a circuit breaker around one named downstream.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &Breaker{name: name, cfg: cfg}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow admits or rejects a call. In Open, calls fail fast until the
// recovery timeout elapses; then exactly one probe is admitted.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.openedAt) < b.cfg.RecoveryTimeout {
			return errs.Newf(errs.KindCircuitOpen, "%s unavailable", b.name)
		}
		b.state = HalfOpen
		b.successes = 0
		b.probing = true
		logging.Info("stability", "breaker %s: open -> half-open", b.name)
		return nil
	default: // HalfOpen: one probe at a time
		if b.probing {
			return errs.Newf(errs.KindCircuitOpen, "%s probing", b.name)
		}
		b.probing = true
		return nil
	}
}

// record applies a call outcome to the state machine.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err == nil {
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = Closed
				logging.Info("stability", "breaker %s: half-open -> closed", b.name)
			}
		}
		return
	}

	// Rejections by the breaker itself don't count against the downstream.
	if errs.Is(err, errs.KindCircuitOpen) {
		return
	}

	b.successes = 0
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = time.Now()
		logging.Warn("stability", "breaker %s: half-open -> open", b.name)
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = time.Now()
			logging.Warn("stability", "breaker %s: closed -> open after %d failures", b.name, b.failures)
		}
	}
}

// Do runs fn through the breaker.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// Registry holds one breaker per named downstream.
type Registry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying cfg to every breaker it mints.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Breaker returns the breaker for name, creating it on first use.
func (r *Registry) Breaker(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Do runs fn through the named breaker.
func (r *Registry) Do(name string, fn func() error) error {
	return r.Breaker(name).Do(fn)
}

// States snapshots every breaker's state for metrics.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
