package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the protected function while the
// breaker is open or its half-open probes are exhausted.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold successful probes close a half-open breaker.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// MaxProbes caps concurrent calls while half-open.
	MaxProbes int

	// IsFailure decides which errors count against the backend. Errors
	// it rejects are passed through without affecting the state. Nil
	// counts every non-nil error.
	IsFailure func(err error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		MaxProbes:        1,
	}
}

type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailure  time.Time
	StateChanged time.Time
}

type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	probes       int
	lastFailure  time.Time
	stateChanged time.Time

	onStateChange func(from, to State)
}

func New(cfg Config) *CircuitBreaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = def.MaxProbes
	}
	return &CircuitBreaker{
		cfg:          cfg,
		now:          time.Now,
		stateChanged: time.Now(),
	}
}

// OnStateChange registers a callback run synchronously on every transition,
// outside the breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn through the breaker.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.acquire(); err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	cb.record(err)
	if err != nil {
		return zero, err
	}
	return result, nil
}

// Do is Execute for functions without a result.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	var from, to State
	changed := false

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.stateChanged) < cb.cfg.OpenTimeout {
			cb.mu.Unlock()
			return ErrOpen
		}
		from, to, changed = cb.transition(StateHalfOpen)
		cb.probes++
	case StateHalfOpen:
		if cb.probes >= cb.cfg.MaxProbes {
			cb.mu.Unlock()
			return ErrOpen
		}
		cb.probes++
	}
	notify := cb.onStateChange
	cb.mu.Unlock()

	if changed && notify != nil {
		notify(from, to)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	failed := err != nil
	if failed && cb.cfg.IsFailure != nil && !cb.cfg.IsFailure(err) {
		failed = false
	}

	cb.mu.Lock()
	var from, to State
	changed := false

	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	if failed {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			from, to, changed = cb.transition(StateOpen)
		}
	} else {
		cb.failures = 0
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
			from, to, changed = cb.transition(StateClosed)
		}
	}
	notify := cb.onStateChange
	cb.mu.Unlock()

	if changed && notify != nil {
		notify(from, to)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) (State, State, bool) {
	from := cb.state
	if from == to {
		return from, to, false
	}
	cb.state = to
	cb.stateChanged = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	return from, to, true
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailure:  cb.lastFailure,
		StateChanged: cb.stateChanged,
	}
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, to, changed := cb.transition(StateClosed)
	notify := cb.onStateChange
	cb.mu.Unlock()

	if changed && notify != nil {
		notify(from, to)
	}
}
