package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the state of a circuit breaker
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
		return "half_open"
	default:
		return "unknown"
	}
}

// Config defines circuit breaker behavior for one external service
type Config struct {
	// FailureThreshold is the number of failures within the window that
	// opens the breaker
	FailureThreshold int

	// SuccessThreshold is the number of probe successes that closes the
	// breaker from half-open
	SuccessThreshold int

	// Timeout is how long the breaker stays open before the next Allow
	// transitions it to half-open
	Timeout time.Duration

	// HalfOpenMaxCalls caps the number of probe requests admitted while
	// half-open
	HalfOpenMaxCalls int

	// Window bounds the rolling failure window. Zero selects count-based
	// tracking: consecutive failures, reset by any success.
	Window time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
		Window:           60 * time.Second,
	}
}

// Transition describes a state change, published to arena observers
type Transition struct {
	Service string    `json:"service"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
}

// Breaker tracks failures against one external service. All methods are
// safe for concurrent use; invocation workers share one Breaker per
// service ID.
type Breaker struct {
	service string
	cfg     Config
	notify  func(Transition)

	mu            sync.Mutex
	state         State
	failures      []time.Time // rolling window mode
	failureCount  int         // count-based mode
	successes     int
	openedAt      time.Time
	halfOpenCalls int
}

// New creates a breaker for a service. notify may be nil.
func New(service string, cfg Config, notify func(Transition)) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultConfig().HalfOpenMaxCalls
	}

	return &Breaker{
		service: service,
		cfg:     cfg,
		notify:  notify,
		state:   StateClosed,
	}
}

// Allow reports whether a request to the service may proceed. A nil
// breaker denies: a missing state store must not let traffic through to
// a possibly degraded service.
//
// Allow is side-effecting: the open to half-open transition happens
// lazily on the first admission check after the timeout elapses, not on
// a background timer.
func (b *Breaker) Allow() bool {
	if b == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.Timeout {
			b.transition(StateHalfOpen)
			b.halfOpenCalls = 1
			b.successes = 0
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call outcome
func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		// Count-based tracking resets on success; the time window
		// prunes itself.
		if b.cfg.Window <= 0 {
			b.failureCount = 0
		}

	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.resetCounters()
		}
	}
}

// RecordFailure records a failed call outcome
func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if b.windowFailures() >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
			b.openedAt = time.Now()
			b.resetCounters()
		}

	case StateHalfOpen:
		// A single probe failure reopens immediately with a fresh
		// timeout.
		b.transition(StateOpen)
		b.openedAt = time.Now()
		b.resetCounters()
	}
}

// windowFailures records one failure and returns the failure count in
// the configured window. Caller holds the lock.
func (b *Breaker) windowFailures() int {
	now := time.Now()

	if b.cfg.Window <= 0 {
		b.failureCount++
		return b.failureCount
	}

	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)
	return len(b.failures)
}

// resetCounters clears rolling state. Caller holds the lock.
func (b *Breaker) resetCounters() {
	b.failures = b.failures[:0]
	b.failureCount = 0
	b.successes = 0
	b.halfOpenCalls = 0
}

// transition changes state and publishes the event. Caller holds the lock.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	log.Info().
		Str("service", b.service).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker transition")

	if b.notify != nil {
		ev := Transition{Service: b.service, From: from, To: to, At: time.Now()}
		// Observers run outside the lock.
		go b.notify(ev)
	}
}

// State returns the current state without side effects
func (b *Breaker) State() State {
	if b == nil {
		return StateOpen
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset is an administrative override forcing the breaker closed. This
// is the only permitted open-to-closed edge that skips half-open.
func (b *Breaker) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.resetCounters()
}

// Snapshot reports current counters for status and metrics
type Snapshot struct {
	Service       string    `json:"service"`
	State         string    `json:"state"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	HalfOpenCalls int       `json:"half_open_calls"`
}

// Snapshot returns a point-in-time view of the breaker
func (b *Breaker) Snapshot() Snapshot {
	if b == nil {
		return Snapshot{State: StateOpen.String()}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	failures := b.failureCount
	if b.cfg.Window > 0 {
		failures = len(b.failures)
	}

	return Snapshot{
		Service:       b.service,
		State:         b.state.String(),
		Failures:      failures,
		Successes:     b.successes,
		OpenedAt:      b.openedAt,
		HalfOpenCalls: b.halfOpenCalls,
	}
}
