// Package reliability provides a circuit breaker that shields outbound calls
// to external reputation and DNS services from cascade failures: once an
// upstream starts erroring repeatedly, the breaker trips and short-circuits
// further calls until a backoff window elapses.
package reliability

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is tripped and calls are blocked.
	StateOpen
	// StateHalfOpen means the circuit is testing if the upstream has recovered.
	StateHalfOpen
)

// String returns the state as a string.
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

// ErrorCategory categorizes different error types for appropriate handling.
type ErrorCategory int

const (
	// ErrorCategoryTransient indicates a temporary error that should trigger backoff.
	ErrorCategoryTransient ErrorCategory = iota
	// ErrorCategoryRateLimit indicates rate limiting - respect Retry-After semantics.
	ErrorCategoryRateLimit
	// ErrorCategoryInvalid indicates a malformed call that won't succeed on retry.
	ErrorCategoryInvalid
	// ErrorCategoryFatal indicates an unrecoverable error (e.g. a dead upstream credential).
	ErrorCategoryFatal
)

// Config configures the circuit breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close from half-open.
	SuccessThreshold int
	// InitialBackoff is the initial backoff duration after opening.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor to multiply backoff by after each failed probe.
	BackoffMultiplier float64
}

// DefaultConfig returns sensible defaults for a lookup-shaped dependency:
// three consecutive failures trips it, backoff starts at a second and caps
// at a minute so a flapping reputation feed or resolver doesn't stay dark
// longer than necessary.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Breaker implements the circuit breaker pattern around a single external
// dependency (a reputation source, a DNS resolver). Its only entry point is
// ExecuteWithCategory; every other state transition is internal.
type Breaker struct {
	mu sync.Mutex

	config Config
	state  State
	name   string

	consecutiveFailures  int
	consecutiveSuccesses int

	currentBackoff        time.Duration
	openedAt              time.Time
	halfOpenProbeInFlight bool
}

// NewBreaker creates a new circuit breaker with the given configuration.
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = time.Minute
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	return &Breaker{
		config:         config,
		state:          StateClosed,
		name:           name,
		currentBackoff: config.InitialBackoff,
	}
}

// allow reports whether a call may proceed, transitioning open -> half-open
// once the backoff window has elapsed.
func (b *Breaker) allow() bool {
	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) >= b.currentBackoff {
			b.transitionTo(StateHalfOpen)
			b.halfOpenProbeInFlight = true
			log.Info().
				Str("breaker", b.name).
				Str("state", "half-open").
				Msg("circuit breaker probing upstream after backoff")
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true

	default:
		return true
	}
}

func (b *Breaker) recordSuccess() {
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == StateHalfOpen {
		b.halfOpenProbeInFlight = false
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
			b.currentBackoff = b.config.InitialBackoff
			log.Info().
				Str("breaker", b.name).
				Str("state", "closed").
				Msg("circuit breaker recovered and closed")
		}
	}
}

func (b *Breaker) recordFailure(err error, category ErrorCategory) {
	b.consecutiveSuccesses = 0

	switch category {
	case ErrorCategoryInvalid, ErrorCategoryFatal:
		// Won't be fixed by waiting; don't move the failure counter toward
		// tripping on account of a malformed or unrecoverable call.
		if b.state == StateHalfOpen {
			b.halfOpenProbeInFlight = false
		}
		log.Warn().
			Str("breaker", b.name).
			Err(err).
			Str("category", "non-transient").
			Msg("circuit breaker ignoring non-transient error")
		return

	case ErrorCategoryRateLimit:
		b.consecutiveFailures = b.config.FailureThreshold

	default:
		b.consecutiveFailures++
	}

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.tripCircuit(err)
		}

	case StateHalfOpen:
		b.halfOpenProbeInFlight = false
		b.currentBackoff = time.Duration(float64(b.currentBackoff) * b.config.BackoffMultiplier)
		if b.currentBackoff > b.config.MaxBackoff {
			b.currentBackoff = b.config.MaxBackoff
		}
		b.tripCircuit(err)
	}
}

func (b *Breaker) tripCircuit(err error) {
	b.transitionTo(StateOpen)
	b.openedAt = time.Now()
	b.halfOpenProbeInFlight = false

	log.Warn().
		Str("breaker", b.name).
		Dur("backoff", b.currentBackoff).
		Int("failures", b.consecutiveFailures).
		Err(err).
		Msg("circuit breaker tripped")
}

func (b *Breaker) transitionTo(newState State) {
	b.state = newState
}

// ExecuteWithCategory wraps a call with circuit breaker logic and error
// categorization: a non-transient failure (invalid/fatal) never counts
// toward tripping, a rate-limit response trips immediately, and anything
// else counts as a transient failure toward FailureThreshold.
func (b *Breaker) ExecuteWithCategory(operation func() (error, ErrorCategory)) error {
	b.mu.Lock()
	if !b.allow() {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.mu.Unlock()

	err, category := operation()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure(err, category)
		return err
	}
	b.recordSuccess()
	return nil
}

// circuitOpenError is the error type returned when a call is blocked by an
// open circuit.
type circuitOpenError struct{}

func (e circuitOpenError) Error() string {
	return "circuit breaker is open"
}

// ErrCircuitOpen is returned when a call is blocked by an open circuit.
var ErrCircuitOpen error = circuitOpenError{}

// IsCircuitOpen checks if an error is a circuit open error.
func IsCircuitOpen(err error) bool {
	_, ok := err.(circuitOpenError)
	return ok
}

// CategorizeError categorizes an error returned by a reputation lookup or DNS
// resolution for circuit breaker handling.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryTransient
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, "rate limit", "429", "too many requests", "quota exceeded") {
		return ErrorCategoryRateLimit
	}

	if containsAny(errStr, "400", "bad request", "invalid", "malformed", "no such host", "nxdomain") {
		return ErrorCategoryInvalid
	}

	if containsAny(errStr, "401", "403", "unauthorized", "forbidden", "api key") {
		return ErrorCategoryFatal
	}

	return ErrorCategoryTransient
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
