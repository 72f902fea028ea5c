// Package signal implements the per-request signal sink (spec.md §4.1): an
// append-only, arena-backed event log with a name index for exact lookups
// and single-wildcard glob matching for pattern queries, per the "arena +
// index" design note in spec.md §9.
package signal

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

// ErrMultiWildcard is returned by Sense/ClearPattern when a pattern contains
// more than one '*'. spec.md §4.1 requires this case to be documented as
// rejected rather than silently matched some other way.
var ErrMultiWildcard = errMultiWildcard{}

type errMultiWildcard struct{}

func (errMultiWildcard) Error() string {
	return "signal: pattern must be an exact name or a single prefix*suffix wildcard"
}

// Event is one raised signal. Name is always lower-cased on insert so lookups
// are case-insensitive per spec.md §3's Signal invariants.
type Event struct {
	Name      string
	Session   string
	Value     string // empty for a bare presence marker
	Timestamp time.Time
}

// HasValue reports whether Event carries a name:value suffix.
func (e Event) HasValue() bool { return e.Value != "" }

// Bool coerces the value to a boolean. A bare presence marker (no value) is
// true by convention, per spec.md §3.
func (e Event) Bool() bool {
	if e.Value == "" {
		return true
	}
	b, err := strconv.ParseBool(e.Value)
	return err == nil && b
}

// Int coerces the value to an integer, 0 on failure.
func (e Event) Int() int64 {
	n, _ := strconv.ParseInt(e.Value, 10, 64)
	return n
}

// Float coerces the value to a float64, 0 on failure.
func (e Event) Float() float64 {
	f, _ := strconv.ParseFloat(e.Value, 64)
	return f
}

// Config bounds a Sink's retention per spec.md §4.1.
type Config struct {
	MaxCapacity int           // oldest events dropped once exceeded; 0 = default
	MaxAge      time.Duration // events older than this are swept on next write; 0 = no age limit
}

// DefaultConfig matches the orchestrator's default max_signal_capacity /
// signal_retention_minutes (spec.md §6.1).
func DefaultConfig() Config {
	return Config{
		MaxCapacity: 4096,
		MaxAge:      10 * time.Minute,
	}
}

// Sink is the per-request, append-only signal store. It is safe for
// concurrent use by the hydrator and detector atoms running within one
// request's wave (spec.md §5).
type Sink struct {
	mu     sync.Mutex
	cfg    Config
	events []Event
	index  map[string][]int // exact name -> event indices, for sense(exact-name)
}

// New creates an empty Sink for one request.
func New(cfg Config) *Sink {
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = DefaultConfig().MaxCapacity
	}
	return &Sink{
		cfg:   cfg,
		index: make(map[string][]int),
	}
}

// Raise appends a bare presence marker: name (case-folded), e.g. "hydration.complete".
func (s *Sink) Raise(name, session string) {
	s.append(Event{Name: strings.ToLower(name), Session: session, Timestamp: time.Now()})
}

// RaiseValue appends name:value, value stringified per its dynamic type.
func (s *Sink) RaiseValue(name, session string, value any) {
	s.append(Event{
		Name:      strings.ToLower(name),
		Session:   session,
		Value:     stringifyValue(value),
		Timestamp: time.Now(),
	})
}

func stringifyValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// append drops the oldest event on capacity overflow (silent, per spec.md
// §4.1 failure semantics) and sweeps age-expired events before indexing.
func (s *Sink) append(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()

	if s.cfg.MaxCapacity > 0 && len(s.events) >= s.cfg.MaxCapacity {
		s.events = s.events[1:]
		s.rebuildIndexLocked()
	}

	s.events = append(s.events, e)
	s.index[e.Name] = append(s.index[e.Name], len(s.events)-1)
}

func (s *Sink) sweepLocked() {
	if s.cfg.MaxAge <= 0 || len(s.events) == 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.MaxAge)
	kept := s.events[:0:0]
	for _, e := range s.events {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(s.events) {
		s.events = kept
		s.rebuildIndexLocked()
	}
}

func (s *Sink) rebuildIndexLocked() {
	s.index = make(map[string][]int, len(s.index))
	for i, e := range s.events {
		s.index[e.Name] = append(s.index[e.Name], i)
	}
}

// Sense returns every event whose name, or for a valued event whose
// lower-cased name:value form, satisfies pattern, in insertion order.
// pattern is either an exact name, or exactly one '*' dividing prefix*suffix
// (spec.md §4.1); any other number of wildcards is rejected.
func (s *Sink) Sense(pattern string) ([]Event, error) {
	pattern = strings.ToLower(pattern)
	if strings.Count(pattern, "*") > 1 {
		return nil, ErrMultiWildcard
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wild := strings.Contains(pattern, "*")
	if !wild && !strings.Contains(pattern, ":") {
		idxs := s.index[pattern]
		out := make([]Event, 0, len(idxs))
		for _, i := range idxs {
			out = append(out, s.events[i])
		}
		return out, nil
	}

	out := make([]Event, 0)
	for _, e := range s.events {
		full := e.Name
		if e.HasValue() {
			full = strings.ToLower(e.Name + ":" + e.Value)
		}
		if wild && (wildcard.Match(pattern, e.Name) || wildcard.Match(pattern, full)) ||
			!wild && (e.Name == pattern || full == pattern) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Has is a convenience wrapper: true iff Sense(pattern) would return at
// least one event. Used by the orchestrator's wave-eligibility check
// (spec.md §4.6).
func (s *Sink) Has(pattern string) bool {
	events, err := s.Sense(pattern)
	return err == nil && len(events) > 0
}

// All returns a snapshot of every event currently in the sink, insertion
// ordered. Used by the evidence aggregator to populate the merged signal
// view.
func (s *Sink) All() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ClearPattern removes every event whose name matches pattern (administrative
// operation from spec.md §4.1). Same single-wildcard rule as Sense.
func (s *Sink) ClearPattern(pattern string) error {
	pattern = strings.ToLower(pattern)
	if strings.Count(pattern, "*") > 1 {
		return ErrMultiWildcard
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0:0]
	for _, e := range s.events {
		var match bool
		if strings.Contains(pattern, "*") {
			match = wildcard.Match(pattern, e.Name)
		} else {
			match = e.Name == pattern
		}
		if !match {
			kept = append(kept, e)
		}
	}
	s.events = kept
	s.rebuildIndexLocked()
	return nil
}

// Len reports the current event count.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
