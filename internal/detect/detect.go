// Package detect defines the Detector Atom contract (spec.md §4.5) and the
// Detector Registry (spec.md §4.4) that catalogues installed detectors and
// resolves the enabled set for a named detection policy.
package detect

import (
	"context"
	"sort"
	"time"

	"github.com/greywing/botsentry/internal/pii"
	"github.com/greywing/botsentry/internal/signal"
)

// EarlyExitVerdict is the early-exit classification a Contribution may carry
// (spec.md §3).
type EarlyExitVerdict string

const (
	EarlyExitNone            EarlyExitVerdict = ""
	EarlyExitVerifiedBadBot  EarlyExitVerdict = "VerifiedBadBot"
	EarlyExitVerifiedGoodBot EarlyExitVerdict = "VerifiedGoodBot"
	EarlyExitWhitelisted     EarlyExitVerdict = "Whitelisted"
	EarlyExitBlacklisted     EarlyExitVerdict = "Blacklisted"
)

// Contribution is a single piece of evidence a detector submits for fusion
// (spec.md §3).
type Contribution struct {
	DetectorName     string
	Category         string
	ConfidenceDelta  float64 // [-1, +1]; positive = bot evidence
	Weight           float64 // >= 0
	Reason           string
	EarlyExitVerdict EarlyExitVerdict
	BotType          string
	BotName          string
	Signals          []string // diagnostic signal names this contribution is based on
}

// Request is the per-detection-call context an Atom receives. PII is nil
// unless the atom is registered with AccessesPII so the contract from
// spec.md §4.2 ("PII available only to PII-accessing detectors") is
// enforced by the orchestrator, not by convention.
type Request struct {
	RequestID string
	Sink      *signal.Sink
	PII       *pii.Datum
}

// Atom is the pluggable unit of evidence (spec.md §4.5).
type Atom interface {
	Name() string
	Category() string
	Detect(ctx context.Context, req Request) ([]Contribution, error)
}

// Metadata carries the registry-managed properties of an Atom: priority,
// timeout, optionality, PII access, and the signal patterns that must all be
// present before the atom is eligible to run.
type Metadata struct {
	Priority        int
	Timeout         time.Duration
	Enabled         bool
	Optional        bool
	AccessesPII     bool
	RequiredSignals []string
	Parameters      map[string]any
}

// Registered pairs an Atom with its Metadata and registration order (used to
// break priority ties, per spec.md §4.4).
type Registered struct {
	Atom    Atom
	Meta    Metadata
	ordinal int
}

// Registry is the catalogue of installed detectors (spec.md §4.4).
type Registry struct {
	byName   map[string]*Registered
	order    []string
	nextSeq  int
	policies map[string]Policy
}

// Policy selects a subset of registered detectors and overrides parameters
// for a detection policy (spec.md §6.1 DetectionPolicies).
type Policy struct {
	Name       string
	Enabled    bool
	Detectors  []string // empty means "all registered, enabled detectors"
	Parameters map[string]any
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*Registered),
		policies: make(map[string]Policy),
	}
}

// Register adds detector with meta. Idempotent by name: a second Register
// call for the same name replaces the metadata (but keeps original
// registration order) rather than erroring, since spec.md does not define
// re-registration as a failure mode.
func (r *Registry) Register(atom Atom, meta Metadata) {
	name := atom.Name()
	if existing, ok := r.byName[name]; ok {
		existing.Atom = atom
		existing.Meta = meta
		return
	}
	r.byName[name] = &Registered{Atom: atom, Meta: meta, ordinal: r.nextSeq}
	r.nextSeq++
	r.order = append(r.order, name)
}

// RegisterPolicy adds or replaces a named detection policy.
func (r *Registry) RegisterPolicy(p Policy) {
	r.policies[p.Name] = p
}

// Policy returns the named detection policy, if registered.
func (r *Registry) Policy(name string) (Policy, bool) {
	p, ok := r.policies[name]
	return p, ok
}

// GetEnabled returns the detectors enabled for policyName, ordered by
// descending priority with registration order breaking ties (spec.md §4.4).
// An empty or unknown policyName falls back to every registered, enabled
// detector.
func (r *Registry) GetEnabled(policyName string) []*Registered {
	var allow map[string]bool
	if p, ok := r.policies[policyName]; ok && p.Enabled && len(p.Detectors) > 0 {
		allow = make(map[string]bool, len(p.Detectors))
		for _, name := range p.Detectors {
			allow[name] = true
		}
	}

	out := make([]*Registered, 0, len(r.order))
	for _, name := range r.order {
		reg := r.byName[name]
		if !reg.Meta.Enabled {
			continue
		}
		if allow != nil && !allow[name] {
			continue
		}
		out = append(out, reg)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Meta.Priority != out[j].Meta.Priority {
			return out[i].Meta.Priority > out[j].Meta.Priority
		}
		return out[i].ordinal < out[j].ordinal
	})
	return out
}

// All returns every registered detector regardless of enablement, in
// registration order. Used by admin/diagnostic surfaces.
func (r *Registry) All() []*Registered {
	out := make([]*Registered, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Eligible reports whether every pattern in required matches at least one
// signal currently in sink (spec.md §4.5).
func Eligible(sink *signal.Sink, required []string) bool {
	for _, pattern := range required {
		if !sink.Has(pattern) {
			return false
		}
	}
	return true
}
