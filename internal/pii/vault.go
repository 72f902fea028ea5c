// Package pii implements the short-lived, per-request container of raw
// identifying data (spec.md §4.2). Its contents are never copied into the
// signal sink: the only way out of the vault in a form safe to log or raise
// as a signal is through Digest, which returns a one-way keyed hash.
package pii

import (
	"sync"
)

// GeoLocation is the optional geo enrichment attached to a PII Datum.
type GeoLocation struct {
	Country  string
	Region   string
	City     string
	Lat      float64
	Lon      float64
	Timezone string
}

// Datum holds the raw identifying fields for one request (spec.md §3).
type Datum struct {
	ClientIP       string
	UserAgent      string
	AcceptLanguage string
	Referer        string
	SessionID      string
	GeoLocation    *GeoLocation
}

// Vault is the process-wide, request-keyed store. Every operation is O(1).
// Entries must be cleared on every request exit path (success, error, or
// cancellation) per spec.md §4.2's invariant.
type Vault struct {
	mu      sync.RWMutex
	entries map[string]Datum
}

// New creates an empty Vault.
func New() *Vault {
	return &Vault{entries: make(map[string]Datum)}
}

// Store records pii under requestID, overwriting any prior entry.
func (v *Vault) Store(requestID string, datum Datum) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[requestID] = datum
}

// Get returns the datum for requestID and whether it was present. Per
// spec.md §4.2, callers outside of PII-accessing detectors should not be
// wired to this method at all; the contract is enforced by which
// collaborators a detector atom declares (see internal/detect), not by
// Vault itself.
func (v *Vault) Get(requestID string) (Datum, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	d, ok := v.entries[requestID]
	return d, ok
}

// Clear removes requestID's entry. Safe to call more than once.
func (v *Vault) Clear(requestID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.entries, requestID)
}

// Len reports the number of live entries (diagnostic use only).
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}
