package builtin

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/greywing/botsentry/internal/detect"
	"github.com/greywing/botsentry/internal/reliability"
)

// Reputation is the result of an external reputation lookup (e.g. Project
// Honeypot's DNSBL) for a single IP.
type Reputation struct {
	Classification string // e.g. "Harvester", "CommentSpammer"
	ThreatScore    int    // 0-255, provider-defined
}

// ReputationSource performs the actual network lookup. Implementations wrap
// whatever external collaborator is configured (spec.md §1 treats the
// lookup itself as a pluggable collaborator; only this contract is
// specified).
type ReputationSource interface {
	Lookup(ctx context.Context, ip net.IP) (Reputation, error)
}

// HoneypotCache is the canonical caching strategy chosen for the open
// question in spec.md §9 ("two variants existed upstream with unclear
// canonicity"): a TTL-bounded cache keyed by IP with singleflight
// de-duplication of concurrent lookups for the same address, so a burst of
// requests from one IP triggers at most one upstream call per TTL window.
type HoneypotCache struct {
	source  ReputationSource
	ttl     time.Duration
	breaker *reliability.Breaker

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

type cacheEntry struct {
	rep       Reputation
	err       error
	expiresAt time.Time
}

// NewHoneypotCache builds a HoneypotCache. ttl <= 0 defaults to 10 minutes.
// Lookups against source are guarded by a circuit breaker so a flapping
// reputation provider can't stall every request behind it.
func NewHoneypotCache(source ReputationSource, ttl time.Duration) *HoneypotCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &HoneypotCache{
		source:  source,
		ttl:     ttl,
		breaker: reliability.NewBreaker("honeypot_reputation", reliability.DefaultConfig()),
		entries: make(map[string]cacheEntry),
	}
}

func (c *HoneypotCache) lookup(ctx context.Context, ip net.IP) (Reputation, error) {
	key := ip.String()

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.rep, entry.err
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		var rep Reputation
		lookupErr := c.breaker.ExecuteWithCategory(func() (error, reliability.ErrorCategory) {
			var lookupErr error
			rep, lookupErr = c.source.Lookup(ctx, ip)
			return lookupErr, reliability.CategorizeError(lookupErr)
		})

		c.mu.Lock()
		c.entries[key] = cacheEntry{rep: rep, err: lookupErr, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()

		return rep, lookupErr
	})
	if err != nil {
		return Reputation{}, err
	}
	return result.(Reputation), nil
}

// HoneypotLookup is the optional "Honeypot lookup" detector from spec.md
// §4.5: a threat score above threshold yields an early-exit VerifiedBadBot
// contribution.
type HoneypotLookup struct {
	cache     *HoneypotCache
	threshold int
}

// NewHoneypotLookup builds a HoneypotLookup. threshold <= 0 defaults to 50.
func NewHoneypotLookup(cache *HoneypotCache, threshold int) *HoneypotLookup {
	if threshold <= 0 {
		threshold = 50
	}
	return &HoneypotLookup{cache: cache, threshold: threshold}
}

func (h *HoneypotLookup) Name() string     { return "honeypot_lookup" }
func (h *HoneypotLookup) Category() string { return "Reputation" }

func (h *HoneypotLookup) Detect(ctx context.Context, req detect.Request) ([]detect.Contribution, error) {
	if req.PII == nil || req.PII.ClientIP == "" {
		return nil, nil
	}
	ip := net.ParseIP(req.PII.ClientIP)
	if ip == nil {
		return nil, nil
	}

	rep, err := h.cache.lookup(ctx, ip)
	if err != nil {
		return nil, err
	}
	if rep.ThreatScore < h.threshold {
		return nil, nil
	}

	req.Sink.Raise("ip.verified_bad", req.RequestID)
	return []detect.Contribution{{
		DetectorName:     h.Name(),
		Category:         h.Category(),
		ConfidenceDelta:  1.0,
		Weight:           1.0,
		Reason:           "honeypot reputation source classified this IP as " + rep.Classification,
		EarlyExitVerdict: detect.EarlyExitVerifiedBadBot,
		BotType:          rep.Classification,
		Signals:          []string{"ip.verified_bad"},
	}}, nil
}
