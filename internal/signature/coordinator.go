// Package signature implements the Signature Coordinator (spec.md §4.8): a
// process-wide map from client signature to rolling state, with LRU+TTL
// eviction and an EMA-smoothed view of recent bot_probability/confidence.
package signature

import (
	"container/list"
	"sync"
	"time"

	"github.com/greywing/botsentry/internal/evidence"
	"github.com/greywing/botsentry/internal/logging"
)

// RequestMetadata is the per-request context recorded alongside evidence.
type RequestMetadata struct {
	Path   string
	Method string
}

// State is the rolling state tracked per client signature (spec.md §3
// "Client Signature").
type State struct {
	PrimarySignature string
	HitCount         int
	BotProbability   float64 // EMA-smoothed
	Confidence       float64 // EMA-smoothed
	RiskBand         evidence.RiskBand
	LastSeen         time.Time
	BotName          string
	BotType          string
	LastPath         string
	PathFrequency    map[string]int

	ProbabilityHistory []float64
	ConfidenceHistory  []float64
	ProcessingHistory  []int64
}

// clone returns a value copy safe to hand to callers outside the lock.
func (s *State) clone() State {
	out := *s
	out.PathFrequency = make(map[string]int, len(s.PathFrequency))
	for k, v := range s.PathFrequency {
		out.PathFrequency[k] = v
	}
	out.ProbabilityHistory = append([]float64(nil), s.ProbabilityHistory...)
	out.ConfidenceHistory = append([]float64(nil), s.ConfidenceHistory...)
	out.ProcessingHistory = append([]int64(nil), s.ProcessingHistory...)
	return out
}

// Config configures the Signature Coordinator.
type Config struct {
	MaxEntries  int           // eviction ceiling; 0 means DefaultConfig's 100000
	TTL         time.Duration // entries unseen for this long are swept
	HistorySize int           // ring buffer length for sparkline histories
	Alpha       float64       // EMA smoothing factor in (0,1]
}

// DefaultConfig matches spec.md's stated default buffer size of 60 and a
// conservative 30-minute TTL.
func DefaultConfig() Config {
	return Config{
		MaxEntries:  100000,
		TTL:         30 * time.Minute,
		HistorySize: 60,
		Alpha:       0.3,
	}
}

type entry struct {
	state   State
	lruElem *list.Element
}

// Coordinator is the process-wide Signature Coordinator. Concurrency is a
// single coarse mutex: spec.md §5 permits "coarse lock or per-key
// partitioning" and the access pattern here (brief, in-memory map
// operations) never blocks a request beyond one update.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently seen

	store Persister
}

// Persister is the optional write-through persistence hook (spec.md doesn't
// mandate durable signature state; this lets a deployment opt in). Record
// calls SaveState synchronously after releasing the coordinator lock, so a
// slow store delays that Record call but not concurrent ones.
type Persister interface {
	SaveState(signature string, s State) error
}

// New builds a Coordinator. store may be nil to disable persistence.
func New(cfg Config, store Persister) *Coordinator {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 60
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.3
	}
	return &Coordinator{
		cfg:     cfg,
		entries: make(map[string]*entry),
		lru:     list.New(),
		store:   store,
	}
}

// Key builds the default composite signature key (spec.md §3: "(remote_ip,
// user_agent_digest)").
func Key(remoteIP, userAgentDigest string) string {
	return remoteIP + "|" + userAgentDigest
}

// Record performs the atomic update described in spec.md §4.8: hit_count++,
// last_seen refresh, rolling-history append, EMA update, and bot name/type
// refresh when ev supplies them.
func (c *Coordinator) Record(sig string, ev evidence.Evidence, meta RequestMetadata) State {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[sig]
	if !ok {
		e = &entry{state: State{PrimarySignature: sig, PathFrequency: make(map[string]int)}}
		e.lruElem = c.lru.PushFront(sig)
		c.entries[sig] = e
		c.evictOverflowLocked()
	} else {
		c.lru.MoveToFront(e.lruElem)
	}

	s := &e.state
	s.HitCount++
	s.LastSeen = now
	if ev.PrimaryBotName != "" {
		s.BotName = ev.PrimaryBotName
	}
	if ev.PrimaryBotType != "" {
		s.BotType = ev.PrimaryBotType
	}
	if meta.Path != "" {
		s.LastPath = meta.Path
		s.PathFrequency[meta.Path]++
	}
	s.RiskBand = ev.RiskBand

	s.BotProbability = ema(s.BotProbability, ev.BotProbability, s.HitCount, c.cfg.Alpha)
	s.Confidence = ema(s.Confidence, ev.Confidence, s.HitCount, c.cfg.Alpha)

	s.ProbabilityHistory = appendBounded(s.ProbabilityHistory, ev.BotProbability, c.cfg.HistorySize)
	s.ConfidenceHistory = appendBounded(s.ConfidenceHistory, ev.Confidence, c.cfg.HistorySize)
	s.ProcessingHistory = appendBoundedInt64(s.ProcessingHistory, ev.ProcessingTimeMS, c.cfg.HistorySize)

	snapshot := s.clone()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveState(sig, snapshot); err != nil {
			logging.WithSignature(sig).Warn().Err(err).Msg("failed to persist signature state")
		}
	}

	return snapshot
}

// ema computes an exponential moving average, seeding with the first sample
// rather than 0 so a single hit isn't dragged toward zero.
func ema(previous, sample float64, hitCount int, alpha float64) float64 {
	if hitCount <= 1 {
		return sample
	}
	return alpha*sample + (1-alpha)*previous
}

func appendBounded(history []float64, v float64, limit int) []float64 {
	history = append(history, v)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

func appendBoundedInt64(history []int64, v int64, limit int) []int64 {
	history = append(history, v)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// Get returns the current state for sig, if present and not expired.
func (c *Coordinator) Get(sig string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sig]
	if !ok {
		return State{}, false
	}
	if time.Since(e.state.LastSeen) > c.cfg.TTL {
		return State{}, false
	}
	return e.state.clone(), true
}

// Filter narrows a List call; nil matches everything.
type Filter func(State) bool

// List returns up to limit entries (most-recently-seen first) matching
// filter. limit <= 0 means unbounded.
func (c *Coordinator) List(limit int, filter Filter) []State {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]State, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		sig := el.Value.(string)
		e := c.entries[sig]
		if filter != nil && !filter(e.state) {
			continue
		}
		out = append(out, e.state.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Sweep evicts every entry not seen within TTL. Call periodically from a
// background goroutine; Record and Get also self-heal but never proactively
// free memory for signatures that stop appearing entirely.
func (c *Coordinator) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.cfg.TTL)
	evicted := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		sig := el.Value.(string)
		if c.entries[sig].state.LastSeen.Before(cutoff) {
			c.lru.Remove(el)
			delete(c.entries, sig)
			evicted++
		}
		el = prev
	}
	return evicted
}

// evictOverflowLocked drops least-recently-seen entries until the map is
// within MaxEntries. Caller must hold c.mu.
func (c *Coordinator) evictOverflowLocked() {
	for len(c.entries) > c.cfg.MaxEntries {
		back := c.lru.Back()
		if back == nil {
			return
		}
		sig := back.Value.(string)
		c.lru.Remove(back)
		delete(c.entries, sig)
	}
}

// Len reports the number of tracked signatures.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
