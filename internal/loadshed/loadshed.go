// Package loadshed samples host CPU pressure and turns it into a
// multiplicative input the Throttle action can optionally lean on
// (SPEC_FULL.md §C, ThrottleConfig.ScaleByHostLoad) — a supplement beyond
// the distilled spec, grounded on the teacher's internal/hostmetrics
// collector, which samples gopsutil the same way: package-level function
// variables standing in for the gopsutil call so tests can substitute a
// fixed reading instead of depending on the real host.
package loadshed

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/load"
)

// loadAvg is overridden in tests, mirroring the teacher's hostmetrics
// collector pattern of swappable gopsutil call variables.
var loadAvg = load.AvgWithContext

// Sampler periodically reads 1-minute load average and exposes a smoothed
// multiplier for Throttle's optional host-load scaling term. A reading
// above HighWatermark (relative to NumCPU, supplied by the caller) maps to
// a multiplier above 1; at or below LowWatermark it is 1 (no effect).
type Sampler struct {
	mu         sync.RWMutex
	multiplier float64

	numCPU        int
	lowWatermark  float64 // load/core ratio below which multiplier is 1.0
	highWatermark float64 // load/core ratio at/above which multiplier saturates at maxMultiplier
	maxMultiplier float64

	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// Config tunes the sampler's watermarks; all fields have sane defaults via
// NewSampler when left zero.
type Config struct {
	NumCPU        int
	LowWatermark  float64
	HighWatermark float64
	MaxMultiplier float64
	Interval      time.Duration
}

// DefaultConfig returns a gentle default: below 50% per-core load the
// multiplier is 1, scaling linearly up to 3x at 100%+ per-core load.
func DefaultConfig(numCPU int) Config {
	if numCPU < 1 {
		numCPU = 1
	}
	return Config{
		NumCPU:        numCPU,
		LowWatermark:  0.5,
		HighWatermark: 1.0,
		MaxMultiplier: 3.0,
		Interval:      5 * time.Second,
	}
}

// NewSampler builds a Sampler with multiplier 1 (no effect) until the first
// sample completes.
func NewSampler(cfg Config) *Sampler {
	if cfg.NumCPU < 1 {
		cfg.NumCPU = 1
	}
	if cfg.HighWatermark <= cfg.LowWatermark {
		cfg.HighWatermark = cfg.LowWatermark + 0.5
	}
	if cfg.MaxMultiplier < 1 {
		cfg.MaxMultiplier = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Sampler{
		multiplier:    1.0,
		numCPU:        cfg.NumCPU,
		lowWatermark:  cfg.LowWatermark,
		highWatermark: cfg.HighWatermark,
		maxMultiplier: cfg.MaxMultiplier,
		interval:      cfg.Interval,
		stop:          make(chan struct{}),
	}
}

// Multiplier returns the current host-load multiplier. Safe for concurrent
// use; intended to be copied into action.RequestContext.HostLoadMultiplier
// once per request by the calling middleware.
func (s *Sampler) Multiplier() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.multiplier
}

// Run samples on Config.Interval until ctx is cancelled or Stop is called.
// Intended to be started once, in a background goroutine, at process
// startup (mirrors the teacher's periodic hostmetrics collector loop).
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

// Stop halts a running Run loop; safe to call more than once.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	stat, err := loadAvg(ctx)
	if err != nil {
		return
	}
	s.setFromLoad1(stat.Load1)
}

func (s *Sampler) setFromLoad1(load1 float64) {
	ratio := load1 / float64(s.numCPU)

	var mult float64
	switch {
	case ratio <= s.lowWatermark:
		mult = 1.0
	case ratio >= s.highWatermark:
		mult = s.maxMultiplier
	default:
		frac := (ratio - s.lowWatermark) / (s.highWatermark - s.lowWatermark)
		mult = 1.0 + frac*(s.maxMultiplier-1.0)
	}

	s.mu.Lock()
	s.multiplier = mult
	s.mu.Unlock()
}
