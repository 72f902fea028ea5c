// Package orchestrator runs the enabled detector set in dependency-ordered
// waves: detector D belongs to the first wave in which every pattern in its
// required signals is already present, detectors within a wave run
// concurrently, and an early-exit verdict or quorum threshold stops further
// waves from launching.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/greywing/botsentry/internal/detect"
	"github.com/greywing/botsentry/internal/engerr"
	"github.com/greywing/botsentry/internal/logging"
)

// Config carries the Orchestrator section of runtime configuration
// (spec.md §6.1).
type Config struct {
	ParallelWaveExecution     bool
	EnableQuorumExit          bool
	QuorumConfidenceThreshold float64
	Timeout                   time.Duration
	MaxConcurrentDetectors    int64
}

// DefaultConfig returns sane defaults: quorum disabled, a 2s global deadline,
// up to 8 detectors running concurrently within a wave.
func DefaultConfig() Config {
	return Config{
		ParallelWaveExecution:     true,
		EnableQuorumExit:          false,
		QuorumConfidenceThreshold: 0.9,
		Timeout:                   2 * time.Second,
		MaxConcurrentDetectors:    8,
	}
}

// QuorumFuser computes the fused confidence used by the quorum early-exit
// check after each wave. The Evidence Aggregator package supplies the real
// implementation; orchestrator only depends on this narrow signature so it
// never imports evidence and create a cycle.
type QuorumFuser func(contributions []detect.Contribution) (confidence float64)

// Outcome is the result of running a full detection pass.
type Outcome struct {
	Contributions   []detect.Contribution
	FailedDetectors []string
	EarlyExit       detect.EarlyExitVerdict
	WavesRun        int
}

// Orchestrator is the Wave Orchestrator (spec.md §4.6).
type Orchestrator struct {
	registry *detect.Registry
	cfg      Config
	fuse     QuorumFuser
}

// New builds an Orchestrator. fuse may be nil, which disables quorum exit
// regardless of cfg.EnableQuorumExit.
func New(registry *detect.Registry, cfg Config, fuse QuorumFuser) *Orchestrator {
	return &Orchestrator{registry: registry, cfg: cfg, fuse: fuse}
}

// Run executes every detector enabled for policyName against req, in
// dependency-ordered waves, honoring timeouts, early-exit, and quorum.
func (o *Orchestrator) Run(ctx context.Context, policyName string, req detect.Request) Outcome {
	deadline := time.Now().Add(o.cfg.Timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	enabled := o.registry.GetEnabled(policyName)
	remaining := make([]*detect.Registered, len(enabled))
	copy(remaining, enabled)

	var out Outcome
	sem := semaphore.NewWeighted(maxInt64(o.cfg.MaxConcurrentDetectors, 1))

	for len(remaining) > 0 {
		wave, rest := nextWave(req, remaining)
		if len(wave) == 0 {
			// Nothing newly eligible; the remaining detectors can never run
			// (a required signal will never appear) so stop here.
			for _, reg := range rest {
				out.FailedDetectors = append(out.FailedDetectors, reg.Atom.Name())
			}
			break
		}
		remaining = rest
		out.WavesRun++

		waveCtx, waveCancel := context.WithCancel(ctx)
		results := o.runWave(waveCtx, sem, wave, req)
		waveCancel()

		optionalByName := make(map[string]bool, len(wave))
		for _, reg := range wave {
			optionalByName[reg.Atom.Name()] = reg.Meta.Optional
		}

		exitVerdict := detect.EarlyExitNone
		var mandatoryFailure error
		for _, r := range results {
			if r.err != nil {
				out.FailedDetectors = append(out.FailedDetectors, r.name)
				if !optionalByName[r.name] {
					mandatoryFailure = r.err
				}
				continue
			}
			out.Contributions = append(out.Contributions, r.contributions...)
			for _, c := range r.contributions {
				if c.EarlyExitVerdict != detect.EarlyExitNone {
					exitVerdict = c.EarlyExitVerdict
				}
			}
		}

		// A mandatory detector (Metadata.Optional == false) that errors or
		// times out aborts the rest of the pipeline rather than letting
		// subsequent waves run on an incomplete, unreliable evidence set
		// (spec.md §4.5/§4.6 distinguish mandatory from optional detectors).
		if mandatoryFailure != nil {
			classified := engerr.New(engerr.KindDetectorError, "orchestrator", mandatoryFailure)
			logging.WithComponent("orchestrator").Warn().Err(classified).Msg("mandatory detector failed, aborting remaining waves")
			for _, reg := range remaining {
				out.FailedDetectors = append(out.FailedDetectors, reg.Atom.Name())
			}
			break
		}

		if exitVerdict != detect.EarlyExitNone {
			out.EarlyExit = exitVerdict
			break
		}

		if o.cfg.EnableQuorumExit && o.fuse != nil {
			if o.fuse(out.Contributions) >= o.cfg.QuorumConfidenceThreshold {
				break
			}
		}

		if ctx.Err() != nil {
			kind := engerr.KindPipelineCancelled
			if ctx.Err() == context.DeadlineExceeded {
				kind = engerr.KindPipelineTimeout
			}
			classified := engerr.New(kind, "orchestrator", ctx.Err())
			logging.WithComponent("orchestrator").Debug().Err(classified).Msg("remaining waves abandoned")
			for _, reg := range remaining {
				out.FailedDetectors = append(out.FailedDetectors, reg.Atom.Name())
			}
			break
		}
	}

	return out
}

type waveResult struct {
	name          string
	contributions []detect.Contribution
	err           error
}

// runWave executes every detector in wave, concurrently if configured,
// respecting each detector's declared timeout clamped by the remaining
// global budget.
func (o *Orchestrator) runWave(ctx context.Context, sem *semaphore.Weighted, wave []*detect.Registered, req detect.Request) []waveResult {
	results := make([]waveResult, len(wave))

	if !o.cfg.ParallelWaveExecution {
		for i, reg := range wave {
			results[i] = o.runOne(ctx, reg, req)
		}
		return results
	}

	done := make(chan struct{})
	for i := range wave {
		i := i
		reg := wave[i]
		go func() {
			_ = sem.Acquire(ctx, 1)
			defer sem.Release(1)
			results[i] = o.runOne(ctx, reg, req)
			done <- struct{}{}
		}()
	}
	for range wave {
		<-done
	}
	return results
}

func (o *Orchestrator) runOne(ctx context.Context, reg *detect.Registered, req detect.Request) waveResult {
	timeout := reg.Meta.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if remaining := time.Until(deadlineOf(ctx)); remaining > 0 && timeout > remaining {
		timeout = remaining
	}

	detCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// PII is only visible to detectors explicitly declared as PII-accessing
	// (spec.md §4.2): enforce it here rather than trusting each Atom.
	scopedReq := req
	if !reg.Meta.AccessesPII {
		scopedReq.PII = nil
	}

	type detResult struct {
		contributions []detect.Contribution
		err           error
	}
	resultCh := make(chan detResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				resultCh <- detResult{err: fmt.Errorf("detector panicked: %v", p)}
			}
		}()
		contributions, err := reg.Atom.Detect(detCtx, scopedReq)
		resultCh <- detResult{contributions: contributions, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			classified := engerr.New(engerr.KindDetectorError, reg.Atom.Name(), r.err)
			logging.WithDetector(reg.Atom.Name()).Debug().Err(classified).Msg("detector returned an error")
			return waveResult{name: reg.Atom.Name(), err: classified}
		}
		return waveResult{name: reg.Atom.Name(), contributions: r.contributions}
	case <-detCtx.Done():
		classified := engerr.New(engerr.KindDetectorTimeout, reg.Atom.Name(), detCtx.Err())
		logging.WithDetector(reg.Atom.Name()).Debug().Err(classified).Msg("detector timed out")
		return waveResult{name: reg.Atom.Name(), err: classified}
	}
}

func deadlineOf(ctx context.Context) time.Time {
	d, ok := ctx.Deadline()
	if !ok {
		return time.Now().Add(time.Hour)
	}
	return d
}

// nextWave splits candidates into (newly eligible, still waiting) given the
// signals currently present in req.Sink.
func nextWave(req detect.Request, candidates []*detect.Registered) (wave, rest []*detect.Registered) {
	for _, reg := range candidates {
		if detect.Eligible(req.Sink, reg.Meta.RequiredSignals) {
			wave = append(wave, reg)
		} else {
			rest = append(rest, reg)
		}
	}
	sort.SliceStable(wave, func(i, j int) bool {
		return wave[i].Meta.Priority > wave[j].Meta.Priority
	})
	return wave, rest
}

func maxInt64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}
