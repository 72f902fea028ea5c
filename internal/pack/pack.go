// Package pack wires the per-request pipeline together: Signal Sink + PII
// Vault acquisition, the Request Hydrator, the Wave Orchestrator, the
// Evidence Aggregator, the Signature Coordinator, the Escalator, and the
// Action Dispatcher (spec.md §4.12).
package pack

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/greywing/botsentry/internal/action"
	"github.com/greywing/botsentry/internal/detect"
	"github.com/greywing/botsentry/internal/escalate"
	"github.com/greywing/botsentry/internal/evidence"
	"github.com/greywing/botsentry/internal/hydrate"
	"github.com/greywing/botsentry/internal/orchestrator"
	"github.com/greywing/botsentry/internal/pii"
	"github.com/greywing/botsentry/internal/signal"
	"github.com/greywing/botsentry/internal/signature"
	"github.com/greywing/botsentry/internal/telemetry"
)

// HostLoadSampler supplies a current throttle-delay multiplier derived from
// host load (internal/loadshed.Sampler implements this). Optional: a nil
// Engine.LoadSampler leaves every RequestContext at the default 1.0x.
type HostLoadSampler interface {
	Multiplier() float64
}

// ActionMapping resolves a risk band to an action policy name for a given
// detection policy (spec.md §6.1 DetectionPolicies.action_mapping).
type ActionMapping map[evidence.RiskBand]string

// Engine is the Pack Entry Point (C12): the single per-request coordinator
// an HTTP middleware calls into.
type Engine struct {
	Hydrator     *hydrate.Hydrator
	Registry     *detect.Registry
	Orchestrator *orchestrator.Orchestrator
	Aggregator   evidence.Config
	Signatures   *signature.Coordinator
	Escalator    *escalate.Escalator
	Actions      *action.Registry
	Dispatcher   *action.Dispatcher
	Digester     *pii.Digester

	// Metrics is optional; when nil, telemetry is simply skipped. Set it to
	// a *telemetry.Metrics built over a registered prometheus.Registerer to
	// expose wave duration, detector failure, verdict, and action-dispatch
	// counters (SPEC_FULL.md §B).
	Metrics *telemetry.Metrics

	// LoadSampler is optional; when set, its Multiplier() seeds every
	// dispatched RequestContext.HostLoadMultiplier (SPEC_FULL.md §C
	// internal/loadshed supplement).
	LoadSampler HostLoadSampler

	DetectionPolicyName string
	ActionMapping       ActionMapping
	DefaultActionPolicy string
}

// Outcome is what the engine hands back to the calling middleware: the
// computed evidence plus whatever the action dispatcher decided.
type Outcome struct {
	Evidence evidence.Evidence
	Action   action.Result
}

// Handle runs the full per-request pipeline against w/r and returns once
// the chosen action has been dispatched. On any unhandled internal error it
// falls back to the spec's documented safe default: probability 0.5,
// confidence 0, band Unknown, action LogOnly (spec.md §4.12, §7).
func (e *Engine) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request) (out Outcome) {
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("pack entry point failed, returning safe-default evidence")
			out = e.fallbackOutcome(ctx, w, r)
		}
	}()

	vault := pii.New()
	sink := signal.New(signal.DefaultConfig())

	requestID := e.Hydrator.Hydrate(r, sink, vault)
	defer vault.Clear(requestID)

	datum, _ := vault.Get(requestID)
	req := detect.Request{RequestID: requestID, Sink: sink, PII: &datum}

	result := e.Orchestrator.Run(ctx, e.DetectionPolicyName, req)

	ledger := evidence.Ledger{
		Contributions:      result.Contributions,
		CompletedDetectors: completedNames(e.Registry, result.FailedDetectors),
		FailedDetectors:    result.FailedDetectors,
	}
	ev, _ := evidence.Aggregate(ledger, e.Aggregator, time.Since(start))
	out.Evidence = ev

	if e.Metrics != nil {
		e.Metrics.ObserveWaveDuration(e.DetectionPolicyName, time.Since(start).Seconds())
		e.Metrics.RecordVerdict(string(ev.RiskBand))
		for _, d := range ev.FailedDetectors {
			e.Metrics.RecordDetectorFailure(d)
		}
	}

	if ctx.Err() != nil {
		// PipelineCancelled (spec.md §7): re-surface cancellation to the
		// caller after best-effort cleanup, rather than dispatching an
		// action on a cancelled request.
		return out
	}

	sig := signature.Key(datum.ClientIP, e.Digester.Digest(datum.UserAgent))
	e.Signatures.Record(sig, ev, signature.RequestMetadata{Path: r.URL.Path, Method: r.Method})

	e.Escalator.Publish(escalate.RequestCompleteSignal{
		ID:              escalate.NewSignalID(),
		Signature:       sig,
		RequestID:       requestID,
		TimestampUnixMS: time.Now().UnixMilli(),
		Risk:            string(ev.RiskBand),
		Path:            r.URL.Path,
		Method:          r.Method,
		TriggerSignals:  ev.Signals,
	})

	policyName := e.ActionMapping[ev.RiskBand]
	if policyName == "" {
		policyName = e.DefaultActionPolicy
	}
	policy := e.Actions.GetOrDefault(policyName, action.TypeLogOnly)

	out.Action = e.Dispatcher.Dispatch(ctx, w, r, policy, ev, e.newRequestContext())
	if e.Metrics != nil {
		e.Metrics.RecordActionDispatched(policy.Name, out.Action.Continue)
	}
	return out
}

// fallbackOutcome implements spec.md §4.12's error path exactly: an
// Aggregated Evidence with probability 0.5, confidence 0, band Unknown,
// and a LogOnly dispatch.
func (e *Engine) fallbackOutcome(ctx context.Context, w http.ResponseWriter, r *http.Request) Outcome {
	ev := evidence.Evidence{
		BotProbability: 0.5,
		Confidence:     0,
		RiskBand:       evidence.RiskUnknown,
		Signals:        map[string]bool{"error": true},
	}
	logOnly := e.Actions.GetOrDefault("", action.TypeLogOnly)
	result := e.Dispatcher.Dispatch(ctx, w, r, logOnly, ev, e.newRequestContext())
	return Outcome{Evidence: ev, Action: result}
}

// newRequestContext builds a RequestContext, seeding HostLoadMultiplier from
// LoadSampler when one is configured.
func (e *Engine) newRequestContext() *action.RequestContext {
	rc := action.NewRequestContext()
	if e.LoadSampler != nil {
		if m := e.LoadSampler.Multiplier(); m > 0 {
			rc.HostLoadMultiplier = m
		}
	}
	return rc
}

func completedNames(reg *detect.Registry, failed []string) []string {
	failedSet := make(map[string]bool, len(failed))
	for _, f := range failed {
		failedSet[f] = true
	}
	var out []string
	for _, r := range reg.All() {
		name := r.Atom.Name()
		if r.Meta.Enabled && !failedSet[name] {
			out = append(out, name)
		}
	}
	return out
}
