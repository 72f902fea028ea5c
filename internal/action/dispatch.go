package action

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	mathrand "math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/greywing/botsentry/internal/engerr"
	"github.com/greywing/botsentry/internal/evidence"
	"github.com/greywing/botsentry/internal/logging"
)

// Result is the Action Result described in spec.md §3: if Continue is
// false, the response is considered fully written and the pipeline
// short-circuits.
type Result struct {
	Continue    bool
	StatusCode  int
	Description string
	Metadata    map[string]string
}

// RequestContext carries the per-request state the dispatcher needs across
// calls within one request: the exponential-backoff counter keyed by policy
// name (spec.md §4.11 Throttle) and the context items map handed to
// downstream middleware by LogOnly (spec.md §6.3). It is not safe for
// concurrent use by more than one request; callers construct one per
// request.
type RequestContext struct {
	ThrottleCounts map[string]int
	ContextItems   map[string]any

	// HostLoadMultiplier is an additional, optional multiplicative input on
	// top of the documented Throttle delay formula (SPEC_FULL.md §C
	// internal/loadshed supplement). It defaults to 1 (no effect) and is
	// only consulted when a policy's ThrottleConfig.ScaleByHostLoad is set.
	HostLoadMultiplier float64
}

// NewRequestContext builds an empty RequestContext.
func NewRequestContext() *RequestContext {
	return &RequestContext{
		ThrottleCounts:     make(map[string]int),
		HostLoadMultiplier: 1.0,
		ContextItems:       make(map[string]any),
	}
}

// Dispatcher applies a resolved Policy to the active HTTP response (spec.md
// §4.11). Any internal error is logged and treated as continue=true
// (fail-open), per spec.md §7 ActionError semantics.
type Dispatcher struct {
	rng *mathrand.Rand
}

// NewDispatcher builds a Dispatcher. A package-private PRNG seeded from
// crypto/rand drives the throttle jitter and the sandbox policy's sampling;
// math/rand is adequate here since neither value is security-sensitive.
// Proof-of-work challenge strings are drawn from crypto/rand directly.
func NewDispatcher() *Dispatcher {
	var seedBuf [8]byte
	_, _ = rand.Read(seedBuf[:])
	seed := int64(0)
	for _, b := range seedBuf {
		seed = seed<<8 | int64(b)
	}
	return &Dispatcher{rng: mathrand.New(mathrand.NewSource(seed))}
}

// Dispatch applies policy to w/r given ev and rc, recovering from any
// internal failure by fail-opening (spec.md §7 ActionError).
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, policy Policy, ev evidence.Evidence, rc *RequestContext) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			classified := engerr.New(engerr.KindActionError, policy.Name, fmt.Errorf("%v", p))
			logging.WithPolicy(policy.Name).Warn().Err(classified).Msg("action dispatch failed, failing open")
			res = Result{Continue: true, Description: "action dispatch error, failed open"}
		}
	}()

	switch policy.Type {
	case TypeBlock:
		return d.dispatchBlock(w, policy, ev)
	case TypeThrottle:
		return d.dispatchThrottle(ctx, w, policy, ev, rc)
	case TypeChallenge:
		return d.dispatchChallenge(w, r, policy, ev)
	case TypeRedirect:
		return d.dispatchRedirect(w, r, policy, ev)
	case TypeLogOnly:
		return d.dispatchLogOnly(w, policy, ev, rc)
	default:
		return Result{Continue: true, Description: "unknown policy type, failed open"}
	}
}

func (d *Dispatcher) dispatchBlock(w http.ResponseWriter, policy Policy, ev evidence.Evidence) Result {
	cfg := policy.Block
	for k, v := range cfg.ExtraHeaders {
		w.Header().Set(k, v)
	}
	if cfg.ContentType != "" {
		w.Header().Set("Content-Type", cfg.ContentType)
	}
	status := cfg.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	w.WriteHeader(status)

	if cfg.WriteRawMessage || !strings.Contains(strings.ToLower(cfg.ContentType), "json") {
		_, _ = w.Write([]byte(cfg.Message))
	} else {
		envelope := map[string]any{"error": cfg.Message}
		if cfg.IncludeRiskScore {
			envelope["riskScore"] = ev.BotProbability
			envelope["riskBand"] = string(ev.RiskBand)
			envelope["policy"] = policy.Name
			envelope["timestamp"] = time.Now().UTC().Format(time.RFC3339)
		}
		body, err := json.Marshal(envelope)
		if err != nil {
			log.Warn().Err(err).Msg("failed to marshal block envelope")
		} else {
			_, _ = w.Write(body)
		}
	}

	return Result{Continue: false, StatusCode: status, Description: "blocked by policy " + policy.Name}
}

func (d *Dispatcher) dispatchThrottle(ctx context.Context, w http.ResponseWriter, policy Policy, ev evidence.Evidence, rc *RequestContext) Result {
	cfg := policy.Throttle

	delay := float64(cfg.BaseDelayMS)
	if cfg.ScaleByRisk {
		delay += math.Max(0, ev.BotProbability-0.5) * 2 * float64(cfg.MaxDelayMS-cfg.BaseDelayMS)
	}
	if cfg.ExponentialBackoff {
		rc.ThrottleCounts[policy.Name]++
		count := rc.ThrottleCounts[policy.Name]
		factor := cfg.BackoffFactor
		if factor <= 0 {
			factor = 1
		}
		delay *= math.Pow(factor, float64(count-1))
	}
	if cfg.ScaleByHostLoad && rc.HostLoadMultiplier > 0 {
		delay *= rc.HostLoadMultiplier
	}
	if delay > float64(cfg.MaxDelayMS) {
		delay = float64(cfg.MaxDelayMS)
	}
	if cfg.Jitter > 0 {
		spread := delay * cfg.Jitter
		delay += (d.rng.Float64()*2 - 1) * spread
		if delay > float64(cfg.MaxDelayMS) {
			delay = float64(cfg.MaxDelayMS)
		}
	}
	if delay < float64(cfg.MinDelayMS) {
		delay = float64(cfg.MinDelayMS)
	}
	delayMS := int(math.Round(delay))

	if cfg.IncludeHeaders {
		w.Header().Set("X-Throttle-Delay", strconv.Itoa(delayMS))
		w.Header().Set("X-Throttle-Policy", policy.Name)
	}
	if cfg.IncludeRetryAfter {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(float64(delayMS)/1000.0))))
	}

	sleepCancelled := sleepContext(ctx, time.Duration(delayMS)*time.Millisecond)
	if sleepCancelled {
		return Result{Continue: false, Description: "throttle sleep cancelled"}
	}

	if cfg.ReturnStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cfg.ReturnStatus)
		body, _ := json.Marshal(map[string]any{"retryAfterMs": delayMS})
		_, _ = w.Write(body)
		return Result{Continue: false, StatusCode: cfg.ReturnStatus, Description: "throttled by policy " + policy.Name}
	}

	return Result{Continue: true, Description: fmt.Sprintf("throttled %dms by policy %s", delayMS, policy.Name)}
}

// sleepContext sleeps for d, returning true if ctx was cancelled first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-ctx.Done():
		return true
	}
}

func (d *Dispatcher) dispatchChallenge(w http.ResponseWriter, r *http.Request, policy Policy, ev evidence.Evidence) Result {
	cfg := policy.Challenge

	if cookie, err := r.Cookie(cfg.CookieName); err == nil {
		if verifyToken(cfg.TokenSecret, cookie.Value, time.Now()) {
			return Result{Continue: true, Description: "valid challenge token, allowed"}
		}
	}

	switch cfg.ChallengeType {
	case ChallengeRedirect:
		w.Header().Set("Location", cfg.ChallengeURL)
		w.WriteHeader(http.StatusFound)
		return Result{Continue: false, StatusCode: http.StatusFound, Description: "redirected to challenge"}

	case ChallengeProofOfWork:
		var buf [16]byte
		_, _ = rand.Read(buf[:])
		challenge := hex.EncodeToString(buf[:])
		difficulty := proofOfWorkDifficulty(ev.BotProbability)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		body, _ := json.Marshal(ProofOfWorkChallenge{Challenge: challenge, Difficulty: difficulty})
		_, _ = w.Write(body)
		return Result{Continue: false, StatusCode: http.StatusOK, Description: "issued proof-of-work challenge"}

	case ChallengeCaptcha, ChallengeInline:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "<html><body><h1>%s</h1><p>%s</p></body></html>", cfg.Title, cfg.Message)
		return Result{Continue: false, StatusCode: http.StatusOK, Description: "issued inline challenge"}

	default: // ChallengeJavaScript
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "<html><body><script>/* %s */</script></body></html>", cfg.Title)
		return Result{Continue: false, StatusCode: http.StatusOK, Description: "issued javascript challenge"}
	}
}

// IssueChallengeToken constructs a signed cookie to set once a challenge
// (inline form, captcha, or proof-of-work) has been solved.
func (d *Dispatcher) IssueChallengeToken(cfg ChallengeConfig) *http.Cookie {
	ttl := time.Duration(cfg.TokenTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	expiry := time.Now().Add(ttl)
	return &http.Cookie{
		Name:     cfg.CookieName,
		Value:    makeToken(cfg.TokenSecret, expiry),
		Expires:  expiry,
		HttpOnly: true,
		Path:     "/",
	}
}

// VerifyProofOfWorkSolution checks a client-submitted (challenge, nonce)
// pair against difficulty (spec.md §4.11).
func VerifyProofOfWorkSolution(challenge, nonce string, difficulty int) bool {
	return verifyProofOfWork(challenge, nonce, difficulty)
}

func (d *Dispatcher) dispatchRedirect(w http.ResponseWriter, r *http.Request, policy Policy, ev evidence.Evidence) Result {
	cfg := policy.Redirect

	target := strings.NewReplacer(
		"{risk}", strconv.FormatFloat(ev.BotProbability, 'f', 2, 64),
		"{riskBand}", string(ev.RiskBand),
		"{policy}", policy.Name,
		"{originalPath}", r.URL.Path,
	).Replace(cfg.TargetURLTemplate)

	if cfg.PreserveQuery && r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	status := http.StatusFound
	if cfg.Permanent {
		status = http.StatusMovedPermanently
	}
	w.Header().Set("Location", target)
	w.WriteHeader(status)

	return Result{Continue: false, StatusCode: status, Description: "redirected by policy " + policy.Name}
}

func (d *Dispatcher) dispatchLogOnly(w http.ResponseWriter, policy Policy, ev evidence.Evidence, rc *RequestContext) Result {
	cfg := policy.LogOnly

	logEvent := log.WithLevel(zerologLevel(cfg.LogLevel)).
		Str("policy", policy.Name).
		Float64("bot_probability", ev.BotProbability).
		Str("risk_band", string(ev.RiskBand))
	if cfg.LogFullEvidence {
		logEvent = logEvent.Interface("evidence", ev)
	}
	logEvent.Msg("logonly action")

	if cfg.AddResponseHeaders {
		w.Header().Set("X-Bot-Detection-Mode", policy.Name)
		w.Header().Set("X-Bot-Risk-Score", strconv.FormatFloat(ev.BotProbability, 'f', 4, 64))
		w.Header().Set("X-Bot-Risk-Band", string(ev.RiskBand))
		w.Header().Set("X-Bot-Policy", policy.Name)
		if cfg.IncludeDetailedHeaders {
			w.Header().Set("X-Bot-Confidence", strconv.FormatFloat(ev.Confidence, 'f', 4, 64))
			w.Header().Set("X-Bot-Name", ev.PrimaryBotName)
			w.Header().Set("X-Bot-Type", ev.PrimaryBotType)
		}
	}

	wouldBlock := ev.BotProbability >= cfg.WouldBlockThreshold && cfg.WouldBlockThreshold > 0

	if cfg.AddToContextItems {
		rc.ContextItems["BotDetection.ShadowMode"] = true
		rc.ContextItems["BotDetection.WouldBlock"] = wouldBlock
		rc.ContextItems["BotDetection.Evidence"] = ev
		rc.ContextItems["BotDetection.Action"] = cfg.ActionMarker
		if cfg.ActionMarker == "sandbox" {
			rc.ContextItems["BotDetection.SandboxPolicy"] = cfg.SandboxPolicy
			rc.ContextItems["BotDetection.SandboxSampleRate"] = cfg.SandboxSampleRate
			rc.ContextItems["BotDetection.SandboxUseLlm"] = d.rng.Float64() < cfg.SandboxSampleRate
		}
	}

	return Result{Continue: true, Description: "logonly action under policy " + policy.Name}
}

func zerologLevel(name string) zerolog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
