package action

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greywing/botsentry/internal/evidence"
)

func TestDispatchBlockWritesJSONEnvelopeAndStopsContinue(t *testing.T) {
	d := NewDispatcher()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	policy := namedBlock("block-hard", 403, "Access denied")
	res := d.Dispatch(context.Background(), w, r, policy, evidence.Evidence{BotProbability: 1.0, RiskBand: evidence.RiskVerified}, NewRequestContext())

	assert.False(t, res.Continue)
	assert.Equal(t, 403, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Access denied", body["error"])
}

func TestDispatchBlockWritesRawMessageWhenConfigured(t *testing.T) {
	d := NewDispatcher()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	policy := namedBlockFakeHTML("block-fake-html")
	res := d.Dispatch(context.Background(), w, r, policy, evidence.Evidence{}, NewRequestContext())

	assert.False(t, res.Continue)
	assert.Equal(t, "<html><body>OK</body></html>", w.Body.String())
}

func TestDispatchThrottleDelayWithinMinMaxBounds(t *testing.T) {
	d := NewDispatcher()
	policy := namedThrottle("throttle-test", 1000, 200, 5000, 0.3, false, 1.0, 0)

	for i := 0; i < 20; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		res := d.Dispatch(context.Background(), w, r, policy, evidence.Evidence{BotProbability: 0.6}, NewRequestContext())
		assert.True(t, res.Continue)

		delayHeader := w.Header().Get("X-Throttle-Delay")
		require.NotEmpty(t, delayHeader)
		delay, err := strconv.Atoi(delayHeader)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, delay, 200)
		assert.LessOrEqual(t, delay, 5000)
	}
}

func TestDispatchThrottleExponentialBackoffDoublesAcrossCalls(t *testing.T) {
	d := NewDispatcher()
	policy := namedThrottle("throttle-exp", 1000, 1000, 30000, 0, true, 2.0, 0)
	rc := NewRequestContext()

	w1 := httptest.NewRecorder()
	r1 := httptest.NewRequest(http.MethodGet, "/", nil)
	d.Dispatch(context.Background(), w1, r1, policy, evidence.Evidence{BotProbability: 0.5}, rc)
	first := w1.Header().Get("X-Throttle-Delay")

	w2 := httptest.NewRecorder()
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	d.Dispatch(context.Background(), w2, r2, policy, evidence.Evidence{BotProbability: 0.5}, rc)
	second := w2.Header().Get("X-Throttle-Delay")

	assert.Equal(t, "1000", first)
	assert.Equal(t, "2000", second)
}

func TestDispatchThrottleScalesByHostLoadMultiplier(t *testing.T) {
	d := NewDispatcher()
	policy := namedThrottle("throttle-load", 1000, 1000, 30000, 0, false, 1.0, 0)
	policy.Throttle.ScaleByHostLoad = true

	rc := NewRequestContext()
	rc.HostLoadMultiplier = 2.5

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	d.Dispatch(context.Background(), w, r, policy, evidence.Evidence{BotProbability: 0.5}, rc)

	assert.Equal(t, "2500", w.Header().Get("X-Throttle-Delay"))
}

func TestDispatchThrottleIgnoresHostLoadWhenPolicyOptsOut(t *testing.T) {
	d := NewDispatcher()
	policy := namedThrottle("throttle-no-load", 1000, 1000, 30000, 0, false, 1.0, 0)

	rc := NewRequestContext()
	rc.HostLoadMultiplier = 5.0

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	d.Dispatch(context.Background(), w, r, policy, evidence.Evidence{BotProbability: 0.5}, rc)

	assert.Equal(t, "1000", w.Header().Get("X-Throttle-Delay"))
}

func TestDispatchThrottleSleepCancellation(t *testing.T) {
	d := NewDispatcher()
	policy := namedThrottle("throttle-cancel", 5000, 5000, 5000, 0, false, 1.0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	res := d.Dispatch(ctx, w, r, policy, evidence.Evidence{}, NewRequestContext())

	assert.False(t, res.Continue)
}

func TestDispatchChallengeIssuesProofOfWorkThenAcceptsValidToken(t *testing.T) {
	d := NewDispatcher()
	policy := namedChallenge("challenge-pow", ChallengeProofOfWork)
	policy.Challenge.TokenSecret = []byte("k")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	res := d.Dispatch(context.Background(), w, r, policy, evidence.Evidence{BotProbability: 0.78}, NewRequestContext())
	assert.False(t, res.Continue)

	var pow ProofOfWorkChallenge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pow))
	assert.Equal(t, 4, pow.Difficulty)

	cookie := d.IssueChallengeToken(policy.Challenge)
	w2 := httptest.NewRecorder()
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.AddCookie(cookie)
	res2 := d.Dispatch(context.Background(), w2, r2, policy, evidence.Evidence{BotProbability: 0.78}, NewRequestContext())
	assert.True(t, res2.Continue)
}

func TestDispatchChallengeRejectsExpiredToken(t *testing.T) {
	d := NewDispatcher()
	policy := namedChallenge("challenge-pow", ChallengeProofOfWork)
	policy.Challenge.TokenSecret = []byte("k")

	expiredToken := makeToken(policy.Challenge.TokenSecret, time.Now().Add(-time.Minute))
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: policy.Challenge.CookieName, Value: expiredToken})

	res := d.Dispatch(context.Background(), w, r, policy, evidence.Evidence{}, NewRequestContext())
	assert.False(t, res.Continue)
}

func TestDispatchRedirectSetsLocationAndStatus(t *testing.T) {
	d := NewDispatcher()
	policy := namedRedirect("redirect-honeypot", "/honeypot?band={riskBand}", false)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/data", nil)

	res := d.Dispatch(context.Background(), w, r, policy, evidence.Evidence{RiskBand: evidence.RiskHigh}, NewRequestContext())

	assert.False(t, res.Continue)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/honeypot?band=High", w.Header().Get("Location"))
}

func TestDispatchLogOnlySetsHeadersAndNeverBlocks(t *testing.T) {
	d := NewDispatcher()
	policy := namedLogOnly("logonly", "info", "")
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	res := d.Dispatch(context.Background(), w, r, policy, evidence.Evidence{BotProbability: 0.3, RiskBand: evidence.RiskLow}, NewRequestContext())

	assert.True(t, res.Continue)
	assert.Equal(t, "logonly", w.Header().Get("X-Bot-Detection-Mode"))
	assert.Equal(t, "Low", w.Header().Get("X-Bot-Risk-Band"))
}

func TestDispatchLogOnlyWritesContextItemsWhenConfigured(t *testing.T) {
	d := NewDispatcher()
	policy := namedLogOnly("sandbox", "warn", "sandbox")
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	rc := NewRequestContext()

	d.Dispatch(context.Background(), w, r, policy, evidence.Evidence{BotProbability: 0.9}, rc)

	assert.Equal(t, true, rc.ContextItems["BotDetection.ShadowMode"])
	assert.Equal(t, "sandbox", rc.ContextItems["BotDetection.Action"])
	_, ok := rc.ContextItems["BotDetection.SandboxUseLlm"]
	assert.True(t, ok)
}

func TestDispatchUnknownPolicyTypeFailsOpen(t *testing.T) {
	d := NewDispatcher()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	res := d.Dispatch(context.Background(), w, r, Policy{Type: "Bogus"}, evidence.Evidence{}, NewRequestContext())
	assert.True(t, res.Continue)
}

func TestProofOfWorkChallengeIssuedWithinReasonableTime(t *testing.T) {
	start := time.Now()
	d := NewDispatcher()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	policy := namedChallenge("challenge-pow", ChallengeProofOfWork)
	d.Dispatch(context.Background(), w, r, policy, evidence.Evidence{BotProbability: 0.5}, NewRequestContext())
	assert.Less(t, time.Since(start), time.Second)
}
