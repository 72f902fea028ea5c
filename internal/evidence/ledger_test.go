package evidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greywing/botsentry/internal/detect"
)

func TestAggregateNoContributionsIsUnknownPriors(t *testing.T) {
	ev, reasons := Aggregate(Ledger{}, DefaultConfig(), 0)

	assert.Equal(t, 0.5, ev.BotProbability)
	assert.Equal(t, 0.0, ev.Confidence)
	assert.Equal(t, RiskElevated, ev.RiskBand) // bandFor(0.5) == Elevated
	assert.Empty(t, reasons)
}

func TestAggregateStrongBotEvidenceYieldsHighBand(t *testing.T) {
	ledger := Ledger{Contributions: []detect.Contribution{
		{DetectorName: "ua", Category: "UserAgent", ConfidenceDelta: 0.9, Weight: 1.0},
		{DetectorName: "ip", Category: "Network", ConfidenceDelta: 0.8, Weight: 1.0},
	}}
	ev, _ := Aggregate(ledger, DefaultConfig(), 0)

	assert.Greater(t, ev.BotProbability, 0.8)
	assert.InDelta(t, (0.9+0.8)/3.0, ev.Confidence, 1e-9)
}

func TestAggregateZeroWeightContributionIsIgnored(t *testing.T) {
	ledger := Ledger{Contributions: []detect.Contribution{
		{DetectorName: "noisy", Category: "X", ConfidenceDelta: 1.0, Weight: 0},
	}}
	ev, reasons := Aggregate(ledger, DefaultConfig(), 0)

	assert.Equal(t, 0.5, ev.BotProbability)
	assert.Empty(t, reasons)
}

func TestAggregateEarlyExitVerifiedBadBotForcesMaxProbability(t *testing.T) {
	ledger := Ledger{Contributions: []detect.Contribution{
		{DetectorName: "honeypot", Category: "Reputation", ConfidenceDelta: 1.0, Weight: 1.0, EarlyExitVerdict: detect.EarlyExitVerifiedBadBot},
	}}
	ev, _ := Aggregate(ledger, DefaultConfig(), 0)

	assert.Equal(t, 1.0, ev.BotProbability)
	assert.Equal(t, RiskVerified, ev.RiskBand)
	assert.Equal(t, detect.EarlyExitVerifiedBadBot, ev.EarlyExitVerdict)
}

func TestAggregateEarlyExitVerifiedGoodBotForcesZeroProbability(t *testing.T) {
	ledger := Ledger{Contributions: []detect.Contribution{
		{DetectorName: "dns", Category: "Reputation", ConfidenceDelta: -1.0, Weight: 1.0, EarlyExitVerdict: detect.EarlyExitVerifiedGoodBot},
	}}
	ev, _ := Aggregate(ledger, DefaultConfig(), 0)

	assert.Equal(t, 0.0, ev.BotProbability)
	assert.Equal(t, RiskVerified, ev.RiskBand)
}

func TestAggregateRiskBandThresholds(t *testing.T) {
	cases := []struct {
		prob float64
		band RiskBand
	}{
		{0.0, RiskVeryLow},
		{0.19, RiskVeryLow},
		{0.20, RiskLow},
		{0.39, RiskLow},
		{0.40, RiskElevated},
		{0.59, RiskElevated},
		{0.60, RiskMedium},
		{0.79, RiskMedium},
		{0.80, RiskHigh},
		{0.94, RiskHigh},
		{0.95, RiskVeryHigh},
		{1.00, RiskVeryHigh},
	}
	for _, c := range cases {
		assert.Equal(t, c.band, bandFor(c.prob), "prob=%v", c.prob)
	}
}

func TestAggregatePrimaryBotTieBreaksByCategoryThenName(t *testing.T) {
	ledger := Ledger{Contributions: []detect.Contribution{
		{DetectorName: "zzz", Category: "Network", ConfidenceDelta: 0.5, Weight: 1.0, BotType: "Scraper", BotName: "zzz-bot"},
		{DetectorName: "aaa", Category: "Network", ConfidenceDelta: 0.5, Weight: 1.0, BotType: "Scraper", BotName: "aaa-bot"},
	}}
	ev, _ := Aggregate(ledger, DefaultConfig(), 0)

	assert.Equal(t, "aaa-bot", ev.PrimaryBotName)
}

func TestAggregateTopReasonsRankedByScoreAndTruncated(t *testing.T) {
	ledger := Ledger{Contributions: []detect.Contribution{
		{DetectorName: "low", Category: "X", ConfidenceDelta: 0.1, Weight: 1.0},
		{DetectorName: "high", Category: "X", ConfidenceDelta: 0.9, Weight: 1.0},
		{DetectorName: "mid", Category: "X", ConfidenceDelta: 0.5, Weight: 1.0},
		{DetectorName: "extra", Category: "X", ConfidenceDelta: 0.3, Weight: 1.0},
	}}
	cfg := DefaultConfig()
	cfg.TopN = 2
	_, reasons := Aggregate(ledger, cfg, 0)

	require.Len(t, reasons, 2)
	assert.Equal(t, "high", reasons[0].Contribution.DetectorName)
	assert.Equal(t, "mid", reasons[1].Contribution.DetectorName)
}

func TestAggregateCategoryBreakdownSumsPerCategory(t *testing.T) {
	ledger := Ledger{Contributions: []detect.Contribution{
		{DetectorName: "a", Category: "Network", ConfidenceDelta: 0.5, Weight: 1.0},
		{DetectorName: "b", Category: "Network", ConfidenceDelta: 0.3, Weight: 2.0},
		{DetectorName: "c", Category: "UserAgent", ConfidenceDelta: -0.2, Weight: 1.0},
	}}
	ev, _ := Aggregate(ledger, DefaultConfig(), 0)

	net := ev.CategoryBreakdown["Network"]
	assert.InDelta(t, 1.1, net.Score, 1e-9)
	assert.InDelta(t, 3.0, net.Weight, 1e-9)

	ua := ev.CategoryBreakdown["UserAgent"]
	assert.InDelta(t, -0.2, ua.Score, 1e-9)
}

func TestAggregateIsDeterministicAcrossReplays(t *testing.T) {
	contributions := []detect.Contribution{
		{DetectorName: "a", Category: "Network", ConfidenceDelta: 0.4, Weight: 1.0},
		{DetectorName: "b", Category: "UserAgent", ConfidenceDelta: 0.6, Weight: 0.5},
	}
	ev1, r1 := Aggregate(Ledger{Contributions: contributions}, DefaultConfig(), time.Second)
	ev2, r2 := Aggregate(Ledger{Contributions: contributions}, DefaultConfig(), time.Hour)

	assert.Equal(t, ev1.BotProbability, ev2.BotProbability)
	assert.Equal(t, ev1.Confidence, ev2.Confidence)
	assert.Equal(t, ev1.RiskBand, ev2.RiskBand)
	require.Equal(t, len(r1), len(r2))
	for i := range r1 {
		assert.Equal(t, r1[i].Contribution.DetectorName, r2[i].Contribution.DetectorName)
	}
}
