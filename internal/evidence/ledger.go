// Package evidence implements the Evidence Aggregator (spec.md §4.7): it
// fuses a Detection Ledger's contributions into an immutable Aggregated
// Evidence snapshot via a weighted-logit-sum sigmoid fusion.
package evidence

import (
	"math"
	"time"

	"github.com/greywing/botsentry/internal/detect"
)

// RiskBand is the fixed-threshold classification of a bot_probability.
type RiskBand string

const (
	RiskVeryLow  RiskBand = "VeryLow"
	RiskLow      RiskBand = "Low"
	RiskElevated RiskBand = "Elevated"
	RiskMedium   RiskBand = "Medium"
	RiskHigh     RiskBand = "High"
	RiskVeryHigh RiskBand = "VeryHigh"
	RiskVerified RiskBand = "Verified"
	RiskUnknown  RiskBand = "Unknown"
)

// CategoryTotals is the per-category rollup in the breakdown.
type CategoryTotals struct {
	Score  float64 // sum of confidence_delta * weight
	Weight float64 // sum of weight
}

// Ledger is the per-request accumulator described in spec.md §3 ("Detection
// Ledger"). It is populated by the orchestrator as waves complete and
// consumed once, by Aggregate, at the end of the detection pass.
type Ledger struct {
	Contributions      []detect.Contribution
	CompletedDetectors []string
	FailedDetectors    []string
}

// Evidence is the immutable Aggregated Evidence snapshot (spec.md §3).
type Evidence struct {
	BotProbability        float64
	Confidence            float64
	RiskBand              RiskBand
	EarlyExitVerdict      detect.EarlyExitVerdict
	PrimaryBotType        string
	PrimaryBotName        string
	ProcessingTimeMS      int64
	CategoryBreakdown     map[string]CategoryTotals
	ContributingDetectors []string
	FailedDetectors       []string
	Signals               map[string]bool
}

// Config carries the fusion constants from runtime configuration.
type Config struct {
	Saturation float64 // normalisation scalar for confidence (step 4)
	TopN       int     // number of top reasons to keep (default 3)
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{Saturation: 3.0, TopN: 3}
}

// Reason is one entry of the top-reasons list: the contribution plus the
// score it was ranked by.
type Reason struct {
	Contribution detect.Contribution
	Score        float64 // |confidence_delta| * weight
}

// Aggregate fuses ledger into an Evidence snapshot per spec.md §4.7's nine
// numbered steps. elapsed is the wall-clock duration of the detection pass.
// Aggregate is pure and deterministic: the same contribution list always
// produces byte-identical BotProbability, Confidence, RiskBand, and Reasons
// ordering.
func Aggregate(ledger Ledger, cfg Config, elapsed time.Duration) (Evidence, []Reason) {
	saturation := cfg.Saturation
	if saturation <= 0 {
		saturation = 3.0
	}
	topN := cfg.TopN
	if topN <= 0 {
		topN = 3
	}

	ev := Evidence{
		ProcessingTimeMS:      elapsed.Milliseconds(),
		CategoryBreakdown:     make(map[string]CategoryTotals),
		ContributingDetectors: ledger.CompletedDetectors,
		FailedDetectors:       ledger.FailedDetectors,
		Signals:               make(map[string]bool),
	}

	// Step 1: filter zero-weight contributions.
	var weighted []detect.Contribution
	for _, c := range ledger.Contributions {
		if c.Weight <= 0 {
			continue
		}
		weighted = append(weighted, c)
		for _, s := range c.Signals {
			ev.Signals[s] = true
		}
		totals := ev.CategoryBreakdown[c.Category]
		totals.Score += c.ConfidenceDelta * c.Weight
		totals.Weight += c.Weight
		ev.CategoryBreakdown[c.Category] = totals
	}

	// Step 2-3: weighted logit sum, squashed by the standard logistic.
	if len(weighted) == 0 {
		ev.BotProbability = 0.5
		ev.Confidence = 0
	} else {
		var x, mass float64
		for _, c := range weighted {
			x += c.ConfidenceDelta * c.Weight
			mass += absFloat(c.ConfidenceDelta) * c.Weight
		}
		ev.BotProbability = sigmoid(x)
		ev.Confidence = minFloat(1.0, mass/saturation)
	}

	// Step 5: early-exit override.
	var earlyExit detect.EarlyExitVerdict
	for _, c := range weighted {
		if c.EarlyExitVerdict != detect.EarlyExitNone {
			earlyExit = c.EarlyExitVerdict
		}
	}
	ev.EarlyExitVerdict = earlyExit
	switch earlyExit {
	case detect.EarlyExitVerifiedBadBot, detect.EarlyExitBlacklisted:
		ev.BotProbability = 1.0
		ev.RiskBand = RiskVerified
	case detect.EarlyExitVerifiedGoodBot, detect.EarlyExitWhitelisted:
		ev.BotProbability = 0.0
		ev.RiskBand = RiskVerified
	default:
		ev.RiskBand = bandFor(ev.BotProbability)
	}

	// Step 7: bot type/name from the highest-scoring contribution that
	// supplies one, ties broken by category then detector name.
	ev.PrimaryBotType, ev.PrimaryBotName = primaryBot(weighted)

	// Step 8: top-N reasons by the same score.
	reasons := rankedReasons(weighted, topN)

	return ev, reasons
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func bandFor(p float64) RiskBand {
	switch {
	case p < 0.20:
		return RiskVeryLow
	case p < 0.40:
		return RiskLow
	case p < 0.60:
		return RiskElevated
	case p < 0.80:
		return RiskMedium
	case p < 0.95:
		return RiskHigh
	default:
		return RiskVeryHigh
	}
}

func primaryBot(contributions []detect.Contribution) (botType, botName string) {
	var best *detect.Contribution
	var bestScore float64
	for i := range contributions {
		c := &contributions[i]
		if c.BotType == "" && c.BotName == "" {
			continue
		}
		score := absFloat(c.ConfidenceDelta) * c.Weight
		if best == nil || score > bestScore ||
			(score == bestScore && isEarlierTieBreak(c, best)) {
			best = c
			bestScore = score
		}
	}
	if best == nil {
		return "", ""
	}
	return best.BotType, best.BotName
}

func isEarlierTieBreak(candidate, current *detect.Contribution) bool {
	if candidate.Category != current.Category {
		return candidate.Category < current.Category
	}
	return candidate.DetectorName < current.DetectorName
}

func rankedReasons(contributions []detect.Contribution, topN int) []Reason {
	reasons := make([]Reason, 0, len(contributions))
	for _, c := range contributions {
		reasons = append(reasons, Reason{Contribution: c, Score: absFloat(c.ConfidenceDelta) * c.Weight})
	}
	sortReasonsDescending(reasons)
	if len(reasons) > topN {
		reasons = reasons[:topN]
	}
	return reasons
}

func sortReasonsDescending(reasons []Reason) {
	// Stable insertion sort: the contribution counts here are small
	// (bounded by the detector registry size), and stability preserves
	// arrival order for exact score ties, matching the ledger's
	// documented non-determinism only in arrival order, never in the
	// resulting set.
	for i := 1; i < len(reasons); i++ {
		for j := i; j > 0 && reasons[j].Score > reasons[j-1].Score; j-- {
			reasons[j], reasons[j-1] = reasons[j-1], reasons[j]
		}
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
