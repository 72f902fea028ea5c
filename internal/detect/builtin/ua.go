package builtin

import (
	"context"

	"github.com/greywing/botsentry/internal/detect"
)

// UAAnalyser contributes evidence from the hydrator's ua.* signals: CLI
// tools, bare HTTP libraries, and explicit bot keywords are strong bot
// evidence; an empty user agent is weaker evidence.
type UAAnalyser struct {
	toolConfidence    float64
	keywordConfidence float64
	emptyConfidence   float64
	weight            float64
}

// NewUAAnalyser builds a UAAnalyser with the given magnitudes.
func NewUAAnalyser(toolConfidence, keywordConfidence, emptyConfidence, weight float64) *UAAnalyser {
	if toolConfidence == 0 {
		toolConfidence = 0.6
	}
	if keywordConfidence == 0 {
		keywordConfidence = 0.7
	}
	if emptyConfidence == 0 {
		emptyConfidence = 0.3
	}
	if weight == 0 {
		weight = 1.0
	}
	return &UAAnalyser{
		toolConfidence:    toolConfidence,
		keywordConfidence: keywordConfidence,
		emptyConfidence:   emptyConfidence,
		weight:            weight,
	}
}

func (a *UAAnalyser) Name() string     { return "ua_analyser" }
func (a *UAAnalyser) Category() string { return "UserAgent" }

func (a *UAAnalyser) Detect(ctx context.Context, req detect.Request) ([]detect.Contribution, error) {
	var contributions []detect.Contribution

	if req.Sink.Has("ua.contains_bot_keyword") {
		contributions = append(contributions, detect.Contribution{
			DetectorName:    a.Name(),
			Category:        a.Category(),
			ConfidenceDelta: a.keywordConfidence,
			Weight:          a.weight,
			Reason:          "user agent string contains an explicit bot keyword",
			Signals:         []string{"ua.contains_bot_keyword"},
		})
	}
	if req.Sink.Has("ua.is_cli_tool") || req.Sink.Has("ua.is_http_library") {
		contributions = append(contributions, detect.Contribution{
			DetectorName:    a.Name(),
			Category:        a.Category(),
			ConfidenceDelta: a.toolConfidence,
			Weight:          a.weight,
			Reason:          "user agent identifies as a CLI tool or bare HTTP client library",
			Signals:         []string{"ua.is_cli_tool", "ua.is_http_library"},
		})
	}
	if req.Sink.Has("ua.empty") {
		contributions = append(contributions, detect.Contribution{
			DetectorName:    a.Name(),
			Category:        a.Category(),
			ConfidenceDelta: a.emptyConfidence,
			Weight:          a.weight,
			Reason:          "request carries no user agent",
			Signals:         []string{"ua.empty"},
		})
	}

	return contributions, nil
}
