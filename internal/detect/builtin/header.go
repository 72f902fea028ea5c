package builtin

import (
	"context"

	"github.com/greywing/botsentry/internal/detect"
)

// HeaderChecker is the "header checker" detector from spec.md §4.5: it
// contributes human evidence when standard browser headers are present and
// mutually consistent, and bot evidence when the user agent claims a
// browser but key browser headers are absent.
type HeaderChecker struct {
	humanConfidence float64
	botConfidence   float64
	weight          float64
}

// NewHeaderChecker builds a HeaderChecker with the given magnitudes (both
// should be positive; humanConfidence is negated internally since human
// evidence is a negative confidence_delta per spec.md §3).
func NewHeaderChecker(humanConfidence, botConfidence, weight float64) *HeaderChecker {
	if humanConfidence == 0 {
		humanConfidence = 0.3
	}
	if botConfidence == 0 {
		botConfidence = 0.4
	}
	if weight == 0 {
		weight = 1.0
	}
	return &HeaderChecker{humanConfidence: humanConfidence, botConfidence: botConfidence, weight: weight}
}

func (h *HeaderChecker) Name() string     { return "header_checker" }
func (h *HeaderChecker) Category() string { return "Headers" }

func (h *HeaderChecker) Detect(ctx context.Context, req detect.Request) ([]detect.Contribution, error) {
	claimsBrowser := req.Sink.Has("ua.browser:*")
	acceptPresent := req.Sink.Has("header.accept.present")
	acceptLangPresent := req.Sink.Has("header.accept_language.present")
	acceptEncPresent := req.Sink.Has("header.accept_encoding.present")

	consistentBrowserHeaders := acceptPresent && acceptLangPresent && acceptEncPresent

	switch {
	case claimsBrowser && consistentBrowserHeaders:
		return []detect.Contribution{{
			DetectorName:    h.Name(),
			Category:        h.Category(),
			ConfidenceDelta: -h.humanConfidence,
			Weight:          h.weight,
			Reason:          "standard browser headers present and consistent with claimed browser",
		}}, nil
	case claimsBrowser && !consistentBrowserHeaders:
		return []detect.Contribution{{
			DetectorName:    h.Name(),
			Category:        h.Category(),
			ConfidenceDelta: h.botConfidence,
			Weight:          h.weight,
			Reason:          "user agent claims a browser but key browser headers are missing",
		}}, nil
	default:
		return nil, nil
	}
}
