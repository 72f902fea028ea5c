// Package report renders a completed Aggregated Evidence snapshot as a
// one-page PDF audit report: probability, risk band, category breakdown,
// and contributing/failed detectors (SPEC_FULL.md §C); the ranked top
// reasons are not part of the report. It is a supplement beyond the
// distilled spec, analogous to the teacher's PDF export of monitoring
// data, and stays firmly inside spec.md §1's Non-goals (no CAPTCHA
// rendering, no dashboard UI) — this is a static, server-side audit
// artifact, not a user-facing page.
package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/greywing/botsentry/internal/evidence"
)

// Options controls what identifying context is printed on the report
// header. RequestID and Signature are opaque strings, never raw PII
// (spec.md §3 PII Datum invariant) — callers must pass a signature/request
// ID, never a client IP or user agent, directly.
type Options struct {
	RequestID   string
	Signature   string
	GeneratedAt time.Time
}

// Render writes a single-page PDF audit report for ev to w.
func Render(w io.Writer, ev evidence.Evidence, opts Options) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Bot Detection Evidence Report", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Bot Detection Evidence Report", "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	generatedAt := opts.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated: %s", generatedAt.Format(time.RFC3339)), "", 1, "L", false, 0, "")
	if opts.RequestID != "" {
		pdf.CellFormat(0, 6, fmt.Sprintf("Request ID: %s", opts.RequestID), "", 1, "L", false, 0, "")
	}
	if opts.Signature != "" {
		pdf.CellFormat(0, 6, fmt.Sprintf("Signature: %s", opts.Signature), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Verdict", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Bot probability: %.4f", ev.BotProbability), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Confidence: %.4f", ev.Confidence), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Risk band: %s", ev.RiskBand), "", 1, "L", false, 0, "")
	if ev.EarlyExitVerdict != "" {
		pdf.CellFormat(0, 6, fmt.Sprintf("Early exit: %s", ev.EarlyExitVerdict), "", 1, "L", false, 0, "")
	}
	if ev.PrimaryBotType != "" || ev.PrimaryBotName != "" {
		pdf.CellFormat(0, 6, fmt.Sprintf("Bot type / name: %s / %s", ev.PrimaryBotType, ev.PrimaryBotName), "", 1, "L", false, 0, "")
	}
	pdf.CellFormat(0, 6, fmt.Sprintf("Processing time: %dms", ev.ProcessingTimeMS), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Category breakdown", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	for _, cat := range sortedCategories(ev.CategoryBreakdown) {
		totals := ev.CategoryBreakdown[cat]
		pdf.CellFormat(0, 6, fmt.Sprintf("%s: score=%.3f weight=%.3f", cat, totals.Score, totals.Weight), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Detectors", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Contributing: %s", joinOrNone(ev.ContributingDetectors)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Failed: %s", joinOrNone(ev.FailedDetectors)), "", 1, "L", false, 0, "")

	return pdf.Output(w)
}

func sortedCategories(m map[string]evidence.CategoryTotals) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	out := names[0]
	for _, n := range names[1:] {
		out += ", " + n
	}
	return out
}
