package server

import (
	"strings"

	"github.com/mohammad-safakhou/deepresearch/internal/helpers"
	"github.com/mohammad-safakhou/deepresearch/internal/orchestrator"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
)

// Markdown renders a completed task as a downloadable report. HTML embedded by the engine is sanitised.
func Markdown(t store.Task) string {
	var b strings.Builder
	b.WriteString(orchestrator.ReportHeading)
	b.WriteString("**Query:** ")
	b.WriteString(t.Query)
	b.WriteString("\n\n")
	if t.Result == nil {
		return b.String()
	}
	body := strings.TrimSpace(strings.TrimPrefix(t.Result.DraftReport, orchestrator.ReportHeading))
	if body != "" {
		b.WriteString("## Report\n")
		b.WriteString(helpers.SanitizeReport(body))
		b.WriteString("\n\n")
	}
	// a synthesised draft already is the compressed research
	if s := strings.TrimSpace(t.Result.CompressedResearch); s != "" && s != body {
		b.WriteString("## Summary\n")
		b.WriteString(helpers.SanitizeReport(s))
		b.WriteString("\n\n")
	}
	if len(t.Result.RawNotes) > 0 {
		b.WriteString("## Raw Notes\n")
		b.WriteString(helpers.SanitizeReport(strings.Join(t.Result.RawNotes, "\n")))
		b.WriteString("\n")
	}
	return b.String()
}
