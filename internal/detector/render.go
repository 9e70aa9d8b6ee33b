package detector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/internal/audit"
)

const rule = "============================================================"

// Summary renders the aggregate counts.
func Summary(r Report) string {
	var b strings.Builder
	b.WriteString(rule + "\n")
	if r.ResearchID != "" {
		fmt.Fprintf(&b, "API Request Summary (%s)\n", r.ResearchID)
	} else {
		b.WriteString("API Request Summary\n")
	}
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Search Requests:      %3d\n", r.Search.Requests)
	fmt.Fprintf(&b, "Search Responses:     %3d\n", r.Search.Responses)
	fmt.Fprintf(&b, "Search Errors:        %3d\n", r.Search.Errors)
	fmt.Fprintf(&b, "\nModel Requests:       %3d\n", r.Model.Requests)
	fmt.Fprintf(&b, "Model Responses:      %3d\n", r.Model.Responses)
	fmt.Fprintf(&b, "Model Errors:         %3d\n", r.Model.Errors)
	fmt.Fprintf(&b, "\nAgent Iterations:     %3d\n", r.AgentSteps)
	fmt.Fprintf(&b, "Errors (total):       %3d\n", r.Errors)
	fmt.Fprintf(&b, "\nTotal Records:        %3d\n", r.TotalRecords)
	fmt.Fprintf(&b, "Loop Status:          %s\n", loopStatus(r))
	b.WriteString(rule + "\n")
	return b.String()
}

// Detailed renders the summary plus the request-type breakdown, repeated queries and first errors.
func Detailed(r Report) string {
	var b strings.Builder
	b.WriteString(Summary(r))

	b.WriteString("\nModel Requests by Type:\n")
	types := sortedTypes(r.RequestTypes)
	if len(types) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, t := range types {
		fmt.Fprintf(&b, "  %-20s %3d\n", t, r.RequestTypes[t])
	}

	if len(r.DuplicateQueries) > 0 {
		b.WriteString("\nRepeated Search Queries:\n")
		for _, q := range r.DuplicateQueries {
			fmt.Fprintf(&b, "  '%s'\n", q)
		}
	}
	if r.AgentSteps > 0 {
		fmt.Fprintf(&b, "\nLast Agent Iteration: %d (threshold %d)\n", r.LastIteration, r.IterationThreshold)
	}

	fmt.Fprintf(&b, "\nFirst Errors (%d of %d):\n", len(r.FirstErrors), r.Errors)
	if len(r.FirstErrors) == 0 {
		b.WriteString("  No errors found in logs\n")
	}
	for _, e := range r.FirstErrors {
		b.WriteString("  " + audit.Format(e) + "\n")
	}
	return b.String()
}

// OneLine is the compact form logged after each task finishes.
func OneLine(r Report) string {
	return fmt.Sprintf("records=%d search=%d/%d/%d model=%d/%d/%d steps=%d errors=%d loop=%t",
		r.TotalRecords,
		r.Search.Requests, r.Search.Responses, r.Search.Errors,
		r.Model.Requests, r.Model.Responses, r.Model.Errors,
		r.AgentSteps, r.Errors, r.LoopSignal)
}

func loopStatus(r Report) string {
	if !r.LoopSignal {
		return "no loop detected"
	}
	return "POTENTIAL LOOP DETECTED (" + strings.Join(r.LoopReasons, ", ") + ")"
}

// sortedTypes orders request types by count, then name.
func sortedTypes(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if m[out[i]] != m[out[j]] {
			return m[out[i]] > m[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
