package audit

import "context"

type researchIDKey struct{}

// WithResearchID tags every record appended under ctx with the task's research_id.
func WithResearchID(ctx context.Context, researchID string) context.Context {
	return context.WithValue(ctx, researchIDKey{}, researchID)
}

// ResearchIDFromContext returns the research_id stored by WithResearchID, or "".
func ResearchIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(researchIDKey{}).(string); ok {
		return v
	}
	return ""
}
