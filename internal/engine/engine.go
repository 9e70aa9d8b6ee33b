package engine

import (
	"context"
	"errors"

	"github.com/mohammad-safakhou/deepresearch/internal/store"
)

// ErrEmptyQuery is returned before any work is attempted on a blank query.
var ErrEmptyQuery = errors.New("research query is empty")

// Request is one unit of research work.
type Request struct {
	ResearchID string     `json:"research_id"`
	Query      string     `json:"query"`
	Kind       store.Kind `json:"kind"`
}

// Result is what a research engine hands back. DraftReport is optional;
// CompressedResearch is always present on success.
type Result struct {
	DraftReport        *string  `json:"draft_report,omitempty"`
	CompressedResearch string   `json:"compressed_research"`
	RawNotes           []string `json:"raw_notes,omitempty"`
}

// Engine runs research for a query. It either returns a result or an error describing the failure.
type Engine interface {
	Research(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to Engine.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Research(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }
