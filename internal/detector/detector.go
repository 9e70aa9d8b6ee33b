package detector

import (
	"github.com/mohammad-safakhou/deepresearch/internal/audit"
)

const (
	DefaultIterationThreshold = 5
	DefaultMaxErrors          = 5
)

// Options tunes Analyze. Zero values select the defaults.
type Options struct {
	IterationThreshold int
	MaxErrors          int
	ResearchID         string // when set, only records tagged with this research_id are considered
}

func (o Options) normalize() Options {
	if o.IterationThreshold <= 0 {
		o.IterationThreshold = DefaultIterationThreshold
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = DefaultMaxErrors
	}
	return o
}

// Counts tallies one category's records by direction.
type Counts struct {
	Requests  int `json:"requests"`
	Responses int `json:"responses"`
	Errors    int `json:"errors"`
}

func (c *Counts) add(d audit.Direction) {
	switch d {
	case audit.DirectionRequest:
		c.Requests++
	case audit.DirectionResponse:
		c.Responses++
	case audit.DirectionError:
		c.Errors++
	}
}

// Report is the result of one analysis pass.
type Report struct {
	ResearchID         string         `json:"research_id,omitempty"`
	TotalRecords       int            `json:"total_records"`
	Search             Counts         `json:"search_provider"`
	Model              Counts         `json:"model_provider"`
	Task               Counts         `json:"task"`
	AgentSteps         int            `json:"agent_steps"`
	Errors             int            `json:"errors"`
	RequestTypes       map[string]int `json:"request_types"`
	LastIteration      int            `json:"last_iteration"`
	IterationThreshold int            `json:"iteration_threshold"`
	DuplicateQueries   []string       `json:"duplicate_queries"`
	LoopSignal         bool           `json:"loop_signal"`
	LoopReasons        []string       `json:"loop_reasons,omitempty"`
	FirstErrors        []audit.Event  `json:"first_errors"`
}

// Analyze computes counts and the loop signal over a snapshot of audit records.
// The slice is not modified.
func Analyze(events []audit.Event, opts Options) Report {
	opts = opts.normalize()
	r := Report{
		ResearchID:         opts.ResearchID,
		RequestTypes:       map[string]int{},
		IterationThreshold: opts.IterationThreshold,
		DuplicateQueries:   []string{},
		FirstErrors:        []audit.Event{},
	}

	var (
		sawStep  bool
		seen     = map[string]int{}
		searched []string
	)
	for _, e := range events {
		if opts.ResearchID != "" && e.ResearchID != opts.ResearchID {
			continue
		}
		r.TotalRecords++
		switch e.Category {
		case audit.CategorySearch:
			r.Search.add(e.Direction)
			if e.Direction == audit.DirectionRequest {
				seen[e.Query]++
				if seen[e.Query] == 2 {
					searched = append(searched, e.Query)
				}
			}
		case audit.CategoryModel:
			r.Model.add(e.Direction)
			if e.Direction == audit.DirectionRequest {
				r.RequestTypes[e.RequestType]++
			}
		case audit.CategoryTask:
			r.Task.add(e.Direction)
		case audit.CategoryAgentStep:
			r.AgentSteps++
			r.LastIteration = e.Iteration
			sawStep = true
		}
		if e.IsError() {
			r.Errors++
			if len(r.FirstErrors) < opts.MaxErrors {
				r.FirstErrors = append(r.FirstErrors, e)
			}
		}
	}

	if sawStep && r.LastIteration >= opts.IterationThreshold {
		r.LoopSignal = true
		r.LoopReasons = append(r.LoopReasons, "iteration threshold reached")
	}
	if len(searched) > 0 {
		r.DuplicateQueries = searched
		r.LoopSignal = true
		r.LoopReasons = append(r.LoopReasons, "repeated search queries")
	}
	return r
}

// DetectLoop reports only the loop signal.
func DetectLoop(events []audit.Event, threshold int) bool {
	return Analyze(events, Options{IterationThreshold: threshold}).LoopSignal
}
