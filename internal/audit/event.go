package audit

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap/zapcore"
)

// Category identifies the external collaborator a record describes.
type Category string

const (
	CategorySearch    Category = "search-provider"
	CategoryModel     Category = "model-provider"
	CategoryAgentStep Category = "agent-step"
	CategoryTask      Category = "task"
)

// Direction is the request/response/error leg of an external call.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
	DirectionError    Direction = "error"
)

// Snippet lengths applied to free-text fields before they are persisted.
const (
	FirstResultChars  = 80
	ResponseChars     = 100
	FirstMessageChars = 120
)

// Event is one audit record. Only the fields relevant to Category are populated.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Logger     string    `json:"logger,omitempty"`
	Level      string    `json:"level,omitempty"`
	Message    string    `json:"message,omitempty"`
	Category   Category  `json:"category"`
	Direction  Direction `json:"direction,omitempty"`
	ResearchID string    `json:"research_id,omitempty"`

	// search-provider
	Query        string `json:"query,omitempty"`
	MaxResults   int    `json:"max_results,omitempty"`
	Topic        string `json:"topic,omitempty"`
	ResultsCount int    `json:"results_count,omitempty"`
	FirstResult  string `json:"first_result,omitempty"`

	// model-provider
	RequestType      string `json:"request_type,omitempty"`
	Model            string `json:"model,omitempty"`
	MessageCount     int    `json:"message_count,omitempty"`
	MaxTokens        int    `json:"max_tokens,omitempty"`
	FirstMessage     string `json:"first_message,omitempty"`
	Response         string `json:"response,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`

	// agent-step
	Agent     string `json:"agent,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
	Action    string `json:"action,omitempty"`

	Error string `json:"error,omitempty"`
}

// Validate checks that the category is known and the record carries the fields its category and direction need.
func (e Event) Validate() error {
	switch e.Category {
	case CategorySearch, CategoryModel, CategoryTask:
		switch e.Direction {
		case DirectionRequest, DirectionResponse, DirectionError:
		default:
			return fmt.Errorf("%s record needs a direction, got %q", e.Category, e.Direction)
		}
	case CategoryAgentStep:
	default:
		return fmt.Errorf("unknown audit category %q", e.Category)
	}

	var missing []string
	need := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}
	switch e.Category {
	case CategorySearch:
		need(strings.TrimSpace(e.Query) != "", "query")
		if e.Direction == DirectionRequest {
			need(e.MaxResults > 0, "max_results")
			need(strings.TrimSpace(e.Topic) != "", "topic")
		}
	case CategoryModel:
		need(strings.TrimSpace(e.RequestType) != "", "request_type")
		need(strings.TrimSpace(e.Model) != "", "model")
	case CategoryAgentStep:
		need(strings.TrimSpace(e.Agent) != "", "agent")
		need(e.Iteration >= 0, "iteration")
		need(strings.TrimSpace(e.Action) != "", "action")
	case CategoryTask:
		need(strings.TrimSpace(e.ResearchID) != "", "research_id")
	}
	if e.Direction == DirectionError {
		need(strings.TrimSpace(e.Error) != "", "error")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s %s record missing %s", e.Category, e.Direction, strings.Join(missing, ", "))
	}
	return nil
}

// IsError reports whether the record describes a failed call.
func (e Event) IsError() bool { return e.Direction == DirectionError }

// truncate trims free-text fields to their snippet length.
func (e Event) truncate() Event {
	e.FirstResult = snippet(e.FirstResult, FirstResultChars)
	e.Response = snippet(e.Response, ResponseChars)
	e.FirstMessage = snippet(e.FirstMessage, FirstMessageChars)
	return e
}

// Render produces the human-readable "[CATEGORY] DIRECTION | key=value | ..." line.
func (e Event) Render() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(string(e.Category)))
	b.WriteString("] ")
	pairs := make([]string, 0, 6)
	switch e.Category {
	case CategorySearch:
		b.WriteString(strings.ToUpper(string(e.Direction)))
		pairs = append(pairs, quoted("query", e.Query))
		switch e.Direction {
		case DirectionRequest:
			pairs = append(pairs, fmt.Sprintf("max_results=%d", e.MaxResults), "topic="+e.Topic)
		case DirectionResponse:
			pairs = append(pairs, fmt.Sprintf("results_count=%d", e.ResultsCount))
			if e.FirstResult != "" {
				pairs = append(pairs, quoted("first_result", e.FirstResult+"..."))
			}
		case DirectionError:
			pairs = append(pairs, "error="+e.Error)
		}
	case CategoryModel:
		b.WriteString(strings.ToUpper(string(e.Direction)))
		pairs = append(pairs, "type="+e.RequestType, "model="+e.Model)
		switch e.Direction {
		case DirectionRequest:
			pairs = append(pairs, fmt.Sprintf("num_messages=%d", e.MessageCount))
			if e.MaxTokens > 0 {
				pairs = append(pairs, fmt.Sprintf("max_tokens=%d", e.MaxTokens))
			}
			pairs = append(pairs, quoted("first_msg", e.FirstMessage+"..."))
		case DirectionResponse:
			pairs = append(pairs, quoted("response", e.Response+"..."))
			if e.PromptTokens > 0 || e.CompletionTokens > 0 {
				pairs = append(pairs, fmt.Sprintf("tokens=(prompt=%d, completion=%d)", e.PromptTokens, e.CompletionTokens))
			}
		case DirectionError:
			pairs = append(pairs, "error="+e.Error)
		}
	case CategoryAgentStep:
		b.WriteString(strings.ToUpper(e.Agent))
		pairs = append(pairs, fmt.Sprintf("iteration=%d", e.Iteration), "action="+e.Action)
	case CategoryTask:
		b.WriteString(strings.ToUpper(string(e.Direction)))
		pairs = append(pairs, "research_id="+e.ResearchID)
		if e.Query != "" {
			pairs = append(pairs, quoted("query", e.Query))
		}
		if e.Error != "" {
			pairs = append(pairs, "error="+e.Error)
		}
	default:
		b.WriteString(strings.ToUpper(string(e.Direction)))
	}
	for _, p := range pairs {
		b.WriteString(" | ")
		b.WriteString(p)
	}
	return b.String()
}

// MarshalLogObject writes the category-specific fields onto a zap entry.
func (e Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("category", string(e.Category))
	if e.Direction != "" {
		enc.AddString("direction", string(e.Direction))
	}
	if e.ResearchID != "" {
		enc.AddString("research_id", e.ResearchID)
	}
	switch e.Category {
	case CategorySearch:
		enc.AddString("query", e.Query)
		switch e.Direction {
		case DirectionRequest:
			enc.AddInt("max_results", e.MaxResults)
			enc.AddString("topic", e.Topic)
		case DirectionResponse:
			enc.AddInt("results_count", e.ResultsCount)
			if e.FirstResult != "" {
				enc.AddString("first_result", e.FirstResult)
			}
		}
	case CategoryModel:
		enc.AddString("request_type", e.RequestType)
		enc.AddString("model", e.Model)
		switch e.Direction {
		case DirectionRequest:
			enc.AddInt("message_count", e.MessageCount)
			if e.MaxTokens > 0 {
				enc.AddInt("max_tokens", e.MaxTokens)
			}
			enc.AddString("first_message", e.FirstMessage)
		case DirectionResponse:
			enc.AddString("response", e.Response)
			if e.PromptTokens > 0 || e.CompletionTokens > 0 {
				enc.AddInt("prompt_tokens", e.PromptTokens)
				enc.AddInt("completion_tokens", e.CompletionTokens)
			}
		}
	case CategoryAgentStep:
		enc.AddString("agent", e.Agent)
		enc.AddInt("iteration", e.Iteration)
		enc.AddString("action", e.Action)
	case CategoryTask:
		if e.Query != "" {
			enc.AddString("query", e.Query)
		}
	}
	if e.Error != "" {
		enc.AddString("error", e.Error)
	}
	return nil
}

func quoted(key, value string) string {
	return key + "='" + value + "'"
}

func snippet(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
