package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a research task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus validates a status filter value.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Kind selects the research engine work mode.
type Kind string

const (
	KindMultiAgent  Kind = "multi-agent"
	KindSingleAgent Kind = "single-agent"
)

// ParseKind accepts the canonical kinds and the legacy supervisor/researcher names.
// An empty value defaults to multi-agent.
func ParseKind(v string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", string(KindMultiAgent), "supervisor", "multi_agent":
		return KindMultiAgent, nil
	case string(KindSingleAgent), "researcher", "single_agent":
		return KindSingleAgent, nil
	default:
		return "", fmt.Errorf("unknown research kind %q", v)
	}
}

// Result is the structured payload stored for a completed task.
type Result struct {
	DraftReport        string   `json:"draft_report"`
	CompressedResearch string   `json:"compressed_research"`
	RawNotes           []string `json:"raw_notes"`
}

// Value implements the driver.Valuer interface
func (r Result) Value() (driver.Value, error) {
	if r.RawNotes == nil {
		r.RawNotes = []string{}
	}
	return json.Marshal(r)
}

// Scan implements the sql.Scanner interface
func (r *Result) Scan(value interface{}) error {
	if value == nil {
		*r = Result{}
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Result", value)
	}
	return json.Unmarshal(b, r)
}

// Task is one research request tracked through its lifecycle.
type Task struct {
	ID         int64     `json:"-"`
	ResearchID string    `json:"research_id"`
	Query      string    `json:"query"`
	Kind       Kind      `json:"kind"`
	Status     Status    `json:"status"`
	Result     *Result   `json:"result"`
	Error      *string   `json:"error"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ListOptions constrains List queries.
type ListOptions struct {
	Limit  int
	Offset int
	Status Status // empty means all statuses
}

func (o ListOptions) normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
