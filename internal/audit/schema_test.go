package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDocumentAcceptsEmittedRecords(t *testing.T) {
	e := Event{
		Timestamp:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Logger:       LoggerName,
		Level:        "info",
		Category:     CategorySearch,
		Direction:    DirectionRequest,
		ResearchID:   "r-1",
		Query:        "fusion",
		MaxResults:   3,
		Topic:        "general",
		ResultsCount: 0,
	}
	e.Message = e.Render()
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.NoError(t, ValidateDocument(raw))
}

func TestValidateDocumentRejects(t *testing.T) {
	cases := map[string]string{
		"missing category": `{"direction":"request"}`,
		"unknown category": `{"category":"telepathy"}`,
		"bad direction":    `{"category":"task","direction":"sideways"}`,
		"negative count":   `{"category":"search-provider","direction":"response","results_count":-1}`,
		"unknown field":    `{"category":"agent-step","agent":"a","mood":"tired"}`,
		"bad timestamp":    `{"category":"agent-step","agent":"a","timestamp":"yesterday"}`,
		"not an object":    `[1,2]`,

		"search without direction":      `{"category":"search-provider","query":"q"}`,
		"search request without query":  `{"category":"search-provider","direction":"request","max_results":3,"topic":"news"}`,
		"search request empty query":    `{"category":"search-provider","direction":"request","query":"","max_results":3,"topic":"news"}`,
		"search request zero results":   `{"category":"search-provider","direction":"request","query":"q","max_results":0,"topic":"news"}`,
		"search response without count": `{"category":"search-provider","direction":"response","query":"q"}`,
		"model request without type":    `{"category":"model-provider","direction":"request","model":"m","message_count":1,"first_message":"hi"}`,
		"model response without text":   `{"category":"model-provider","direction":"response","request_type":"research","model":"m"}`,
		"error without text":            `{"category":"search-provider","direction":"error","query":"q"}`,
		"agent step without iteration":  `{"category":"agent-step","agent":"a","action":"plan"}`,
		"task without research id":      `{"category":"task","direction":"error","error":"boom"}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ValidateDocument([]byte(doc)))
		})
	}
}

func TestValidateDocumentAcceptsCompleteRecords(t *testing.T) {
	docs := []string{
		`{"category":"search-provider","direction":"request","query":"q","max_results":3,"topic":"news"}`,
		`{"category":"search-provider","direction":"response","query":"q","results_count":0}`,
		`{"category":"search-provider","direction":"error","query":"q","error":"timeout"}`,
		`{"category":"model-provider","direction":"request","request_type":"research","model":"m","message_count":2,"first_message":"hi","max_tokens":256}`,
		`{"category":"model-provider","direction":"response","request_type":"research","model":"m","response":"ok"}`,
		`{"category":"model-provider","direction":"error","request_type":"research","model":"m","error":"rate limited"}`,
		`{"category":"agent-step","agent":"supervisor","iteration":0,"action":"plan"}`,
		`{"category":"task","direction":"request","research_id":"r-1","query":"q"}`,
	}
	for _, doc := range docs {
		assert.NoError(t, ValidateDocument([]byte(doc)), doc)
	}
}

func TestValidateRequiresCategoryFields(t *testing.T) {
	cases := map[string]Event{
		"search without query":         {Category: CategorySearch, Direction: DirectionResponse},
		"search request without size":  {Category: CategorySearch, Direction: DirectionRequest, Query: "q", Topic: "news"},
		"search request without topic": {Category: CategorySearch, Direction: DirectionRequest, Query: "q", MaxResults: 3},
		"model without model id":       {Category: CategoryModel, Direction: DirectionRequest, RequestType: "research"},
		"model error without text":     {Category: CategoryModel, Direction: DirectionError, RequestType: "research", Model: "m"},
		"agent step without action":    {Category: CategoryAgentStep, Agent: "a", Iteration: 1},
		"task without research id":     {Category: CategoryTask, Direction: DirectionResponse},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, e.Validate())
		})
	}

	ok := Event{Category: CategorySearch, Direction: DirectionRequest, Query: "q", MaxResults: 3, Topic: "news"}
	assert.NoError(t, ok.Validate())
}

func TestRecordSchemaIsACopy(t *testing.T) {
	s := RecordSchema()
	s[0] = 'x'
	assert.Equal(t, byte('{'), RecordSchema()[0])
}
