package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/deepresearch/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, console *bytes.Buffer) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "api_requests.log")
	opts := Options{Path: path, Ops: log.New(&bytes.Buffer{}, "[AUDIT] ", 0)}
	if console != nil {
		opts.Console = console
	}
	l, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestAppendWritesTypedRecords(t *testing.T) {
	var console bytes.Buffer
	l, path := newTestLogger(t, &console)
	ctx := WithResearchID(context.Background(), "r-1")

	l.SearchRequest(ctx, "quantum computing", 3, "")
	l.SearchResponse(ctx, "quantum computing", 2, "Quantum supremacy explained")
	l.ModelRequest(ctx, "research", "gpt-4o", []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "What is a qubit?"}}, 512)
	l.ModelResponse(ctx, "research", "gpt-4o", "A qubit is", &Usage{PromptTokens: 10, CompletionTokens: 4})
	l.ModelError(ctx, "summarization", "gpt-4o", errors.New("rate limited"))
	l.AgentStep(ctx, "supervisor", 2, "delegate")

	events, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, events, 6)

	search := events[0]
	assert.Equal(t, CategorySearch, search.Category)
	assert.Equal(t, DirectionRequest, search.Direction)
	assert.Equal(t, "r-1", search.ResearchID)
	assert.Equal(t, 3, search.MaxResults)
	assert.Equal(t, "general", search.Topic)
	assert.Equal(t, LoggerName, search.Logger)
	assert.Equal(t, "info", search.Level)
	assert.Equal(t, "[SEARCH-PROVIDER] REQUEST | query='quantum computing' | max_results=3 | topic=general", search.Message)
	assert.False(t, search.Timestamp.IsZero())

	req := events[2]
	assert.Equal(t, 2, req.MessageCount)
	assert.Equal(t, 512, req.MaxTokens)
	assert.Equal(t, "What is a qubit?", req.FirstMessage)

	resp := events[3]
	assert.Equal(t, 10, resp.PromptTokens)
	assert.Contains(t, resp.Message, "tokens=(prompt=10, completion=4)")

	modelErr := events[4]
	assert.Equal(t, "error", modelErr.Level)
	assert.Equal(t, "[MODEL-PROVIDER] ERROR | type=summarization | model=gpt-4o | error=rate limited", modelErr.Message)

	step := events[5]
	assert.Equal(t, CategoryAgentStep, step.Category)
	assert.Equal(t, 2, step.Iteration)
	assert.Equal(t, "[AGENT-STEP] SUPERVISOR | iteration=2 | action=delegate", step.Message)

	lines := strings.Split(strings.TrimSpace(console.String()), "\n")
	require.Len(t, lines, 6)
	assert.Contains(t, lines[0], " - api_requests - INFO - [SEARCH-PROVIDER] REQUEST")
	assert.Contains(t, lines[4], " - api_requests - ERROR - [MODEL-PROVIDER] ERROR")
}

func TestConcurrentAppendsKeepEveryRecord(t *testing.T) {
	l, path := newTestLogger(t, nil)
	const writers, perWriter = 16, 250

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ctx := WithResearchID(context.Background(), fmt.Sprintf("r-%d", w))
			for i := 0; i < perWriter; i++ {
				l.AgentStep(ctx, "researcher", i, "search")
			}
		}(w)
	}
	wg.Wait()

	events, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	next := map[string]int{}
	for _, e := range events {
		require.Equal(t, CategoryAgentStep, e.Category)
		// each writer's own records stay in emission order
		require.Equal(t, next[e.ResearchID], e.Iteration, "writer %s", e.ResearchID)
		next[e.ResearchID]++
	}
	assert.Len(t, next, writers)
}

func TestAppendTruncatesSnippets(t *testing.T) {
	l, path := newTestLogger(t, nil)
	long := strings.Repeat("x", 300)

	l.SearchResponse(context.Background(), "q", 1, long)
	l.ModelRequest(context.Background(), "", "m", []Message{{Role: "user", Content: long}}, 0)
	l.ModelResponse(context.Background(), "", "m", long, nil)

	events, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Len(t, events[0].FirstResult, FirstResultChars)
	assert.Len(t, events[1].FirstMessage, FirstMessageChars)
	assert.Equal(t, "general", events[1].RequestType)
	assert.NotContains(t, events[1].Message, "max_tokens")
	assert.Len(t, events[2].Response, ResponseChars)
	assert.NotContains(t, events[2].Message, "tokens=")
}

func TestAppendDropsInvalidRecords(t *testing.T) {
	l, path := newTestLogger(t, nil)
	before := testutil.ToFloat64(metrics.AuditWriteFailures.WithLabelValues("invalid"))

	l.Append(context.Background(), Event{Category: "weather", Direction: DirectionRequest})
	l.Append(context.Background(), Event{Category: CategorySearch})

	assert.Equal(t, before+2, testutil.ToFloat64(metrics.AuditWriteFailures.WithLabelValues("invalid")))
	events, err := ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppendNeverFailsCaller(t *testing.T) {
	l, _ := newTestLogger(t, nil)
	require.NoError(t, l.out.Close())
	before := testutil.ToFloat64(metrics.AuditWriteFailures.WithLabelValues("file"))

	assert.NotPanics(t, func() {
		l.TaskFailed(context.Background(), "r-1", "boom")
	})
	assert.Greater(t, testutil.ToFloat64(metrics.AuditWriteFailures.WithLabelValues("file")), before)
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.SearchRequest(context.Background(), "q", 3, "news")
		l.TaskStarted(context.Background(), "r", "q")
		_ = l.Close()
	})
	assert.Equal(t, "", l.Path())
}

func TestReadersOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.log")
	_, err := ReadFile(path)
	assert.ErrorIs(t, err, ErrNoLogs)
	_, err = Tail(path, 10)
	assert.ErrorIs(t, err, ErrNoLogs)
	_, err = Grep(path, "x")
	assert.ErrorIs(t, err, ErrNoLogs)
}

func TestTailAndGrep(t *testing.T) {
	l, path := newTestLogger(t, nil)
	ctx := context.Background()
	for _, q := range []string{"Quantum Computing", "machine learning", "protein folding"} {
		l.SearchRequest(ctx, q, 3, "general")
	}
	// a foreign line in the file is ignored by the readers
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tail, err := Tail(path, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "machine learning", tail[0].Query)

	matches, err := Grep(path, "quantum")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "Quantum Computing", matches[0].Query)

	line := Format(matches[0])
	assert.Contains(t, line, " - api_requests - INFO - [SEARCH-PROVIDER] REQUEST | query='Quantum Computing'")
}
