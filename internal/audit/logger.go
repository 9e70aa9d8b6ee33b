package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerName is stamped on every record.
const LoggerName = "api_requests"

const mirrorTimeout = 250 * time.Millisecond

// Mirror receives a copy of every appended record.
type Mirror interface {
	Publish(ctx context.Context, e Event) error
}

// Options configures a Logger.
type Options struct {
	Path    string    // JSON-lines file, created with its parent directory
	Console io.Writer // optional human-readable copy, nil disables it
	Mirror  Mirror    // optional
	Ops     *log.Logger
}

// Logger appends audit records. A nil *Logger discards everything.
type Logger struct {
	path    string
	file    *zap.Logger
	console *zap.Logger
	out     *os.File
	mirror  Mirror
	ops     *log.Logger
}

// New opens (or creates) the audit file for appending.
func New(opts Options) (*Logger, error) {
	if opts.Path == "" {
		return nil, errors.New("audit log path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	ops := opts.Ops
	if ops == nil {
		ops = log.New(log.Writer(), "[AUDIT] ", log.LstdFlags)
	}

	jsonCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(jsonCfg), zapcore.Lock(zapcore.AddSync(f)), zapcore.InfoLevel)
	l := &Logger{
		path:   opts.Path,
		file:   zap.New(fileCore, zap.ErrorOutput(failureSink{ops: ops, sink: "file"})).Named(LoggerName),
		out:    f,
		mirror: opts.Mirror,
		ops:    ops,
	}

	if opts.Console != nil {
		consoleCfg := zapcore.EncoderConfig{
			TimeKey:          "timestamp",
			LevelKey:         "level",
			NameKey:          "logger",
			MessageKey:       "message",
			LineEnding:       zapcore.DefaultLineEnding,
			ConsoleSeparator: " - ",
			EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
			EncodeLevel:      zapcore.CapitalLevelEncoder,
			EncodeName:       zapcore.FullNameEncoder,
		}
		consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(zapcore.AddSync(opts.Console)), zapcore.InfoLevel)
		l.console = zap.New(consoleCore, zap.ErrorOutput(failureSink{ops: ops, sink: "console"})).Named(LoggerName)
	}
	return l, nil
}

// Path returns the file the logger appends to.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes one record. Failures are reported on the operational logger and counted; they never reach the caller.
func (l *Logger) Append(ctx context.Context, e Event) {
	if l == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ResearchID == "" {
		e.ResearchID = ResearchIDFromContext(ctx)
	}
	if err := e.Validate(); err != nil {
		metrics.AuditWriteFailures.WithLabelValues("invalid").Inc()
		l.ops.Printf("dropping audit record: %v", err)
		return
	}
	e = e.truncate()
	e.Logger = LoggerName
	lvl := zapcore.InfoLevel
	if e.IsError() {
		lvl = zapcore.ErrorLevel
	}
	e.Level = lvl.String()
	e.Message = e.Render()

	write(l.file, lvl, e, zap.Inline(e))
	if l.console != nil {
		write(l.console, lvl, e)
	}
	metrics.AuditEvents.WithLabelValues(string(e.Category), string(e.Direction)).Inc()

	if l.mirror != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		if err := l.mirror.Publish(mctx, e); err != nil {
			metrics.AuditWriteFailures.WithLabelValues("redis").Inc()
			l.ops.Printf("audit mirror publish failed: %v", err)
		}
	}
}

func write(z *zap.Logger, lvl zapcore.Level, e Event, fields ...zap.Field) {
	ce := z.Check(lvl, e.Message)
	if ce == nil {
		return
	}
	ce.Time = e.Timestamp
	ce.Write(fields...)
}

// Close flushes and closes the audit file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	_ = l.file.Sync()
	if l.console != nil {
		_ = l.console.Sync()
	}
	return l.out.Close()
}

// failureSink receives zap's internal write errors.
type failureSink struct {
	ops  *log.Logger
	sink string
}

func (f failureSink) Write(p []byte) (int, error) {
	metrics.AuditWriteFailures.WithLabelValues(f.sink).Inc()
	f.ops.Printf("audit %s sink: %s", f.sink, bytes.TrimSpace(p))
	return len(p), nil
}

func (f failureSink) Sync() error { return nil }

// Message is the minimal chat message shape needed to describe a model request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting returned by a model provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// SearchRequest records an outgoing search-provider call.
func (l *Logger) SearchRequest(ctx context.Context, query string, maxResults int, topic string) {
	if topic == "" {
		topic = "general"
	}
	l.Append(ctx, Event{Category: CategorySearch, Direction: DirectionRequest, Query: query, MaxResults: maxResults, Topic: topic})
}

// SearchResponse records a search-provider reply; firstTitle may be empty.
func (l *Logger) SearchResponse(ctx context.Context, query string, resultsCount int, firstTitle string) {
	l.Append(ctx, Event{Category: CategorySearch, Direction: DirectionResponse, Query: query, ResultsCount: resultsCount, FirstResult: firstTitle})
}

// SearchError records a failed search-provider call.
func (l *Logger) SearchError(ctx context.Context, query string, err error) {
	l.Append(ctx, Event{Category: CategorySearch, Direction: DirectionError, Query: query, Error: errText(err)})
}

// ModelRequest records an outgoing model-provider call. maxTokens <= 0 means unset.
func (l *Logger) ModelRequest(ctx context.Context, requestType, model string, messages []Message, maxTokens int) {
	first := ""
	for _, m := range messages {
		if m.Role == "user" {
			first = m.Content
			break
		}
	}
	l.Append(ctx, Event{
		Category:     CategoryModel,
		Direction:    DirectionRequest,
		RequestType:  defaultRequestType(requestType),
		Model:        model,
		MessageCount: len(messages),
		MaxTokens:    maxTokens,
		FirstMessage: first,
	})
}

// ModelResponse records a model-provider reply; usage may be nil.
func (l *Logger) ModelResponse(ctx context.Context, requestType, model, content string, usage *Usage) {
	e := Event{
		Category:    CategoryModel,
		Direction:   DirectionResponse,
		RequestType: defaultRequestType(requestType),
		Model:       model,
		Response:    content,
	}
	if usage != nil {
		e.PromptTokens = usage.PromptTokens
		e.CompletionTokens = usage.CompletionTokens
	}
	l.Append(ctx, e)
}

// ModelError records a failed model-provider call.
func (l *Logger) ModelError(ctx context.Context, requestType, model string, err error) {
	l.Append(ctx, Event{Category: CategoryModel, Direction: DirectionError, RequestType: defaultRequestType(requestType), Model: model, Error: errText(err)})
}

// AgentStep records one iteration of a research agent.
func (l *Logger) AgentStep(ctx context.Context, agent string, iteration int, action string) {
	l.Append(ctx, Event{Category: CategoryAgentStep, Agent: agent, Iteration: iteration, Action: action})
}

// TaskStarted records the launch of an execution unit.
func (l *Logger) TaskStarted(ctx context.Context, researchID, query string) {
	l.Append(ctx, Event{Category: CategoryTask, Direction: DirectionRequest, ResearchID: researchID, Query: query})
}

// TaskCompleted records a successful terminal write.
func (l *Logger) TaskCompleted(ctx context.Context, researchID string) {
	l.Append(ctx, Event{Category: CategoryTask, Direction: DirectionResponse, ResearchID: researchID})
}

// TaskFailed records a failed terminal write.
func (l *Logger) TaskFailed(ctx context.Context, researchID, msg string) {
	if msg == "" {
		msg = "unknown error"
	}
	l.Append(ctx, Event{Category: CategoryTask, Direction: DirectionError, ResearchID: researchID, Error: msg})
}

func defaultRequestType(t string) string {
	if t == "" {
		return "general"
	}
	return t
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
