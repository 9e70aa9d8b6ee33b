package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/deepresearch/internal/audit"
	"github.com/mohammad-safakhou/deepresearch/internal/detector"
	"github.com/mohammad-safakhou/deepresearch/internal/engine"
	"github.com/mohammad-safakhou/deepresearch/internal/metrics"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrOverloaded is returned by Submit when every worker and queue slot is taken. No task is created.
	ErrOverloaded = errors.New("research queue is full")
	// ErrEmptyQuery rejects blank submissions.
	ErrEmptyQuery = errors.New("query must not be empty")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("orchestrator is shutting down")
)

// ReportHeading prefixes the compressed research when the engine produced no draft report.
const ReportHeading = "# Research Report\n\n"

// StoreAPI captures the store methods the orchestrator needs.
type StoreAPI interface {
	Create(ctx context.Context, researchID, query string, kind store.Kind) (store.Task, error)
	SetRunning(ctx context.Context, researchID string) (store.Task, error)
	SetCompleted(ctx context.Context, researchID string, result store.Result) (store.Task, error)
	SetFailed(ctx context.Context, researchID string, errMsg string) (store.Task, error)
	ListByStatus(ctx context.Context, statuses ...store.Status) ([]store.Task, error)
}

// Options bounds the worker pool and selects the startup reconcile policy.
type Options struct {
	MaxWorkers      int
	QueueSize       int
	ReconcilePolicy string // "fail" (default) or "flag"

	// Snapshot, when set, feeds the per-task diagnostics line logged after every terminal write.
	Snapshot        func() ([]audit.Event, error)
	DetectorOptions detector.Options
}

type job struct {
	task store.Task
}

// Orchestrator accepts research submissions and runs them on a bounded worker pool.
type Orchestrator struct {
	logger *log.Logger
	store  StoreAPI
	engine engine.Engine
	audit  *audit.Logger
	tracer trace.Tracer
	opts   Options

	taskCounter otelmetric.Int64Counter

	slots   chan struct{}
	queue   chan job
	backlog []store.Task
	newID   func() string

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	feeder  sync.WaitGroup
	stop    chan struct{}
}

// New constructs an Orchestrator. Call Reconcile, then Start.
func New(logger *log.Logger, st StoreAPI, eng engine.Engine, auditLog *audit.Logger, opts Options, meter otelmetric.Meter, tracer trace.Tracer) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	opts.ReconcilePolicy = strings.ToLower(strings.TrimSpace(opts.ReconcilePolicy))
	if opts.ReconcilePolicy == "" {
		opts.ReconcilePolicy = "fail"
	}
	capacity := opts.MaxWorkers + opts.QueueSize
	o := &Orchestrator{
		logger: logger,
		store:  st,
		engine: eng,
		audit:  auditLog,
		tracer: tracer,
		opts:   opts,
		slots:  make(chan struct{}, capacity),
		queue:  make(chan job, capacity),
		newID:  uuid.NewString,
		stop:   make(chan struct{}),
	}
	if meter != nil {
		var err error
		o.taskCounter, err = meter.Int64Counter("research_tasks_processed")
		if err != nil {
			logger.Printf("warn: create task counter failed: %v", err)
		}
	}
	return o
}

// Start launches the workers and feeds any backlog left by Reconcile.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started || o.closed {
		return
	}
	o.started = true
	for i := 0; i < o.opts.MaxWorkers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	if len(o.backlog) > 0 {
		backlog := o.backlog
		o.backlog = nil
		o.feeder.Add(1)
		go o.feed(backlog)
	}
	o.logger.Printf("worker pool started: workers=%d queue=%d", o.opts.MaxWorkers, o.opts.QueueSize)
}

// Submit creates a pending task under a fresh research_id and schedules it. It never waits for the research itself.
func (o *Orchestrator) Submit(ctx context.Context, query string, kind store.Kind) (store.Task, error) {
	return o.SubmitWithID(ctx, o.newID(), query, kind)
}

// SubmitWithID is Submit with a caller-chosen research_id. A taken id fails with store.ErrDuplicateKey.
func (o *Orchestrator) SubmitWithID(ctx context.Context, researchID, query string, kind store.Kind) (store.Task, error) {
	if strings.TrimSpace(query) == "" {
		return store.Task{}, ErrEmptyQuery
	}
	if kind == "" {
		kind = store.KindMultiAgent
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return store.Task{}, ErrClosed
	}
	if !o.reserve() {
		metrics.TasksRejected.Inc()
		return store.Task{}, ErrOverloaded
	}
	task, err := o.store.Create(ctx, researchID, query, kind)
	if err != nil {
		o.release()
		return store.Task{}, err
	}
	metrics.TasksSubmitted.WithLabelValues(string(kind)).Inc()
	o.enqueue(task)
	o.logger.Printf("accepted research %s (%s): %s", task.ResearchID, task.Kind, task.Query)
	return task, nil
}

// Shutdown stops admission and waits for queued and in-flight units to finish, or for ctx to expire.
// Running units are never cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.stop)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.feeder.Wait()
		close(o.queue)
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) reserve() bool {
	select {
	case o.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) release() {
	select {
	case <-o.slots:
	default:
	}
}

// enqueue never blocks: every queued job holds a slot and the queue is as large as the slot pool.
func (o *Orchestrator) enqueue(t store.Task) {
	metrics.QueueDepth.Inc()
	o.queue <- job{task: t}
}

func (o *Orchestrator) feed(backlog []store.Task) {
	defer o.feeder.Done()
	for _, t := range backlog {
		select {
		case o.slots <- struct{}{}:
		case <-o.stop:
			o.logger.Printf("shutdown with %d reconciled tasks still pending", len(backlog))
			return
		}
		o.enqueue(t)
		backlog = backlog[1:]
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for j := range o.queue {
		metrics.QueueDepth.Dec()
		o.execute(j.task)
		o.release()
	}
}

// execute is the unit of work for one task: running, engine call, exactly one terminal write.
func (o *Orchestrator) execute(t store.Task) {
	id := t.ResearchID
	ctx := audit.WithResearchID(context.Background(), id)
	ctx, span := o.tracer.Start(ctx, "research.execute", trace.WithAttributes(
		attribute.String("research.id", id),
		attribute.String("research.kind", string(t.Kind)),
	))
	defer span.End()

	if _, err := o.store.SetRunning(ctx, id); err != nil {
		// Deleted, or already moved on by another process; nothing to run.
		o.logger.Printf("research %s: skip, cannot start: %v", id, err)
		span.RecordError(err)
		return
	}
	o.audit.TaskStarted(ctx, id, t.Query)
	metrics.InflightTasks.Inc()
	defer metrics.InflightTasks.Dec()
	start := time.Now()

	status := store.StatusCompleted
	res, err := o.invoke(ctx, engine.Request{ResearchID: id, Query: t.Query, Kind: t.Kind})
	if err == nil {
		if _, werr := o.store.SetCompleted(ctx, id, Normalize(res)); werr != nil {
			if errors.Is(werr, store.ErrInvalidTransition) || errors.Is(werr, store.ErrNotFound) {
				o.logger.Printf("research %s: result discarded: %v", id, werr)
				span.RecordError(werr)
				return
			}
			err = fmt.Errorf("store result: %w", werr)
		}
	}
	if err != nil {
		status = store.StatusFailed
		msg := err.Error()
		if _, ferr := o.store.SetFailed(ctx, id, msg); ferr != nil {
			// the row never reached a terminal state, so no terminal audit record either
			o.logger.Printf("research %s: record failure %q: %v", id, msg, ferr)
			span.RecordError(ferr)
			span.SetStatus(codes.Error, msg)
			metrics.TasksFinished.WithLabelValues(statusUnrecorded).Inc()
			return
		}
		o.audit.TaskFailed(ctx, id, msg)
		o.logger.Printf("research %s failed: %s", id, msg)
		span.SetStatus(codes.Error, msg)
	} else {
		o.audit.TaskCompleted(ctx, id)
		o.logger.Printf("research %s completed", id)
	}

	metrics.TasksFinished.WithLabelValues(string(status)).Inc()
	metrics.TaskDuration.WithLabelValues(string(t.Kind), string(status)).Observe(time.Since(start).Seconds())
	if o.taskCounter != nil {
		o.taskCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", string(status))))
	}
	o.logDiagnostics(id)
}

// statusUnrecorded labels units whose failure could not be persisted.
const statusUnrecorded = "unrecorded"

// invoke calls the engine and turns a panic into an error.
func (o *Orchestrator) invoke(ctx context.Context, req engine.Request) (res engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("research engine panic: %v", r)
		}
	}()
	if o.engine == nil {
		return engine.Result{}, errors.New("research engine not configured")
	}
	return o.engine.Research(ctx, req)
}

func (o *Orchestrator) logDiagnostics(id string) {
	if o.opts.Snapshot == nil {
		return
	}
	events, err := o.opts.Snapshot()
	if err != nil {
		if !errors.Is(err, audit.ErrNoLogs) {
			o.logger.Printf("research %s: read audit log: %v", id, err)
		}
		return
	}
	dopts := o.opts.DetectorOptions
	dopts.ResearchID = id
	r := detector.Analyze(events, dopts)
	o.logger.Printf("research %s diagnostics: %s", id, detector.OneLine(r))
	if r.LoopSignal {
		o.logger.Printf("research %s: potential loop (%s)", id, strings.Join(r.LoopReasons, ", "))
	}
}

// Normalize converts an engine result into the stored payload, synthesising a draft report from
// the compressed research when the engine did not supply one.
func Normalize(res engine.Result) store.Result {
	out := store.Result{
		CompressedResearch: res.CompressedResearch,
		RawNotes:           res.RawNotes,
	}
	if out.RawNotes == nil {
		out.RawNotes = []string{}
	}
	if res.DraftReport != nil && *res.DraftReport != "" {
		out.DraftReport = *res.DraftReport
	} else {
		out.DraftReport = ReportHeading + res.CompressedResearch
	}
	return out
}
