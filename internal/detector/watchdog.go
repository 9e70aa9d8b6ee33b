package detector

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/deepresearch/internal/audit"
	"github.com/mohammad-safakhou/deepresearch/internal/metrics"
)

// Source returns the snapshot the watchdog analyses.
type Source func() ([]audit.Event, error)

// Watchdog re-runs the loop heuristic over the audit tail on a cron schedule.
type Watchdog struct {
	expr   *cronexpr.Expression
	source Source
	opts   Options
	logger *log.Logger
	tick   time.Duration
	stop   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	last   time.Time
	now    func() time.Time
}

// NewWatchdog parses schedule (standard cron or @hourly/@daily style) and prepares a watchdog.
func NewWatchdog(schedule string, source Source, opts Options, logger *log.Logger) (*Watchdog, error) {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse watch_cron %q: %w", schedule, err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[WATCHDOG] ", log.LstdFlags)
	}
	return &Watchdog{
		expr:   expr,
		source: source,
		opts:   opts,
		logger: logger,
		tick:   15 * time.Second,
		stop:   make(chan struct{}),
		now:    time.Now,
	}, nil
}

// Start runs the schedule in the background until Stop is called.
func (w *Watchdog) Start() {
	w.mu.Lock()
	w.last = w.now()
	w.mu.Unlock()
	ticker := time.NewTicker(w.tick)
	go func() {
		for {
			select {
			case <-w.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if w.due() {
					w.Check()
				}
			}
		}
	}()
}

// Stop ends the schedule. It is safe to call more than once.
func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.stop) })
}

func (w *Watchdog) due() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	next := w.expr.Next(w.last)
	if next.IsZero() || next.After(now) {
		return false
	}
	w.last = now
	return true
}

// Check analyses the current snapshot once, updates the loop gauge and logs a warning on a loop signal.
func (w *Watchdog) Check() (Report, error) {
	events, err := w.source()
	if err != nil {
		if errors.Is(err, audit.ErrNoLogs) {
			metrics.LoopSignal.Set(0)
			return Analyze(nil, w.opts), nil
		}
		w.logger.Printf("read audit snapshot: %v", err)
		return Report{}, err
	}
	r := Analyze(events, w.opts)
	if r.LoopSignal {
		metrics.LoopSignal.Set(1)
		w.logger.Printf("potential loop detected: %s duplicates=%v last_iteration=%d", OneLine(r), r.DuplicateQueries, r.LastIteration)
	} else {
		metrics.LoopSignal.Set(0)
	}
	return r, nil
}
