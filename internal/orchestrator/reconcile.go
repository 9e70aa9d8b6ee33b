package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/deepresearch/internal/audit"
	"github.com/mohammad-safakhou/deepresearch/internal/metrics"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
)

// InterruptedMessage is recorded on tasks failed by the reconcile sweep.
const InterruptedMessage = "interrupted: process restarted before completion"

// ReconcileReport lists what the startup sweep did.
type ReconcileReport struct {
	Failed   []string
	Flagged  []string
	Requeued []string
}

// Reconcile handles tasks left behind by a previous process. It must run before Start.
//
// Running tasks are failed with InterruptedMessage under the "fail" policy, or only logged under
// "flag". Pending tasks never started, so they are queued again.
func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var rep ReconcileReport
	if o.started {
		return rep, errors.New("reconcile must run before Start")
	}

	tasks, err := o.store.ListByStatus(ctx, store.StatusRunning, store.StatusPending)
	if err != nil {
		return rep, fmt.Errorf("list unfinished tasks: %w", err)
	}
	for _, t := range tasks {
		switch t.Status {
		case store.StatusRunning:
			if o.opts.ReconcilePolicy == "flag" {
				rep.Flagged = append(rep.Flagged, t.ResearchID)
				metrics.ReconciledTasks.WithLabelValues("flagged").Inc()
				o.logger.Printf("research %s left running by a previous process (since %s); flagged for inspection", t.ResearchID, t.UpdatedAt.Format("2006-01-02 15:04:05"))
				continue
			}
			if _, err := o.store.SetFailed(ctx, t.ResearchID, InterruptedMessage); err != nil {
				if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
					continue
				}
				return rep, fmt.Errorf("fail interrupted task %s: %w", t.ResearchID, err)
			}
			rep.Failed = append(rep.Failed, t.ResearchID)
			metrics.ReconciledTasks.WithLabelValues("failed").Inc()
			o.audit.TaskFailed(audit.WithResearchID(ctx, t.ResearchID), t.ResearchID, InterruptedMessage)
			o.logger.Printf("research %s: %s", t.ResearchID, InterruptedMessage)
		case store.StatusPending:
			rep.Requeued = append(rep.Requeued, t.ResearchID)
			metrics.ReconciledTasks.WithLabelValues("requeued").Inc()
			if o.reserve() {
				o.enqueue(t)
			} else {
				o.backlog = append(o.backlog, t)
			}
		}
	}
	if len(tasks) > 0 {
		o.logger.Printf("reconcile: failed=%d flagged=%d requeued=%d", len(rep.Failed), len(rep.Flagged), len(rep.Requeued))
	}
	return rep, nil
}
