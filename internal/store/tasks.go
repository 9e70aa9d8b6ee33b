package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const taskColumns = `id, research_id, query, kind, status, result, error, created_at, updated_at`

// pq reports unique_violation with SQLSTATE 23505.
const uniqueViolation = "23505"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t         Task
		resultB   []byte
		errorText sql.NullString
	)
	if err := row.Scan(&t.ID, &t.ResearchID, &t.Query, &t.Kind, &t.Status, &resultB, &errorText, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Task{}, err
	}
	if len(resultB) > 0 {
		var r Result
		if err := r.Scan(resultB); err != nil {
			return Task{}, fmt.Errorf("decode result for %s: %w", t.ResearchID, err)
		}
		t.Result = &r
	}
	if errorText.Valid {
		msg := errorText.String
		t.Error = &msg
	}
	return t, nil
}

// Create inserts a pending task. It returns ErrDuplicateKey when researchID is already taken.
func (s *Store) Create(ctx context.Context, researchID, query string, kind Kind) (Task, error) {
	if researchID == "" {
		return Task{}, fmt.Errorf("research_id must be provided")
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO research_tasks (research_id, query, kind, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,NOW(),NOW())
RETURNING `+taskColumns, researchID, query, kind, StatusPending)
	t, err := scanTask(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return Task{}, fmt.Errorf("%w: %s", ErrDuplicateKey, researchID)
		}
		return Task{}, fmt.Errorf("create research task: %w", err)
	}
	return t, nil
}

// Get fetches a task by research_id. The bool indicates whether a record was found.
func (s *Store) Get(ctx context.Context, researchID string) (Task, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM research_tasks WHERE research_id=$1`, researchID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, false, nil
		}
		return Task{}, false, err
	}
	return t, true, nil
}

// SetRunning moves a pending task to running.
func (s *Store) SetRunning(ctx context.Context, researchID string) (Task, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE research_tasks SET status=$2, updated_at=NOW()
WHERE research_id=$1 AND status=$3
RETURNING `+taskColumns, researchID, StatusRunning, StatusPending)
	return s.finishTransition(ctx, row, researchID, StatusRunning)
}

// SetCompleted stores the result of a running task and marks it completed.
func (s *Store) SetCompleted(ctx context.Context, researchID string, result Result) (Task, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE research_tasks SET status=$2, result=$3, updated_at=NOW()
WHERE research_id=$1 AND status=$4
RETURNING `+taskColumns, researchID, StatusCompleted, result, StatusRunning)
	return s.finishTransition(ctx, row, researchID, StatusCompleted)
}

// SetFailed records the failure description of a running task and marks it failed.
func (s *Store) SetFailed(ctx context.Context, researchID string, errMsg string) (Task, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE research_tasks SET status=$2, error=$3, updated_at=NOW()
WHERE research_id=$1 AND status=$4
RETURNING `+taskColumns, researchID, StatusFailed, errMsg, StatusRunning)
	return s.finishTransition(ctx, row, researchID, StatusFailed)
}

// finishTransition turns a conditional UPDATE miss into ErrNotFound or ErrInvalidTransition.
func (s *Store) finishTransition(ctx context.Context, row rowScanner, researchID string, to Status) (Task, error) {
	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("set %s status for %s: %w", to, researchID, err)
	}
	var current Status
	if err := s.DB.QueryRowContext(ctx, `SELECT status FROM research_tasks WHERE research_id=$1`, researchID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, fmt.Errorf("%w: %s", ErrNotFound, researchID)
		}
		return Task{}, err
	}
	return Task{}, fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, researchID, current, to)
}

// List returns tasks newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Task, error) {
	opts = opts.normalize()
	var (
		rows *sql.Rows
		err  error
	)
	if opts.Status != "" {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM research_tasks WHERE status=$3 ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, opts.Limit, opts.Offset, opts.Status)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM research_tasks ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Task, 0, opts.Limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListByStatus returns every task in any of the given statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM research_tasks WHERE status = ANY($1) ORDER BY created_at ASC, id ASC`, pq.Array(values))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes a task. It reports whether a row was removed.
func (s *Store) Delete(ctx context.Context, researchID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM research_tasks WHERE research_id=$1`, researchID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
