package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/models"
)

const taskColumns = `id, repository_id, index_id, node_id, project_id, task_type, state, perform_at, created_at`

// NewTask describes a task to insert
type NewTask struct {
	RepositoryID int64
	IndexID      int64
	NodeID       int64
	ProjectID    int64
	Type         models.TaskType
	PerformAt    time.Time
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	RepositoryID int64
	NodeID       int64
	ProjectID    int64
	Type         models.TaskType
	States       []models.TaskState
	Limit        int
}

func scanTask(row scanner) (models.Task, error) {
	var t models.Task
	var taskType, state string
	var performAt, createdAt int64
	if err := row.Scan(&t.ID, &t.RepositoryID, &t.IndexID, &t.NodeID, &t.ProjectID,
		&taskType, &state, &performAt, &createdAt); err != nil {
		return models.Task{}, err
	}
	t.Type = models.TaskType(taskType)
	t.State = models.TaskState(state)
	t.PerformAt = fromNanos(performAt)
	t.CreatedAt = fromNanos(createdAt)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertTasks inserts tasks in one transaction and returns how many were created.
// A task whose (repository, type) already has a live task is skipped. With force the live
// task is orphaned first so the new one always lands.
func (s *DB) InsertTasks(ctx context.Context, tasks []NewTask, force bool) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toNanos(s.now())

	var orphan *sql.Stmt
	if force {
		orphan, err = tx.PrepareContext(ctx, `
			UPDATE tasks SET state = 'orphaned', updated_at = ?
			WHERE repository_id = ? AND task_type = ? AND state IN ('pending', 'processing')`)
		if err != nil {
			return 0, fmt.Errorf("store: prepare orphan: %w", err)
		}
		defer orphan.Close()
	}

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (repository_id, index_id, node_id, project_id, task_type, state, perform_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?)
		ON CONFLICT DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("store: prepare insert: %w", err)
	}
	defer insert.Close()

	created := 0
	for _, t := range tasks {
		if orphan != nil {
			if _, err := orphan.ExecContext(ctx, now, t.RepositoryID, string(t.Type)); err != nil {
				return 0, fmt.Errorf("store: orphan live task: %w", err)
			}
		}
		performAt := t.PerformAt
		if performAt.IsZero() {
			performAt = fromNanos(now)
		}
		res, err := insert.ExecContext(ctx, t.RepositoryID, t.IndexID, t.NodeID, t.ProjectID,
			string(t.Type), toNanos(performAt), now, now)
		if err != nil {
			return 0, fmt.Errorf("store: insert task: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return created, nil
}

// ListTasks returns tasks matching filter ordered by perform_at then id
func (s *DB) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	var conds []string
	var args []interface{}
	if f.RepositoryID != 0 {
		conds = append(conds, "repository_id = ?")
		args = append(args, f.RepositoryID)
	}
	if f.NodeID != 0 {
		conds = append(conds, "node_id = ?")
		args = append(args, f.NodeID)
	}
	if f.ProjectID != 0 {
		conds = append(conds, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		conds = append(conds, "task_type = ?")
		args = append(args, string(f.Type))
	}
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "state IN ("+strings.Join(ph, ", ")+")")
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY perform_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	return scanTasks(rows)
}

// ClaimTasks hands up to limit due pending tasks of the node to the caller, ordered by
// perform_at. Claimed tasks become processing and their pending repositories initializing.
func (s *DB) ClaimTasks(ctx context.Context, nodeID int64, limit int) ([]models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toNanos(s.now())
	rows, err := tx.QueryContext(ctx, `
		UPDATE tasks SET state = 'processing', updated_at = ?
		WHERE id IN (
			SELECT id FROM tasks
			WHERE node_id = ? AND state = 'pending' AND perform_at <= ?
			ORDER BY perform_at, id
			LIMIT ?)
		RETURNING `+taskColumns, now, nodeID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: claim tasks: %w", err)
	}
	claimed, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	var indexing []int64
	for _, t := range claimed {
		if t.Type != models.TaskDeleteRepo {
			indexing = append(indexing, t.RepositoryID)
		}
	}
	if len(indexing) > 0 {
		in, args := inClause(indexing)
		if _, err := tx.ExecContext(ctx,
			"UPDATE repositories SET state = 'initializing' WHERE state = 'pending' AND id IN "+in, args...); err != nil {
			return nil, fmt.Errorf("store: start repositories: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}

	// RETURNING order is unspecified
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].PerformAt.Equal(claimed[j].PerformAt) {
			return claimed[i].ID < claimed[j].ID
		}
		return claimed[i].PerformAt.Before(claimed[j].PerformAt)
	})
	return claimed, nil
}

// CompleteTask finishes a processing task. Indexing tasks make the repository ready with
// its reported size; delete tasks purge the repository. Either way the index is marked as
// touched so storage accounting picks it up.
func (s *DB) CompleteTask(ctx context.Context, id int64, sizeBytes int64) (models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Task{}, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toNanos(s.now())
	task, err := scanTask(tx.QueryRowContext(ctx, `
		UPDATE tasks SET state = 'done', updated_at = ?
		WHERE id = ? AND state = 'processing'
		RETURNING `+taskColumns, now, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("processing task %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("store: complete task: %w", err)
	}

	if task.Type == models.TaskDeleteRepo {
		_, err = tx.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, task.RepositoryID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE repositories SET state = 'ready', size_bytes = ?, indexed_at = ?
			WHERE id = ? AND state IN ('pending', 'initializing', 'ready', 'failed')`,
			sizeBytes, now, task.RepositoryID)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("store: finish repository: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE indices SET last_indexed_at = ? WHERE id = ?`, now, task.IndexID); err != nil {
		return models.Task{}, fmt.Errorf("store: touch index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Task{}, fmt.Errorf("store: commit: %w", err)
	}
	task.State = models.TaskDone
	return task, nil
}

// GetTask loads a task by id
func (s *DB) GetTask(ctx context.Context, id int64) (models.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("store: get task: %w", err)
	}
	return task, nil
}

// FailTask marks a live task failed and returns it
func (s *DB) FailTask(ctx context.Context, id int64) (models.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `
		UPDATE tasks SET state = 'failed', updated_at = ?
		WHERE id = ? AND state IN ('pending', 'processing')
		RETURNING `+taskColumns, toNanos(s.now()), id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("live task %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("store: fail task: %w", err)
	}
	return task, nil
}
