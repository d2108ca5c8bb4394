package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/common/tracing"
)

const taskColumns = `id, task_id, workflow_id, stage_name, agent_type, status, priority,
	payload, result, error, trace_id, span_id, parent_span_id,
	retry_count, max_retries, timeout_ms, created_at, assigned_at, started_at, completed_at, updated_at`

// CreateTask records one stage attempt. Each retry is a fresh row with its
// own task_id; retry_count carries the attempt number.
func (s *Store) CreateTask(ctx context.Context, t *AgentTask) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.TaskID == "" {
		t.TaskID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskPending
	}

	payload := rawOrEmptyObject(t.Payload)
	result := string(t.Result)

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_tasks (id, task_id, workflow_id, stage_name, agent_type, status, priority,
			payload, result, error, trace_id, span_id, parent_span_id,
			retry_count, max_retries, timeout_ms, created_at, assigned_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.TaskID, t.WorkflowID, t.StageName, t.AgentType, t.Status, t.Priority,
		payload, result, t.Error, t.TraceID, t.SpanID, t.ParentSpanID,
		t.RetryCount, t.MaxRetries, t.TimeoutMs, t.CreatedAt,
		nullTime(t.AssignedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// GetTask resolves a task by its envelope task_id, falling back to the row id
// so API lookups work with either.
func (s *Store) GetTask(ctx context.Context, id string) (*AgentTask, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+taskColumns+` FROM agent_tasks WHERE task_id = ? OR id = ?
	`), id, id)

	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(apperr.CodeTaskNotFound, "task not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasksByWorkflow returns every attempt for a workflow in creation order.
func (s *Store) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*AgentTask, error) {
	ctx, span := tracing.Tracer("stagecraft-db").Start(ctx, "db.ListTasksByWorkflow")
	defer span.End()

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+taskColumns+` FROM agent_tasks WHERE workflow_id = ? ORDER BY created_at ASC, id ASC
	`), workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListActiveTasks returns all non-terminal tasks. Used at boot to re-arm
// timeout watchdogs for work that was in flight during a restart.
func (s *Store) ListActiveTasks(ctx context.Context) ([]*AgentTask, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+taskColumns+` FROM agent_tasks
		WHERE status IN (?, ?, ?)
		ORDER BY created_at ASC
	`), TaskPending, TaskAssigned, TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpdateTaskStatus moves a task to status and stamps the matching timestamp.
// Result and errMsg overwrite only when non-empty.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, result json.RawMessage, errMsg string) error {
	now := time.Now().UTC()

	query := `UPDATE agent_tasks SET status = ?, updated_at = ?`
	args := []any{status, now}
	switch status {
	case TaskAssigned:
		query += `, assigned_at = ?`
		args = append(args, now)
	case TaskRunning:
		query += `, started_at = ?`
		args = append(args, now)
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		query += `, completed_at = ?`
		args = append(args, now)
	}
	if len(result) > 0 {
		query += `, result = ?`
		args = append(args, string(result))
	}
	if errMsg != "" {
		query += `, error = ?`
		args = append(args, errMsg)
	}
	query += ` WHERE task_id = ?`
	args = append(args, taskID)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NotFound(apperr.CodeTaskNotFound, "task not found: "+taskID)
	}
	return nil
}

// MarkTasksCancelled cancels every non-terminal task for the workflow and
// returns how many were affected.
func (s *Store) MarkTasksCancelled(ctx context.Context, workflowID string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_tasks
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE workflow_id = ? AND status IN (?, ?, ?)
	`), TaskCancelled, now, now, workflowID, TaskPending, TaskAssigned, TaskRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel tasks: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

func collectTasks(rows *sql.Rows) ([]*AgentTask, error) {
	var tasks []*AgentTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(scan func(dest ...any) error) (*AgentTask, error) {
	t := &AgentTask{}
	var (
		payload     string
		result      string
		assignedAt  sql.NullTime
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := scan(&t.ID, &t.TaskID, &t.WorkflowID, &t.StageName, &t.AgentType, &t.Status, &t.Priority,
		&payload, &result, &t.Error, &t.TraceID, &t.SpanID, &t.ParentSpanID,
		&t.RetryCount, &t.MaxRetries, &t.TimeoutMs, &t.CreatedAt,
		&assignedAt, &startedAt, &completedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if payload != "" && payload != "{}" {
		t.Payload = json.RawMessage(payload)
	}
	if result != "" {
		t.Result = json.RawMessage(result)
	}
	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func rawOrEmptyObject(raw json.RawMessage) string {
	if len(raw) > 0 {
		return string(raw)
	}
	return "{}"
}
