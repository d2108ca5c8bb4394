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
	"github.com/stagecraft/stagecraft/internal/db/dialect"
)

// ErrVersionConflict is returned by UpdateWorkflowCAS when the row moved
// under the caller. Reload, recompute, retry.
var ErrVersionConflict = errors.New("store: workflow version conflict")

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Status     string
	Type       string
	PlatformID string
	Query      string // substring match on name
	Limit      int
	Offset     int
}

const workflowColumns = `id, platform_id, workflow_definition_id, surface_id, name, type, status,
	current_stage, progress, priority, version, stage_outputs, paused_queue, last_error,
	trace_id, current_span_id, input_data, created_by, created_at, updated_at, completed_at`

// CreateWorkflow inserts a new workflow row at version 1.
func (s *Store) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = WorkflowInitiated
	}
	if wf.Priority == "" {
		wf.Priority = PriorityMedium
	}
	wf.Version = 1

	stageOutputs, pausedQueue, lastError, inputData := marshalWorkflowBlobs(wf)

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workflows (id, platform_id, workflow_definition_id, surface_id, name, type, status,
			current_stage, progress, priority, version, stage_outputs, paused_queue, last_error,
			trace_id, current_span_id, input_data, created_by, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), wf.ID, wf.PlatformID, wf.WorkflowDefinitionID, wf.SurfaceID, wf.Name, wf.Type, wf.Status,
		wf.CurrentStage, wf.Progress, wf.Priority, wf.Version, stageOutputs, pausedQueue, lastError,
		wf.TraceID, wf.CurrentSpanID, inputData, wf.CreatedBy, wf.CreatedAt, wf.UpdatedAt, nullTime(wf.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads one workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+workflowColumns+` FROM workflows WHERE id = ?
	`), id)

	wf, err := scanWorkflow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(apperr.CodeWorkflowNotFound, "workflow not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns workflows matching the filter, newest first.
func (s *Store) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	ctx, span := tracing.Tracer("stagecraft-db").Start(ctx, "db.ListWorkflows")
	defer span.End()

	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.PlatformID != "" {
		query += ` AND platform_id = ?`
		args = append(args, filter.PlatformID)
	}
	if filter.Query != "" {
		query += ` AND name ` + dialect.Like(s.driver) + ` ?`
		args = append(args, "%"+filter.Query+"%")
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// UpdateWorkflowCAS persists the workflow's mutable fields only when the row
// version still matches wf.Version. On success the version is bumped both in
// the row and on wf; on a concurrent change it returns ErrVersionConflict and
// leaves the row untouched.
func (s *Store) UpdateWorkflowCAS(ctx context.Context, wf *Workflow) error {
	expected := wf.Version
	now := time.Now().UTC()
	stageOutputs, pausedQueue, lastError, _ := marshalWorkflowBlobs(wf)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workflows
		SET status = ?, current_stage = ?, progress = ?, priority = ?, version = ?,
			stage_outputs = ?, paused_queue = ?, last_error = ?, current_span_id = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ? AND version = ?
	`), wf.Status, wf.CurrentStage, wf.Progress, wf.Priority, expected+1,
		stageOutputs, pausedQueue, lastError, wf.CurrentSpanID,
		now, nullTime(wf.CompletedAt), wf.ID, expected)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		var count int
		if err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT COUNT(1) FROM workflows WHERE id = ?`), wf.ID).Scan(&count); err != nil {
			return fmt.Errorf("failed to check workflow existence: %w", err)
		}
		if count == 0 {
			return apperr.NotFound(apperr.CodeWorkflowNotFound, "workflow not found: "+wf.ID)
		}
		return ErrVersionConflict
	}

	wf.Version = expected + 1
	wf.UpdatedAt = now
	return nil
}

func marshalWorkflowBlobs(wf *Workflow) (stageOutputs, pausedQueue, lastError, inputData string) {
	if b, err := json.Marshal(wf.StageOutputs); err == nil && wf.StageOutputs != nil {
		stageOutputs = string(b)
	} else {
		stageOutputs = "{}"
	}
	if b, err := json.Marshal(wf.PausedQueue); err == nil && wf.PausedQueue != nil {
		pausedQueue = string(b)
	} else {
		pausedQueue = "[]"
	}
	if wf.LastError != nil {
		if b, err := json.Marshal(wf.LastError); err == nil {
			lastError = string(b)
		}
	}
	if len(wf.InputData) > 0 {
		inputData = string(wf.InputData)
	} else {
		inputData = "{}"
	}
	return stageOutputs, pausedQueue, lastError, inputData
}

func scanWorkflow(scan func(dest ...any) error) (*Workflow, error) {
	wf := &Workflow{}
	var (
		stageOutputs string
		pausedQueue  string
		lastError    string
		inputData    string
		completedAt  sql.NullTime
	)
	err := scan(&wf.ID, &wf.PlatformID, &wf.WorkflowDefinitionID, &wf.SurfaceID, &wf.Name, &wf.Type,
		&wf.Status, &wf.CurrentStage, &wf.Progress, &wf.Priority, &wf.Version,
		&stageOutputs, &pausedQueue, &lastError,
		&wf.TraceID, &wf.CurrentSpanID, &inputData, &wf.CreatedBy,
		&wf.CreatedAt, &wf.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(stageOutputs), &wf.StageOutputs)
	_ = json.Unmarshal([]byte(pausedQueue), &wf.PausedQueue)
	if lastError != "" {
		wf.LastError = &WorkflowError{}
		_ = json.Unmarshal([]byte(lastError), wf.LastError)
	}
	if inputData != "" && inputData != "{}" {
		wf.InputData = json.RawMessage(inputData)
	}
	if completedAt.Valid {
		wf.CompletedAt = &completedAt.Time
	}
	return wf, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
