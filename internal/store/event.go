package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendEvent writes one audit row. The timeline is append-only.
func (s *Store) AppendEvent(ctx context.Context, ev *WorkflowEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workflow_events (id, workflow_id, event_type, stage, trace_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), ev.ID, ev.WorkflowID, ev.EventType, ev.Stage, ev.TraceID, rawOrEmptyObject(ev.Payload), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow event: %w", err)
	}
	return nil
}

// ListEventsByWorkflow returns a workflow's timeline in arrival order.
func (s *Store) ListEventsByWorkflow(ctx context.Context, workflowID string) ([]*WorkflowEvent, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, workflow_id, event_type, stage, trace_id, payload, created_at
		FROM workflow_events WHERE workflow_id = ? ORDER BY created_at ASC, id ASC
	`), workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow events: %w", err)
	}
	defer rows.Close()

	var events []*WorkflowEvent
	for rows.Next() {
		ev := &WorkflowEvent{}
		var payload string
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.EventType, &ev.Stage, &ev.TraceID, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" && payload != "{}" {
			ev.Payload = json.RawMessage(payload)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
