package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/common/tracing"
)

// TraceSummary is the aggregate view of one trace across its spans.
type TraceSummary struct {
	TraceID    string     `json:"trace_id"`
	WorkflowID string     `json:"workflow_id,omitempty"`
	SpanCount  int        `json:"span_count"`
	OpenCount  int        `json:"open_count"`
	ErrorCount int        `json:"error_count"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// CreateSpan opens a span row. The caller supplies span/trace ids.
func (s *Store) CreateSpan(ctx context.Context, sp *Span) error {
	if sp.StartedAt.IsZero() {
		sp.StartedAt = time.Now().UTC()
	}
	if sp.Status == "" {
		sp.Status = SpanOpen
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO spans (span_id, trace_id, parent_span_id, workflow_id, task_id, name, status, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sp.SpanID, sp.TraceID, sp.ParentSpanID, sp.WorkflowID, sp.TaskID, sp.Name, sp.Status,
		sp.StartedAt, nullTime(sp.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to insert span: %w", err)
	}
	return nil
}

// CloseSpan stamps the end time and final status of an open span.
func (s *Store) CloseSpan(ctx context.Context, spanID, status string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE spans SET status = ?, ended_at = ? WHERE span_id = ? AND ended_at IS NULL
	`), status, time.Now().UTC(), spanID)
	if err != nil {
		return fmt.Errorf("failed to close span: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("span not open: %s", spanID)
	}
	return nil
}

// ListSpans returns all spans for a trace in start order.
func (s *Store) ListSpans(ctx context.Context, traceID string) ([]*Span, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT span_id, trace_id, parent_span_id, workflow_id, task_id, name, status, started_at, ended_at
		FROM spans WHERE trace_id = ? ORDER BY started_at ASC, span_id ASC
	`), traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list spans: %w", err)
	}
	defer rows.Close()

	var spans []*Span
	for rows.Next() {
		sp := &Span{}
		var endedAt sql.NullTime
		if err := rows.Scan(&sp.SpanID, &sp.TraceID, &sp.ParentSpanID, &sp.WorkflowID, &sp.TaskID,
			&sp.Name, &sp.Status, &sp.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			sp.EndedAt = &endedAt.Time
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}

const traceSummarySelect = `
	SELECT trace_id,
		MAX(workflow_id) as workflow_id,
		COUNT(1) as span_count,
		SUM(CASE WHEN status = 'open' THEN 1 ELSE 0 END) as open_count,
		SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END) as error_count,
		CAST(MIN(started_at) AS TEXT) as started_at,
		CAST(MAX(ended_at) AS TEXT) as ended_at
	FROM spans`

// GetTrace returns the aggregate summary of one trace.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*TraceSummary, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(traceSummarySelect+` WHERE trace_id = ? GROUP BY trace_id`), traceID)
	summary, err := scanTraceSummary(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(apperr.CodeTraceNotFound, "trace not found: "+traceID)
	}
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// ListTraces returns recent trace summaries, newest first.
func (s *Store) ListTraces(ctx context.Context, limit int) ([]*TraceSummary, error) {
	ctx, span := tracing.Tracer("stagecraft-db").Start(ctx, "db.ListTraces")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(
		traceSummarySelect+` GROUP BY trace_id ORDER BY MIN(started_at) DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}
	defer rows.Close()

	var traces []*TraceSummary
	for rows.Next() {
		summary, err := scanTraceSummary(rows.Scan)
		if err != nil {
			return nil, err
		}
		traces = append(traces, summary)
	}
	return traces, rows.Err()
}

func scanTraceSummary(scan func(dest ...any) error) (*TraceSummary, error) {
	summary := &TraceSummary{}
	// Aggregated timestamps lose their column type, so scan as text and parse.
	var startedAtStr, endedAtStr sql.NullString
	err := scan(&summary.TraceID, &summary.WorkflowID, &summary.SpanCount,
		&summary.OpenCount, &summary.ErrorCount, &startedAtStr, &endedAtStr)
	if err != nil {
		return nil, err
	}

	if startedAtStr.Valid {
		summary.StartedAt = parseTimeString(startedAtStr.String)
	}
	if endedAtStr.Valid && endedAtStr.String != "" {
		if parsed := parseTimeString(endedAtStr.String); !parsed.IsZero() {
			summary.EndedAt = &parsed
		}
	}

	switch {
	case summary.ErrorCount > 0:
		summary.Status = SpanError
	case summary.OpenCount > 0:
		summary.Status = SpanOpen
	default:
		summary.Status = SpanOK
	}
	return summary, nil
}

// parseTimeString handles the datetime renderings the two drivers produce
// for CAST(... AS TEXT) expressions.
func parseTimeString(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999-07",
		"2006-01-02 15:04:05",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
