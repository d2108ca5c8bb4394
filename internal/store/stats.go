package store

import (
	"context"
	"fmt"

	"github.com/stagecraft/stagecraft/internal/common/tracing"
	"github.com/stagecraft/stagecraft/internal/db/dialect"
)

// OverviewStats is the dashboard headline view.
type OverviewStats struct {
	TotalWorkflows int64            `json:"total_workflows"`
	ByStatus       map[string]int64 `json:"by_status"`
	SuccessRate    float64          `json:"success_rate"`
	AvgDurationMs  int64            `json:"avg_duration_ms"`
	ActiveTasks    int64            `json:"active_tasks"`
	OnlineAgents   int64            `json:"online_agents"`
}

// AgentTypeStats aggregates task outcomes per agent type.
type AgentTypeStats struct {
	AgentType      string  `json:"agent_type"`
	TaskCount      int64   `json:"task_count"`
	CompletedCount int64   `json:"completed_count"`
	FailedCount    int64   `json:"failed_count"`
	TimeoutCount   int64   `json:"timeout_count"`
	AvgDurationMs  int64   `json:"avg_duration_ms"`
	SuccessRate    float64 `json:"success_rate"`
}

// TimeseriesPoint is one bucket of workflow activity.
type TimeseriesPoint struct {
	Bucket    string `json:"bucket"`
	Created   int64  `json:"created"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// OverviewStats computes the headline aggregates in one round trip.
// Separate subqueries avoid row multiplication.
func (s *Store) OverviewStats(ctx context.Context) (*OverviewStats, error) {
	ctx, span := tracing.Tracer("stagecraft-db").Start(ctx, "db.OverviewStats")
	defer span.End()

	avgExpr := dialect.DurationMs(s.driver, "completed_at", "created_at")
	query := s.ro.Rebind(`
		SELECT
			(SELECT COUNT(*) FROM workflows) as total_workflows,
			(SELECT COUNT(*) FROM workflows WHERE status = ?) as initiated,
			(SELECT COUNT(*) FROM workflows WHERE status = ?) as running,
			(SELECT COUNT(*) FROM workflows WHERE status = ?) as paused,
			(SELECT COUNT(*) FROM workflows WHERE status = ?) as completed,
			(SELECT COUNT(*) FROM workflows WHERE status = ?) as failed,
			(SELECT COUNT(*) FROM workflows WHERE status = ?) as cancelled,
			(SELECT COALESCE(AVG(` + avgExpr + `), 0) FROM workflows WHERE status = ? AND completed_at IS NOT NULL) as avg_duration_ms,
			(SELECT COUNT(*) FROM agent_tasks WHERE status IN (?, ?, ?)) as active_tasks,
			(SELECT COUNT(DISTINCT agent_id) FROM agent_registrations WHERE status = ?) as online_agents
	`)

	var stats OverviewStats
	var initiated, running, paused, completed, failed, cancelled int64
	var avgDurationMs float64 // julianday math yields float
	err := s.ro.QueryRowContext(ctx, query,
		WorkflowInitiated, WorkflowRunning, WorkflowPaused, WorkflowCompleted, WorkflowFailed, WorkflowCancelled,
		WorkflowCompleted,
		TaskPending, TaskAssigned, TaskRunning,
		AgentOnline,
	).Scan(&stats.TotalWorkflows, &initiated, &running, &paused, &completed, &failed, &cancelled,
		&avgDurationMs, &stats.ActiveTasks, &stats.OnlineAgents)
	if err != nil {
		return nil, fmt.Errorf("failed to compute overview stats: %w", err)
	}

	stats.ByStatus = map[string]int64{
		string(WorkflowInitiated): initiated,
		string(WorkflowRunning):   running,
		string(WorkflowPaused):    paused,
		string(WorkflowCompleted): completed,
		string(WorkflowFailed):    failed,
		string(WorkflowCancelled): cancelled,
	}
	stats.AvgDurationMs = int64(avgDurationMs)
	if terminal := completed + failed + cancelled; terminal > 0 {
		stats.SuccessRate = float64(completed) / float64(terminal)
	}
	return &stats, nil
}

// AgentStats aggregates task outcomes grouped by agent type, busiest first.
func (s *Store) AgentStats(ctx context.Context) ([]*AgentTypeStats, error) {
	ctx, span := tracing.Tracer("stagecraft-db").Start(ctx, "db.AgentStats")
	defer span.End()

	avgExpr := dialect.DurationMs(s.driver, "completed_at", "created_at")
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT agent_type,
			COUNT(*) as task_count,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) as completed_count,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) as failed_count,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) as timeout_count,
			COALESCE(AVG(CASE WHEN completed_at IS NOT NULL THEN `+avgExpr+` END), 0) as avg_duration_ms
		FROM agent_tasks
		GROUP BY agent_type
		ORDER BY task_count DESC, agent_type ASC
	`), TaskCompleted, TaskFailed, TaskTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to compute agent stats: %w", err)
	}
	defer rows.Close()

	var stats []*AgentTypeStats
	for rows.Next() {
		st := &AgentTypeStats{}
		var avgDurationMs float64
		if err := rows.Scan(&st.AgentType, &st.TaskCount, &st.CompletedCount,
			&st.FailedCount, &st.TimeoutCount, &avgDurationMs); err != nil {
			return nil, err
		}
		st.AvgDurationMs = int64(avgDurationMs)
		if terminal := st.CompletedCount + st.FailedCount + st.TimeoutCount; terminal > 0 {
			st.SuccessRate = float64(st.CompletedCount) / float64(terminal)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// WorkflowTimeseries buckets workflow activity over the trailing window.
// Hour buckets for short windows, day buckets otherwise.
func (s *Store) WorkflowTimeseries(ctx context.Context, hours int, byHour bool) ([]*TimeseriesPoint, error) {
	ctx, span := tracing.Tracer("stagecraft-db").Start(ctx, "db.WorkflowTimeseries")
	defer span.End()

	bucketExpr := dialect.DateOf(s.driver, "created_at")
	if byHour {
		bucketExpr = dialect.HourOf(s.driver, "created_at")
	}
	sinceExpr := dialect.NowMinusHours(s.driver, "?")

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT CAST(`+bucketExpr+` AS TEXT) as bucket,
			COUNT(*) as created,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) as completed,
			SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END) as failed
		FROM workflows
		WHERE created_at >= `+sinceExpr+`
		GROUP BY bucket
		ORDER BY bucket ASC
	`), WorkflowCompleted, WorkflowFailed, WorkflowCancelled, hours)
	if err != nil {
		return nil, fmt.Errorf("failed to compute workflow timeseries: %w", err)
	}
	defer rows.Close()

	var points []*TimeseriesPoint
	for rows.Next() {
		pt := &TimeseriesPoint{}
		if err := rows.Scan(&pt.Bucket, &pt.Created, &pt.Completed, &pt.Failed); err != nil {
			return nil, err
		}
		points = append(points, pt)
	}
	return points, rows.Err()
}
