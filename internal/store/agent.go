package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertRegistration records an agent's capability row. One row per
// (agent_id, agent_type, platform_id); platform_id "" means global.
func (s *Store) UpsertRegistration(ctx context.Context, r *AgentRegistration) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = AgentOnline
	}
	if r.HeartbeatIntervalMs <= 0 {
		r.HeartbeatIntervalMs = 30000
	}
	if r.LastHeartbeatAt.IsZero() {
		r.LastHeartbeatAt = now
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_registrations (id, agent_id, agent_type, platform_id, status,
			heartbeat_interval_ms, last_heartbeat_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, agent_type, platform_id) DO UPDATE SET
			status = excluded.status,
			heartbeat_interval_ms = excluded.heartbeat_interval_ms,
			last_heartbeat_at = excluded.last_heartbeat_at,
			updated_at = excluded.updated_at
	`), r.ID, r.AgentID, r.AgentType, r.PlatformID, r.Status,
		r.HeartbeatIntervalMs, r.LastHeartbeatAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent registration: %w", err)
	}
	return nil
}

// TouchHeartbeat refreshes last_heartbeat_at for every row of an agent and
// flips it back online. Returns how many rows were touched; zero means the
// agent never registered.
func (s *Store) TouchHeartbeat(ctx context.Context, agentID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_registrations SET last_heartbeat_at = ?, status = ?, updated_at = ? WHERE agent_id = ?
	`), at.UTC(), AgentOnline, time.Now().UTC(), agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// SetAgentStatus moves every row of an agent to status. Used by the offline
// sweeper; returns rows affected so callers can detect the transition.
func (s *Store) SetAgentStatus(ctx context.Context, agentID, status string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_registrations SET status = ?, updated_at = ? WHERE agent_id = ? AND status != ?
	`), status, time.Now().UTC(), agentID, status)
	if err != nil {
		return 0, fmt.Errorf("failed to set agent status: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// ListRegistrations returns every agent capability row. The registry rebuilds
// its snapshot from this at boot.
func (s *Store) ListRegistrations(ctx context.Context) ([]*AgentRegistration, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, agent_id, agent_type, platform_id, status, heartbeat_interval_ms,
			last_heartbeat_at, created_at, updated_at
		FROM agent_registrations ORDER BY agent_id ASC, agent_type ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent registrations: %w", err)
	}
	defer rows.Close()

	var regs []*AgentRegistration
	for rows.Next() {
		r := &AgentRegistration{}
		if err := rows.Scan(&r.ID, &r.AgentID, &r.AgentType, &r.PlatformID, &r.Status,
			&r.HeartbeatIntervalMs, &r.LastHeartbeatAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		regs = append(regs, r)
	}
	return regs, rows.Err()
}
