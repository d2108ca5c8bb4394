// Package stats serves the dashboard aggregates: workflow counts and rates,
// per-agent task outcomes, and activity timeseries over a trailing window.
package stats

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/store"
)

// Service computes read-only aggregates. All heavy lifting happens in SQL.
type Service struct {
	store  *store.Store
	logger *logger.Logger
}

// New creates the stats service.
func New(st *store.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:  st,
		logger: log.WithFields(zap.String("component", "stats")),
	}
}

// Overview returns the headline workflow and agent counts.
func (s *Service) Overview(ctx context.Context) (*store.OverviewStats, error) {
	return s.store.OverviewStats(ctx)
}

// Agents returns per-agent-type task aggregates, busiest first.
func (s *Service) Agents(ctx context.Context) ([]*store.AgentTypeStats, error) {
	rows, err := s.store.AgentStats(ctx)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*store.AgentTypeStats{}
	}
	return rows, nil
}

// Timeseries is bucketed workflow activity for one range.
type Timeseries struct {
	Range  string                   `json:"range"`
	Points []*store.TimeseriesPoint `json:"points"`
}

// Timeseries buckets workflow activity over the requested trailing window.
// Ranges: 1h, 24h (default), 7d, 30d. Short windows bucket by hour, long
// ones by day.
func (s *Service) Timeseries(ctx context.Context, rangeKey string) (*Timeseries, error) {
	if rangeKey == "" {
		rangeKey = "24h"
	}
	hours, byHour, err := parseRange(rangeKey)
	if err != nil {
		return nil, err
	}
	points, err := s.store.WorkflowTimeseries(ctx, hours, byHour)
	if err != nil {
		return nil, err
	}
	if points == nil {
		points = []*store.TimeseriesPoint{}
	}
	return &Timeseries{Range: rangeKey, Points: points}, nil
}

func parseRange(key string) (hours int, byHour bool, err error) {
	switch key {
	case "1h":
		return 1, true, nil
	case "24h":
		return 24, true, nil
	case "7d":
		return 7 * 24, false, nil
	case "30d":
		return 30 * 24, false, nil
	default:
		return 0, false, apperr.Validation(fmt.Sprintf("unknown range %q", key))
	}
}

// RecentWorkflows returns the newest workflows for the activity feed.
func (s *Service) RecentWorkflows(ctx context.Context, limit int) ([]*store.Workflow, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Limit: limit})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*store.Workflow{}
	}
	return rows, nil
}
