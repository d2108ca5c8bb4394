package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/appctx"
	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/definition"
	"github.com/stagecraft/stagecraft/internal/envelope"
	"github.com/stagecraft/stagecraft/internal/store"
	"github.com/stagecraft/stagecraft/internal/workflow/machine"
)

// CreateRequest is the normalized workflow-creation request. Surface routers
// build it from their channel-specific payloads; the service acts on it.
type CreateRequest struct {
	Name         string          `json:"name"`
	Type         string          `json:"type,omitempty"`
	DefinitionID string          `json:"workflow_definition_id,omitempty"`
	PlatformID   string          `json:"platform_id,omitempty"`
	Priority     store.Priority  `json:"priority,omitempty"`
	InputData    json.RawMessage `json:"input_data,omitempty"`
	CreatedBy    string          `json:"created_by,omitempty"`
}

// SurfaceContext identifies the channel a creation request entered through.
// Nil means an internal caller not subject to surface binding.
type SurfaceContext struct {
	SurfaceType store.SurfaceType `json:"surface_type"`
	Source      string            `json:"source,omitempty"`
}

// CreateWorkflow resolves the definition, enforces the surface binding,
// validates the entry agent, inserts the workflow row, and starts the
// machine, dispatching the first task. The row never exists without a valid
// definition and a registered entry agent.
func (s *Service) CreateWorkflow(ctx context.Context, req *CreateRequest, sc *SurfaceContext) (*store.Workflow, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	def, defID, err := s.resolveDefinition(ctx, req)
	if err != nil {
		return nil, err
	}

	surfaceID, err := s.enforceSurface(ctx, req.PlatformID, sc)
	if err != nil {
		return nil, err
	}

	first, err := definition.FirstStage(def)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, apperr.CodeValidationFailed, "definition has no usable entry stage")
	}
	entry := def.Stages[0]
	for i := range def.Stages {
		if def.Stages[i].Name == first {
			entry = def.Stages[i]
			break
		}
	}
	if res := s.registry.ValidateAgent(entry.AgentType, req.PlatformID); !res.Exists {
		if res.Suggestion != "" {
			return nil, apperr.Newf(apperr.KindBusiness, apperr.CodeAgentNotFound,
				"no agent registered for type %q. Did you mean '%s'?", entry.AgentType, res.Suggestion).
				WithDetails(map[string]interface{}{"suggestion": res.Suggestion})
		}
		return nil, apperr.Newf(apperr.KindBusiness, apperr.CodeAgentNotFound,
			"no agent registered for type %q", entry.AgentType)
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:                   uuid.New().String(),
		PlatformID:           req.PlatformID,
		WorkflowDefinitionID: defID,
		SurfaceID:            surfaceID,
		Name:                 req.Name,
		Type:                 req.Type,
		Status:               store.WorkflowInitiated,
		Priority:             priorityOrDefault(req.Priority),
		Version:              1,
		TraceID:              uuid.New().String(),
		InputData:            req.InputData,
		CreatedBy:            req.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	rootSpan := &store.Span{
		SpanID:     uuid.New().String(),
		TraceID:    wf.TraceID,
		WorkflowID: wf.ID,
		Name:       "workflow",
		Status:     store.SpanOpen,
		StartedAt:  now,
	}
	wf.CurrentSpanID = rootSpan.SpanID

	ctx = appctx.WithTrace(ctx, appctx.Trace{TraceID: wf.TraceID, SpanID: rootSpan.SpanID})
	ctx = appctx.WithWorkflowID(ctx, wf.ID)

	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	if err := s.store.CreateSpan(ctx, rootSpan); err != nil {
		s.logger.Warn("failed to record workflow root span",
			zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	s.metrics.WorkflowsCreated.WithLabelValues(workflowTypeLabel(wf)).Inc()

	s.emit(ctx, envelope.EventWorkflowCreated, wf, machine.StatusEventPayload{
		Status: store.WorkflowInitiated,
	})

	wf, eff, err := s.applyLoaded(ctx, wf, def, machine.Event{Kind: machine.Start})
	if err != nil {
		return nil, err
	}
	if err := s.executeEffects(ctx, wf, def, machine.Event{Kind: machine.Start}, eff); err != nil {
		// The row is durable and started; dispatch failures surface through
		// the timeout watchdog rather than failing the create call.
		s.logger.Error("post-start effects failed",
			zap.String("workflow_id", wf.ID), zap.Error(err))
	}

	s.logger.Info("workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("trace_id", wf.TraceID),
		zap.String("definition", def.Name),
		zap.String("first_stage", first))
	return wf, nil
}

func validateCreateRequest(req *CreateRequest) error {
	if req == nil {
		return apperr.Validation("request body is required")
	}
	if req.Name == "" {
		return apperr.Validation("name is required")
	}
	if req.Type == "" && req.DefinitionID == "" {
		return apperr.Validation("either type or workflow_definition_id is required")
	}
	if req.Priority != "" {
		switch req.Priority {
		case store.PriorityLow, store.PriorityMedium, store.PriorityHigh, store.PriorityCritical:
		default:
			return apperr.Validation(fmt.Sprintf("unknown priority %q", req.Priority))
		}
	}
	return nil
}

func priorityOrDefault(p store.Priority) store.Priority {
	if p == "" {
		return store.PriorityMedium
	}
	return p
}

// resolveDefinition finds the definition the request names: an explicit id
// wins, else the request type is matched against the platform's definitions
// and then the global (legacy) ones.
func (s *Service) resolveDefinition(ctx context.Context, req *CreateRequest) (*definition.Definition, string, error) {
	if req.DefinitionID != "" {
		rec, err := s.store.GetDefinition(ctx, req.DefinitionID)
		if err != nil {
			return nil, "", err
		}
		return rec.Definition(), rec.ID, nil
	}

	if req.PlatformID != "" {
		rec, err := s.store.GetDefinitionByName(ctx, req.PlatformID, req.Type)
		if err == nil {
			return rec.Definition(), rec.ID, nil
		}
		if !apperr.IsCode(err, apperr.CodeDefinitionNotFound) {
			return nil, "", err
		}
	}

	rec, err := s.store.GetDefinitionByName(ctx, "", req.Type)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeDefinitionNotFound) {
			return nil, "", apperr.Newf(apperr.KindBusiness, apperr.CodeDefinitionNotFound,
				"no definition found for workflow type %q", req.Type)
		}
		return nil, "", err
	}
	return rec.Definition(), rec.ID, nil
}

// enforceSurface checks the platform's surface binding for the request's
// entry channel. Requests without a platform or without a surface context
// are not subject to binding.
func (s *Service) enforceSurface(ctx context.Context, platformID string, sc *SurfaceContext) (string, error) {
	if platformID == "" || sc == nil {
		return "", nil
	}
	if !sc.SurfaceType.Valid() {
		return "", apperr.Validation(fmt.Sprintf("unknown surface type %q", sc.SurfaceType))
	}
	ps, err := s.store.GetSurface(ctx, platformID, sc.SurfaceType)
	if err != nil {
		if apperr.IsKind(err, apperr.KindBusiness) {
			return "", surfaceNotBound(platformID, sc.SurfaceType)
		}
		return "", err
	}
	if !ps.Enabled {
		return "", surfaceNotBound(platformID, sc.SurfaceType)
	}
	return ps.ID, nil
}

func surfaceNotBound(platformID string, st store.SurfaceType) error {
	return apperr.Newf(apperr.KindBusiness, apperr.CodeSurfaceNotBound,
		"surface %s is not enabled for platform %s", st, platformID).
		WithDetails(map[string]interface{}{
			"remediation": "enable the surface in platform settings",
		})
}

// SeedLegacyDefinitions registers the embedded app, feature, and bugfix
// definitions as global records so workflows created by bare type resolve
// without platform configuration. Idempotent across restarts.
func (s *Service) SeedLegacyDefinitions(ctx context.Context) error {
	defs, err := definition.LoadLegacy()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, def := range defs {
		rec := &store.WorkflowDefinition{
			ID:        def.ID,
			Name:      def.Name,
			Version:   def.Version,
			Stages:    def.Stages,
			Metadata:  def.Metadata,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.UpsertDefinition(ctx, rec); err != nil {
			return fmt.Errorf("failed to seed definition %q: %w", def.Name, err)
		}
	}
	s.logger.Info("seeded legacy definitions", zap.Int("count", len(defs)))
	return nil
}

func workflowTypeLabel(wf *store.Workflow) string {
	if wf.Type != "" {
		return wf.Type
	}
	return "custom"
}
