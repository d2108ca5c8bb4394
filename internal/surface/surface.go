// Package surface normalizes the payloads of every trigger channel - REST
// bodies, GitHub webhooks, CLI invocations, dashboard forms, and the mobile
// API - into the uniform creation request the workflow service acts on. Each
// normalizer stamps the surface context; the service enforces the platform's
// surface binding atomically with creation.
package surface

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/common/logger"
	"github.com/stagecraft/stagecraft/internal/kv"
	"github.com/stagecraft/stagecraft/internal/store"
	"github.com/stagecraft/stagecraft/internal/workflow/service"
)

// Config holds the surface router settings.
type Config struct {
	// WebhookSecret signs GitHub webhook deliveries. An empty secret rejects
	// every webhook request.
	WebhookSecret string
	// IdempotencyTTL bounds how long a used Idempotency-Key stays claimed.
	IdempotencyTTL time.Duration
}

// DefaultConfig returns the default router settings.
func DefaultConfig() Config {
	return Config{IdempotencyTTL: 24 * time.Hour}
}

// Router turns channel-specific entry payloads into workflow creations.
type Router struct {
	cfg    Config
	svc    *service.Service
	kv     kv.Store
	logger *logger.Logger
}

// NewRouter creates a surface router over the workflow service.
func NewRouter(cfg Config, svc *service.Service, kvs kv.Store, log *logger.Logger) *Router {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultConfig().IdempotencyTTL
	}
	return &Router{
		cfg:    cfg,
		svc:    svc,
		kv:     kvs,
		logger: log.WithFields(zap.String("component", "surface-router")),
	}
}

// Entry carries per-request metadata common to all surfaces.
type Entry struct {
	// Source identifies the caller for audit (remote address, user, device).
	Source string
	// IdempotencyKey deduplicates repeated submissions when non-empty.
	IdempotencyKey string
}

// CreateREST handles a JSON creation body from the REST surface.
func (r *Router) CreateREST(ctx context.Context, body []byte, entry Entry) (*store.Workflow, error) {
	req, err := decodeCreateBody(body)
	if err != nil {
		return nil, err
	}
	sc := &service.SurfaceContext{SurfaceType: store.SurfaceREST, Source: entry.Source}
	return r.create(ctx, req, sc, entry.IdempotencyKey)
}

// CLIArgs is a workflow creation expressed as command-line flags.
type CLIArgs struct {
	Name         string
	Type         string
	DefinitionID string
	PlatformID   string
	Priority     string
	// Input is the raw JSON input document, usually read from a file or stdin.
	Input string
	// Actor is the invoking user, recorded as created_by.
	Actor string
}

// CreateCLI handles a creation request from the CLI surface.
func (r *Router) CreateCLI(ctx context.Context, args CLIArgs, entry Entry) (*store.Workflow, error) {
	req := &service.CreateRequest{
		Name:         strings.TrimSpace(args.Name),
		Type:         args.Type,
		DefinitionID: args.DefinitionID,
		PlatformID:   args.PlatformID,
		Priority:     store.Priority(args.Priority),
		CreatedBy:    args.Actor,
	}
	if args.Input != "" {
		if !json.Valid([]byte(args.Input)) {
			return nil, apperr.Validation("input is not valid JSON")
		}
		req.InputData = json.RawMessage(args.Input)
	}
	sc := &service.SurfaceContext{SurfaceType: store.SurfaceCLI, Source: entry.Source}
	return r.create(ctx, req, sc, entry.IdempotencyKey)
}

// CreateDashboard handles a form submission from the dashboard surface.
// Fields: name, type, workflow_definition_id, platform_id, priority,
// input_data (a JSON document).
func (r *Router) CreateDashboard(ctx context.Context, form url.Values, entry Entry) (*store.Workflow, error) {
	req := &service.CreateRequest{
		Name:         strings.TrimSpace(form.Get("name")),
		Type:         form.Get("type"),
		DefinitionID: form.Get("workflow_definition_id"),
		PlatformID:   form.Get("platform_id"),
		Priority:     store.Priority(form.Get("priority")),
		CreatedBy:    form.Get("created_by"),
	}
	if raw := form.Get("input_data"); raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, apperr.Validation("input_data is not valid JSON")
		}
		req.InputData = json.RawMessage(raw)
	}
	sc := &service.SurfaceContext{SurfaceType: store.SurfaceDashboard, Source: entry.Source}
	return r.create(ctx, req, sc, entry.IdempotencyKey)
}

// MobileRequest is the mobile API creation payload: the request wrapped with
// client identification used for audit.
type MobileRequest struct {
	Client struct {
		Device     string `json:"device"`
		AppVersion string `json:"app_version"`
	} `json:"client"`
	Request service.CreateRequest `json:"request"`
}

// CreateMobile handles a creation request from the mobile API surface.
func (r *Router) CreateMobile(ctx context.Context, body []byte, entry Entry) (*store.Workflow, error) {
	if len(body) == 0 {
		return nil, apperr.Validation("request body is required")
	}
	var mr MobileRequest
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, apperr.Validation("request body is not valid JSON: " + err.Error())
	}
	source := entry.Source
	if mr.Client.Device != "" {
		source = "mobile:" + mr.Client.Device
	}
	req := mr.Request
	sc := &service.SurfaceContext{SurfaceType: store.SurfaceMobileAPI, Source: source}
	return r.create(ctx, &req, sc, entry.IdempotencyKey)
}

func decodeCreateBody(body []byte) (*service.CreateRequest, error) {
	if len(body) == 0 {
		return nil, apperr.Validation("request body is required")
	}
	var req service.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperr.Validation("request body is not valid JSON: " + err.Error())
	}
	req.Name = strings.TrimSpace(req.Name)
	return &req, nil
}

// create claims the idempotency key, hands the request to the service, and
// records the created workflow id under the claim. A failed creation releases
// the claim so the caller can retry with the same key.
func (r *Router) create(ctx context.Context, req *service.CreateRequest, sc *service.SurfaceContext, idemKey string) (*store.Workflow, error) {
	if idemKey != "" {
		claimed, err := r.kv.SetIfAbsent(ctx, kv.IdempotencyKey(idemKey), []byte("pending"), r.cfg.IdempotencyTTL)
		if err != nil {
			return nil, apperr.Transient(err, "idempotency store unavailable")
		}
		if !claimed {
			dup := apperr.Newf(apperr.KindBusiness, apperr.CodeDuplicate,
				"idempotency key %q was already used", idemKey)
			if val, found, getErr := r.kv.Get(ctx, kv.IdempotencyKey(idemKey)); getErr == nil && found && string(val) != "pending" {
				return nil, dup.WithDetails(map[string]interface{}{"workflow_id": string(val)})
			}
			return nil, dup
		}
	}

	wf, err := r.svc.CreateWorkflow(ctx, req, sc)
	if err != nil {
		if idemKey != "" {
			if delErr := r.kv.Delete(ctx, kv.IdempotencyKey(idemKey)); delErr != nil {
				r.logger.Warn("failed to release idempotency claim",
					zap.String("key", idemKey), zap.Error(delErr))
			}
		}
		return nil, err
	}

	if idemKey != "" {
		if setErr := r.kv.Set(ctx, kv.IdempotencyKey(idemKey), []byte(wf.ID), r.cfg.IdempotencyTTL); setErr != nil {
			r.logger.Warn("failed to record idempotency result",
				zap.String("key", idemKey), zap.Error(setErr))
		}
	}
	r.logger.Info("workflow created via surface",
		zap.String("workflow_id", wf.ID),
		zap.String("surface_type", string(sc.SurfaceType)),
		zap.String("source", sc.Source))
	return wf, nil
}
