package surface

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/store"
	"github.com/stagecraft/stagecraft/internal/workflow/service"
)

// SignatureHeader is the HMAC header GitHub sends with each delivery.
const SignatureHeader = "X-Hub-Signature-256"

// EventHeader names the delivery's event type.
const EventHeader = "X-GitHub-Event"

const zeroSHA = "0000000000000000000000000000000000000000"

// WebhookBinding maps a webhook endpoint to a workflow. Platform admins
// encode it in the webhook URL's query string when configuring the hook.
type WebhookBinding struct {
	PlatformID   string
	Type         string
	DefinitionID string
}

// VerifySignature checks the delivery body against the hex HMAC-SHA256
// signature header. The comparison is constant time. An unconfigured secret
// rejects everything: an unsigned webhook surface is an open workflow
// factory.
func VerifySignature(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return apperr.New(apperr.KindBusiness, apperr.CodeUnauthorized,
			"webhook secret is not configured")
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return apperr.New(apperr.KindBusiness, apperr.CodeUnauthorized,
			"missing or malformed signature header")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return apperr.New(apperr.KindBusiness, apperr.CodeUnauthorized,
			"missing or malformed signature header")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return apperr.New(apperr.KindBusiness, apperr.CodeUnauthorized,
			"signature mismatch")
	}
	return nil
}

// webhookPayload is the subset of GitHub delivery payloads the router reads.
// repository_dispatch deliveries carry the dispatched event type in "action"
// and an arbitrary client_payload.
type webhookPayload struct {
	Action     string `json:"action"`
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	ClientPayload json.RawMessage `json:"client_payload"`
}

// CreateWebhook verifies and normalizes a GitHub webhook delivery. A nil
// workflow with a nil error means the delivery was authentic but carries no
// work: pings, branch deletions, and unsupported event types.
func (r *Router) CreateWebhook(ctx context.Context, event, signature string, binding WebhookBinding, body []byte) (*store.Workflow, error) {
	if err := VerifySignature([]byte(r.cfg.WebhookSecret), body, signature); err != nil {
		return nil, err
	}

	var req *service.CreateRequest
	var err error
	switch event {
	case "ping":
		return nil, nil
	case "push":
		req, err = normalizePush(binding, body)
	case "repository_dispatch":
		req, err = normalizeDispatch(binding, body)
	default:
		return nil, nil
	}
	if err != nil || req == nil {
		return nil, err
	}

	sc := &service.SurfaceContext{SurfaceType: store.SurfaceWebhook, Source: "github:" + event}
	return r.create(ctx, req, sc, "")
}

func normalizePush(binding WebhookBinding, body []byte) (*service.CreateRequest, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, apperr.Validation("webhook payload is not valid JSON: " + err.Error())
	}
	if p.Repository.FullName == "" {
		return nil, apperr.Validation("webhook payload has no repository")
	}
	// Ref deletions push a zero commit; there is nothing to build.
	if p.After == "" || p.After == zeroSHA {
		return nil, nil
	}
	if binding.Type == "" && binding.DefinitionID == "" {
		return nil, apperr.Validation("webhook binding names neither type nor workflow_definition_id")
	}

	input, _ := json.Marshal(map[string]string{
		"repository": p.Repository.FullName,
		"ref":        p.Ref,
		"commit":     p.After,
	})
	req := &service.CreateRequest{
		Name:         fmt.Sprintf("push %s@%s", p.Repository.FullName, shortSHA(p.After)),
		Type:         binding.Type,
		DefinitionID: binding.DefinitionID,
		PlatformID:   binding.PlatformID,
		InputData:    input,
	}
	if actor := firstNonEmpty(p.Pusher.Name, p.Sender.Login); actor != "" {
		req.CreatedBy = "github:" + actor
	}
	return req, nil
}

// normalizeDispatch maps a repository_dispatch delivery: the client_payload
// is a creation request, with the binding filling whatever it leaves blank.
func normalizeDispatch(binding WebhookBinding, body []byte) (*service.CreateRequest, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, apperr.Validation("webhook payload is not valid JSON: " + err.Error())
	}

	req := &service.CreateRequest{}
	if len(p.ClientPayload) > 0 {
		if err := json.Unmarshal(p.ClientPayload, req); err != nil {
			return nil, apperr.Validation("client_payload is not a valid creation request: " + err.Error())
		}
	}
	if req.Name == "" {
		req.Name = strings.TrimSpace(fmt.Sprintf("%s %s", p.Action, p.Repository.FullName))
	}
	if req.Type == "" {
		req.Type = binding.Type
	}
	if req.DefinitionID == "" {
		req.DefinitionID = binding.DefinitionID
	}
	if req.PlatformID == "" {
		req.PlatformID = binding.PlatformID
	}
	if req.CreatedBy == "" && p.Sender.Login != "" {
		req.CreatedBy = "github:" + p.Sender.Login
	}
	return req, nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
