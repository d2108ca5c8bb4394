// Package envelope defines the canonical wire schemas crossing the message
// bus: task envelopes (orchestrator to agent), result envelopes (agent to
// orchestrator), and lifecycle events (broadcast). The orchestrator is the
// sole producer of task envelopes and agents the sole producers of result
// envelopes; both boundaries validate before trusting a payload.
package envelope

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
)

// Version is the envelope schema version stamped into every envelope.
const Version = "1.0.0"

// Status enumerates task and result states on the wire.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
	StatusPartial   Status = "partial"
)

// EventID derives the stable deduplication id for a result event. The same
// (task, agent, status) triple always hashes to the same id, so redeliveries
// and duplicate publishes collapse onto one idempotency record.
func EventID(taskID, agentID string, status Status) string {
	sum := sha1.Sum([]byte(taskID + agentID + string(status)))
	return hex.EncodeToString(sum[:])
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names in validation errors, not Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError flattens validator output into an apperr with one detail
// entry per failing field.
func validationError(kind string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]interface{}, len(verrs))
		for _, fe := range verrs {
			fields[fe.Namespace()] = fe.Tag()
		}
		return apperr.Validation(kind + " envelope failed validation").WithDetails(fields)
	}
	return apperr.Wrap(err, apperr.KindValidation, apperr.CodeValidationFailed, kind+" envelope failed validation")
}
