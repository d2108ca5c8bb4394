package websocket

// Client-to-server actions. Server pushes are typed by the lifecycle event
// catalog instead: a notification frame's action is the event_type
// (workflow.created, task.completed, ...) and its payload is the full
// lifecycle event.
const (
	// ActionHealthCheck answers with gateway status.
	ActionHealthCheck = "health.check"

	// ActionEventsFilter replaces the client's event filter. The payload
	// names trace_id and/or platform_id; empty fields clear that dimension.
	ActionEventsFilter = "events.filter"
)

// Error codes carried by error frames.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
