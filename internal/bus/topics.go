package bus

import "strings"

// DefaultNamespace is the canonical topic prefix.
const DefaultNamespace = "orchestrator"

// Topics builds the canonical topic names under a configurable namespace.
// Topic names use ':' separators on the wire contract; adapters map them to
// backend-legal subject names internally.
type Topics struct {
	Namespace string
}

// NewTopics returns a Topics builder, falling back to the default namespace.
func NewTopics(namespace string) Topics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Topics{Namespace: namespace}
}

// Tasks returns the per-agent-type task topic, e.g. "orchestrator:tasks:scaffold".
func (t Topics) Tasks(agentType string) string {
	return t.Namespace + ":tasks:" + agentType
}

// Results returns the single results topic all agents publish to.
func (t Topics) Results() string {
	return t.Namespace + ":results"
}

// Events returns the workflow-lifecycle broadcast topic.
func (t Topics) Events() string {
	return t.Namespace + ":events"
}

// DLQ returns the dead-letter topic for the given topic, e.g.
// "orchestrator:dlq:results" or "orchestrator:dlq:tasks:scaffold".
func (t Topics) DLQ(topic string) string {
	short := strings.TrimPrefix(topic, t.Namespace+":")
	return t.Namespace + ":dlq:" + short
}

// IsDLQ reports whether topic is a dead-letter topic.
func (t Topics) IsDLQ(topic string) bool {
	return strings.HasPrefix(topic, t.Namespace+":dlq:")
}
