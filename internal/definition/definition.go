// Package definition implements the workflow definition engine: pure routing
// and progress computation over a named, versioned DAG of stages. Nothing in
// this package performs I/O; loading and persistence live in the store.
package definition

import (
	"encoding/json"
	"fmt"
	"math"
)

// Reserved routing keywords.
const (
	// TargetEnd terminates the workflow successfully.
	TargetEnd = "END"
	// TargetFail terminates the workflow as failed.
	TargetFail = "fail"
	// TargetSkip continues to the next stage in declaration order.
	TargetSkip = "skip"
)

// Outcome is the result class of a finished stage.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Stage is one node of a definition DAG.
type Stage struct {
	Name       string          `json:"name" yaml:"name"`
	AgentType  string          `json:"agent_type" yaml:"agent_type"`
	TimeoutMs  int             `json:"timeout_ms" yaml:"timeout_ms"`
	MaxRetries int             `json:"max_retries" yaml:"max_retries"`
	OnSuccess  string          `json:"on_success" yaml:"on_success"`
	OnFailure  string          `json:"on_failure" yaml:"on_failure"`
	Config     json.RawMessage `json:"config,omitempty" yaml:"-"`
}

// Definition is a named, versioned DAG of stages owned by a platform.
// PlatformID is empty for global (legacy) definitions.
type Definition struct {
	ID         string         `json:"id"`
	PlatformID string         `json:"platform_id,omitempty"`
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	Stages     []Stage        `json:"stages"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RouteKind classifies where a finished stage sends the workflow next.
type RouteKind int

const (
	// RouteStage dispatches the named next stage.
	RouteStage RouteKind = iota
	// RouteEnd completes the workflow.
	RouteEnd
	// RouteFail fails the workflow.
	RouteFail
)

// Route is the resolved destination after a stage finishes.
type Route struct {
	Kind  RouteKind
	Stage string // set when Kind == RouteStage
}

// stage returns the stage named name, or nil.
func (d *Definition) stage(name string) *Stage {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i]
		}
	}
	return nil
}

// stageIndex returns the declaration position of name, or -1.
func (d *Definition) stageIndex(name string) int {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

// FirstStage returns the entry stage: the unique stage no other stage routes
// into. Skip routing counts as an edge to the next declared stage.
func FirstStage(def *Definition) (string, error) {
	if len(def.Stages) == 0 {
		return "", fmt.Errorf("definition %q has no stages", def.Name)
	}
	entries := entryStages(def)
	if len(entries) != 1 {
		return "", fmt.Errorf("definition %q has %d entry stages, want exactly 1", def.Name, len(entries))
	}
	return entries[0], nil
}

// entryStages returns stages with no incoming edges, in declaration order.
func entryStages(def *Definition) []string {
	incoming := make(map[string]bool, len(def.Stages))
	for i, s := range def.Stages {
		for _, target := range []string{s.OnSuccess, s.OnFailure} {
			switch target {
			case TargetEnd, TargetFail, "":
			case TargetSkip:
				if i+1 < len(def.Stages) {
					incoming[def.Stages[i+1].Name] = true
				}
			default:
				incoming[target] = true
			}
		}
	}
	var entries []string
	for _, s := range def.Stages {
		if !incoming[s.Name] {
			entries = append(entries, s.Name)
		}
	}
	return entries
}

// NextStage resolves the route out of current for the given outcome.
// Success follows on_success (a stage or END). Failure follows on_failure:
// "fail" fails the workflow, "skip" continues with the next declared stage
// (END when current is last), and a stage name jumps there.
func NextStage(def *Definition, current string, outcome Outcome) (Route, error) {
	s := def.stage(current)
	if s == nil {
		return Route{}, fmt.Errorf("stage %q is not in definition %q", current, def.Name)
	}

	switch outcome {
	case OutcomeSuccess:
		switch s.OnSuccess {
		case TargetEnd:
			return Route{Kind: RouteEnd}, nil
		case "":
			return Route{}, fmt.Errorf("stage %q has no on_success route", current)
		default:
			if def.stage(s.OnSuccess) == nil {
				return Route{}, fmt.Errorf("stage %q routes on_success to unknown stage %q", current, s.OnSuccess)
			}
			return Route{Kind: RouteStage, Stage: s.OnSuccess}, nil
		}

	case OutcomeFailure:
		switch s.OnFailure {
		case TargetFail:
			return Route{Kind: RouteFail}, nil
		case TargetSkip:
			idx := def.stageIndex(current)
			if idx == len(def.Stages)-1 {
				return Route{Kind: RouteEnd}, nil
			}
			return Route{Kind: RouteStage, Stage: def.Stages[idx+1].Name}, nil
		case "":
			return Route{}, fmt.Errorf("stage %q has no on_failure route", current)
		default:
			if def.stage(s.OnFailure) == nil {
				return Route{}, fmt.Errorf("stage %q routes on_failure to unknown stage %q", current, s.OnFailure)
			}
			return Route{Kind: RouteStage, Stage: s.OnFailure}, nil
		}

	default:
		return Route{}, fmt.Errorf("unknown outcome %q", outcome)
	}
}

// CalculateProgress returns round(100 * |completed| / |stages|), counting only
// stages that belong to the definition. Definitions with zero stages are
// rejected at validation time; here they report zero.
func CalculateProgress(def *Definition, completed []string) int {
	if len(def.Stages) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(completed))
	count := 0
	for _, name := range completed {
		if seen[name] {
			continue
		}
		seen[name] = true
		if def.stage(name) != nil {
			count++
		}
	}
	return int(math.Round(100 * float64(count) / float64(len(def.Stages))))
}
