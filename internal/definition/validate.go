package definition

import (
	"fmt"
	"regexp"
)

// AgentResolver reports whether an agent type is registered, either scoped to
// the platform or globally. The registry satisfies this.
type AgentResolver interface {
	ResolveAgent(agentType, platformID string) bool
}

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Validate checks the structural invariants of a definition: unique stage
// names, valid routing targets, a single entry stage, acyclicity, full
// reachability, and resolvable agent types. All violations are collected and
// returned; an empty slice means the definition is valid. A nil resolver
// skips the agent-type checks.
func Validate(def *Definition, resolver AgentResolver) []error {
	var errs []error

	if def.Name == "" {
		errs = append(errs, fmt.Errorf("definition name is required"))
	}
	if def.Version != "" && !semverRe.MatchString(def.Version) {
		errs = append(errs, fmt.Errorf("version %q is not a semver triple", def.Version))
	}
	if len(def.Stages) == 0 {
		errs = append(errs, fmt.Errorf("definition must declare at least one stage"))
		return errs
	}

	names := make(map[string]bool, len(def.Stages))
	for _, s := range def.Stages {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("stage name is required"))
			continue
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate stage name %q", s.Name))
		}
		names[s.Name] = true
	}

	for _, s := range def.Stages {
		if s.AgentType == "" {
			errs = append(errs, fmt.Errorf("stage %q has no agent_type", s.Name))
		} else if resolver != nil && !resolver.ResolveAgent(s.AgentType, def.PlatformID) {
			errs = append(errs, fmt.Errorf("stage %q references unregistered agent type %q", s.Name, s.AgentType))
		}
		if s.TimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("stage %q has negative timeout_ms", s.Name))
		}
		if s.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("stage %q has negative max_retries", s.Name))
		}

		switch s.OnSuccess {
		case TargetEnd:
		case "":
			errs = append(errs, fmt.Errorf("stage %q has no on_success route", s.Name))
		case TargetFail, TargetSkip:
			errs = append(errs, fmt.Errorf("stage %q on_success must be a stage name or %q", s.Name, TargetEnd))
		default:
			if !names[s.OnSuccess] {
				errs = append(errs, fmt.Errorf("stage %q routes on_success to unknown stage %q", s.Name, s.OnSuccess))
			}
		}

		switch s.OnFailure {
		case TargetFail, TargetSkip:
		case "":
			errs = append(errs, fmt.Errorf("stage %q has no on_failure route", s.Name))
		case TargetEnd:
			errs = append(errs, fmt.Errorf("stage %q on_failure must be a stage name, %q, or %q", s.Name, TargetFail, TargetSkip))
		default:
			if !names[s.OnFailure] {
				errs = append(errs, fmt.Errorf("stage %q routes on_failure to unknown stage %q", s.Name, s.OnFailure))
			}
		}
	}
	if len(errs) > 0 {
		// Graph checks assume structurally sound stages.
		return errs
	}

	entries := entryStages(def)
	if len(entries) != 1 {
		errs = append(errs, fmt.Errorf("definition must have exactly one entry stage, found %d", len(entries)))
	}

	if cycle := hasCycle(def); cycle {
		errs = append(errs, fmt.Errorf("stage graph contains a cycle"))
	}

	if len(entries) == 1 && !hasCycle(def) {
		for _, name := range unreachableFrom(def, entries[0]) {
			errs = append(errs, fmt.Errorf("stage %q is unreachable from entry stage %q", name, entries[0]))
		}
	}

	return errs
}

// edges returns the outbound routing edges of each stage, with skip resolved
// to the next declared stage.
func edges(def *Definition) map[string][]string {
	out := make(map[string][]string, len(def.Stages))
	for i, s := range def.Stages {
		var targets []string
		for _, target := range []string{s.OnSuccess, s.OnFailure} {
			switch target {
			case TargetEnd, TargetFail, "":
			case TargetSkip:
				if i+1 < len(def.Stages) {
					targets = append(targets, def.Stages[i+1].Name)
				}
			default:
				targets = append(targets, target)
			}
		}
		out[s.Name] = targets
	}
	return out
}

// hasCycle runs Kahn's topological sort over the stage graph.
func hasCycle(def *Definition) bool {
	out := edges(def)
	indegree := make(map[string]int, len(def.Stages))
	for _, s := range def.Stages {
		indegree[s.Name] = 0
	}
	for _, targets := range out {
		for _, t := range targets {
			indegree[t]++
		}
	}

	var queue []string
	for _, s := range def.Stages {
		if indegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++
		for _, t := range out[name] {
			indegree[t]--
			if indegree[t] == 0 {
				queue = append(queue, t)
			}
		}
	}
	return processed != len(def.Stages)
}

// unreachableFrom returns stages not reachable from entry, in declaration order.
func unreachableFrom(def *Definition, entry string) []string {
	out := edges(def)
	visited := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, t := range out[name] {
			if !visited[t] {
				visited[t] = true
				queue = append(queue, t)
			}
		}
	}

	var missing []string
	for _, s := range def.Stages {
		if !visited[s.Name] {
			missing = append(missing, s.Name)
		}
	}
	return missing
}
