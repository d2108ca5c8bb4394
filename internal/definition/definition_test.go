package definition

import (
	"strings"
	"testing"
)

// linearDef builds a success-chained definition over the given stage names,
// with on_failure="fail" everywhere.
func linearDef(names ...string) *Definition {
	def := &Definition{ID: "def-1", Name: "test", Version: "1.0.0"}
	for i, name := range names {
		next := TargetEnd
		if i+1 < len(names) {
			next = names[i+1]
		}
		def.Stages = append(def.Stages, Stage{
			Name:      name,
			AgentType: name,
			TimeoutMs: 1000,
			OnSuccess: next,
			OnFailure: TargetFail,
		})
	}
	return def
}

func TestFirstStage(t *testing.T) {
	def := linearDef("a", "b", "c")
	entry, err := FirstStage(def)
	if err != nil {
		t.Fatalf("FirstStage failed: %v", err)
	}
	if entry != "a" {
		t.Errorf("entry = %q, want a", entry)
	}
}

func TestFirstStageEmptyDefinition(t *testing.T) {
	if _, err := FirstStage(&Definition{Name: "empty"}); err == nil {
		t.Fatal("expected error for zero stages")
	}
}

func TestFirstStageAmbiguousEntry(t *testing.T) {
	// Two disconnected one-stage chains: both look like entries.
	def := &Definition{Name: "split", Stages: []Stage{
		{Name: "a", AgentType: "a", OnSuccess: TargetEnd, OnFailure: TargetFail},
		{Name: "b", AgentType: "b", OnSuccess: TargetEnd, OnFailure: TargetFail},
	}}
	if _, err := FirstStage(def); err == nil {
		t.Fatal("expected error for ambiguous entry")
	}
}

func TestNextStageSuccessChain(t *testing.T) {
	def := linearDef("a", "b")

	route, err := NextStage(def, "a", OutcomeSuccess)
	if err != nil {
		t.Fatalf("NextStage failed: %v", err)
	}
	if route.Kind != RouteStage || route.Stage != "b" {
		t.Errorf("route = %+v, want stage b", route)
	}

	route, err = NextStage(def, "b", OutcomeSuccess)
	if err != nil {
		t.Fatalf("NextStage failed: %v", err)
	}
	if route.Kind != RouteEnd {
		t.Errorf("route = %+v, want END", route)
	}
}

func TestNextStageFailureFail(t *testing.T) {
	def := linearDef("a", "b")
	route, err := NextStage(def, "a", OutcomeFailure)
	if err != nil {
		t.Fatalf("NextStage failed: %v", err)
	}
	if route.Kind != RouteFail {
		t.Errorf("route = %+v, want FAIL", route)
	}
}

func TestNextStageFailureSkip(t *testing.T) {
	def := linearDef("a", "b", "c")
	def.Stages[1].OnFailure = TargetSkip

	route, err := NextStage(def, "b", OutcomeFailure)
	if err != nil {
		t.Fatalf("NextStage failed: %v", err)
	}
	if route.Kind != RouteStage || route.Stage != "c" {
		t.Errorf("skip from b = %+v, want stage c", route)
	}

	// Skip on the last declared stage completes the workflow.
	def.Stages[2].OnFailure = TargetSkip
	route, err = NextStage(def, "c", OutcomeFailure)
	if err != nil {
		t.Fatalf("NextStage failed: %v", err)
	}
	if route.Kind != RouteEnd {
		t.Errorf("skip from last = %+v, want END", route)
	}
}

func TestNextStageFailureJump(t *testing.T) {
	def := linearDef("a", "b", "cleanup")
	def.Stages[1].OnFailure = "cleanup"

	route, err := NextStage(def, "b", OutcomeFailure)
	if err != nil {
		t.Fatalf("NextStage failed: %v", err)
	}
	if route.Kind != RouteStage || route.Stage != "cleanup" {
		t.Errorf("jump = %+v, want stage cleanup", route)
	}
}

func TestNextStageUnknownStage(t *testing.T) {
	def := linearDef("a")
	if _, err := NextStage(def, "ghost", OutcomeSuccess); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestCalculateProgress(t *testing.T) {
	def := linearDef("a", "b", "c")

	cases := []struct {
		completed []string
		want      int
	}{
		{nil, 0},
		{[]string{"a"}, 33},
		{[]string{"a", "b"}, 67},
		{[]string{"a", "b", "c"}, 100},
		{[]string{"a", "a"}, 33},          // duplicates count once
		{[]string{"a", "unrelated"}, 33},  // foreign names ignored
	}
	for _, tc := range cases {
		if got := CalculateProgress(def, tc.completed); got != tc.want {
			t.Errorf("CalculateProgress(%v) = %d, want %d", tc.completed, got, tc.want)
		}
	}
}

type stubResolver map[string]bool

func (r stubResolver) ResolveAgent(agentType, platformID string) bool { return r[agentType] }

func TestValidateAcceptsLinearDefinition(t *testing.T) {
	def := linearDef("a", "b", "c")
	resolver := stubResolver{"a": true, "b": true, "c": true}
	if errs := Validate(def, resolver); len(errs) != 0 {
		t.Fatalf("valid definition rejected: %v", errs)
	}
}

func TestValidateRejectsZeroStages(t *testing.T) {
	errs := Validate(&Definition{Name: "empty", Version: "1.0.0"}, nil)
	if len(errs) == 0 {
		t.Fatal("expected error for zero stages")
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	def := linearDef("a", "b")
	def.Stages[1].Name = "a"
	if errs := Validate(def, nil); len(errs) == 0 {
		t.Fatal("expected error for duplicate stage names")
	}
}

func TestValidateRejectsUnknownTargets(t *testing.T) {
	def := linearDef("a", "b")
	def.Stages[0].OnSuccess = "ghost"
	errs := Validate(def, nil)
	if len(errs) == 0 {
		t.Fatal("expected error for unknown on_success target")
	}

	def = linearDef("a", "b")
	def.Stages[0].OnFailure = "ghost"
	if errs := Validate(def, nil); len(errs) == 0 {
		t.Fatal("expected error for unknown on_failure target")
	}
}

func TestValidateRejectsReservedMisuse(t *testing.T) {
	def := linearDef("a")
	def.Stages[0].OnFailure = TargetEnd
	if errs := Validate(def, nil); len(errs) == 0 {
		t.Fatal("on_failure=END should be rejected")
	}

	def = linearDef("a")
	def.Stages[0].OnSuccess = TargetSkip
	if errs := Validate(def, nil); len(errs) == 0 {
		t.Fatal("on_success=skip should be rejected")
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	def := linearDef("a", "b", "c")
	def.Stages[2].OnSuccess = "a" // c loops back to the entry

	errs := Validate(def, nil)
	found := false
	for _, err := range errs {
		if strings.Contains(err.Error(), "cycle") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cycle error, got: %v", errs)
	}
}

func TestValidateRejectsOrphanStage(t *testing.T) {
	def := linearDef("a", "b")
	// Nothing routes into orphan, so it surfaces as a second entry stage.
	def.Stages = append(def.Stages, Stage{
		Name: "orphan", AgentType: "orphan", OnSuccess: "b", OnFailure: TargetFail,
	})
	errs := Validate(def, nil)
	if len(errs) == 0 {
		t.Fatal("expected validation errors for orphan stage")
	}
}

func TestValidateRejectsUnresolvedAgentType(t *testing.T) {
	def := linearDef("a", "b")
	resolver := stubResolver{"a": true} // b missing

	errs := Validate(def, resolver)
	found := false
	for _, err := range errs {
		if strings.Contains(err.Error(), `agent type "b"`) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unresolved agent type error, got: %v", errs)
	}
}

func TestLoadLegacy(t *testing.T) {
	defs, err := LoadLegacy()
	if err != nil {
		t.Fatalf("LoadLegacy failed: %v", err)
	}

	byName := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}

	wantStages := map[string]int{"app": 8, "feature": 5, "bugfix": 3}
	for name, count := range wantStages {
		def, ok := byName[name]
		if !ok {
			t.Fatalf("legacy definition %q missing", name)
		}
		if len(def.Stages) != count {
			t.Errorf("%s has %d stages, want %d", name, len(def.Stages), count)
		}
		if def.ID != LegacyIDPrefix+name {
			t.Errorf("%s id = %q", name, def.ID)
		}
		if errs := Validate(def, nil); len(errs) != 0 {
			t.Errorf("%s fails validation: %v", name, errs)
		}
	}

	bugfix := byName["bugfix"]
	order := []string{"scaffold", "validation", "deployment"}
	for i, want := range order {
		if bugfix.Stages[i].Name != want {
			t.Errorf("bugfix stage %d = %q, want %q", i, bugfix.Stages[i].Name, want)
		}
	}
	entry, err := FirstStage(bugfix)
	if err != nil || entry != "scaffold" {
		t.Errorf("bugfix entry = %q err=%v, want scaffold", entry, err)
	}
}
