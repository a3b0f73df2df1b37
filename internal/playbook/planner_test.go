package playbook

import (
	"reflect"
	"testing"
)

func diamondSteps() []Step {
	// a → {b, c} → d
	return []Step{
		{Key: "a", Type: StepData, Data: &DataStepConfig{Operation: "extract"}},
		{Key: "b", Type: StepData, DependsOn: []string{"a"}, Data: &DataStepConfig{Operation: "extract"}},
		{Key: "c", Type: StepData, DependsOn: []string{"a"}, Data: &DataStepConfig{Operation: "extract"}},
		{Key: "d", Type: StepData, DependsOn: []string{"b", "c"}, Data: &DataStepConfig{Operation: "merge"}},
	}
}

func TestPlan_Diamond(t *testing.T) {
	plan, err := Plan(diamondSteps())
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	want := []ReadySet{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(plan, want) {
		t.Errorf("expected %v, got %v", want, plan)
	}
}

func TestPlan_TopologicalOrder(t *testing.T) {
	steps := diamondSteps()
	plan, err := Plan(steps)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	position := make(map[string]int)
	for i, key := range Flatten(plan) {
		position[key] = i
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if position[dep] >= position[s.Key] {
				t.Errorf("step %s scheduled before its dependency %s", s.Key, dep)
			}
		}
	}
}

func TestPlan_DeclarationOrderTieBreak(t *testing.T) {
	// 声明顺序 c 在 b 前，组内应保持 c, b
	steps := []Step{
		{Key: "a", Type: StepData, Data: &DataStepConfig{Operation: "extract"}},
		{Key: "c", Type: StepData, DependsOn: []string{"a"}, Data: &DataStepConfig{Operation: "extract"}},
		{Key: "b", Type: StepData, DependsOn: []string{"a"}, Data: &DataStepConfig{Operation: "extract"}},
	}
	plan, err := Plan(steps)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if !reflect.DeepEqual(plan[1], ReadySet{"c", "b"}) {
		t.Errorf("expected declaration order [c b], got %v", plan[1])
	}
}

func TestPlan_Deterministic(t *testing.T) {
	steps := diamondSteps()
	p1, err1 := Plan(steps)
	p2, err2 := Plan(steps)
	if err1 != nil || err2 != nil {
		t.Fatalf("plan failed: %v / %v", err1, err2)
	}
	if !reflect.DeepEqual(p1, p2) {
		t.Errorf("expected identical plans, got %v vs %v", p1, p2)
	}
}

func TestPlan_CycleFailsFast(t *testing.T) {
	steps := []Step{
		{Key: "a", Type: StepData, DependsOn: []string{"b"}, Data: &DataStepConfig{Operation: "extract"}},
		{Key: "b", Type: StepData, DependsOn: []string{"a"}, Data: &DataStepConfig{Operation: "extract"}},
	}
	if _, err := Plan(steps); err != ErrCyclicGraph {
		t.Errorf("expected ErrCyclicGraph, got %v", err)
	}
}

func TestPlan_Empty(t *testing.T) {
	plan, err := Plan(nil)
	if err != nil || plan != nil {
		t.Errorf("expected nil plan for empty input, got %v / %v", plan, err)
	}
}
