package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playbook-engine/internal/assembler"
	"playbook-engine/internal/playbook"
	"playbook-engine/pkg/log"
)

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	logger, err := log.NewLogger(&log.Config{Level: "error"})
	require.NoError(t, err)
	return NewDispatcher(stubRegistry{}, logger)
}

func execCtx(outputs map[string]map[string]any) *assembler.Context {
	order := make([]string, 0, len(outputs))
	for k := range outputs {
		order = append(order, k)
	}
	return assembler.Assemble(assembler.Request{
		StepKey:      "under-test",
		PriorOutputs: outputs,
		PriorOrder:   order,
	})
}

func TestDispatchData_Extract(t *testing.T) {
	d := testDispatcher(t)
	step := &playbook.Step{
		Key: "extract", Type: playbook.StepData,
		Data: &playbook.DataStepConfig{
			Operation: "extract",
			Fields: map[string]string{
				"summary": "{{research.output.summary}}",
				"mixed":   "标题：{{research.output.summary}}",
				"literal": "fixed",
			},
		},
	}
	out, err := d.Dispatch(context.Background(), step, execCtx(map[string]map[string]any{
		"research": {"summary": "三句话摘要", "score": 0.8},
	}))
	require.NoError(t, err)
	assert.Equal(t, "三句话摘要", out["summary"])
	assert.Equal(t, "标题：三句话摘要", out["mixed"])
	assert.Equal(t, "fixed", out["literal"])
}

func TestDispatchData_ExtractKeepsValueType(t *testing.T) {
	d := testDispatcher(t)
	step := &playbook.Step{
		Key: "extract", Type: playbook.StepData,
		Data: &playbook.DataStepConfig{
			Operation: "extract",
			Fields:    map[string]string{"score": "{{research.output.score}}"},
		},
	}
	out, err := d.Dispatch(context.Background(), step, execCtx(map[string]map[string]any{
		"research": {"score": 0.8},
	}))
	require.NoError(t, err)
	// 整体引用保留原始类型，不退化为字符串
	assert.Equal(t, 0.8, out["score"])
}

func TestDispatchData_UnresolvedIsFatal(t *testing.T) {
	d := testDispatcher(t)
	step := &playbook.Step{
		Key: "extract", Type: playbook.StepData,
		Data: &playbook.DataStepConfig{
			Operation: "extract",
			Fields:    map[string]string{"x": "{{ghost.output.y}}"},
		},
	}
	_, err := d.Dispatch(context.Background(), step, execCtx(nil))
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.False(t, retryable(err))
}

func TestDispatchData_MergeLaterSourceWins(t *testing.T) {
	d := testDispatcher(t)
	step := &playbook.Step{
		Key: "merge", Type: playbook.StepData,
		Data: &playbook.DataStepConfig{Operation: "merge", Sources: []string{"first", "second"}},
	}
	out, err := d.Dispatch(context.Background(), step, execCtx(map[string]map[string]any{
		"first":  {"a": 1, "shared": "old"},
		"second": {"b": 2, "shared": "new"},
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, out["a"])
	assert.Equal(t, 2, out["b"])
	assert.Equal(t, "new", out["shared"])
}

func TestDispatchBranch_Operators(t *testing.T) {
	cases := []struct {
		name    string
		cond    playbook.BranchCondition
		source  any
		wantHit bool
	}{
		{"equals 命中", playbook.BranchCondition{Operator: "equals", Value: "positive", TargetKey: "t"}, "positive", true},
		{"equals 未命中", playbook.BranchCondition{Operator: "equals", Value: "positive", TargetKey: "t"}, "negative", false},
		{"not_equals", playbook.BranchCondition{Operator: "not_equals", Value: "positive", TargetKey: "t"}, "negative", true},
		{"contains", playbook.BranchCondition{Operator: "contains", Value: "紧急", TargetKey: "t"}, "这是紧急工单", true},
		{"gt", playbook.BranchCondition{Operator: "gt", Value: "0.5", TargetKey: "t"}, 0.8, true},
		{"lt", playbook.BranchCondition{Operator: "lt", Value: "0.5", TargetKey: "t"}, 0.8, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hit, err := evalCondition(tc.cond, tc.source, true)
			require.NoError(t, err)
			assert.Equal(t, tc.wantHit, hit)
		})
	}
}

func TestDispatchBranch_ExistsOnMissingSource(t *testing.T) {
	hit, err := evalCondition(playbook.BranchCondition{Operator: "exists", TargetKey: "t"}, nil, false)
	require.NoError(t, err)
	assert.False(t, hit)

	// source 不存在时其余操作符一律不命中
	hit, err = evalCondition(playbook.BranchCondition{Operator: "not_equals", Value: "x", TargetKey: "t"}, nil, false)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestDispatchBranch_NoHitNoDefaultIsFatal(t *testing.T) {
	d := testDispatcher(t)
	step := &playbook.Step{
		Key: "route", Type: playbook.StepBranch,
		Condition: &playbook.BranchSpec{
			Source: "classify.output.sentiment",
			Conditions: []playbook.BranchCondition{
				{Operator: "equals", Value: "positive", TargetKey: "t"},
			},
		},
	}
	_, err := d.Dispatch(context.Background(), step, execCtx(map[string]map[string]any{
		"classify": {"sentiment": "neutral"},
	}))
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
}

func TestDispatchBranch_DefaultKey(t *testing.T) {
	d := testDispatcher(t)
	step := &playbook.Step{
		Key: "route", Type: playbook.StepBranch,
		Condition: &playbook.BranchSpec{
			Source: "classify.output.sentiment",
			Conditions: []playbook.BranchCondition{
				{Operator: "equals", Value: "positive", TargetKey: "t"},
			},
			DefaultKey: "archive",
		},
	}
	out, err := d.Dispatch(context.Background(), step, execCtx(map[string]map[string]any{
		"classify": {"sentiment": "neutral"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "archive", out[NextStepKeyField])
}

func TestDispatchBranch_FirstHitWins(t *testing.T) {
	d := testDispatcher(t)
	step := &playbook.Step{
		Key: "route", Type: playbook.StepBranch,
		Condition: &playbook.BranchSpec{
			Source: "score.output.value",
			Conditions: []playbook.BranchCondition{
				{Operator: "gt", Value: "0.3", TargetKey: "first"},
				{Operator: "gt", Value: "0.1", TargetKey: "second"},
			},
		},
	}
	out, err := d.Dispatch(context.Background(), step, execCtx(map[string]map[string]any{
		"score": {"value": 0.5},
	}))
	require.NoError(t, err)
	assert.Equal(t, "first", out[NextStepKeyField])
}
