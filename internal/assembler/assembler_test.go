package assembler

import (
	"strings"
	"testing"

	"playbook-engine/internal/memory"
)

func TestAssemble_DropsMemoryFirst(t *testing.T) {
	shared := map[string]any{"org": strings.Repeat("s", 196)} // ~50 tokens
	prior := map[string]map[string]any{
		"research": {"summary": strings.Repeat("r", 100)}, // ~30 tokens
	}
	refs, err := CompileTemplate("{{research.output.summary}}")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	items := make([]memory.Item, 6)
	for i := range items {
		items[i] = memory.Item{
			ID: "m", Content: "x",
			Relevance: 0.5, Importance: float64(i+1) / 10,
			Tokens: 70,
		}
	}

	ctx := Assemble(Request{
		RunID: "run-1", StepKey: "pitch",
		SharedState:  shared,
		PriorOutputs: prior,
		PriorOrder:   []string{"research"},
		MemoryItems:  items,
		References:   refs,
		TokenBudget:  100,
	})

	// 6 条 70 token 的记忆全部被裁掉后才能接近预算
	if len(ctx.Memory) != 0 {
		t.Errorf("expected all memory items dropped, %d remain", len(ctx.Memory))
	}
	// sharedState 与被引用输出必须保留
	if ctx.SharedState == nil {
		t.Error("sharedState must never be trimmed")
	}
	if _, ok := ctx.PriorOutputs["research"]; !ok {
		t.Error("referenced prior output must never be trimmed")
	}
	if ctx.Tokens > 100 {
		t.Errorf("expected total within budget after trimming, got %d", ctx.Tokens)
	}
}

func TestAssemble_DropsLowestScoreFirst(t *testing.T) {
	items := []memory.Item{
		{ID: "high", Content: "a", Relevance: 0.9, Importance: 0.9, Tokens: 40},
		{ID: "low", Content: "b", Relevance: 0.1, Importance: 0.1, Tokens: 40},
	}
	ctx := Assemble(Request{
		StepKey:     "pitch",
		MemoryItems: items,
		TokenBudget: 50,
	})
	if len(ctx.Memory) != 1 || ctx.Memory[0].ID != "high" {
		t.Errorf("expected only the high-score item to survive, got %+v", ctx.Memory)
	}
}

func TestAssemble_DropsOldestUnreferencedOutputs(t *testing.T) {
	prior := map[string]map[string]any{
		"oldest": {"v": strings.Repeat("a", 400)},
		"middle": {"v": strings.Repeat("b", 400)},
		"newest": {"v": strings.Repeat("c", 40)},
	}
	refs, _ := CompileTemplate("{{newest.output.v}}")
	ctx := Assemble(Request{
		StepKey:      "send",
		PriorOutputs: prior,
		PriorOrder:   []string{"oldest", "middle", "newest"},
		References:   refs,
		TokenBudget:  130,
	})
	if _, ok := ctx.PriorOutputs["oldest"]; ok {
		t.Error("oldest unreferenced output should be dropped first")
	}
	if _, ok := ctx.PriorOutputs["newest"]; !ok {
		t.Error("referenced output must survive")
	}
}

func TestAssemble_RetainedOverBudget(t *testing.T) {
	// 保留项本身超预算：不裁 sharedState 与被引用值，总量允许超
	shared := map[string]any{"s": strings.Repeat("x", 800)}
	prior := map[string]map[string]any{"a": {"v": strings.Repeat("y", 800)}}
	refs, _ := CompileTemplate("{{a.output.v}}")
	ctx := Assemble(Request{
		SharedState:  shared,
		PriorOutputs: prior,
		PriorOrder:   []string{"a"},
		References:   refs,
		TokenBudget:  100,
	})
	if ctx.SharedState == nil || ctx.PriorOutputs["a"] == nil {
		t.Error("retained content must survive even over budget")
	}
	if ctx.Tokens <= ctx.TokenBudget {
		t.Errorf("expected over-budget total, got %d", ctx.Tokens)
	}
}

func TestAssemble_DefaultBudget(t *testing.T) {
	ctx := Assemble(Request{StepKey: "x"})
	if ctx.TokenBudget != DefaultTokenBudget {
		t.Errorf("expected default budget %d, got %d", DefaultTokenBudget, ctx.TokenBudget)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(strings.Repeat("a", 8)); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	// 向上取整
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("expected ceil(5/4)=2, got %d", got)
	}
	if got := EstimateTokens(nil); got != 0 {
		t.Errorf("expected 0 for nil, got %d", got)
	}
}
