package quota

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryReserver_CheckAndReserve(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryReserver(map[string]int64{ResourceRuns: 2})

	if err := r.CheckAndReserve(ctx, "org-1", ResourceRuns, 1); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := r.CheckAndReserve(ctx, "org-1", ResourceRuns, 1); err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	err := r.CheckAndReserve(ctx, "org-1", ResourceRuns, 1)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if exceeded.Limit != 2 || exceeded.Resource != ResourceRuns {
		t.Errorf("unexpected error detail: %+v", exceeded)
	}
	// 超限尝试不应占用额度
	if used := r.Used("org-1", ResourceRuns); used != 2 {
		t.Errorf("expected used=2 after rejected reserve, got %d", used)
	}
}

func TestMemoryReserver_IsolatedByOrg(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryReserver(map[string]int64{ResourceAgentTokens: 100})
	if err := r.CheckAndReserve(ctx, "org-1", ResourceAgentTokens, 100); err != nil {
		t.Fatalf("org-1 reserve: %v", err)
	}
	if err := r.CheckAndReserve(ctx, "org-2", ResourceAgentTokens, 100); err != nil {
		t.Errorf("org-2 must have its own budget, got %v", err)
	}
}

func TestMemoryReserver_UnknownResourceUnlimited(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryReserver(map[string]int64{})
	for i := 0; i < 10; i++ {
		if err := r.CheckAndReserve(ctx, "org-1", "unconfigured", 1000); err != nil {
			t.Fatalf("unconfigured resource must pass, got %v", err)
		}
	}
}
