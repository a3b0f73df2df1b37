package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playbook-engine/internal/events"
	"playbook-engine/internal/memory"
	"playbook-engine/internal/playbook"
	"playbook-engine/internal/quota"
	"playbook-engine/internal/run"
	"playbook-engine/pkg/log"
)

// stubHandler 可编程的 AgentHandler
type stubHandler struct {
	mu      sync.Mutex
	calls   int
	invoke  func(call int, req AgentRequest) (*AgentResult, error)
	prompts []string
}

func (h *stubHandler) Invoke(ctx context.Context, req AgentRequest) (*AgentResult, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.prompts = append(h.prompts, req.Prompt)
	h.mu.Unlock()
	return h.invoke(call, req)
}

type stubRegistry map[string]AgentHandler

func (r stubRegistry) Lookup(agentID string) (AgentHandler, error) {
	h, ok := r[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %q not found", agentID)
	}
	return h, nil
}

// recordingEmitter 按序记录事件
type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEmitter) Emit(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) types() []events.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]events.Type, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

func newTestCoordinator(t *testing.T, store run.Store, registry AgentRegistry, reserver quota.Reserver, opts Options) (*Coordinator, *recordingEmitter) {
	t.Helper()
	logger, err := log.NewLogger(&log.Config{Level: "error"})
	require.NoError(t, err)
	if reserver == nil {
		reserver = quota.Unlimited{}
	}
	emitter := &recordingEmitter{}
	d := NewDispatcher(registry, logger)
	c := NewCoordinator(store, reserver, memory.NewStubSearcher(), d, emitter, logger, opts)
	return c, emitter
}

func dataStep(key string, deps []string, fields map[string]string) playbook.Step {
	return playbook.Step{
		Key: key, Type: playbook.StepData, DependsOn: deps,
		Data: &playbook.DataStepConfig{Operation: "extract", Fields: fields},
	}
}

func fastOpts() Options {
	return Options{CancelPoll: 5 * time.Millisecond}
}

func TestExecute_LinearRunSucceeds(t *testing.T) {
	handler := &stubHandler{invoke: func(call int, req AgentRequest) (*AgentResult, error) {
		return &AgentResult{Content: "AI 融资速递 pitch", TokensUsed: 42}, nil
	}}
	def := &playbook.Definition{
		ID: "pb-linear",
		Steps: []playbook.Step{
			dataStep("research", nil, map[string]string{"topic": "AI 融资"}),
			{
				Key: "pitch", Type: playbook.StepAgent, DependsOn: []string{"research"},
				Agent: &playbook.AgentStepConfig{
					AgentID:        "writer",
					PromptTemplate: "围绕 {{research.output.topic}} 写一段 pitch",
				},
			},
			dataStep("send", []string{"pitch"}, map[string]string{"final": "{{pitch.output.content}}"}),
		},
	}

	store := run.NewMemoryStore()
	c, emitter := newTestCoordinator(t, store, stubRegistry{"writer": handler}, nil, fastOpts())

	ctx := context.Background()
	r, err := c.CreateRun(ctx, def, "org-1", map[string]any{"trigger": "manual"})
	require.NoError(t, err)
	require.NoError(t, c.Execute(ctx, def, r))

	final, err := store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, final.Status)
	assert.Equal(t, "AI 融资速递 pitch", final.Output["send"].(map[string]any)["final"])

	for _, key := range []string{"research", "pitch", "send"} {
		sr, err := store.GetStepRun(ctx, r.ID, key)
		require.NoError(t, err)
		assert.Equal(t, run.StepSucceeded, sr.Status, key)
		assert.Equal(t, 1, sr.Attempt, key)
	}

	// prompt 模板在派发前已渲染
	require.Len(t, handler.prompts, 1)
	assert.Contains(t, handler.prompts[0], "AI 融资")

	types := emitter.types()
	assert.Equal(t, events.RunStarted, types[0])
	assert.Equal(t, events.RunCompleted, types[len(types)-1])
}

func TestExecute_RetryExhaustion(t *testing.T) {
	handler := &stubHandler{invoke: func(call int, req AgentRequest) (*AgentResult, error) {
		return nil, errors.New("上游限流")
	}}
	def := &playbook.Definition{
		ID: "pb-retry",
		Steps: []playbook.Step{
			{
				Key: "flaky", Type: playbook.StepAgent,
				Retry: &playbook.RetryPolicy{MaxAttempts: 3, BackoffMs: 1},
				Agent: &playbook.AgentStepConfig{AgentID: "writer", PromptTemplate: "写点什么"},
			},
		},
	}

	store := run.NewMemoryStore()
	c, _ := newTestCoordinator(t, store, stubRegistry{"writer": handler}, nil, fastOpts())

	ctx := context.Background()
	r, err := c.CreateRun(ctx, def, "org-1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Execute(ctx, def, r))

	sr, err := store.GetStepRun(ctx, r.ID, "flaky")
	require.NoError(t, err)
	assert.Equal(t, run.StepFailed, sr.Status)
	assert.Equal(t, 3, sr.Attempt)
	assert.Equal(t, 3, handler.calls)

	final, _ := store.GetRun(ctx, r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, CodeStepFailed, final.Error.Code)
	assert.Equal(t, "flaky", final.Error.StepKey)
}

func TestExecute_FatalErrorNotRetried(t *testing.T) {
	// 未注册 agent 是配置错误，重试策略不应消耗
	def := &playbook.Definition{
		ID: "pb-fatal",
		Steps: []playbook.Step{
			{
				Key: "ghost", Type: playbook.StepAgent,
				Retry: &playbook.RetryPolicy{MaxAttempts: 5, BackoffMs: 1},
				Agent: &playbook.AgentStepConfig{AgentID: "nobody", PromptTemplate: "x"},
			},
		},
	}

	store := run.NewMemoryStore()
	c, _ := newTestCoordinator(t, store, stubRegistry{}, nil, fastOpts())

	ctx := context.Background()
	r, err := c.CreateRun(ctx, def, "org-1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Execute(ctx, def, r))

	sr, _ := store.GetStepRun(ctx, r.ID, "ghost")
	assert.Equal(t, run.StepFailed, sr.Status)
	assert.Equal(t, 1, sr.Attempt)

	final, _ := store.GetRun(ctx, r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, CodeConfiguration, final.Error.Code)
}

func TestExecute_SkipPropagation(t *testing.T) {
	handler := &stubHandler{invoke: func(call int, req AgentRequest) (*AgentResult, error) {
		return nil, errors.New("模型不可用")
	}}
	// a → {b, c}；b → d。b 失败后 d 跳过，c 不受影响
	def := &playbook.Definition{
		ID: "pb-skip",
		Steps: []playbook.Step{
			dataStep("a", nil, map[string]string{"seed": "1"}),
			{
				Key: "b", Type: playbook.StepAgent, DependsOn: []string{"a"},
				Agent: &playbook.AgentStepConfig{AgentID: "writer", PromptTemplate: "x"},
			},
			dataStep("c", []string{"a"}, map[string]string{"ok": "yes"}),
			dataStep("d", []string{"b"}, map[string]string{"never": "ran"}),
		},
	}

	store := run.NewMemoryStore()
	c, _ := newTestCoordinator(t, store, stubRegistry{"writer": handler}, nil, fastOpts())

	ctx := context.Background()
	r, err := c.CreateRun(ctx, def, "org-1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Execute(ctx, def, r))

	want := map[string]run.StepStatus{
		"a": run.StepSucceeded,
		"b": run.StepFailed,
		"c": run.StepSucceeded,
		"d": run.StepSkipped,
	}
	for key, status := range want {
		sr, err := store.GetStepRun(ctx, r.ID, key)
		require.NoError(t, err)
		assert.Equal(t, status, sr.Status, key)
	}

	final, _ := store.GetRun(ctx, r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, "b", final.Error.StepKey)
}

func TestExecute_BranchRouting(t *testing.T) {
	def := &playbook.Definition{
		ID: "pb-branch",
		Steps: []playbook.Step{
			dataStep("classify", nil, map[string]string{"sentiment": "positive"}),
			{
				Key: "route", Type: playbook.StepBranch, DependsOn: []string{"classify"},
				Condition: &playbook.BranchSpec{
					Source: "classify.output.sentiment",
					Conditions: []playbook.BranchCondition{
						{Operator: playbook.OperatorEquals, Value: "positive", TargetKey: "thank_you"},
						{Operator: playbook.OperatorEquals, Value: "negative", TargetKey: "escalate"},
					},
					DefaultKey: "archive",
				},
			},
			dataStep("thank_you", []string{"route"}, map[string]string{"note": "感谢"}),
			dataStep("escalate", []string{"route"}, map[string]string{"note": "升级"}),
			dataStep("archive", []string{"route"}, map[string]string{"note": "归档"}),
		},
	}

	store := run.NewMemoryStore()
	c, _ := newTestCoordinator(t, store, stubRegistry{}, nil, fastOpts())

	ctx := context.Background()
	r, err := c.CreateRun(ctx, def, "org-1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Execute(ctx, def, r))

	route, err := store.GetStepRun(ctx, r.ID, "route")
	require.NoError(t, err)
	assert.Equal(t, run.StepSucceeded, route.Status)
	assert.Equal(t, "thank_you", route.Output[NextStepKeyField])

	chosen, _ := store.GetStepRun(ctx, r.ID, "thank_you")
	assert.Equal(t, run.StepSucceeded, chosen.Status)
	for _, key := range []string{"escalate", "archive"} {
		sr, _ := store.GetStepRun(ctx, r.ID, key)
		assert.Equal(t, run.StepSkipped, sr.Status, key)
	}

	// 未选中的兄弟分支不影响 Run 终态
	final, _ := store.GetRun(ctx, r.ID)
	assert.Equal(t, run.StatusSucceeded, final.Status)
}

func TestCreateRun_InvalidDefinitionRejected(t *testing.T) {
	def := &playbook.Definition{
		ID: "pb-cycle",
		Steps: []playbook.Step{
			dataStep("a", []string{"b"}, nil),
			dataStep("b", []string{"a"}, nil),
		},
	}

	store := run.NewMemoryStore()
	c, _ := newTestCoordinator(t, store, stubRegistry{}, nil, fastOpts())

	_, err := c.CreateRun(context.Background(), def, "org-1", nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotEmpty(t, ve.Issues)

	// 校验失败不产生任何 Run
	_, err = store.ClaimNextQueued(context.Background())
	assert.ErrorIs(t, err, run.ErrNoQueuedRun)
}

func TestCreateRun_QuotaRejectedBeforeSideEffects(t *testing.T) {
	def := &playbook.Definition{
		ID:    "pb-quota",
		Steps: []playbook.Step{dataStep("only", nil, map[string]string{"x": "y"})},
	}

	store := run.NewMemoryStore()
	reserver := quota.NewMemoryReserver(map[string]int64{quota.ResourceRuns: 0})
	c, _ := newTestCoordinator(t, store, stubRegistry{}, reserver, fastOpts())

	_, err := c.CreateRun(context.Background(), def, "org-1", nil)
	var qe *quota.ExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, quota.ResourceRuns, qe.Resource)

	_, err = store.ClaimNextQueued(context.Background())
	assert.ErrorIs(t, err, run.ErrNoQueuedRun)
}

func TestExecute_AgentQuotaFailsRun(t *testing.T) {
	handler := &stubHandler{invoke: func(call int, req AgentRequest) (*AgentResult, error) {
		return &AgentResult{Content: "ok"}, nil
	}}
	def := &playbook.Definition{
		ID: "pb-agent-quota",
		Steps: []playbook.Step{
			{
				Key: "gen", Type: playbook.StepAgent,
				Agent: &playbook.AgentStepConfig{AgentID: "writer", PromptTemplate: "x", MaxTokens: 100},
			},
		},
	}

	store := run.NewMemoryStore()
	reserver := quota.NewMemoryReserver(map[string]int64{
		quota.ResourceRuns:        10,
		quota.ResourceAgentTokens: 50, // 不够 100
	})
	c, _ := newTestCoordinator(t, store, stubRegistry{"writer": handler}, reserver, fastOpts())

	ctx := context.Background()
	r, err := c.CreateRun(ctx, def, "org-1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Execute(ctx, def, r))

	final, _ := store.GetRun(ctx, r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, CodeQuota, final.Error.Code)
	assert.Equal(t, 0, handler.calls, "配额不足时不应触发 LLM 调用")
}

func TestExecute_CancelBeforeDispatch(t *testing.T) {
	def := &playbook.Definition{
		ID:    "pb-cancel",
		Steps: []playbook.Step{dataStep("only", nil, map[string]string{"x": "y"})},
	}

	store := run.NewMemoryStore()
	c, emitter := newTestCoordinator(t, store, stubRegistry{}, nil, fastOpts())

	ctx := context.Background()
	r, err := c.CreateRun(ctx, def, "org-1", nil)
	require.NoError(t, err)
	require.NoError(t, store.RequestCancel(ctx, r.ID))
	require.NoError(t, c.Execute(ctx, def, r))

	final, _ := store.GetRun(ctx, r.ID)
	assert.Equal(t, run.StatusCancelled, final.Status)
	assert.Equal(t, CodeCancelled, final.Error.Code)

	sr, _ := store.GetStepRun(ctx, r.ID, "only")
	assert.Equal(t, run.StepSkipped, sr.Status)

	types := emitter.types()
	assert.Equal(t, events.RunCancelled, types[len(types)-1])
}

func TestExecute_Timeout(t *testing.T) {
	def := &playbook.Definition{
		ID:    "pb-timeout",
		Steps: []playbook.Step{dataStep("only", nil, map[string]string{"x": "y"})},
	}

	store := run.NewMemoryStore()
	opts := fastOpts()
	opts.RunTimeout = time.Nanosecond
	c, _ := newTestCoordinator(t, store, stubRegistry{}, nil, opts)

	ctx := context.Background()
	r, err := c.CreateRun(ctx, def, "org-1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Execute(ctx, def, r))

	final, _ := store.GetRun(ctx, r.ID)
	assert.Equal(t, run.StatusCancelled, final.Status)
	assert.Equal(t, CodeTimeout, final.Error.Code)
}

func TestExecute_Deterministic(t *testing.T) {
	// 同一定义与输入执行两次，步骤终态与 Run 输出一致
	def := &playbook.Definition{
		ID: "pb-det",
		Steps: []playbook.Step{
			dataStep("a", nil, map[string]string{"v": "1"}),
			dataStep("b", []string{"a"}, map[string]string{"v": "2"}),
			dataStep("c", []string{"a"}, map[string]string{"v": "3"}),
			{
				Key: "d", Type: playbook.StepData, DependsOn: []string{"b", "c"},
				Data: &playbook.DataStepConfig{Operation: "merge", Sources: []string{"b", "c"}},
			},
		},
	}

	outputs := make([]map[string]any, 2)
	for i := 0; i < 2; i++ {
		store := run.NewMemoryStore()
		c, _ := newTestCoordinator(t, store, stubRegistry{}, nil, fastOpts())
		ctx := context.Background()
		r, err := c.CreateRun(ctx, def, "org-1", nil)
		require.NoError(t, err)
		require.NoError(t, c.Execute(ctx, def, r))
		final, _ := store.GetRun(ctx, r.ID)
		require.Equal(t, run.StatusSucceeded, final.Status)
		outputs[i] = final.Output
	}
	assert.Equal(t, outputs[0], outputs[1])
}
