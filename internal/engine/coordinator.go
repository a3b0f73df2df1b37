// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine Run Coordinator 与 Step Dispatcher：驱动单个 Run 从 PENDING
// 到终态。每个 Run 由唯一一个 Execute 调用独占推进（单写者），步骤执行
// goroutine 只写各自的 StepRun 记录。
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"playbook-engine/internal/assembler"
	"playbook-engine/internal/events"
	"playbook-engine/internal/memory"
	"playbook-engine/internal/playbook"
	"playbook-engine/internal/quota"
	"playbook-engine/internal/run"
	"playbook-engine/pkg/log"
	"playbook-engine/pkg/metrics"
	"playbook-engine/pkg/tracing"
)

const (
	defaultMaxConcurrency = 4
	defaultCancelPoll     = 200 * time.Millisecond
	// defaultAgentTokenReserve AGENT 步骤未声明 max_tokens 时的配额预留量
	defaultAgentTokenReserve = 1024
)

// Options Coordinator 行为参数；零值均有合理缺省
type Options struct {
	// MaxConcurrency 单个 Run 内并行派发的步骤上限
	MaxConcurrency int
	// RunTimeout Run 级墙钟超时；0 表示不限
	RunTimeout time.Duration
	// CancelPoll 轮询取消标记的间隔
	CancelPoll time.Duration
	// TokenBudget 上下文预算；0 取装配方缺省
	TokenBudget int
	// MemoryMinRelevance 记忆检索的最低相关度
	MemoryMinRelevance float64
}

// Coordinator 驱动 Run 生命周期：校验、配额、调度、重试、跳过传播、终态聚合
type Coordinator struct {
	store      run.Store
	quotas     quota.Reserver
	memories   memory.Searcher
	dispatcher *Dispatcher
	emitter    events.Emitter
	logger     *log.Logger
	opts       Options
}

// NewCoordinator 创建 Coordinator；emitter 可为 events.Discard{}
func NewCoordinator(store run.Store, quotas quota.Reserver, memories memory.Searcher,
	dispatcher *Dispatcher, emitter events.Emitter, logger *log.Logger, opts Options) *Coordinator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}
	if opts.CancelPoll <= 0 {
		opts.CancelPoll = defaultCancelPoll
	}
	return &Coordinator{
		store:      store,
		quotas:     quotas,
		memories:   memories,
		dispatcher: dispatcher,
		emitter:    emitter,
		logger:     logger,
		opts:       opts,
	}
}

// CreateRun 校验定义并创建 PENDING Run（入队）。
// 校验失败返回 *ValidationError，配额不足返回 *quota.ExceededError，均无副作用
func (c *Coordinator) CreateRun(ctx context.Context, def *playbook.Definition, orgID string, input map[string]any) (*run.Run, error) {
	report := playbook.Validate(def.Steps)
	if !report.Valid {
		return nil, &ValidationError{Issues: report.Issues}
	}
	if err := c.quotas.CheckAndReserve(ctx, orgID, quota.ResourceRuns, 1); err != nil {
		return nil, err
	}

	r := &run.Run{
		ID:         uuid.NewString(),
		PlaybookID: def.ID,
		OrgID:      orgID,
		Status:     run.StatusPending,
		Input:      input,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("创建 run 失败: %w", err)
	}
	c.logger.Info("run 已入队", "run_id", r.ID, "playbook_id", def.ID, "org_id", orgID)
	return r, nil
}

// stepResult 步骤执行 goroutine 回传的最终结果
type stepResult struct {
	key     string
	attempt int
	output  map[string]any
	err     error
}

// execState 单个 Run 的调度状态；仅 Execute 的主循环读写
type execState struct {
	statuses   map[string]run.StepStatus
	outputs    map[string]map[string]any
	order      []string          // 完成顺序（step key，最早在前）
	branchNext map[string]string // branch step key -> 选中目标
	shared     map[string]any
	firstErr   error  // 首个导致步骤 FAILED 的错误
	firstErrAt string // 对应 step key
	cancelled  bool
	timedOut   bool
}

// snapshot 主循环状态的只读快照，供步骤 goroutine 使用
type snapshot struct {
	outputs map[string]map[string]any
	order   []string
	shared  map[string]any
}

func snapshotState(st *execState) snapshot {
	outputs := make(map[string]map[string]any, len(st.outputs))
	for k, v := range st.outputs {
		outputs[k] = v
	}
	order := make([]string, len(st.order))
	copy(order, st.order)
	shared := make(map[string]any, len(st.shared))
	for k, v := range st.shared {
		shared[k] = v
	}
	return snapshot{outputs: outputs, order: order, shared: shared}
}

// Execute 把一个 PENDING Run 驱动到终态；返回 nil 表示 Run 已终结（含失败终态）。
// Run 已被他人启动时返回 run.ErrRunTerminal
func (c *Coordinator) Execute(ctx context.Context, def *playbook.Definition, r *run.Run) error {
	stepRuns := make([]*run.StepRun, 0, len(def.Steps))
	for _, s := range def.Steps {
		stepRuns = append(stepRuns, &run.StepRun{RunID: r.ID, StepKey: s.Key, Status: run.StepPending})
	}
	r.Status = run.StatusRunning
	r.StartedAt = time.Now().UTC()
	if err := c.store.StartRun(ctx, r, stepRuns); err != nil {
		return err
	}

	ctx, span := tracing.StartRunSpan(ctx, r.ID, r.PlaybookID)
	defer span.End()

	c.emit(events.RunStarted, r.ID, "", map[string]any{"playbook_id": r.PlaybookID})
	c.logger.Info("run 开始执行", "run_id", r.ID, "playbook_id", r.PlaybookID, "steps", len(def.Steps))

	var deadline time.Time
	if c.opts.RunTimeout > 0 {
		deadline = r.StartedAt.Add(c.opts.RunTimeout)
	}

	st := &execState{
		statuses:   make(map[string]run.StepStatus, len(def.Steps)),
		outputs:    make(map[string]map[string]any),
		branchNext: make(map[string]string),
		shared:     sharedFromInput(r.Input),
	}
	for _, s := range def.Steps {
		st.statuses[s.Key] = run.StepPending
	}

	// runCtx 随取消/超时关闭，通知在途步骤；在途步骤仍可自然完成
	runCtx, cancelInflight := context.WithCancel(ctx)
	defer cancelInflight()

	results := make(chan stepResult)
	sem := make(chan struct{}, c.opts.MaxConcurrency)
	inFlight := 0

	for {
		// 取消与超时仅在派发边界生效
		if !st.cancelled {
			if cancelled, err := c.store.CancelRequested(ctx, r.ID); err == nil && cancelled {
				st.cancelled = true
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				st.cancelled = true
				st.timedOut = true
			}
			if st.cancelled {
				cancelInflight()
			}
		}

		c.propagateSkips(ctx, def, r, st)

		if !st.cancelled {
			for i := range def.Steps {
				s := &def.Steps[i]
				if st.statuses[s.Key] != run.StepPending || !c.ready(def, st, s) {
					continue
				}
				select {
				case sem <- struct{}{}:
				default:
					continue // 并发额度用尽，下一轮再派发
				}
				step := s
				st.statuses[step.Key] = run.StepRunning
				snap := snapshotState(st)
				inFlight++
				go func() {
					defer func() { <-sem }()
					results <- c.runStep(runCtx, r, step, snap)
				}()
			}
		}

		if inFlight == 0 {
			if c.allSettled(st) {
				break
			}
			// 无在途且未终结：等待一个轮询周期后重查取消标记
			select {
			case <-time.After(c.opts.CancelPoll):
			case <-ctx.Done():
				st.cancelled = true
			}
			continue
		}

		select {
		case res := <-results:
			inFlight--
			c.applyResult(def, r, st, res)
		case <-time.After(c.opts.CancelPoll):
			// 回到循环头重查取消标记
		}
	}

	return c.finalize(ctx, def, r, st)
}

// sharedFromInput Run 输入中的 shared_state 字段作为共享状态初值
func sharedFromInput(input map[string]any) map[string]any {
	out := map[string]any{}
	if m, ok := input["shared_state"].(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// allSettled 全部步骤均已终态
func (c *Coordinator) allSettled(st *execState) bool {
	for _, status := range st.statuses {
		if !status.Terminal() {
			return false
		}
	}
	return true
}

// ready 全部前驱 SUCCEEDED，且分支前驱选中了本步骤（或本步骤不在其候选中）
func (c *Coordinator) ready(def *playbook.Definition, st *execState, s *playbook.Step) bool {
	for _, dep := range s.DependsOn {
		if st.statuses[dep] != run.StepSucceeded {
			return false
		}
		depStep := def.StepByKey(dep)
		if depStep != nil && depStep.Type == playbook.StepBranch {
			if inTargets(depStep.BranchTargets(), s.Key) && st.branchNext[dep] != s.Key {
				return false // 未选中；propagateSkips 会将其置为 SKIPPED
			}
		}
	}
	return true
}

func inTargets(targets []string, key string) bool {
	for _, t := range targets {
		if t == key {
			return true
		}
	}
	return false
}

// propagateSkips 跳过传播到固定点：前驱 FAILED/SKIPPED、分支未选中、或 Run 已取消
func (c *Coordinator) propagateSkips(ctx context.Context, def *playbook.Definition, r *run.Run, st *execState) {
	for changed := true; changed; {
		changed = false
		for i := range def.Steps {
			s := &def.Steps[i]
			if st.statuses[s.Key] != run.StepPending {
				continue
			}
			if st.cancelled {
				c.skipStep(ctx, r, st, s.Key, "run 已取消")
				changed = true
				continue
			}
			for _, dep := range s.DependsOn {
				switch st.statuses[dep] {
				case run.StepFailed, run.StepSkipped:
					c.skipStep(ctx, r, st, s.Key, fmt.Sprintf("前驱 %s 未成功", dep))
					changed = true
				case run.StepSucceeded:
					depStep := def.StepByKey(dep)
					if depStep != nil && depStep.Type == playbook.StepBranch &&
						inTargets(depStep.BranchTargets(), s.Key) && st.branchNext[dep] != s.Key {
						c.skipStep(ctx, r, st, s.Key, fmt.Sprintf("分支 %s 选择了 %s", dep, st.branchNext[dep]))
						changed = true
					}
				}
				if st.statuses[s.Key] != run.StepPending {
					break
				}
			}
		}
	}
}

func (c *Coordinator) skipStep(ctx context.Context, r *run.Run, st *execState, key, reason string) {
	st.statuses[key] = run.StepSkipped
	metrics.StepSkipTotal.Inc()
	sr, err := c.store.GetStepRun(ctx, r.ID, key)
	if err != nil {
		c.logger.Warn("读取 step run 失败", "run_id", r.ID, "step", key, "error", err)
		return
	}
	sr.Status = run.StepSkipped
	sr.Error = reason
	sr.CompletedAt = time.Now().UTC()
	if err := c.store.UpdateStepRun(ctx, sr); err != nil {
		c.logger.Warn("落盘 skipped step 失败", "run_id", r.ID, "step", key, "error", err)
	}
}

// applyResult 将步骤终结结果并入调度状态并落实分支决策与共享状态
func (c *Coordinator) applyResult(def *playbook.Definition, r *run.Run, st *execState, res stepResult) {
	step := def.StepByKey(res.key)
	if res.err != nil {
		st.statuses[res.key] = run.StepFailed
		if st.firstErr == nil {
			st.firstErr = res.err
			st.firstErrAt = res.key
		}
		c.emit(events.StepFailed, r.ID, res.key, map[string]any{
			"attempt": res.attempt, "error": res.err.Error(),
		})
		return
	}

	st.statuses[res.key] = run.StepSucceeded
	st.outputs[res.key] = res.output
	st.order = append(st.order, res.key)

	if step != nil && step.Type == playbook.StepBranch {
		if next, ok := res.output[NextStepKeyField].(string); ok {
			st.branchNext[res.key] = next
		}
	}
	// 步骤可通过输出 shared_state 字段更新共享状态（按完成顺序合并，单写者）
	if m, ok := res.output["shared_state"].(map[string]any); ok {
		for k, v := range m {
			st.shared[k] = v
		}
	}
	c.emit(events.StepCompleted, r.ID, res.key, map[string]any{"attempt": res.attempt})
}

// runStep 单步骤的完整执行：装配上下文、派发、失败时按策略退避重试。
// 只写属于自己的 StepRun 记录，终态经 stepResult 回传主循环
func (c *Coordinator) runStep(ctx context.Context, r *run.Run, step *playbook.Step, snap snapshot) stepResult {
	ctx, span := tracing.StartStepSpan(ctx, step.Key, string(step.Type))
	defer span.End()

	sr, err := c.store.GetStepRun(ctx, r.ID, step.Key)
	if err != nil {
		return stepResult{key: step.Key, attempt: 1, err: fatalStep(step.Key, err)}
	}

	ac := c.assembleContext(ctx, r, step, snap)
	sr.Input = map[string]any{"tokens": ac.Tokens, "token_budget": ac.TokenBudget}

	attempts := step.Retry.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		sr.Attempt = attempt
		sr.Status = run.StepRunning
		sr.StartedAt = time.Now().UTC()
		if err := c.store.UpdateStepRun(ctx, sr); err != nil {
			c.logger.Warn("落盘 step run 失败", "run_id", r.ID, "step", step.Key, "error", err)
		}
		c.emit(events.StepStarted, r.ID, step.Key, map[string]any{"attempt": attempt, "type": string(step.Type)})

		started := time.Now()
		output, err := c.dispatchOnce(ctx, r, step, ac)
		metrics.StepDuration.WithLabelValues(string(step.Type)).Observe(time.Since(started).Seconds())

		if err == nil {
			sr.Status = run.StepSucceeded
			sr.Output = output
			sr.Error = ""
			sr.CompletedAt = time.Now().UTC()
			if err := c.store.UpdateStepRun(ctx, sr); err != nil {
				c.logger.Warn("落盘 step run 失败", "run_id", r.ID, "step", step.Key, "error", err)
			}
			metrics.StepTotal.WithLabelValues(string(step.Type), "succeeded").Inc()
			return stepResult{key: step.Key, attempt: attempt, output: output}
		}

		lastErr = err
		c.logger.Warn("步骤执行失败", "run_id", r.ID, "step", step.Key,
			"attempt", attempt, "retryable", retryable(err), "error", err)

		if !retryable(err) || attempt == attempts {
			break
		}
		metrics.StepRetryTotal.WithLabelValues(string(step.Type)).Inc()
		select {
		case <-time.After(step.Retry.BackoffFor(attempt)):
		case <-ctx.Done():
			// 取消期间不再发起新尝试
			attempt = attempts
		}
	}

	sr.Status = run.StepFailed
	sr.Error = lastErr.Error()
	sr.CompletedAt = time.Now().UTC()
	if err := c.store.UpdateStepRun(ctx, sr); err != nil {
		c.logger.Warn("落盘 step run 失败", "run_id", r.ID, "step", step.Key, "error", err)
	}
	metrics.StepTotal.WithLabelValues(string(step.Type), "failed").Inc()
	return stepResult{key: step.Key, attempt: sr.Attempt, err: lastErr}
}

// dispatchOnce 单次派发；AGENT 步骤先过配额，配额不足为致命错误
func (c *Coordinator) dispatchOnce(ctx context.Context, r *run.Run, step *playbook.Step, ac *assembler.Context) (map[string]any, error) {
	if step.Type == playbook.StepAgent {
		reserve := int64(defaultAgentTokenReserve)
		if step.Agent != nil && step.Agent.MaxTokens > 0 {
			reserve = int64(step.Agent.MaxTokens)
		}
		if err := c.quotas.CheckAndReserve(ctx, r.OrgID, quota.ResourceAgentTokens, reserve); err != nil {
			return nil, fatalStep(step.Key, err)
		}
		metrics.AgentTokensTotal.WithLabelValues(r.OrgID).Add(float64(reserve))
	}
	return c.dispatcher.Dispatch(ctx, step, ac)
}

// assembleContext 装配步骤上下文；记忆检索仅对 AGENT 步骤发起，
// 检索失败降级为无记忆继续（协作方故障不应使 Run 失败）
func (c *Coordinator) assembleContext(ctx context.Context, r *run.Run, step *playbook.Step, snap snapshot) *assembler.Context {
	var items []memory.Item
	if step.Type == playbook.StepAgent && step.Agent != nil && c.memories != nil {
		query := step.Agent.PromptTemplate
		if rendered, err := assembler.Render(query, snap.outputs); err == nil {
			query = rendered
		}
		found, err := c.memories.Search(ctx, query, r.OrgID, c.opts.MemoryMinRelevance)
		if err != nil {
			c.logger.Warn("记忆检索失败，降级为无记忆", "run_id", r.ID, "step", step.Key, "error", err)
		} else {
			items = found
		}
	}

	refs := stepReferences(step)
	return assembler.Assemble(assembler.Request{
		RunID:        r.ID,
		StepKey:      step.Key,
		Input:        r.Input,
		PriorOutputs: snap.outputs,
		PriorOrder:   snap.order,
		SharedState:  snap.shared,
		MemoryItems:  items,
		References:   refs,
		TokenBudget:  c.opts.TokenBudget,
	})
}

// stepReferences 汇总该步骤全部模板引用；装配方据此保护被引用的前驱输出
func stepReferences(step *playbook.Step) []assembler.Reference {
	var refs []assembler.Reference
	collect := func(tpl string) {
		if tpl == "" {
			return
		}
		if rs, err := assembler.CompileTemplate(tpl); err == nil {
			refs = append(refs, rs...)
		}
	}
	switch step.Type {
	case playbook.StepAgent:
		if step.Agent != nil {
			collect(step.Agent.PromptTemplate)
		}
	case playbook.StepData:
		if step.Data != nil {
			for _, expr := range step.Data.Fields {
				collect(expr)
			}
			for _, src := range step.Data.Sources {
				collect("{{" + src + ".output.all}}")
			}
		}
	case playbook.StepBranch:
		if step.Condition != nil {
			collect("{{" + step.Condition.Source + "}}")
		}
	case playbook.StepAPI:
		if step.API != nil {
			collect(step.API.URL)
			collect(step.API.Body)
		}
	}
	return refs
}

// finalize 聚合终态：任一步骤 FAILED 则 Run FAILED；否则取消/超时为 CANCELLED；
// 否则 SUCCEEDED，输出取 sink 或全部成功终端步骤
func (c *Coordinator) finalize(ctx context.Context, def *playbook.Definition, r *run.Run, st *execState) error {
	r.CompletedAt = time.Now().UTC()

	anyFailed := false
	for _, status := range st.statuses {
		if status == run.StepFailed {
			anyFailed = true
			break
		}
	}

	switch {
	case anyFailed:
		r.Status = run.StatusFailed
		r.Error = classifyRunError(st.firstErr, st.firstErrAt)
		c.emit(events.RunFailed, r.ID, st.firstErrAt, map[string]any{"error": r.Error.Message})
	case st.cancelled:
		r.Status = run.StatusCancelled
		if st.timedOut {
			r.Error = &run.Error{Code: CodeTimeout, Message: (&TimeoutError{RunID: r.ID, Limit: c.opts.RunTimeout}).Error()}
		} else {
			r.Error = &run.Error{Code: CodeCancelled, Message: (&CancellationError{RunID: r.ID}).Error()}
		}
		c.emit(events.RunCancelled, r.ID, "", map[string]any{"timeout": st.timedOut})
	default:
		r.Status = run.StatusSucceeded
		r.Output = c.aggregateOutput(def, st)
		c.emit(events.RunCompleted, r.ID, "", nil)
	}

	if err := c.store.UpdateRun(ctx, r); err != nil {
		return fmt.Errorf("落盘终态失败: %w", err)
	}
	metrics.RunTotal.WithLabelValues(r.Status.String()).Inc()
	metrics.RunDuration.WithLabelValues(r.PlaybookID).Observe(r.CompletedAt.Sub(r.StartedAt).Seconds())
	c.logger.Info("run 已终结", "run_id", r.ID, "status", r.Status.String(),
		"duration", r.CompletedAt.Sub(r.StartedAt).String())
	return nil
}

// aggregateOutput sink 步骤的输出；未声明 sink 时聚合全部成功的终端步骤
func (c *Coordinator) aggregateOutput(def *playbook.Definition, st *execState) map[string]any {
	if def.SinkKey != "" {
		return st.outputs[def.SinkKey]
	}
	hasDependents := make(map[string]bool)
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			hasDependents[dep] = true
		}
	}
	out := map[string]any{}
	for _, s := range def.Steps {
		if !hasDependents[s.Key] && st.statuses[s.Key] == run.StepSucceeded {
			out[s.Key] = st.outputs[s.Key]
		}
	}
	return out
}

// classifyRunError 把步骤错误映射为 Run 级错误码
func classifyRunError(err error, stepKey string) *run.Error {
	if err == nil {
		return &run.Error{Code: CodeStepFailed, Message: "step failed", StepKey: stepKey}
	}
	code := CodeStepFailed
	var ce *ConfigurationError
	var qe *quota.ExceededError
	switch {
	case errors.As(err, &ce):
		code = CodeConfiguration
	case errors.As(err, &qe):
		code = CodeQuota
	}
	return &run.Error{Code: code, Message: err.Error(), StepKey: stepKey}
}

func (c *Coordinator) emit(t events.Type, runID, stepKey string, fields map[string]any) {
	c.emitter.Emit(events.Event{Type: t, RunID: runID, StepKey: stepKey, Fields: fields, At: time.Now().UTC()})
}
