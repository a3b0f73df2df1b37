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

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"playbook-engine/internal/assembler"
	"playbook-engine/internal/playbook"
	"playbook-engine/pkg/log"
)

// NextStepKeyField BRANCH 步骤输出中记录路由决策的字段
const NextStepKeyField = "next_step_key"

// AgentRequest 一次 LLM 调用请求；Prompt 为模板渲染后的最终文本
type AgentRequest struct {
	AgentID      string
	SystemPrompt string
	Prompt       string
	Model        string
	MaxTokens    int
}

// AgentResult LLM 调用结果
type AgentResult struct {
	// Content 模型回复正文
	Content string
	// Output 模型返回的结构化字段（可选）
	Output map[string]any
	// TokensUsed 本次调用实际消耗的 token 数；0 表示未知
	TokensUsed int
}

// AgentHandler 单个 Agent 的调用入口；实现方负责模型选择与限流
type AgentHandler interface {
	Invoke(ctx context.Context, req AgentRequest) (*AgentResult, error)
}

// AgentRegistry 按 agent_id 查找 Handler；引擎对 LLM 的全部依赖经由此接口注入
type AgentRegistry interface {
	Lookup(agentID string) (AgentHandler, error)
}

// Dispatcher 按步骤类型把装配好的上下文分派到对应 Handler。
// 无状态：不读写 Run 记录，结果与错误分类交由 Coordinator 处理。
type Dispatcher struct {
	registry AgentRegistry
	http     *resty.Client
	logger   *log.Logger
}

// NewDispatcher 创建 Dispatcher；API 步骤复用同一个 resty 客户端
func NewDispatcher(registry AgentRegistry, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		http:     resty.New(),
		logger:   logger,
	}
}

// Dispatch 执行单个步骤并返回其输出。
// 错误分类：*ConfigurationError 致命不重试；*StepExecutionError 按 Retryable 决定
func (d *Dispatcher) Dispatch(ctx context.Context, step *playbook.Step, ac *assembler.Context) (map[string]any, error) {
	switch step.Type {
	case playbook.StepAgent:
		return d.dispatchAgent(ctx, step, ac)
	case playbook.StepData:
		return d.dispatchData(step, ac)
	case playbook.StepBranch:
		return d.dispatchBranch(step, ac)
	case playbook.StepAPI:
		return d.dispatchAPI(ctx, step, ac)
	default:
		return nil, &ConfigurationError{StepKey: step.Key, Reason: fmt.Sprintf("未知步骤类型 %q", step.Type)}
	}
}

// dispatchAgent 渲染 prompt 模板后经 AgentRegistry 调用 LLM。
// 记忆条目与共享状态拼接为上下文前缀，模板本身只引用前驱输出。
func (d *Dispatcher) dispatchAgent(ctx context.Context, step *playbook.Step, ac *assembler.Context) (map[string]any, error) {
	cfg := step.Agent
	if cfg == nil || cfg.AgentID == "" {
		return nil, &ConfigurationError{StepKey: step.Key, Reason: "agent 步骤缺少 agent_id"}
	}
	handler, err := d.registry.Lookup(cfg.AgentID)
	if err != nil {
		return nil, &ConfigurationError{StepKey: step.Key, Reason: fmt.Sprintf("agent %q 未注册", cfg.AgentID), Err: err}
	}

	prompt, err := assembler.Render(cfg.PromptTemplate, ac.PriorOutputs)
	if err != nil {
		return nil, &ConfigurationError{StepKey: step.Key, Reason: "prompt 模板引用无法解析", Err: err}
	}
	prompt = prependContext(prompt, ac)

	result, err := handler.Invoke(ctx, AgentRequest{
		AgentID:      cfg.AgentID,
		SystemPrompt: cfg.SystemPrompt,
		Prompt:       prompt,
		Model:        cfg.Model,
		MaxTokens:    cfg.MaxTokens,
	})
	if err != nil {
		// LLM 侧失败默认可重试（限流、超时、上游 5xx）
		return nil, retryableStep(step.Key, err)
	}

	out := map[string]any{"content": result.Content}
	for k, v := range result.Output {
		out[k] = v
	}
	if result.TokensUsed > 0 {
		out["tokens_used"] = result.TokensUsed
	}
	return out, nil
}

// prependContext 把记忆与共享状态拼为 prompt 前缀；两者为空时原样返回
func prependContext(prompt string, ac *assembler.Context) string {
	var b strings.Builder
	if len(ac.Memory) > 0 {
		b.WriteString("相关记忆：\n")
		for _, it := range ac.Memory {
			b.WriteString("- ")
			b.WriteString(it.Content)
			b.WriteString("\n")
		}
	}
	if len(ac.SharedState) > 0 {
		if s, err := json.Marshal(ac.SharedState); err == nil {
			b.WriteString("共享状态：")
			b.Write(s)
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		return prompt
	}
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}

// dispatchData 纯内存转换，不产生外部副作用；失败必然是配置问题，永不重试
func (d *Dispatcher) dispatchData(step *playbook.Step, ac *assembler.Context) (map[string]any, error) {
	cfg := step.Data
	if cfg == nil {
		return nil, &ConfigurationError{StepKey: step.Key, Reason: "data 步骤缺少配置"}
	}
	switch cfg.Operation {
	case "extract", "remap":
		out := make(map[string]any, len(cfg.Fields))
		for field, expr := range cfg.Fields {
			v, err := evalFieldExpr(expr, ac.PriorOutputs)
			if err != nil {
				return nil, &ConfigurationError{StepKey: step.Key, Reason: fmt.Sprintf("字段 %q 求值失败", field), Err: err}
			}
			out[field] = v
		}
		return out, nil
	case "merge":
		if len(cfg.Sources) == 0 {
			return nil, &ConfigurationError{StepKey: step.Key, Reason: "merge 操作缺少 sources"}
		}
		out := make(map[string]any)
		for _, src := range cfg.Sources {
			prior, ok := ac.PriorOutputs[src]
			if !ok {
				return nil, &ConfigurationError{StepKey: step.Key, Reason: fmt.Sprintf("merge 来源 %q 无可用输出", src)}
			}
			// 后声明的来源覆盖先声明的同名字段
			for k, v := range prior {
				out[k] = v
			}
		}
		return out, nil
	default:
		return nil, &ConfigurationError{StepKey: step.Key, Reason: fmt.Sprintf("未知 data 操作 %q", cfg.Operation)}
	}
}

// evalFieldExpr 求值单条字段表达式：整体恰为一个引用时保留原始类型，
// 含引用的混合文本按字符串渲染，无引用则为字面量
func evalFieldExpr(expr string, priorOutputs map[string]map[string]any) (any, error) {
	refs, err := assembler.CompileTemplate(expr)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return expr, nil
	}
	if len(refs) == 1 && strings.TrimSpace(expr) == refs[0].Raw {
		return refs[0].Resolve(priorOutputs)
	}
	return assembler.Render(expr, priorOutputs)
}

// dispatchBranch 求值路由条件，输出 next_step_key。
// 条件按声明顺序求值，首个命中者生效；均不命中走 DefaultKey，无缺省则为致命配置错误
func (d *Dispatcher) dispatchBranch(step *playbook.Step, ac *assembler.Context) (map[string]any, error) {
	spec := step.Condition
	if spec == nil || spec.Source == "" {
		return nil, &ConfigurationError{StepKey: step.Key, Reason: "branch 步骤缺少 condition.source"}
	}

	value, err := assembler.ResolvePath(spec.Source, ac.PriorOutputs)
	exists := err == nil
	if err != nil && !errors.Is(err, assembler.ErrUnresolvedReference) {
		return nil, &ConfigurationError{StepKey: step.Key, Reason: "branch source 解析失败", Err: err}
	}

	for _, cond := range spec.Conditions {
		hit, err := evalCondition(cond, value, exists)
		if err != nil {
			return nil, &ConfigurationError{StepKey: step.Key, Reason: fmt.Sprintf("条件 %q 求值失败", cond.Operator), Err: err}
		}
		if hit {
			return map[string]any{NextStepKeyField: cond.TargetKey}, nil
		}
	}
	if spec.DefaultKey != "" {
		return map[string]any{NextStepKeyField: spec.DefaultKey}, nil
	}
	return nil, &ConfigurationError{StepKey: step.Key, Reason: "所有分支条件均未命中且无 default_key"}
}

// evalCondition 单条分支条件求值；source 不存在时除 exists 外一律不命中
func evalCondition(cond playbook.BranchCondition, value any, exists bool) (bool, error) {
	if cond.Operator == playbook.OperatorExists {
		return exists, nil
	}
	if !exists {
		return false, nil
	}
	s := fmt.Sprintf("%v", value)
	switch cond.Operator {
	case playbook.OperatorEquals:
		return s == cond.Value, nil
	case playbook.OperatorNotEquals:
		return s != cond.Value, nil
	case playbook.OperatorContains:
		return strings.Contains(s, cond.Value), nil
	case playbook.OperatorGt, playbook.OperatorLt:
		lhs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return false, fmt.Errorf("值 %q 不是数字: %w", s, err)
		}
		rhs, err := strconv.ParseFloat(cond.Value, 64)
		if err != nil {
			return false, fmt.Errorf("比较值 %q 不是数字: %w", cond.Value, err)
		}
		if cond.Operator == playbook.OperatorGt {
			return lhs > rhs, nil
		}
		return lhs < rhs, nil
	default:
		return false, fmt.Errorf("未知操作符 %q", cond.Operator)
	}
}

// dispatchAPI 调外部 HTTP 服务。网络错误与 5xx 可重试，4xx 视为请求本身有误不重试
func (d *Dispatcher) dispatchAPI(ctx context.Context, step *playbook.Step, ac *assembler.Context) (map[string]any, error) {
	cfg := step.API
	if cfg == nil || cfg.URL == "" {
		return nil, &ConfigurationError{StepKey: step.Key, Reason: "api 步骤缺少 url"}
	}

	url, err := assembler.Render(cfg.URL, ac.PriorOutputs)
	if err != nil {
		return nil, &ConfigurationError{StepKey: step.Key, Reason: "url 模板引用无法解析", Err: err}
	}
	body := cfg.Body
	if body != "" {
		if body, err = assembler.Render(cfg.Body, ac.PriorOutputs); err != nil {
			return nil, &ConfigurationError{StepKey: step.Key, Reason: "body 模板引用无法解析", Err: err}
		}
	}

	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req := d.http.R().SetContext(ctx).SetHeaders(cfg.Headers)
	if body != "" {
		req.SetBody(body)
	}
	resp, err := req.Execute(strings.ToUpper(cfg.Method), url)
	if err != nil {
		return nil, retryableStep(step.Key, fmt.Errorf("请求 %s 失败: %w", url, err))
	}

	code := resp.StatusCode()
	switch {
	case code >= 500:
		return nil, retryableStep(step.Key, fmt.Errorf("上游 %s 返回 %d", url, code))
	case code >= 400:
		return nil, fatalStep(step.Key, fmt.Errorf("上游 %s 返回 %d: %s", url, code, truncate(resp.String(), 256)))
	}

	out := map[string]any{"status": code}
	var parsed map[string]any
	if err := json.Unmarshal(resp.Body(), &parsed); err == nil {
		for k, v := range parsed {
			out[k] = v
		}
	} else {
		out["body"] = resp.String()
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
