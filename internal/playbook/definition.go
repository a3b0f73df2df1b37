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

// Package playbook 定义 Playbook（DAG 工作流）的不可变描述、结构校验与执行规划。
// Definition 由编排侧创建后只读；引擎只消费，不修改。
package playbook

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepType 步骤类型（封闭集合，按类型分派到对应 Handler）
type StepType string

const (
	StepAgent  StepType = "agent"
	StepData   StepType = "data"
	StepBranch StepType = "branch"
	StepAPI    StepType = "api"
)

// Valid 判断是否为已知类型
func (t StepType) Valid() bool {
	switch t {
	case StepAgent, StepData, StepBranch, StepAPI:
		return true
	}
	return false
}

// Definition Playbook 定义：唯一 key 的步骤集合 + 依赖/分支关系；版本化、只读
type Definition struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	// Steps 按声明顺序排列；声明顺序同时是规划阶段的稳定 tie-break 依据
	Steps []Step `json:"steps"`
	// SinkKey 可选：指定聚合输出的终点步骤；空则聚合所有终端输出
	SinkKey string `json:"sink_key,omitempty"`
}

// StepByKey 按 key 查找步骤；未找到返回 nil
func (d *Definition) StepByKey(key string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Key == key {
			return &d.Steps[i]
		}
	}
	return nil
}

// Step 单个步骤定义；Config 为类型专属结构（强类型 tagged union，反序列化时按 Type 分派）
type Step struct {
	Key       string   `json:"key"`
	Type      StepType `json:"type"`
	DependsOn []string `json:"depends_on,omitempty"`
	// Retry 可选重试策略；nil 表示不重试（等价于 MaxAttempts=1）
	Retry *RetryPolicy `json:"retry,omitempty"`
	// Condition 仅 Type=branch 时有意义：按声明顺序求值的条件列表 + 缺省目标
	Condition *BranchSpec `json:"condition,omitempty"`

	// 以下四者按 Type 恰有其一非 nil
	Agent *AgentStepConfig `json:"-"`
	Data  *DataStepConfig  `json:"-"`
	API   *APIStepConfig   `json:"-"`
}

// AgentStepConfig AGENT 步骤配置：通过注入的 AgentRegistry 调 LLM
type AgentStepConfig struct {
	AgentID      string `json:"agent_id"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	// PromptTemplate 支持 {{stepKey.output.field}} 模板引用
	PromptTemplate string `json:"prompt_template"`
	Model          string `json:"model,omitempty"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
}

// DataStepConfig DATA 步骤配置：纯内存转换（抽取/重映射/合并）
type DataStepConfig struct {
	// Operation extract | remap | merge
	Operation string `json:"operation"`
	// Fields 目标字段 -> 模板引用（如 "{{research.output.summary}}"）或字面量
	Fields map[string]string `json:"fields,omitempty"`
	// Sources merge 时要合并的前驱步骤 key 列表
	Sources []string `json:"sources,omitempty"`
}

// APIStepConfig API 步骤配置：对外部 HTTP 服务的一次调用
type APIStepConfig struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
}

// BranchSpec BRANCH 步骤的路由规则：Source 为被比较值的引用路径（stepKey.output.field）
type BranchSpec struct {
	Source     string            `json:"source"`
	Conditions []BranchCondition `json:"conditions"`
	// DefaultKey 所有条件均不命中时的目标；缺失且无条件命中为致命配置错误
	DefaultKey string `json:"default_key,omitempty"`
}

// BranchCondition 单条分支条件；Operator 见 Operator* 常量
type BranchCondition struct {
	Operator  string `json:"operator"`
	Value     string `json:"value,omitempty"`
	TargetKey string `json:"target_key"`
}

// 分支条件支持的操作符
const (
	OperatorEquals    = "equals"
	OperatorNotEquals = "not_equals"
	OperatorContains  = "contains"
	OperatorExists    = "exists"
	OperatorGt        = "gt"
	OperatorLt        = "lt"
)

// RetryPolicy 步骤级重试策略：指数退避 backoff * 2^(attempt-1)
type RetryPolicy struct {
	// MaxAttempts 总尝试次数（含首次）；<=0 视为 1
	MaxAttempts int `json:"max_attempts"`
	// BackoffMs 首次重试前的等待毫秒数
	BackoffMs int `json:"backoff_ms"`
}

// Attempts 规范化后的总尝试次数
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// BackoffFor 第 attempt 次（1-based）失败后的退避时长
func (p *RetryPolicy) BackoffFor(attempt int) time.Duration {
	if p == nil || p.BackoffMs <= 0 {
		return 0
	}
	d := time.Duration(p.BackoffMs) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// stepJSON Step 的线格式；config 先保留原始 JSON，再按 type 解码到强类型结构
type stepJSON struct {
	Key       string          `json:"key"`
	Type      StepType        `json:"type"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Retry     *RetryPolicy    `json:"retry,omitempty"`
	Condition *BranchSpec     `json:"condition,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON 按 Type 将 config 解码到对应强类型结构；未知类型报错而非静默忽略
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Key = raw.Key
	s.Type = raw.Type
	s.DependsOn = raw.DependsOn
	s.Retry = raw.Retry
	s.Condition = raw.Condition

	switch raw.Type {
	case StepAgent:
		cfg := &AgentStepConfig{}
		if len(raw.Config) > 0 {
			if err := json.Unmarshal(raw.Config, cfg); err != nil {
				return fmt.Errorf("step %s: 解析 agent 配置失败: %w", raw.Key, err)
			}
		}
		s.Agent = cfg
	case StepData:
		cfg := &DataStepConfig{}
		if len(raw.Config) > 0 {
			if err := json.Unmarshal(raw.Config, cfg); err != nil {
				return fmt.Errorf("step %s: 解析 data 配置失败: %w", raw.Key, err)
			}
		}
		s.Data = cfg
	case StepAPI:
		cfg := &APIStepConfig{}
		if len(raw.Config) > 0 {
			if err := json.Unmarshal(raw.Config, cfg); err != nil {
				return fmt.Errorf("step %s: 解析 api 配置失败: %w", raw.Key, err)
			}
		}
		s.API = cfg
	case StepBranch:
		// branch 的全部配置在 condition 中；config 留空
	default:
		return fmt.Errorf("step %s: 未知步骤类型: %s", raw.Key, raw.Type)
	}
	return nil
}

// MarshalJSON 与 UnmarshalJSON 对称：把强类型配置写回 config 字段
func (s Step) MarshalJSON() ([]byte, error) {
	raw := stepJSON{
		Key:       s.Key,
		Type:      s.Type,
		DependsOn: s.DependsOn,
		Retry:     s.Retry,
		Condition: s.Condition,
	}
	var cfg interface{}
	switch s.Type {
	case StepAgent:
		cfg = s.Agent
	case StepData:
		cfg = s.Data
	case StepAPI:
		cfg = s.API
	}
	if cfg != nil {
		b, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		raw.Config = b
	}
	return json.Marshal(raw)
}

// BranchTargets 返回该步骤作为分支时声明的全部候选目标（含 DefaultKey，去重）
func (s *Step) BranchTargets() []string {
	if s.Condition == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, c := range s.Condition.Conditions {
		if c.TargetKey != "" && !seen[c.TargetKey] {
			seen[c.TargetKey] = true
			out = append(out, c.TargetKey)
		}
	}
	if s.Condition.DefaultKey != "" && !seen[s.Condition.DefaultKey] {
		out = append(out, s.Condition.DefaultKey)
	}
	return out
}
