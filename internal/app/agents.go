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

package app

import (
	"context"
	"fmt"

	"playbook-engine/internal/engine"
	"playbook-engine/internal/model"
	"playbook-engine/internal/model/llm"
	"playbook-engine/pkg/config"
	"playbook-engine/pkg/tracing"
)

// AgentRegistry 把配置中的 agent -> provider 绑定解析为可调用的 AgentHandler。
// 实现 engine.AgentRegistry。
type AgentRegistry struct {
	models *model.Registry
	cfg    config.ModelConfig
}

// NewAgentRegistry 创建 AgentRegistry
func NewAgentRegistry(models *model.Registry, cfg config.ModelConfig) *AgentRegistry {
	return &AgentRegistry{models: models, cfg: cfg}
}

// Lookup 解析 agentID 绑定的 provider 并返回调用该 LLM 的 Handler。
// 未绑定且无默认 provider 时报错（Dispatcher 将其归为配置错误，不重试）。
func (r *AgentRegistry) Lookup(agentID string) (engine.AgentHandler, error) {
	provider := r.cfg.Agents[agentID]
	if provider == "" {
		provider = r.cfg.Defaults.LLM
	}
	if provider == "" {
		return nil, fmt.Errorf("agent %q 未绑定 provider 且无默认 LLM", agentID)
	}
	client, err := r.models.Get(provider)
	if err != nil {
		return nil, err
	}
	return &llmAgentHandler{
		agentID:  agentID,
		client:   client,
		defaults: r.cfg.LLM.Providers[provider],
	}, nil
}

// llmAgentHandler 单个 agent 的 LLM 调用封装
type llmAgentHandler struct {
	agentID  string
	client   llm.Client
	defaults config.ProviderConfig
}

func (h *llmAgentHandler) Invoke(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
	ctx, span := tracing.StartAgentSpan(ctx, req.AgentID, h.client.Model())
	defer span.End()

	var messages []llm.Message
	if req.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, llm.Message{Role: "user", Content: req.Prompt})

	opts := llm.GenerateOptions{
		MaxTokens:   req.MaxTokens,
		Temperature: h.defaults.Temperature,
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = h.defaults.MaxTokens
	}

	result, err := h.client.ChatWithContext(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	return &engine.AgentResult{
		Content:    result.Content,
		TokensUsed: result.TotalTokens(),
	}, nil
}
