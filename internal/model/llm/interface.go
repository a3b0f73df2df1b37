// Package llm LLM Provider 客户端：引擎的 AGENT 步骤经 AgentRegistry 最终落到这里。
// 所有实现都带用量回报，供配额与指标消费。
package llm

import (
	"context"
)

// Client LLM 客户端接口
type Client interface {
	// GenerateWithContext 单轮生成
	GenerateWithContext(ctx context.Context, prompt string, options GenerateOptions) (*Result, error)
	// ChatWithContext 多轮消息生成
	ChatWithContext(ctx context.Context, messages []Message, options GenerateOptions) (*Result, error)
	// Model 返回模型名称
	Model() string
	// Provider 返回提供商名称
	Provider() string
}

// GenerateOptions 生成选项
type GenerateOptions struct {
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop"`
}

// Message 聊天消息
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Result 生成结果与用量；用量字段为 0 表示提供商未返回
type Result struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens 本次调用的总 token 数
func (r *Result) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// NewClient 创建新的 LLM 客户端；baseURL 用于 OpenAI 兼容端点（如 Qwen/DashScope），空则用默认或环境变量
func NewClient(provider, model, apiKey string, baseURL string) (Client, error) {
	switch provider {
	case "openai", "qwen":
		return NewOpenAIClientWithBaseURL(model, apiKey, baseURL)
	case "claude":
		return NewClaudeClient(model, apiKey)
	default:
		return NewOpenAIClientWithBaseURL(model, apiKey, baseURL)
	}
}
