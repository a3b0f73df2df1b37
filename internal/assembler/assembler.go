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

// Package assembler 为单次步骤调用装配有界上下文：前驱输出 + 共享状态 + 外部记忆，
// 受 token 预算约束。裁剪只动可弃内容，sharedState 与模板直接引用的值永不裁剪。
package assembler

import (
	"encoding/json"
	"sort"

	"playbook-engine/internal/memory"
)

// DefaultTokenBudget 缺省上下文预算（token 估算单位）
const DefaultTokenBudget = 8000

// Request 一次装配请求；由 Coordinator 按当前 Run 状态填充
type Request struct {
	RunID   string
	StepKey string
	// Input Run 级输入
	Input map[string]any
	// PriorOutputs 当前 Run 中全部已终结祖先的输出（stepKey -> output）
	PriorOutputs map[string]map[string]any
	// PriorOrder PriorOutputs 的完成顺序（最早在前），裁剪「最旧未引用」时使用
	PriorOrder []string
	// SharedState Run 级共享状态；永不裁剪
	SharedState map[string]any
	// MemoryItems 记忆协作方返回的已排序条目
	MemoryItems []memory.Item
	// References 该步骤模板声明的引用；被引用的前驱输出永不裁剪
	References []Reference
	// TokenBudget <=0 时取 DefaultTokenBudget
	TokenBudget int
}

// Context 装配结果，传给 Step Dispatcher
type Context struct {
	RunID        string
	StepKey      string
	Input        map[string]any
	PriorOutputs map[string]map[string]any
	SharedState  map[string]any
	Memory       []memory.Item
	// TokenBudget 本次生效的预算
	TokenBudget int
	// Tokens 裁剪后的估算总量；保留项超预算时可能仍大于 TokenBudget
	Tokens int
}

// EstimateTokens 体积估算：ceil(字符数 / 4)；非字符串值按 JSON 序列化长度
func EstimateTokens(v any) int {
	var n int
	switch t := v.(type) {
	case string:
		n = len(t)
	case nil:
		return 0
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return 0
		}
		n = len(b)
	}
	return (n + 3) / 4
}

func itemTokens(it memory.Item) int {
	if it.Tokens > 0 {
		return it.Tokens
	}
	return EstimateTokens(it.Content)
}

// Assemble 装配上下文并按预算裁剪。
// 裁剪顺序：先丢 score（relevance×importance）最低的记忆条目，
// 再丢最旧且未被模板引用的前驱输出；sharedState 与被引用值始终保留。
func Assemble(req Request) *Context {
	budget := req.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}

	referenced := make(map[string]bool, len(req.References))
	for _, ref := range req.References {
		referenced[ref.StepKey] = true
	}

	prior := make(map[string]map[string]any, len(req.PriorOutputs))
	for k, v := range req.PriorOutputs {
		prior[k] = v
	}
	mem := make([]memory.Item, len(req.MemoryItems))
	copy(mem, req.MemoryItems)

	total := func() int {
		n := EstimateTokens(req.SharedState) + EstimateTokens(req.Input)
		for _, out := range prior {
			n += EstimateTokens(out)
		}
		for _, it := range mem {
			n += itemTokens(it)
		}
		return n
	}

	// 第一档：按 score 升序丢记忆
	if total() > budget && len(mem) > 0 {
		sort.SliceStable(mem, func(i, j int) bool { return mem[i].Score() < mem[j].Score() })
		for len(mem) > 0 && total() > budget {
			mem = mem[1:]
		}
		// 恢复原有（score 降序）展示顺序
		sort.SliceStable(mem, func(i, j int) bool { return mem[i].Score() > mem[j].Score() })
	}

	// 第二档：按完成顺序丢最旧且未被引用的前驱输出
	if total() > budget {
		for _, key := range req.PriorOrder {
			if referenced[key] {
				continue
			}
			if _, ok := prior[key]; !ok {
				continue
			}
			delete(prior, key)
			if total() <= budget {
				break
			}
		}
	}

	return &Context{
		RunID:        req.RunID,
		StepKey:      req.StepKey,
		Input:        req.Input,
		PriorOutputs: prior,
		SharedState:  req.SharedState,
		Memory:       mem,
		TokenBudget:  budget,
		Tokens:       total(),
	}
}
