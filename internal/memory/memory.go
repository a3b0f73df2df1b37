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

// Package memory 语义记忆协作方的只读客户端。检索与排序（relevance × importance）
// 由外部记忆服务完成，引擎只消费结果供 Context Assembler 装配。
package memory

import (
	"context"
	"sync"
)

// Item 一条已排序的记忆；Tokens 为服务端估算的体积（单位与引擎 token 预算一致），
// 为 0 时由装配方按内容长度估算
type Item struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Relevance  float64 `json:"relevance"`
	Importance float64 `json:"importance"`
	Tokens     int     `json:"tokens,omitempty"`
}

// Score 排序权重
func (i Item) Score() float64 {
	return i.Relevance * i.Importance
}

// Searcher 记忆检索接口；返回已按 Score 降序排序的条目
type Searcher interface {
	Search(ctx context.Context, query, orgScope string, minRelevance float64) ([]Item, error)
}

// StubSearcher 测试与单机模式用的内存实现；按 orgScope 存取，不做真实语义检索
type StubSearcher struct {
	mu    sync.RWMutex
	items map[string][]Item
}

// NewStubSearcher 创建空的 StubSearcher
func NewStubSearcher() *StubSearcher {
	return &StubSearcher{items: make(map[string][]Item)}
}

// Add 预置一条记忆
func (s *StubSearcher) Add(orgScope string, item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[orgScope] = append(s.items[orgScope], item)
}

// Search 返回 relevance 达标的条目；顺序为加入顺序（测试自行控制排序）
func (s *StubSearcher) Search(ctx context.Context, query, orgScope string, minRelevance float64) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Item
	for _, it := range s.items[orgScope] {
		if it.Relevance >= minRelevance {
			out = append(out, it)
		}
	}
	return out, nil
}
