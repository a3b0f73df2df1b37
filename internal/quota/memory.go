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

package quota

import (
	"context"
	"sync"
)

// MemoryReserver 内存实现：单进程内的原子计数，测试与单机模式用
type MemoryReserver struct {
	mu     sync.Mutex
	limits map[string]int64 // resource -> 周期上限
	used   map[string]int64 // orgID/resource -> 已用
}

// NewMemoryReserver 创建内存配额器；limits 为各资源上限，缺失的资源不限额
func NewMemoryReserver(limits map[string]int64) *MemoryReserver {
	return &MemoryReserver{
		limits: limits,
		used:   make(map[string]int64),
	}
}

func (r *MemoryReserver) CheckAndReserve(ctx context.Context, orgID, resource string, amount int64) error {
	limit, ok := r.limits[resource]
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := orgID + "/" + resource
	if r.used[key]+amount > limit {
		return &ExceededError{OrgID: orgID, Resource: resource, Requested: amount, Limit: limit}
	}
	r.used[key] += amount
	return nil
}

// Used 当前已用额度（测试用）
func (r *MemoryReserver) Used(orgID, resource string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used[orgID+"/"+resource]
}
