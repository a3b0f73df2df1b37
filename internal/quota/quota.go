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

// Package quota 配额协作方：Run 启动前与每次 AGENT 调用前的 checkAndReserve。
// 跨 Run 的共享计数永远走这里的原子操作，引擎自身不直接碰共享计数器。
package quota

import (
	"context"
	"fmt"
)

// 资源种类
const (
	ResourceRuns        = "runs"
	ResourceAgentTokens = "agent_tokens"
)

// ExceededError 配额不足；调用方据此在产生副作用前中止
type ExceededError struct {
	OrgID     string
	Resource  string
	Requested int64
	Limit     int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: org=%s resource=%s requested=%d limit=%d",
		e.OrgID, e.Resource, e.Requested, e.Limit)
}

// Reserver 配额检查与预留；实现必须幂等安全（同一周期内原子累加）
type Reserver interface {
	// CheckAndReserve 额度足够则预留 amount 并返回 nil；不足返回 *ExceededError
	CheckAndReserve(ctx context.Context, orgID, resource string, amount int64) error
}

// Unlimited 不限额实现（未配置配额后端时使用）
type Unlimited struct{}

// CheckAndReserve 恒通过
func (Unlimited) CheckAndReserve(ctx context.Context, orgID, resource string, amount int64) error {
	return nil
}
