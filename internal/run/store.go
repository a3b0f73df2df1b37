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

package run

import (
	"context"
	"errors"
)

var (
	// ErrRunNotFound 指定 Run 不存在
	ErrRunNotFound = errors.New("run: not found")
	// ErrStepRunNotFound 指定 StepRun 不存在
	ErrStepRunNotFound = errors.New("run: step run not found")
	// ErrNoQueuedRun 无待执行 Run 可被认领
	ErrNoQueuedRun = errors.New("run: no queued run available to claim")
	// ErrRunTerminal 试图修改已终态的 Run
	ErrRunTerminal = errors.New("run: run is terminal")
)

// Store Run/StepRun 持久化接口；实现：memory（测试与单机）、postgres（生产）。
// 写入方唯一是该 Run 的 Coordinator；RequestCancel 是唯一例外（外部取消入口）。
type Store interface {
	// CreateRun 创建 PENDING 状态的 Run（入队）
	CreateRun(ctx context.Context, r *Run) error
	// StartRun 将 PENDING Run 置为 RUNNING，同时原子创建全部 PENDING StepRun 记录
	StartRun(ctx context.Context, r *Run, stepRuns []*StepRun) error
	// GetRun 读取 Run；不存在返回 ErrRunNotFound
	GetRun(ctx context.Context, id string) (*Run, error)
	// UpdateRun 整体回写 Run（状态、输出、错误、完成时间）
	UpdateRun(ctx context.Context, r *Run) error
	// GetStepRun 读取单条 StepRun
	GetStepRun(ctx context.Context, runID, stepKey string) (*StepRun, error)
	// UpdateStepRun 回写 StepRun（状态、attempt、输入输出、错误）
	UpdateStepRun(ctx context.Context, sr *StepRun) error
	// ListStepRuns 返回该 Run 的全部 StepRun（按 step key 声明顺序不保证，调用方自行排序）
	ListStepRuns(ctx context.Context, runID string) ([]*StepRun, error)
	// ClaimNextQueued Worker 拉取：认领一个最早入队的 PENDING Run；无则 ErrNoQueuedRun
	ClaimNextQueued(ctx context.Context) (*Run, error)
	// RequestCancel 设置取消标记；Run 已终态则为 no-op
	RequestCancel(ctx context.Context, id string) error
	// CancelRequested 查询取消标记
	CancelRequested(ctx context.Context, id string) (bool, error)
}
