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

// Package run 定义 Run 与 StepRun 聚合及其持久化接口。
// 两者的生命周期由 Run Coordinator 独占驱动（单写者），存储层只做落盘。
package run

import "time"

// Status Run 状态
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal 是否为终态；终态后 Run 不再被修改
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// StepStatus StepRun 状态
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepSucceeded
	StepFailed
	StepSkipped
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepSucceeded:
		return "succeeded"
	case StepFailed:
		return "failed"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal 是否为终态（FAILED 之后若仍有重试额度会产生新 attempt）
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// Error Run 级错误：Code 对应引擎错误分类，StepKey 指向失败步骤
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	StepKey string `json:"step_key,omitempty"`
}

// Run 一次 Playbook 执行实例
type Run struct {
	ID         string `json:"id"`
	PlaybookID string `json:"playbook_id"`
	// OrgID 配额结算主体
	OrgID  string         `json:"org_id,omitempty"`
	Status Status         `json:"status"`
	Input  map[string]any `json:"input,omitempty"`
	// Output 终端步骤输出聚合；声明了 sink 时为 sink 的输出
	Output map[string]any `json:"output,omitempty"`
	Error  *Error         `json:"error,omitempty"`
	// CancelRequested 取消标记；Coordinator 在每次派发前检查
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	CompletedAt     time.Time `json:"completed_at,omitzero"`
}

// StepRun 单步骤在一次 Run 中的执行记录
type StepRun struct {
	RunID   string     `json:"run_id"`
	StepKey string     `json:"step_key"`
	Status  StepStatus `json:"status"`
	// Attempt 当前尝试序号（1-based）；重试会在同一记录上递增
	Attempt     int            `json:"attempt"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitzero"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
}
