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

// Package events Run 进度事件流。投递语义 at-least-once，消费方需容忍重复。
package events

import "time"

// Type 进度事件类型
type Type string

const (
	RunStarted    Type = "run.started"
	StepStarted   Type = "step.started"
	StepCompleted Type = "step.completed"
	StepFailed    Type = "step.failed"
	RunCompleted  Type = "run.completed"
	RunFailed     Type = "run.failed"
	RunCancelled  Type = "run.cancelled"
)

// Event 单条进度事件；同一 Run 内按发生顺序发出
type Event struct {
	Type    Type           `json:"type"`
	RunID   string         `json:"run_id"`
	StepKey string         `json:"step_key,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Emitter 事件发出方接口；Coordinator 在状态变更点调用
type Emitter interface {
	Emit(e Event)
}

// Discard 丢弃全部事件的 Emitter（未接入消费方时使用）
type Discard struct{}

func (Discard) Emit(Event) {}
