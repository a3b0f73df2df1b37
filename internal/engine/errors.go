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

package engine

import (
	"errors"
	"fmt"
	"time"

	"playbook-engine/internal/playbook"
)

// Run.Error 的错误码
const (
	CodeStepFailed    = "STEP_FAILED"
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeQuota         = "QUOTA_EXCEEDED"
	CodeTimeout       = "TIMEOUT"
	CodeCancelled     = "CANCELLED"
)

// ValidationError 图在运行前被拒绝；不创建任何 Run
type ValidationError struct {
	Issues []playbook.Issue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("playbook validation failed with %d issue(s)", len(e.Issues))
}

// StepExecutionError 步骤执行失败；Retryable 决定是否消耗重试额度
type StepExecutionError struct {
	StepKey   string
	Retryable bool
	Err       error
}

func (e *StepExecutionError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("step %s: %s failure: %v", e.StepKey, kind, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// ConfigurationError 配置性错误（模板引用无法解析、分支无处可去等）；永不重试
type ConfigurationError struct {
	StepKey string
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %s: configuration error: %s: %v", e.StepKey, e.Reason, e.Err)
	}
	return fmt.Sprintf("step %s: configuration error: %s", e.StepKey, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TimeoutError Run 级墙钟超时
type TimeoutError struct {
	RunID string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s exceeded timeout %s", e.RunID, e.Limit)
}

// CancellationError 外部取消
type CancellationError struct {
	RunID string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("run %s was cancelled", e.RunID)
}

// retryable 判断步骤错误是否可重试；配置错误与配额错误永不重试
func retryable(err error) bool {
	var se *StepExecutionError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// retryableStep 包一层可重试错误
func retryableStep(stepKey string, err error) error {
	return &StepExecutionError{StepKey: stepKey, Retryable: true, Err: err}
}

// fatalStep 包一层致命错误
func fatalStep(stepKey string, err error) error {
	return &StepExecutionError{StepKey: stepKey, Retryable: false, Err: err}
}
