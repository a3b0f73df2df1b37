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

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"playbook-engine/internal/app"
	"playbook-engine/internal/engine"
	"playbook-engine/internal/run"
	"playbook-engine/pkg/metrics"
	"playbook-engine/pkg/utils"
)

const (
	defaultConcurrency  = 2
	defaultPollInterval = 2 * time.Second
)

// App Worker 应用：数据面。轮询认领 PENDING Run 并驱动到终态。
// 与 API 共享 RunStore / Playbook 注册表（runstore=postgres 时跨进程）。
type App struct {
	bootstrap    *app.Bootstrap
	workerID     string
	concurrency  int
	pollInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp 创建 Worker 应用（由 cmd/worker 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	workerID := utils.CoalesceString(cfg.Worker.ID, host)
	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	pollInterval := defaultPollInterval
	if cfg.Worker.PollInterval != "" {
		if d, err := time.ParseDuration(cfg.Worker.PollInterval); err == nil && d > 0 {
			pollInterval = d
		}
	}
	return &App{
		bootstrap:    bootstrap,
		workerID:     workerID,
		concurrency:  concurrency,
		pollInterval: pollInterval,
	}, nil
}

// Start 启动认领循环
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	for i := 0; i < a.concurrency; i++ {
		slot := fmt.Sprintf("%s-%d", a.workerID, i)
		a.wg.Add(1)
		go a.claimLoop(ctx, slot)
	}
	a.bootstrap.Logger.Info("worker 已启动", "worker_id", a.workerID, "concurrency", a.concurrency, "poll_interval", a.pollInterval)
	return nil
}

// Shutdown 停止认领并等待在途 Run 完成
func (a *App) Shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.bootstrap.Logger.Info("worker 已关闭", "worker_id", a.workerID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claimLoop 单个执行槽位：认领 -> 加载定义 -> 执行，空队列时按间隔轮询
func (a *App) claimLoop(ctx context.Context, slot string) {
	defer a.wg.Done()
	logger := a.bootstrap.Logger
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r, err := a.bootstrap.Runs.ClaimNextQueued(ctx)
		if err != nil {
			if !errors.Is(err, run.ErrNoQueuedRun) {
				logger.Error("认领 run 失败", "slot", slot, "error", err)
			}
			select {
			case <-time.After(a.pollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		metrics.WorkerBusy.WithLabelValues(slot).Set(1)
		a.executeClaimed(ctx, slot, r)
		metrics.WorkerBusy.WithLabelValues(slot).Set(0)
	}
}

// executeClaimed 执行已认领的 Run；定义缺失时直接置为 FAILED（配置错误）
func (a *App) executeClaimed(ctx context.Context, slot string, r *run.Run) {
	logger := a.bootstrap.Logger
	logger.Info("run 已认领", "slot", slot, "run_id", r.ID, "playbook_id", r.PlaybookID)

	def, err := a.bootstrap.Playbooks.Get(ctx, r.PlaybookID)
	if err != nil {
		logger.Error("加载 playbook 定义失败", "run_id", r.ID, "playbook_id", r.PlaybookID, "error", err)
		a.failRun(ctx, r, err)
		return
	}
	if err := a.bootstrap.Coordinator.Execute(ctx, def, r); err != nil {
		// ErrRunTerminal：被其他执行方抢先启动，静默放弃
		if !errors.Is(err, run.ErrRunTerminal) {
			logger.Error("run 执行失败", "run_id", r.ID, "error", err)
		}
	}
}

// failRun 把无法执行的 Run 置为 FAILED
func (a *App) failRun(ctx context.Context, r *run.Run, cause error) {
	r.Status = run.StatusFailed
	r.Error = &run.Error{
		Code:    engine.CodeConfiguration,
		Message: fmt.Sprintf("playbook %s 不可用: %v", r.PlaybookID, cause),
	}
	r.CompletedAt = time.Now().UTC()
	if err := a.bootstrap.Runs.UpdateRun(ctx, r); err != nil {
		a.bootstrap.Logger.Error("更新 run 终态失败", "run_id", r.ID, "error", err)
	}
}
