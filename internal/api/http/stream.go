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

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"playbook-engine/internal/events"
	"playbook-engine/internal/run"
)

// StreamRunEvents 以 NDJSON 流式推送 Run 进度事件，Run 终态后关闭。
// 仅单进程模式可用：事件由本进程的 Coordinator 发出。分布式部署下请轮询
// GET /api/runs/:id。
// GET /api/runs/:id/events
func (h *Handler) StreamRunEvents(c context.Context, ctx *app.RequestContext) {
	if h.broadcaster == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{
			"error": "event stream is not available on this deployment, poll GET /api/runs/:id instead",
		})
		return
	}
	id := ctx.Param("id")
	r, err := h.runs.GetRun(c, id)
	if err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "failed to load run"})
		return
	}

	// 先订阅再检查终态，避免订阅前最后一条事件漏掉后永久阻塞
	ch := h.broadcaster.Subscribe(id)

	pr, pw := io.Pipe()
	go func() {
		defer h.broadcaster.Unsubscribe(ch)
		defer pw.Close()
		enc := json.NewEncoder(pw)

		if r.Status.Terminal() {
			_ = enc.Encode(terminalEvent(r))
			return
		}
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				if err := enc.Encode(e); err != nil {
					return
				}
				if e.Type == events.RunCompleted || e.Type == events.RunFailed || e.Type == events.RunCancelled {
					return
				}
			case <-c.Done():
				return
			}
		}
	}()

	ctx.Response.Header.Set("Content-Type", "application/x-ndjson")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetBodyStream(pr, -1)
}

// terminalEvent 为已终结的 Run 合成一条收尾事件
func terminalEvent(r *run.Run) events.Event {
	e := events.Event{RunID: r.ID, At: time.Now()}
	switch r.Status {
	case run.StatusFailed:
		e.Type = events.RunFailed
		if r.Error != nil {
			e.Fields = map[string]any{"code": r.Error.Code, "message": r.Error.Message}
		}
	case run.StatusCancelled:
		e.Type = events.RunCancelled
	default:
		e.Type = events.RunCompleted
	}
	return e
}
