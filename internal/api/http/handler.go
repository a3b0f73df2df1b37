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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"playbook-engine/internal/engine"
	"playbook-engine/internal/events"
	"playbook-engine/internal/playbook"
	"playbook-engine/internal/quota"
	"playbook-engine/internal/run"
	"playbook-engine/pkg/metrics"
)

// ExecuteFunc 进程内执行回调；控制面与数据面分离部署时为 nil，Run 由 Worker 认领
type ExecuteFunc func(def *playbook.Definition, r *run.Run)

// Handler HTTP 处理器：注册/校验 Playbook，创建/查询/取消 Run，事件流
type Handler struct {
	playbooks   playbook.Store
	runs        run.Store
	coordinator *engine.Coordinator
	broadcaster *events.Broadcaster
	execute     ExecuteFunc
}

// NewHandler 创建 Handler；broadcaster 可为 nil（此时事件流接口返回 503）
func NewHandler(playbooks playbook.Store, runs run.Store, coordinator *engine.Coordinator, broadcaster *events.Broadcaster) *Handler {
	return &Handler{
		playbooks:   playbooks,
		runs:        runs,
		coordinator: coordinator,
		broadcaster: broadcaster,
	}
}

// SetExecuteFunc 设置进程内执行回调（仅单进程模式）
func (h *Handler) SetExecuteFunc(fn ExecuteFunc) {
	h.execute = fn
}

// RegisterPlaybook 注册 Playbook 定义
// POST /api/playbooks
func (h *Handler) RegisterPlaybook(c context.Context, ctx *app.RequestContext) {
	var def playbook.Definition
	if err := json.Unmarshal(ctx.Request.Body(), &def); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid playbook definition: %v", err),
		})
		return
	}
	if def.ID == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "playbook id is required",
		})
		return
	}

	report := playbook.Validate(def.Steps)
	if !report.Valid {
		ctx.JSON(consts.StatusBadRequest, map[string]interface{}{
			"error":  "playbook validation failed",
			"valid":  false,
			"issues": report.Issues,
		})
		return
	}

	if err := h.playbooks.Save(c, &def); err != nil {
		hlog.CtxErrorf(c, "failed to save playbook %s: %v", def.ID, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{
			"error": "failed to save playbook",
		})
		return
	}

	ctx.JSON(consts.StatusCreated, map[string]interface{}{
		"id":      def.ID,
		"version": def.Version,
		"issues":  report.Issues, // warning 级问题原样返回
	})
}

// ValidatePlaybook 校验 Playbook 定义但不保存
// POST /api/playbooks/validate
func (h *Handler) ValidatePlaybook(c context.Context, ctx *app.RequestContext) {
	var def playbook.Definition
	if err := json.Unmarshal(ctx.Request.Body(), &def); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid playbook definition: %v", err),
		})
		return
	}
	report := playbook.Validate(def.Steps)
	ctx.JSON(consts.StatusOK, report)
}

// GetPlaybook 查询已注册的 Playbook 定义
// GET /api/playbooks/:id
func (h *Handler) GetPlaybook(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	def, err := h.playbooks.Get(c, id)
	if err != nil {
		if errors.Is(err, playbook.ErrPlaybookNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "playbook not found"})
			return
		}
		hlog.CtxErrorf(c, "failed to load playbook %s: %v", id, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "failed to load playbook"})
		return
	}
	ctx.JSON(consts.StatusOK, def)
}

// createRunRequest 创建 Run 请求体
type createRunRequest struct {
	PlaybookID string                 `json:"playbook_id"`
	OrgID      string                 `json:"org_id"`
	Input      map[string]interface{} `json:"input,omitempty"`
}

// CreateRun 创建并入队一个 Run；单进程模式下随即在进程内执行
// POST /api/runs
func (h *Handler) CreateRun(c context.Context, ctx *app.RequestContext) {
	var req createRunRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}
	if req.PlaybookID == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "playbook_id is required"})
		return
	}

	def, err := h.playbooks.Get(c, req.PlaybookID)
	if err != nil {
		if errors.Is(err, playbook.ErrPlaybookNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "playbook not found"})
			return
		}
		hlog.CtxErrorf(c, "failed to load playbook %s: %v", req.PlaybookID, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "failed to load playbook"})
		return
	}

	r, err := h.coordinator.CreateRun(c, def, req.OrgID, req.Input)
	if err != nil {
		var verr *engine.ValidationError
		var qerr *quota.ExceededError
		switch {
		case errors.As(err, &verr):
			ctx.JSON(consts.StatusBadRequest, map[string]interface{}{
				"error":  "playbook validation failed",
				"issues": verr.Issues,
			})
		case errors.As(err, &qerr):
			ctx.JSON(consts.StatusTooManyRequests, map[string]string{
				"error": qerr.Error(),
			})
		default:
			hlog.CtxErrorf(c, "failed to create run for playbook %s: %v", req.PlaybookID, err)
			ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "failed to create run"})
		}
		return
	}

	if h.execute != nil {
		go h.execute(def, r)
	}
	ctx.JSON(consts.StatusAccepted, r)
}

// GetRun 查询 Run 状态与输出
// GET /api/runs/:id
func (h *Handler) GetRun(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	r, err := h.runs.GetRun(c, id)
	if err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		hlog.CtxErrorf(c, "failed to load run %s: %v", id, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "failed to load run"})
		return
	}
	ctx.JSON(consts.StatusOK, r)
}

// ListStepRuns 列出 Run 的全部 StepRun
// GET /api/runs/:id/steps
func (h *Handler) ListStepRuns(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if _, err := h.runs.GetRun(c, id); err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		hlog.CtxErrorf(c, "failed to load run %s: %v", id, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "failed to load run"})
		return
	}
	steps, err := h.runs.ListStepRuns(c, id)
	if err != nil {
		hlog.CtxErrorf(c, "failed to list step runs of %s: %v", id, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "failed to list step runs"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"run_id": id,
		"steps":  steps,
	})
}

// CancelRun 请求取消 Run；已终态时幂等返回
// POST /api/runs/:id/cancel
func (h *Handler) CancelRun(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if err := h.runs.RequestCancel(c, id); err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		hlog.CtxErrorf(c, "failed to request cancel of run %s: %v", id, err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "failed to request cancel"})
		return
	}
	ctx.JSON(consts.StatusAccepted, map[string]string{
		"run_id": id,
		"status": "cancel_requested",
	})
}

// Health 健康检查
// GET /api/health
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "failed to gather metrics"})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
