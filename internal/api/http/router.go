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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"playbook-engine/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler      *Handler
	middleware   *middleware.Middleware
	rateLimitRPS int
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// SetRateLimit 启用全局限流（rps <= 0 不启用）
func (r *Router) SetRateLimit(rps int) {
	r.rateLimitRPS = rps
}

// Build 构建 Hertz Server 并注册全部路由；opts 用于附加服务端选项（如链路追踪）
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	s := server.Default(opts...)

	api := s.Group("/api", r.middleware.CORS())
	if r.rateLimitRPS > 0 {
		api.Use(r.middleware.RateLimit(r.rateLimitRPS))
	}

	api.GET("/health", r.handler.Health)

	api.POST("/playbooks", r.handler.RegisterPlaybook)
	api.POST("/playbooks/validate", r.handler.ValidatePlaybook)
	api.GET("/playbooks/:id", r.handler.GetPlaybook)

	api.POST("/runs", r.handler.CreateRun)
	api.GET("/runs/:id", r.handler.GetRun)
	api.GET("/runs/:id/steps", r.handler.ListStepRuns)
	api.GET("/runs/:id/events", r.handler.StreamRunEvents)
	api.POST("/runs/:id/cancel", r.handler.CancelRun)

	s.GET("/metrics", r.handler.Metrics)

	return s
}
