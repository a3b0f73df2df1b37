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

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"playbook-engine/internal/engine"
	"playbook-engine/internal/events"
	"playbook-engine/internal/memory"
	"playbook-engine/internal/model"
	"playbook-engine/internal/model/llm"
	"playbook-engine/internal/playbook"
	"playbook-engine/internal/quota"
	"playbook-engine/internal/run"
	"playbook-engine/pkg/config"
	"playbook-engine/pkg/log"
	"playbook-engine/pkg/secrets"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内做装配
type Bootstrap struct {
	Config      *config.Config
	Logger      *log.Logger
	Runs        run.Store
	Playbooks   playbook.Store
	Quotas      quota.Reserver
	Memories    memory.Searcher
	Models      *model.Registry
	Secrets     secrets.Store
	Broadcaster *events.Broadcaster
	Coordinator *engine.Coordinator
}

// NewBootstrap 根据配置装配存储、配额、记忆、模型与 Coordinator
func NewBootstrap(cfg *config.Config) (*Bootstrap, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	ctx := context.Background()

	runs, err := newRunStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化 RunStore 失败: %w", err)
	}
	playbooks, err := newPlaybookStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化 Playbook 注册表失败: %w", err)
	}
	quotas, err := newQuotaReserver(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化配额后端失败: %w", err)
	}

	var memories memory.Searcher = memory.NewStubSearcher()
	if cfg.Memory.Enable && cfg.Memory.Endpoint != "" {
		memories = memory.NewHTTPSearcher(cfg.Memory.Endpoint, parseDuration(cfg.Memory.Timeout, 10*time.Second))
		logger.Info("记忆服务已接入", "endpoint", cfg.Memory.Endpoint)
	}

	secretStore, err := secrets.NewStore(secretsConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("初始化 Secret Store 失败: %w", err)
	}

	models, err := newModelRegistry(ctx, cfg, secretStore, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化 LLM 注册表失败: %w", err)
	}

	broadcaster := events.NewBroadcaster()
	dispatcher := engine.NewDispatcher(NewAgentRegistry(models, cfg.Model), logger)
	coordinator := engine.NewCoordinator(runs, quotas, memories, dispatcher, broadcaster, logger, engine.Options{
		MaxConcurrency:     cfg.Engine.MaxConcurrency,
		RunTimeout:         parseDuration(cfg.Engine.RunTimeout, 0),
		CancelPoll:         parseDuration(cfg.Engine.CancelPoll, 0),
		TokenBudget:        cfg.Engine.TokenBudget,
		MemoryMinRelevance: cfg.Memory.MinRelevance,
	})

	return &Bootstrap{
		Config:      cfg,
		Logger:      logger,
		Runs:        runs,
		Playbooks:   playbooks,
		Quotas:      quotas,
		Memories:    memories,
		Models:      models,
		Secrets:     secretStore,
		Broadcaster: broadcaster,
		Coordinator: coordinator,
	}, nil
}

// SchedulerEnabled 本进程是否执行 Run。runstore=postgres 时 API 为控制面，
// 执行权归 Worker；engine.scheduler 可显式覆盖。
func (b *Bootstrap) SchedulerEnabled() bool {
	if b.Config.Engine.Scheduler != nil {
		return *b.Config.Engine.Scheduler
	}
	return b.Config.RunStore.Type != "postgres"
}

func newRunStore(ctx context.Context, cfg *config.Config) (run.Store, error) {
	if cfg.RunStore.Type == "postgres" {
		if cfg.RunStore.DSN == "" {
			return nil, fmt.Errorf("runstore.type=postgres 但未配置 dsn")
		}
		return run.NewPostgresStore(ctx, cfg.RunStore.DSN)
	}
	return run.NewMemoryStore(), nil
}

// newPlaybookStore Playbook 注册表与 RunStore 共用后端选择与 DSN
func newPlaybookStore(ctx context.Context, cfg *config.Config) (playbook.Store, error) {
	if cfg.RunStore.Type == "postgres" {
		return playbook.NewPostgresStore(ctx, cfg.RunStore.DSN)
	}
	return playbook.NewMemoryStore(), nil
}

func newQuotaReserver(ctx context.Context, cfg *config.Config, logger *log.Logger) (quota.Reserver, error) {
	switch cfg.Quota.Type {
	case "redis":
		r, err := quota.NewRedisReserver(ctx, quota.RedisConfig{
			Addr:     cfg.Quota.Addr,
			Password: cfg.Quota.Password,
			DB:       cfg.Quota.DB,
			Period:   parseDuration(cfg.Quota.Period, 720*time.Hour),
		}, cfg.Quota.Limits)
		if err != nil {
			return nil, err
		}
		logger.Info("配额后端使用 Redis", "addr", cfg.Quota.Addr)
		return r, nil
	case "memory":
		return quota.NewMemoryReserver(cfg.Quota.Limits), nil
	default:
		return quota.Unlimited{}, nil
	}
}

func secretsConfig(cfg *config.Config) secrets.Config {
	sc := secrets.Config{Provider: cfg.Secrets.Backend}
	if cfg.Secrets.Backend == "vault" {
		sc.Config = map[string]string{
			"address":     cfg.Secrets.Vault.Addr,
			"token":       cfg.Secrets.Vault.Token,
			"path_prefix": cfg.Secrets.Vault.Path,
		}
	}
	return sc
}

// newModelRegistry 按配置创建各 Provider 的 LLM Client，统一套上限流器。
// api_key 未配置时从 Secret Store 取 <PROVIDER>_API_KEY。
func newModelRegistry(ctx context.Context, cfg *config.Config, secretStore secrets.Store, logger *log.Logger) (*model.Registry, error) {
	registry := model.NewRegistry()
	if len(cfg.Model.LLM.Providers) == 0 {
		return registry, nil
	}

	limits := make(map[string]llm.LLMLimitConfig, len(cfg.RateLimits.LLM))
	for name, rl := range cfg.RateLimits.LLM {
		limits[name] = llm.LLMLimitConfig{
			TokensPerMinute:   rl.TokensPerMinute,
			RequestsPerMinute: rl.RequestsPerMinute,
			MaxConcurrent:     rl.MaxConcurrent,
		}
	}
	limiter := llm.NewLLMRateLimiter(limits, nil)

	for name, pc := range cfg.Model.LLM.Providers {
		apiKey := pc.APIKey
		if apiKey == "" {
			if v, err := secretStore.Get(ctx, strings.ToUpper(name)+"_API_KEY"); err == nil {
				apiKey = v
			}
		}
		client, err := llm.NewClient(name, pc.Model, apiKey, pc.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("创建 %s 客户端失败: %w", name, err)
		}
		registry.Register(name, llm.NewRateLimitedClient(client, limiter))
		logger.Info("LLM Provider 已注册", "provider", name, "model", pc.Model)
	}
	return registry, nil
}

// parseDuration 解析时长字符串，无效或空时返回 defaultVal
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
