package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		RunDuration, RunTotal,
		StepDuration, StepTotal,
		StepRetryTotal, StepSkipTotal,
		AgentTokensTotal,
		RateLimitWaitSeconds,
		WorkerBusy,
	)
}

// RateLimitWaitSeconds LLM Provider 限流等待时长（仅记录超过 100ms 的等待）
var RateLimitWaitSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "playbook_rate_limit_wait_seconds",
		Help:    "LLM 限流等待时长（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider"},
)

// RunDuration Run 执行耗时（秒）
var RunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "playbook_run_duration_seconds",
		Help:    "Run 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"playbook_id"},
)

// RunTotal Run 总数（按终态）
var RunTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_run_total",
		Help: "Run 总数（按终态）",
	},
	[]string{"status"}, // succeeded | failed | cancelled
)

// StepDuration 步骤执行耗时（秒，按类型）
var StepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "playbook_step_duration_seconds",
		Help:    "步骤执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"step_type"},
)

// StepTotal 步骤总数（按类型与终态）
var StepTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_step_total",
		Help: "步骤总数（按类型与终态）",
	},
	[]string{"step_type", "status"}, // succeeded | failed | skipped
)

// StepRetryTotal 步骤重试次数
var StepRetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_step_retry_total",
		Help: "步骤重试次数",
	},
	[]string{"step_type"},
)

// StepSkipTotal 因前驱失败/分支未选中而跳过的步骤数
var StepSkipTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "playbook_step_skip_total",
		Help: "被跳过的步骤总数",
	},
)

// AgentTokensTotal AGENT 步骤消耗的 token 数
var AgentTokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "playbook_agent_tokens_total",
		Help: "AGENT 步骤 token 总数",
	},
	[]string{"org_id"},
)

// WorkerBusy 当前正在执行的 Run 数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "playbook_worker_busy",
		Help: "当前正在执行的 Run 数",
	},
	[]string{"worker_id"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
