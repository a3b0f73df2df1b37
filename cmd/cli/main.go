package main

import (
	"fmt"
	"os"
	"os/exec"

	"playbook-engine/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("playbook-engine cli 0.1.0")
	case "health":
		runHealth()
	case "config":
		runConfig()
	case "server":
		if len(args) > 0 && args[0] == "start" {
			runServerStart()
		} else {
			fmt.Fprintf(os.Stderr, "Usage: pbctl server start\n")
			os.Exit(1)
		}
	case "worker":
		if len(args) > 0 && args[0] == "start" {
			runWorkerStart()
		} else {
			fmt.Fprintf(os.Stderr, "Usage: pbctl worker start\n")
			os.Exit(1)
		}
	case "register":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: pbctl register <playbook.json>\n")
			os.Exit(1)
		}
		runRegister(args[0])
	case "validate":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: pbctl validate <playbook.json>\n")
			os.Exit(1)
		}
		runValidate(args[0])
	case "run":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: pbctl run <playbook_id> [input.json]\n")
			os.Exit(1)
		}
		inputPath := ""
		if len(args) > 1 {
			inputPath = args[1]
		}
		runCreate(args[0], inputPath)
	case "status":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: pbctl status <run_id>\n")
			os.Exit(1)
		}
		runStatus(args[0])
	case "steps":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: pbctl steps <run_id>\n")
			os.Exit(1)
		}
		runSteps(args[0])
	case "watch":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: pbctl watch <run_id>\n")
			os.Exit(1)
		}
		runWatch(args[0])
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: pbctl cancel <run_id>\n")
			os.Exit(1)
		}
		runCancel(args[0])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: pbctl <command> [args]")
	fmt.Println("  version                    - 显示版本")
	fmt.Println("  health                     - 健康检查")
	fmt.Println("  config                     - 显示配置概要")
	fmt.Println("  server start               - 启动 API 服务（go run ./cmd/api）")
	fmt.Println("  worker start               - 启动 Worker 服务（go run ./cmd/worker）")
	fmt.Println("  register <playbook.json>   - 注册 Playbook 定义")
	fmt.Println("  validate <playbook.json>   - 校验 Playbook 定义（不保存）")
	fmt.Println("  run <playbook_id> [input]  - 创建 Run，返回 run_id（input 为 JSON 文件）")
	fmt.Println("  status <run_id>            - 查看 Run 状态与输出")
	fmt.Println("  steps <run_id>             - 列出 Run 的全部步骤")
	fmt.Println("  watch <run_id>             - 跟踪 Run 进度事件至终态")
	fmt.Println("  cancel <run_id>            - 请求取消执行中的 Run")
}

func runConfig() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if cfg != nil {
		fmt.Printf("api.port=%d\n", cfg.API.Port)
		fmt.Printf("api.host=%s\n", cfg.API.Host)
		fmt.Printf("runstore.type=%s\n", cfg.RunStore.Type)
		fmt.Printf("quota.type=%s\n", cfg.Quota.Type)
	}
}

func runServerStart() {
	c := exec.Command("go", "run", "./cmd/api")
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "server start: %v\n", err)
		os.Exit(1)
	}
}

func runWorkerStart() {
	c := exec.Command("go", "run", "./cmd/worker")
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker start: %v\n", err)
		os.Exit(1)
	}
}

func runHealth() {
	if err := getHealth(); err != nil {
		fmt.Fprintf(os.Stderr, "健康检查失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func runRegister(path string) {
	id, err := registerPlaybook(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "注册失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(id)
}

func runValidate(path string) {
	report, err := validatePlaybook(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "校验失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(report)
}

func runCreate(playbookID, inputPath string) {
	var input map[string]interface{}
	if inputPath != "" {
		var err error
		input, err = loadJSONMap(inputPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "读取输入失败: %v\n", err)
			os.Exit(1)
		}
	}
	id, err := createRun(playbookID, input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "创建 Run 失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(id)
}

func runStatus(runID string) {
	out, err := getRun(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(out)
}

func runSteps(runID string) {
	lines, err := listStepRuns(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}

func runWatch(runID string) {
	if err := watchRun(runID, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "跟踪失败: %v\n", err)
		os.Exit(1)
	}
}

func runCancel(runID string) {
	if err := cancelRun(runID); err != nil {
		fmt.Fprintf(os.Stderr, "取消失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("cancel_requested")
}
