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

package playbook

import "fmt"

// Severity 问题严重级别；仅 error 阻断执行，warning 只提示
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// IssueCode 结构校验问题码（对调用方可编程消费）
type IssueCode string

const (
	IssueEmptyGraph          IssueCode = "EMPTY_GRAPH"
	IssueDuplicateKeys       IssueCode = "DUPLICATE_KEYS"
	IssueInvalidEdges        IssueCode = "INVALID_EDGES"
	IssueNoEntryPoint        IssueCode = "NO_ENTRY_POINT"
	IssueMultipleEntryPoints IssueCode = "MULTIPLE_ENTRY_POINTS"
	IssueOrphanedNodes       IssueCode = "ORPHANED_NODES"
	IssueCyclicGraph         IssueCode = "CYCLIC_GRAPH"
	IssueIncompleteBranch    IssueCode = "INCOMPLETE_BRANCH"
)

// Issue 单条校验问题；StepKey 可为空（图级别问题）
type Issue struct {
	Code     IssueCode `json:"code"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	StepKey  string    `json:"step_key,omitempty"`
}

// Report 校验结果：Valid 当且仅当不存在 error 级问题；warning 不阻断
type Report struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues,omitempty"`
}

// Validate 对步骤集合做结构校验；除空图外不短路，累积全部问题。
// 检查顺序固定、各检查内按声明顺序产出，保证同一输入两次校验结果逐条一致。
func Validate(steps []Step) Report {
	if len(steps) == 0 {
		return Report{Valid: false, Issues: []Issue{{
			Code:     IssueEmptyGraph,
			Message:  "playbook 不含任何步骤",
			Severity: SeverityError,
		}}}
	}

	var issues []Issue

	// 重复 key
	seen := make(map[string]int, len(steps))
	for _, s := range steps {
		seen[s.Key]++
	}
	for _, s := range steps {
		if seen[s.Key] > 1 {
			issues = append(issues, Issue{
				Code:     IssueDuplicateKeys,
				Message:  fmt.Sprintf("步骤 key %q 出现 %d 次", s.Key, seen[s.Key]),
				Severity: SeverityError,
				StepKey:  s.Key,
			})
			seen[s.Key] = 1 // 每个重复 key 只报一次
		}
	}

	// 非法边：依赖/分支目标指向不存在的 key，或依赖自身
	exists := make(map[string]bool, len(steps))
	for _, s := range steps {
		exists[s.Key] = true
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if dep == s.Key {
				issues = append(issues, Issue{
					Code:     IssueInvalidEdges,
					Message:  fmt.Sprintf("步骤 %q 依赖自身", s.Key),
					Severity: SeverityError,
					StepKey:  s.Key,
				})
				continue
			}
			if !exists[dep] {
				issues = append(issues, Issue{
					Code:     IssueInvalidEdges,
					Message:  fmt.Sprintf("步骤 %q 依赖不存在的步骤 %q", s.Key, dep),
					Severity: SeverityError,
					StepKey:  s.Key,
				})
			}
		}
		for _, target := range s.BranchTargets() {
			if !exists[target] {
				issues = append(issues, Issue{
					Code:     IssueInvalidEdges,
					Message:  fmt.Sprintf("步骤 %q 的分支目标 %q 不存在", s.Key, target),
					Severity: SeverityError,
					StepKey:  s.Key,
				})
			}
		}
	}

	// 入口：恰好一个无依赖步骤
	var entries []string
	for _, s := range steps {
		if len(s.DependsOn) == 0 {
			entries = append(entries, s.Key)
		}
	}
	switch {
	case len(entries) == 0:
		issues = append(issues, Issue{
			Code:     IssueNoEntryPoint,
			Message:  "不存在无依赖的入口步骤",
			Severity: SeverityError,
		})
	case len(entries) > 1:
		issues = append(issues, Issue{
			Code:     IssueMultipleEntryPoints,
			Message:  fmt.Sprintf("存在 %d 个入口步骤: %v", len(entries), entries),
			Severity: SeverityError,
		})
	}

	// 孤儿节点：从入口沿依赖正向边不可达
	if len(entries) == 1 {
		reachable := reachableFrom(steps, entries[0])
		for _, s := range steps {
			if !reachable[s.Key] {
				issues = append(issues, Issue{
					Code:     IssueOrphanedNodes,
					Message:  fmt.Sprintf("步骤 %q 从入口不可达", s.Key),
					Severity: SeverityError,
					StepKey:  s.Key,
				})
			}
		}
	}

	// 环检测：三色 DFS，遇灰色节点即成环
	if cycleKey, ok := detectCycle(steps); ok {
		issues = append(issues, Issue{
			Code:     IssueCyclicGraph,
			Message:  fmt.Sprintf("依赖图存在环（途经步骤 %q）", cycleKey),
			Severity: SeverityError,
			StepKey:  cycleKey,
		})
	}

	// 分支完整性：branch 无 default 仅警告
	for _, s := range steps {
		if s.Type != StepBranch {
			continue
		}
		if s.Condition == nil || len(s.Condition.Conditions) == 0 {
			issues = append(issues, Issue{
				Code:     IssueInvalidEdges,
				Message:  fmt.Sprintf("branch 步骤 %q 缺少条件列表", s.Key),
				Severity: SeverityError,
				StepKey:  s.Key,
			})
			continue
		}
		if s.Condition.DefaultKey == "" {
			issues = append(issues, Issue{
				Code:     IssueIncompleteBranch,
				Message:  fmt.Sprintf("branch 步骤 %q 未配置 default_key，条件全部不命中时将失败", s.Key),
				Severity: SeverityWarning,
				StepKey:  s.Key,
			})
		}
	}

	valid := true
	for _, is := range issues {
		if is.Severity == SeverityError {
			valid = false
			break
		}
	}
	return Report{Valid: valid, Issues: issues}
}

// reachableFrom 从 entry 沿「被依赖 -> 依赖者」正向边 BFS
func reachableFrom(steps []Step, entry string) map[string]bool {
	dependents := make(map[string][]string)
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Key)
		}
	}
	reachable := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range dependents[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reachable
}

// 三色标记
type color int

const (
	white color = iota // 未访问
	gray               // 在当前 DFS 栈上
	black              // 已完成
)

// detectCycle 三色 DFS；返回环上任一步骤 key。按声明顺序起始，结果确定。
func detectCycle(steps []Step) (string, bool) {
	// 沿 dependsOn 反向边（step -> 其依赖）遍历即可，环与方向无关
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.Key] = s.DependsOn
	}
	colors := make(map[string]color, len(steps))
	var visit func(key string) (string, bool)
	visit = func(key string) (string, bool) {
		colors[key] = gray
		for _, dep := range deps[key] {
			if _, ok := deps[dep]; !ok {
				continue // 悬空引用由 INVALID_EDGES 负责
			}
			switch colors[dep] {
			case gray:
				return dep, true
			case white:
				if k, found := visit(dep); found {
					return k, true
				}
			}
		}
		colors[key] = black
		return "", false
	}
	for _, s := range steps {
		if colors[s.Key] == white {
			if k, found := visit(s.Key); found {
				return k, true
			}
		}
	}
	return "", false
}
