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

import "errors"

// ErrCyclicGraph 规划时遇到环（绕过校验直接调用时的兜底，不会死循环或静默丢节点）
var ErrCyclicGraph = errors.New("playbook: cyclic graph, cannot plan execution order")

// ReadySet 一组依赖已全部满足、可并发执行的步骤 key；组内按声明顺序
type ReadySet []string

// Plan 用 Kahn 算法计算执行计划：每轮收集所有零入度步骤为一个 ReadySet，
// 再扣减其后继的入度。组内 tie-break 为声明顺序，保证可复现。
// 分支的「实际走哪条」是运行期决策，这里只建立就绪关系。
func Plan(steps []Step) ([]ReadySet, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.Key] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Key)
		}
	}

	scheduled := make(map[string]bool, len(steps))
	var plan []ReadySet
	total := 0
	for total < len(steps) {
		var ready ReadySet
		for _, s := range steps { // 声明顺序扫描保证组内有序
			if !scheduled[s.Key] && indegree[s.Key] == 0 {
				ready = append(ready, s.Key)
			}
		}
		if len(ready) == 0 {
			return nil, ErrCyclicGraph
		}
		for _, key := range ready {
			scheduled[key] = true
			for _, next := range dependents[key] {
				indegree[next]--
			}
		}
		plan = append(plan, ready)
		total += len(ready)
	}
	return plan, nil
}

// Flatten 把 ReadySet 序列摊平为一个拓扑序（测试与日志用）
func Flatten(plan []ReadySet) []string {
	var out []string
	for _, set := range plan {
		out = append(out, set...)
	}
	return out
}
