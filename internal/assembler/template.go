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

package assembler

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnresolvedReference 模板引用无法解析；引擎将其归类为致命配置错误，不重试
var ErrUnresolvedReference = errors.New("assembler: unresolved template reference")

var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_\-]+(?:\.[a-zA-Z0-9_\-]+)+)\s*\}\}`)

// Reference 预编译的一条模板引用：{{stepKey.output.field...}}
type Reference struct {
	Raw     string   // 原始占位符文本
	StepKey string   // 引用的前驱步骤
	Path    []string // output 之后的字段路径
}

// CompileTemplate 从模板字符串中提取全部引用；形如 {{step.output.field}}，
// 第二段必须是 output，其余为字段路径。格式不合法立即报错，而非使用时才发现。
func CompileTemplate(template string) ([]Reference, error) {
	matches := refPattern.FindAllStringSubmatch(template, -1)
	var refs []Reference
	seen := make(map[string]bool)
	for _, m := range matches {
		parts := strings.Split(m[1], ".")
		if len(parts) < 2 || parts[1] != "output" {
			return nil, fmt.Errorf("%w: %q（期望 stepKey.output.field 形式）", ErrUnresolvedReference, m[0])
		}
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		refs = append(refs, Reference{Raw: m[0], StepKey: parts[0], Path: parts[2:]})
	}
	return refs, nil
}

// Resolve 在 priorOutputs（stepKey -> output）中解析引用值；任何一段缺失即失败
func (r Reference) Resolve(priorOutputs map[string]map[string]any) (any, error) {
	output, ok := priorOutputs[r.StepKey]
	if !ok {
		return nil, fmt.Errorf("%w: 步骤 %q 无可用输出", ErrUnresolvedReference, r.StepKey)
	}
	var cur any = output
	for _, seg := range r.Path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q 中 %q 之前不是对象", ErrUnresolvedReference, r.Raw, seg)
		}
		cur, ok = m[seg]
		if !ok {
			return nil, fmt.Errorf("%w: %q 缺少字段 %q", ErrUnresolvedReference, r.Raw, seg)
		}
	}
	return cur, nil
}

// ResolvePath 解析不带花括号的点路径（分支 Source 用），语义同 Reference.Resolve
func ResolvePath(path string, priorOutputs map[string]map[string]any) (any, error) {
	refs, err := CompileTemplate("{{" + path + "}}")
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: 非法引用路径 %q", ErrUnresolvedReference, path)
	}
	return refs[0].Resolve(priorOutputs)
}

// Render 渲染模板：所有引用替换为解析值的字符串形式；未解析引用返回错误而非留空
func Render(template string, priorOutputs map[string]map[string]any) (string, error) {
	refs, err := CompileTemplate(template)
	if err != nil {
		return "", err
	}
	out := template
	for _, ref := range refs {
		v, err := ref.Resolve(priorOutputs)
		if err != nil {
			return "", err
		}
		out = strings.ReplaceAll(out, ref.Raw, stringify(v))
	}
	return out, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
