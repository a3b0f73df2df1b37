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

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("PBE_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func orgID() string {
	return os.Getenv("PBE_ORG_ID")
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

// loadJSONMap 读取 JSON 文件为 map
func loadJSONMap(path string) (map[string]interface{}, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%s 不是合法 JSON: %w", path, err)
	}
	return out, nil
}

func getHealth() error {
	resp, err := newClient().R().Get("/api/health")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("GET /api/health: %s", resp.String())
	}
	return nil
}

func registerPlaybook(path string) (string, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	resp, err := newClient().R().
		SetBody(body).
		SetResult(&out).
		Post("/api/playbooks")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusCreated {
		return "", fmt.Errorf("POST /api/playbooks: %s", resp.String())
	}
	return out.ID, nil
}

func validatePlaybook(path string) (string, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	resp, err := newClient().R().
		SetBody(body).
		Post("/api/playbooks/validate")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("POST /api/playbooks/validate: %s", resp.String())
	}
	return resp.String(), nil
}

func createRun(playbookID string, input map[string]interface{}) (string, error) {
	body := map[string]interface{}{"playbook_id": playbookID}
	if org := orgID(); org != "" {
		body["org_id"] = org
	}
	if input != nil {
		body["input"] = input
	}
	var out struct {
		ID string `json:"id"`
	}
	resp, err := newClient().R().
		SetBody(body).
		SetResult(&out).
		Post("/api/runs")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusAccepted {
		return "", fmt.Errorf("POST /api/runs: %s", resp.String())
	}
	return out.ID, nil
}

func getRun(runID string) (string, error) {
	resp, err := newClient().R().Get("/api/runs/" + runID)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("GET /api/runs/%s: %s", runID, resp.String())
	}
	return resp.String(), nil
}

func listStepRuns(runID string) ([]string, error) {
	var out struct {
		Steps []map[string]interface{} `json:"steps"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/runs/" + runID + "/steps")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/runs/%s/steps: %s", runID, resp.String())
	}
	lines := make([]string, 0, len(out.Steps))
	for _, s := range out.Steps {
		lines = append(lines, formatStepLine(s))
	}
	return lines, nil
}

// formatStepLine 把一条 StepRun 摘要为单行：key status attempt [error]
func formatStepLine(step map[string]interface{}) string {
	key, _ := step["step_key"].(string)
	status := stepStatusLabel(step["status"])
	attempt := 0
	if v, ok := step["attempt"].(float64); ok {
		attempt = int(v)
	}
	line := fmt.Sprintf("%s\t%s\tattempt=%d", key, status, attempt)
	if errMsg, ok := step["error"].(string); ok && errMsg != "" {
		line += "\terror=" + errMsg
	}
	return line
}

// stepStatusLabel StepRun 状态 int 枚举的可读标签
func stepStatusLabel(v interface{}) string {
	n, ok := v.(float64)
	if !ok {
		return "UNKNOWN"
	}
	switch int(n) {
	case 0:
		return "PENDING"
	case 1:
		return "RUNNING"
	case 2:
		return "SUCCEEDED"
	case 3:
		return "FAILED"
	case 4:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// watchRun 消费 NDJSON 事件流并逐行输出至 w，流结束即 Run 终态
func watchRun(runID string, w io.Writer) error {
	client := newClient()
	client.SetDoNotParseResponse(true)
	client.SetTimeout(0) // 事件流保持到 Run 终态
	resp, err := client.R().Get("/api/runs/" + runID + "/events")
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		b, _ := io.ReadAll(body)
		return fmt.Errorf("GET /api/runs/%s/events: %s", runID, string(b))
	}
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		fmt.Fprintln(w, scanner.Text())
	}
	return scanner.Err()
}

func cancelRun(runID string) error {
	resp, err := newClient().R().Post("/api/runs/" + runID + "/cancel")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusAccepted {
		return fmt.Errorf("POST /api/runs/%s/cancel: %s", runID, resp.String())
	}
	return nil
}
