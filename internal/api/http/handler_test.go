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
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"playbook-engine/internal/api/http/middleware"
	"playbook-engine/internal/engine"
	"playbook-engine/internal/events"
	"playbook-engine/internal/memory"
	"playbook-engine/internal/playbook"
	"playbook-engine/internal/quota"
	"playbook-engine/internal/run"
	"playbook-engine/pkg/log"
)

// noAgentRegistry 测试用：任何 agent 均未注册
type noAgentRegistry struct{}

func (noAgentRegistry) Lookup(agentID string) (engine.AgentHandler, error) {
	return nil, errors.New("agent not registered: " + agentID)
}

func buildServerForTest(t *testing.T) (*server.Hertz, run.Store) {
	t.Helper()
	logger, err := log.NewLogger(&log.Config{Level: "error"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	playbooks := playbook.NewMemoryStore()
	runs := run.NewMemoryStore()
	broadcaster := events.NewBroadcaster()
	d := engine.NewDispatcher(noAgentRegistry{}, logger)
	coord := engine.NewCoordinator(runs, quota.Unlimited{}, memory.NewStubSearcher(), d, broadcaster, logger,
		engine.Options{CancelPoll: 5 * time.Millisecond})
	h := NewHandler(playbooks, runs, coord, broadcaster)
	h.SetExecuteFunc(func(def *playbook.Definition, r *run.Run) {
		_ = coord.Execute(context.Background(), def, r)
	})
	return NewRouter(h, middleware.NewMiddleware()).Build(":0"), runs
}

func perform(s *server.Hertz, method, path string, body []byte) *ut.ResponseRecorder {
	return ut.PerformRequest(s.Engine, method, path, &ut.Body{Body: bytes.NewReader(body), Len: len(body)})
}

const linearPlaybook = `{
	"id": "pb-linear",
	"name": "linear",
	"version": 1,
	"steps": [
		{"key": "extract", "type": "data", "config": {"operation": "extract", "fields": {"greeting": "hello"}}},
		{"key": "relay", "type": "data", "depends_on": ["extract"],
			"config": {"operation": "extract", "fields": {"msg": "{{extract.output.greeting}}"}}}
	]
}`

func TestRegisterPlaybook(t *testing.T) {
	s, _ := buildServerForTest(t)

	w := perform(s, "POST", "/api/playbooks", []byte(linearPlaybook))
	if got := w.Result().StatusCode(); got != 201 {
		t.Fatalf("register status = %d, body = %s", got, w.Result().Body())
	}

	w = perform(s, "GET", "/api/playbooks/pb-linear", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("get playbook status = %d", got)
	}

	w = perform(s, "GET", "/api/playbooks/missing", nil)
	if got := w.Result().StatusCode(); got != 404 {
		t.Fatalf("get missing playbook status = %d, want 404", got)
	}
}

func TestRegisterPlaybook_InvalidRejected(t *testing.T) {
	s, _ := buildServerForTest(t)

	// a <-> b 成环
	cyclic := `{
		"id": "pb-cyclic",
		"version": 1,
		"steps": [
			{"key": "a", "type": "data", "depends_on": ["b"], "config": {"operation": "extract"}},
			{"key": "b", "type": "data", "depends_on": ["a"], "config": {"operation": "extract"}}
		]
	}`
	w := perform(s, "POST", "/api/playbooks", []byte(cyclic))
	if got := w.Result().StatusCode(); got != 400 {
		t.Fatalf("register cyclic status = %d, want 400", got)
	}
	if !bytes.Contains(w.Result().Body(), []byte("CYCLIC_GRAPH")) {
		t.Fatalf("response should carry validation issues: %s", w.Result().Body())
	}

	// validate 接口不保存，始终 200 并返回报告
	w = perform(s, "POST", "/api/playbooks/validate", []byte(cyclic))
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("validate status = %d, want 200", got)
	}
	var report playbook.Report
	if err := json.Unmarshal(w.Result().Body(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Valid {
		t.Fatalf("cyclic playbook must be invalid")
	}
}

func TestCreateRun_EndToEnd(t *testing.T) {
	s, _ := buildServerForTest(t)

	if w := perform(s, "POST", "/api/playbooks", []byte(linearPlaybook)); w.Result().StatusCode() != 201 {
		t.Fatalf("register: %s", w.Result().Body())
	}

	w := perform(s, "POST", "/api/runs", []byte(`{"playbook_id": "pb-linear", "org_id": "org-1"}`))
	if got := w.Result().StatusCode(); got != 202 {
		t.Fatalf("create run status = %d, body = %s", got, w.Result().Body())
	}
	var created run.Run
	if err := json.Unmarshal(w.Result().Body(), &created); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("run id must be set")
	}

	// 进程内异步执行，轮询至终态
	deadline := time.Now().Add(5 * time.Second)
	var final run.Run
	for {
		w = perform(s, "GET", "/api/runs/"+created.ID, nil)
		if got := w.Result().StatusCode(); got != 200 {
			t.Fatalf("get run status = %d", got)
		}
		if err := json.Unmarshal(w.Result().Body(), &final); err != nil {
			t.Fatalf("decode run: %v", err)
		}
		if final.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish, status = %v", final.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if final.Status != run.StatusSucceeded {
		t.Fatalf("run status = %v, error = %+v", final.Status, final.Error)
	}

	w = perform(s, "GET", "/api/runs/"+created.ID+"/steps", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("list steps status = %d", got)
	}
	var listed struct {
		Steps []run.StepRun `json:"steps"`
	}
	if err := json.Unmarshal(w.Result().Body(), &listed); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	if len(listed.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(listed.Steps))
	}
	for _, sr := range listed.Steps {
		if sr.Status != run.StepSucceeded {
			t.Fatalf("step %s status = %v", sr.StepKey, sr.Status)
		}
	}
}

func TestCreateRun_UnknownPlaybook(t *testing.T) {
	s, _ := buildServerForTest(t)
	w := perform(s, "POST", "/api/runs", []byte(`{"playbook_id": "nope"}`))
	if got := w.Result().StatusCode(); got != 404 {
		t.Fatalf("status = %d, want 404", got)
	}
}

func TestCancelRun(t *testing.T) {
	s, runs := buildServerForTest(t)

	w := perform(s, "POST", "/api/runs/missing/cancel", nil)
	if got := w.Result().StatusCode(); got != 404 {
		t.Fatalf("cancel missing run status = %d, want 404", got)
	}

	r := &run.Run{ID: "run-1", PlaybookID: "pb", Status: run.StatusPending}
	if err := runs.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	w = perform(s, "POST", "/api/runs/run-1/cancel", nil)
	if got := w.Result().StatusCode(); got != 202 {
		t.Fatalf("cancel status = %d", got)
	}
	requested, err := runs.CancelRequested(context.Background(), "run-1")
	if err != nil || !requested {
		t.Fatalf("cancel flag = %v, err = %v", requested, err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := buildServerForTest(t)

	w := perform(s, "GET", "/api/health", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("health status = %d", got)
	}

	w = perform(s, "GET", "/metrics", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("metrics status = %d", got)
	}
}
