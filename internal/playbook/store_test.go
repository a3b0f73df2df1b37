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

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	def := &Definition{
		ID:      "pb-1",
		Name:    "outreach",
		Version: 1,
		Steps: []Step{
			{Key: "research", Type: StepData, Data: &DataStepConfig{Operation: "extract"}},
			{Key: "pitch", Type: StepAgent, DependsOn: []string{"research"},
				Agent: &AgentStepConfig{AgentID: "writer", PromptTemplate: "write about {{research.output.topic}}"}},
		},
	}
	if err := store.Save(ctx, def); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "pb-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "outreach" || len(got.Steps) != 2 {
		t.Fatalf("got %+v", got)
	}
	if got.Steps[1].Agent == nil || got.Steps[1].Agent.AgentID != "writer" {
		t.Fatalf("agent config lost in round trip: %+v", got.Steps[1])
	}

	// 返回值为独立副本，修改不应影响存储内容
	got.Steps[1].Agent.AgentID = "mutated"
	again, err := store.Get(ctx, "pb-1")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if again.Steps[1].Agent.AgentID != "writer" {
		t.Fatalf("stored definition was mutated through the returned copy")
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrPlaybookNotFound) {
		t.Fatalf("err = %v, want ErrPlaybookNotFound", err)
	}
}
