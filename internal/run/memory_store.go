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

package run

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore 内存实现：互斥锁 + map，读写均做拷贝避免外部篡改
type memoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*Run
	stepRuns map[string]map[string]*StepRun // runID -> stepKey -> StepRun
	claimed  map[string]bool                // ClaimNextQueued 已发出、尚未 StartRun 的 Run
}

// NewMemoryStore 创建内存版 Store
func NewMemoryStore() Store {
	return &memoryStore{
		runs:     make(map[string]*Run),
		stepRuns: make(map[string]map[string]*StepRun),
		claimed:  make(map[string]bool),
	}
}

func copyRun(r *Run) *Run {
	cp := *r
	cp.Input = copyMap(r.Input)
	cp.Output = copyMap(r.Output)
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

func copyStepRun(sr *StepRun) *StepRun {
	cp := *sr
	cp.Input = copyMap(sr.Input)
	cp.Output = copyMap(sr.Output)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memoryStore) CreateRun(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.runs[r.ID] = copyRun(r)
	return nil
}

func (s *memoryStore) StartRun(ctx context.Context, r *Run, stepRuns []*StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[r.ID]
	if !ok {
		return ErrRunNotFound
	}
	if stored.Status.Terminal() {
		return ErrRunTerminal
	}
	r.Status = StatusRunning
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	s.runs[r.ID] = copyRun(r)
	byKey := make(map[string]*StepRun, len(stepRuns))
	for _, sr := range stepRuns {
		byKey[sr.StepKey] = copyStepRun(sr)
	}
	s.stepRuns[r.ID] = byKey
	delete(s.claimed, r.ID)
	return nil
}

func (s *memoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(r), nil
}

func (s *memoryStore) UpdateRun(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[r.ID] = copyRun(r)
	return nil
}

func (s *memoryStore) GetStepRun(ctx context.Context, runID, stepKey string) (*StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.stepRuns[runID][stepKey]
	if !ok {
		return nil, ErrStepRunNotFound
	}
	return copyStepRun(sr), nil
}

func (s *memoryStore) UpdateStepRun(ctx context.Context, sr *StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.stepRuns[sr.RunID]
	if !ok {
		return ErrStepRunNotFound
	}
	if _, ok := byKey[sr.StepKey]; !ok {
		return ErrStepRunNotFound
	}
	byKey[sr.StepKey] = copyStepRun(sr)
	return nil
}

func (s *memoryStore) ListStepRuns(ctx context.Context, runID string) ([]*StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.stepRuns[runID]
	out := make([]*StepRun, 0, len(byKey))
	for _, sr := range byKey {
		out = append(out, copyStepRun(sr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepKey < out[j].StepKey })
	return out, nil
}

func (s *memoryStore) ClaimNextQueued(ctx context.Context) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *Run
	for _, r := range s.runs {
		if r.Status != StatusPending || s.claimed[r.ID] {
			continue
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, ErrNoQueuedRun
	}
	s.claimed[oldest.ID] = true
	return copyRun(oldest), nil
}

func (s *memoryStore) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status.Terminal() {
		return nil
	}
	r.CancelRequested = true
	return nil
}

func (s *memoryStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	return r.CancelRequested, nil
}
