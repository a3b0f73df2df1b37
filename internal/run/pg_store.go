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
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// status 列与 Status/StepStatus 的 int 值一致，不另做映射表

// pgStore PostgreSQL 实现：runs + step_runs 两张表，API 与 Worker 共享同库
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的 Store；dsn 为连接串
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &pgStore{pool: pool}, nil
}

// Close 关闭连接池（优雅退出用）
func (s *pgStore) Close() {
	s.pool.Close()
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m)
}

func unmarshalJSON(b []byte) map[string]any {
	if len(b) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *pgStore) CreateRun(ctx context.Context, r *Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	input, err := marshalJSON(r.Input)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, playbook_id, org_id, status, input, cancel_requested, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.PlaybookID, r.OrgID, int(r.Status), input, r.CancelRequested, r.CreatedAt)
	return err
}

func (s *pgStore) StartRun(ctx context.Context, r *Run, stepRuns []*StepRun) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	r.Status = StatusRunning
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	tag, err := tx.Exec(ctx,
		`UPDATE runs SET status = $2, started_at = $3, claimed_at = NULL WHERE id = $1 AND status = $4`,
		r.ID, int(StatusRunning), r.StartedAt, int(StatusPending))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunTerminal
	}
	for _, sr := range stepRuns {
		input, err := marshalJSON(sr.Input)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO step_runs (run_id, step_key, status, attempt, input) VALUES ($1, $2, $3, $4, $5)`,
			sr.RunID, sr.StepKey, int(sr.Status), sr.Attempt, input); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *pgStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	var status int
	var input, output, runErr []byte
	var startedAt, completedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, playbook_id, org_id, status, input, output, error, cancel_requested, created_at, started_at, completed_at
		 FROM runs WHERE id = $1`, id).
		Scan(&r.ID, &r.PlaybookID, &r.OrgID, &status, &input, &output, &runErr, &r.CancelRequested, &r.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	r.Status = Status(status)
	r.Input = unmarshalJSON(input)
	r.Output = unmarshalJSON(output)
	if len(runErr) > 0 && string(runErr) != "null" {
		var e Error
		if json.Unmarshal(runErr, &e) == nil {
			r.Error = &e
		}
	}
	if startedAt != nil {
		r.StartedAt = *startedAt
	}
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	return &r, nil
}

func (s *pgStore) UpdateRun(ctx context.Context, r *Run) error {
	output, err := marshalJSON(r.Output)
	if err != nil {
		return err
	}
	var runErr []byte = []byte("null")
	if r.Error != nil {
		runErr, err = json.Marshal(r.Error)
		if err != nil {
			return err
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, output = $3, error = $4, cancel_requested = $5, started_at = $6, completed_at = $7
		 WHERE id = $1`,
		r.ID, int(r.Status), output, runErr, r.CancelRequested, nullTime(r.StartedAt), nullTime(r.CompletedAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *pgStore) GetStepRun(ctx context.Context, runID, stepKey string) (*StepRun, error) {
	sr, err := scanStepRun(s.pool.QueryRow(ctx,
		`SELECT run_id, step_key, status, attempt, input, output, error, started_at, completed_at
		 FROM step_runs WHERE run_id = $1 AND step_key = $2`, runID, stepKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStepRunNotFound
		}
		return nil, err
	}
	return sr, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStepRun(row rowScanner) (*StepRun, error) {
	var sr StepRun
	var status int
	var input, output []byte
	var errMsg *string
	var startedAt, completedAt *time.Time
	if err := row.Scan(&sr.RunID, &sr.StepKey, &status, &sr.Attempt, &input, &output, &errMsg, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	sr.Status = StepStatus(status)
	sr.Input = unmarshalJSON(input)
	sr.Output = unmarshalJSON(output)
	if errMsg != nil {
		sr.Error = *errMsg
	}
	if startedAt != nil {
		sr.StartedAt = *startedAt
	}
	if completedAt != nil {
		sr.CompletedAt = *completedAt
	}
	return &sr, nil
}

func (s *pgStore) UpdateStepRun(ctx context.Context, sr *StepRun) error {
	input, err := marshalJSON(sr.Input)
	if err != nil {
		return err
	}
	output, err := marshalJSON(sr.Output)
	if err != nil {
		return err
	}
	var errMsg interface{}
	if sr.Error != "" {
		errMsg = sr.Error
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE step_runs SET status = $3, attempt = $4, input = $5, output = $6, error = $7, started_at = $8, completed_at = $9
		 WHERE run_id = $1 AND step_key = $2`,
		sr.RunID, sr.StepKey, int(sr.Status), sr.Attempt, input, output, errMsg, nullTime(sr.StartedAt), nullTime(sr.CompletedAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStepRunNotFound
	}
	return nil
}

func (s *pgStore) ListStepRuns(ctx context.Context, runID string) ([]*StepRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, step_key, status, attempt, input, output, error, started_at, completed_at
		 FROM step_runs WHERE run_id = $1 ORDER BY step_key`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StepRun
	for rows.Next() {
		sr, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// ClaimNextQueued 用 SKIP LOCKED 竞争认领最早的 PENDING Run，多 Worker 安全
func (s *pgStore) ClaimNextQueued(ctx context.Context) (*Run, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`UPDATE runs SET claimed_at = now() WHERE id = (
			SELECT id FROM runs
			WHERE status = $1 AND claimed_at IS NULL
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		) RETURNING id`, int(StatusPending)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoQueuedRun
		}
		return nil, err
	}
	return s.GetRun(ctx, id)
}

func (s *pgStore) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET cancel_requested = TRUE WHERE id = $1 AND status < $2`,
		id, int(StatusSucceeded))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// 不存在或已终态；区分两者
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *pgStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM runs WHERE id = $1`, id).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrRunNotFound
		}
		return false, err
	}
	return requested, nil
}
