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
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPlaybookNotFound 指定 ID 的 Playbook 不存在
var ErrPlaybookNotFound = errors.New("playbook not found")

// Store Playbook 注册表：API 注册定义，Worker 按 Run.PlaybookID 读取。
// 定义一经保存即不可变；同 ID 重复保存视为新版本覆盖。
type Store interface {
	Save(ctx context.Context, d *Definition) error
	Get(ctx context.Context, id string) (*Definition, error)
}

// memoryRegistry 内存实现：定义整体序列化拷贝，读写互不影响
type memoryRegistry struct {
	mu   sync.RWMutex
	defs map[string][]byte
}

// NewMemoryStore 创建内存版注册表
func NewMemoryStore() Store {
	return &memoryRegistry{defs: make(map[string][]byte)}
}

func (s *memoryRegistry) Save(ctx context.Context, d *Definition) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[d.ID] = b
	return nil
}

func (s *memoryRegistry) Get(ctx context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	b, ok := s.defs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrPlaybookNotFound
	}
	var d Definition
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// pgRegistry PostgreSQL 实现：playbooks 表，定义存 JSONB；与 RunStore 共享同库
type pgRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的注册表；dsn 为连接串
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
	return &pgRegistry{pool: pool}, nil
}

// Close 关闭连接池（优雅退出用）
func (s *pgRegistry) Close() {
	s.pool.Close()
}

func (s *pgRegistry) Save(ctx context.Context, d *Definition) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO playbooks (id, name, version, definition, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = $2, version = $3, definition = $4`,
		d.ID, d.Name, d.Version, b, time.Now())
	return err
}

func (s *pgRegistry) Get(ctx context.Context, id string) (*Definition, error) {
	var b []byte
	err := s.pool.QueryRow(ctx, `SELECT definition FROM playbooks WHERE id = $1`, id).Scan(&b)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlaybookNotFound
		}
		return nil, err
	}
	var d Definition
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
