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

package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReserver Redis 实现：INCRBY 原子累加，超限 DECRBY 回滚。
// key 按周期滚动（org:resource:periodStart），多实例共享同一计数。
type RedisReserver struct {
	client *redis.Client
	limits map[string]int64
	period time.Duration
}

// RedisConfig Redis 配额后端配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Period 计数周期（如 24h）；<=0 默认 24h
	Period time.Duration
}

// NewRedisReserver 创建 Redis 配额器并 Ping 验证连接
func NewRedisReserver(ctx context.Context, cfg RedisConfig, limits map[string]int64) (*RedisReserver, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	period := cfg.Period
	if period <= 0 {
		period = 24 * time.Hour
	}
	return &RedisReserver{client: client, limits: limits, period: period}, nil
}

// Close 关闭连接
func (r *RedisReserver) Close() error {
	return r.client.Close()
}

func (r *RedisReserver) key(orgID, resource string, now time.Time) string {
	periodStart := now.Truncate(r.period).Unix()
	return fmt.Sprintf("quota:%s:%s:%d", orgID, resource, periodStart)
}

func (r *RedisReserver) CheckAndReserve(ctx context.Context, orgID, resource string, amount int64) error {
	limit, ok := r.limits[resource]
	if !ok {
		return nil
	}
	key := r.key(orgID, resource, time.Now())
	total, err := r.client.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return fmt.Errorf("配额累加失败: %w", err)
	}
	// 首次写入时设置过期，周期结束后自动清零
	if total == amount {
		r.client.Expire(ctx, key, r.period*2)
	}
	if total > limit {
		// 超限回滚，保持计数准确
		r.client.DecrBy(ctx, key, amount)
		return &ExceededError{OrgID: orgID, Resource: resource, Requested: amount, Limit: limit}
	}
	return nil
}
