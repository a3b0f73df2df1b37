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

package memory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	perrors "playbook-engine/pkg/errors"
)

// HTTPSearcher 通过 HTTP 访问记忆服务的 Searcher 实现
type HTTPSearcher struct {
	baseURL string
	client  *resty.Client
}

// NewHTTPSearcher 创建记忆服务客户端；baseURL 如 http://memory:8081
func NewHTTPSearcher(baseURL string, timeout time.Duration) *HTTPSearcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(500 * time.Millisecond)
	return &HTTPSearcher{baseURL: baseURL, client: client}
}

// Search 调用记忆服务 /search；服务端负责排序，这里原样透传
func (s *HTTPSearcher) Search(ctx context.Context, query, orgScope string, minRelevance float64) ([]Item, error) {
	var result struct {
		Items []Item `json:"items"`
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"query":         query,
			"org_scope":     orgScope,
			"min_relevance": minRelevance,
		}).
		SetResult(&result).
		Post(s.baseURL + "/search")
	if err != nil {
		return nil, perrors.Wrap(err, "调用记忆服务失败")
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("记忆服务返回 %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Items, nil
}
