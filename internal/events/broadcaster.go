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

package events

import (
	"sync"
	"time"
)

const subscriberBuffer = 64

// Broadcaster 多订阅者事件广播：每个订阅者独立带缓冲 channel；
// 慢消费者缓冲满时丢弃（Emit 不阻塞 Coordinator）。
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan Event]string // channel -> runID 过滤（空串订阅全部）
}

// NewBroadcaster 创建广播器
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]string)}
}

// Subscribe 订阅事件；runID 非空时仅接收该 Run 的事件。
// 用完必须 Unsubscribe，否则 channel 泄漏。
func (b *Broadcaster) Subscribe(runID string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = runID
	b.mu.Unlock()
	return ch
}

// Unsubscribe 退订并关闭 channel
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	_, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Emit 广播一条事件；非阻塞
func (b *Broadcaster) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != "" && filter != e.RunID {
			continue
		}
		select {
		case ch <- e:
		default:
			// 缓冲满，对该订阅者丢弃
		}
	}
}

// SubscriberCount 当前订阅者数（测试与监控用）
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
