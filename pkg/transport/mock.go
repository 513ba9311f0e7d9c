// Copyright 2025 UMH Systems GmbH
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

package transport

import (
	"context"
	"sync"
)

// PublishedMessage is a message recorded by MockClient.
type PublishedMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// MockClient is an in-memory Client for tests. Publishes are recorded and
// passed to the hook set with SetOnPublish, which can answer them through Deliver to emulate the
// broker side of a request/response exchange.
type MockClient struct {
	onPublish  func(msg PublishedMessage)
	publishErr error
	subs       map[string]subscription
	published  []PublishedMessage
	connected  bool
	wg         sync.WaitGroup
	mu         sync.Mutex
}

// NewMockClient returns a disconnected mock client.
func NewMockClient() *MockClient {
	return &MockClient{subs: make(map[string]subscription)}
}

// Connect marks the client as connected.
func (m *MockClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	return nil
}

// Disconnect marks the client as disconnected and waits for pending deliveries.
func (m *MockClient) Disconnect() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.wg.Wait()
}

// Publish records the message.
func (m *MockClient) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return err
	}
	msg := PublishedMessage{Topic: topic, QoS: qos, Payload: append([]byte(nil), payload...)}
	m.published = append(m.published, msg)
	hook := m.onPublish
	m.mu.Unlock()

	if hook != nil {
		hook(msg)
	}

	return nil
}

// Subscribe registers the handler.
func (m *MockClient) Subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.subs[filter] = subscription{qos: qos, handler: handler}
	m.mu.Unlock()

	return nil
}

// IsConnected reports the simulated connection state.
func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connected
}

// SetPublishError makes every following publish fail with err. nil restores normal behaviour.
func (m *MockClient) SetPublishError(err error) {
	m.mu.Lock()
	m.publishErr = err
	m.mu.Unlock()
}

// SetOnPublish replaces the publish hook.
func (m *MockClient) SetOnPublish(hook func(msg PublishedMessage)) {
	m.mu.Lock()
	m.onPublish = hook
	m.mu.Unlock()
}

// Deliver hands payload to every handler whose filter matches topic. Each
// handler runs on its own goroutine, like paho with OrderMatters(false).
// It returns the number of handlers invoked.
func (m *MockClient) Deliver(topic string, payload []byte) int {
	m.mu.Lock()
	var handlers []MessageHandler
	for filter, sub := range m.subs {
		if MatchTopic(filter, topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		m.wg.Add(1)
		go func(h MessageHandler) {
			defer m.wg.Done()
			h(topic, payload)
		}(h)
	}

	return len(handlers)
}

// DeliverSync is Deliver without the goroutines; it returns once every handler returned.
func (m *MockClient) DeliverSync(topic string, payload []byte) int {
	m.mu.Lock()
	var handlers []MessageHandler
	for filter, sub := range m.subs {
		if MatchTopic(filter, topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}

	return len(handlers)
}

// Published returns a copy of every recorded publish.
func (m *MockClient) Published() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]PublishedMessage(nil), m.published...)
}

// PublishedTo returns the recorded publishes on topic.
func (m *MockClient) PublishedTo(topic string) []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PublishedMessage
	for _, msg := range m.published {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}

	return out
}

// Subscriptions returns the registered topic filters.
func (m *MockClient) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.subs))
	for filter := range m.subs {
		out = append(out, filter)
	}

	return out
}

// Reset forgets recorded publishes.
func (m *MockClient) Reset() {
	m.mu.Lock()
	m.published = nil
	m.mu.Unlock()
}
