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

// Package transport is the pub/sub contract the shadow synchronizer and the
// job coordinator are built on, plus its MQTT implementation.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned when publishing or subscribing without a broker connection.
var ErrNotConnected = errors.New("transport not connected")

// MessageHandler receives inbound messages. Handlers may be called
// concurrently from several goroutines and must not block for long.
type MessageHandler func(topic string, payload []byte)

// Client is the subset of an MQTT client the agent depends on.
type Client interface {
	// Connect establishes the broker connection.
	Connect(ctx context.Context) error
	// Disconnect closes the connection after giving in-flight work a quiesce period.
	Disconnect()
	// Publish sends payload to topic and returns once the broker acknowledged
	// it (for qos > 0) or ctx is done.
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	// Subscribe registers handler for the topic filter. Subscriptions survive reconnects.
	Subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler) error
	// IsConnected reports whether the client currently has a broker connection.
	IsConnected() bool
}
