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
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/backoff"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/config"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/logger"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/metrics"
)

type subscription struct {
	qos     byte
	handler MessageHandler
}

// PahoClient implements Client on top of the eclipse paho MQTT v3 client.
// Subscriptions are remembered and re-issued on every (re)connect, so a
// clean-session reconnect does not silently drop them.
type PahoClient struct {
	client    mqtt.Client
	log       *zap.SugaredLogger
	subs      map[string]subscription
	clientID  string
	reconnect config.BackoffConfig
	timeouts  config.TimeoutConfig
	mu        sync.Mutex
}

// NewPahoClient configures, but does not connect, a paho client.
func NewPahoClient(cfg config.Config) (*PahoClient, error) {
	p := &PahoClient{
		log:       logger.For(logger.ComponentTransport),
		subs:      make(map[string]subscription),
		clientID:  cfg.Broker.ClientID,
		reconnect: cfg.Reconnect,
		timeouts:  cfg.Timeouts,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker.URL)
	opts.SetClientID(cfg.Broker.ClientID)
	if cfg.Broker.Username != "" {
		opts.SetUsername(cfg.Broker.Username)
	}
	if cfg.Broker.Password != "" {
		opts.SetPassword(cfg.Broker.Password)
	}
	if cfg.Broker.TLS.Enabled {
		tlsConfig, err := NewTLSConfig(cfg.Broker.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetKeepAlive(cfg.Broker.KeepAlive)
	opts.SetConnectTimeout(cfg.Timeouts.Connect)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.Reconnect.Max)
	opts.SetConnectRetryInterval(cfg.Reconnect.Min)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		p.log.Infof("Reconnecting to MQTT broker (%s)", p.clientID)
	})

	p.client = mqtt.NewClient(opts)
	metrics.InitErrorCounter(metrics.ComponentTransport, p.clientID)

	p.log.Debugf("Broker configured (%s) (%s)", cfg.Broker.URL, cfg.Broker.ClientID)

	return p, nil
}

// Connect dials the broker, retrying with exponential backoff until it
// succeeds or ctx is done.
func (p *PahoClient) Connect(ctx context.Context) error {
	policy := backoff.Policy{
		Min:  p.reconnect.Min,
		Max:  p.reconnect.Max,
		Rate: p.reconnect.Rate,
	}

	return backoff.Retry(ctx, policy, p.log, func() error {
		token := p.client.Connect()
		if err := waitToken(ctx, token); err != nil {
			metrics.IncErrorCount(metrics.ComponentTransport, p.clientID)
			return fmt.Errorf("failed to connect: %w", err)
		}

		return nil
	})
}

// Disconnect closes the connection, allowing the configured quiesce period.
func (p *PahoClient) Disconnect() {
	quiesce := uint(p.timeouts.Disconnect / time.Millisecond)
	p.client.Disconnect(quiesce)
	p.log.Infof("Disconnected from MQTT broker (%s)", p.clientID)
}

// Publish sends payload and waits for the broker acknowledgement.
func (p *PahoClient) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, qos, false, payload)
	if err := waitToken(ctx, token); err != nil {
		metrics.IncErrorCount(metrics.ComponentTransport, p.clientID)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Subscribe registers handler for filter and remembers it for reconnects.
func (p *PahoClient) Subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler) error {
	p.mu.Lock()
	p.subs[filter] = subscription{qos: qos, handler: handler}
	p.mu.Unlock()

	if !p.client.IsConnectionOpen() {
		// onConnect subscribes once the connection is established
		return nil
	}

	token := p.client.Subscribe(filter, qos, wrapHandler(handler))
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}
	p.log.Debugf("MQTT subscribed (%s)", filter)

	return nil
}

// IsConnected reports whether the connection is currently open.
func (p *PahoClient) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// ReadinessCheck reports the connection state to the health endpoint.
func (p *PahoClient) ReadinessCheck() healthcheck.Check {
	return func() error {
		if p.client.IsConnectionOpen() {
			return nil
		}
		return errors.New("not connected")
	}
}

func (p *PahoClient) onConnect(c mqtt.Client) {
	p.log.Infof("Connected to MQTT broker (%s)", p.clientID)

	p.mu.Lock()
	filters := make(map[string]mqtt.MessageHandler, len(p.subs))
	qos := make(map[string]byte, len(p.subs))
	for filter, sub := range p.subs {
		filters[filter] = wrapHandler(sub.handler)
		qos[filter] = sub.qos
	}
	p.mu.Unlock()

	for filter, handler := range filters {
		token := c.Subscribe(filter, qos[filter], handler)
		if !token.WaitTimeout(p.timeouts.Operation) {
			p.log.Warnf("Timed out re-subscribing to %s", filter)
			continue
		}
		if err := token.Error(); err != nil {
			metrics.IncErrorCount(metrics.ComponentTransport, p.clientID)
			p.log.Errorf("Failed to re-subscribe to %s: %s", filter, err)
		}
	}
}

func (p *PahoClient) onConnectionLost(_ mqtt.Client, err error) {
	p.log.Warnf("Connection lost (%v) (%s)", err, p.clientID)
}

func wrapHandler(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, message mqtt.Message) {
		handler(message.Topic(), message.Payload())
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
