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

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/constants"
)

// Config is the complete agent configuration.
type Config struct {
	// ThingName identifies the device shadow and the job queue.
	ThingName string          `yaml:"thingName"`
	Broker    BrokerConfig    `yaml:"broker"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Reconnect BackoffConfig   `yaml:"reconnect"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	SentryDSN string          `yaml:"sentryDsn,omitempty"`
}

// BrokerConfig describes the MQTT connection.
type BrokerConfig struct {
	URL       string        `yaml:"url"`
	ClientID  string        `yaml:"clientId"`
	Username  string        `yaml:"username,omitempty"`
	Password  string        `yaml:"password,omitempty"`
	QoS       int           `yaml:"qos"`
	KeepAlive time.Duration `yaml:"keepAlive"`
	TLS       TLSConfig     `yaml:"tls"`
}

// TLSConfig points to the PEM files used for mutual TLS.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"caFile,omitempty"`
	CertFile           string `yaml:"certFile,omitempty"`
	KeyFile            string `yaml:"keyFile,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify,omitempty"`
}

// TimeoutConfig holds the transport timeouts.
type TimeoutConfig struct {
	Connect    time.Duration `yaml:"connect"`
	Disconnect time.Duration `yaml:"disconnect"`
	// Operation bounds every request/acknowledgement round-trip.
	Operation time.Duration `yaml:"operation"`
}

// BackoffConfig is the reconnect schedule: Min, multiplied by Rate, capped at Max.
type BackoffConfig struct {
	Min  time.Duration `yaml:"min"`
	Max  time.Duration `yaml:"max"`
	Rate float64       `yaml:"rate"`
}

// JobsConfig enables the job coordinator.
type JobsConfig struct {
	Enabled bool `yaml:"enabled"`
	// OutboxPath is the directory of the persistent status outbox.
	// Empty keeps undelivered reports in memory.
	OutboxPath string `yaml:"outboxPath,omitempty"`
	// ExecutedCacheSize is the number of executions remembered for duplicate suppression.
	ExecutedCacheSize int `yaml:"executedCacheSize"`
}

// EndpointsConfig holds the listen addresses of the HTTP endpoints.
// An empty address disables the endpoint.
type EndpointsConfig struct {
	Metrics string `yaml:"metrics,omitempty"`
	Health  string `yaml:"health,omitempty"`
}

// Default returns a configuration with every optional field set.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			QoS:       constants.DefaultQoS,
			KeepAlive: constants.DefaultKeepAlive,
		},
		Timeouts: TimeoutConfig{
			Connect:    constants.DefaultConnectTimeout,
			Disconnect: constants.DefaultDisconnectTimeout,
			Operation:  constants.DefaultOperationTimeout,
		},
		Reconnect: BackoffConfig{
			Min:  constants.DefaultReconnectMinBackoff,
			Max:  constants.DefaultReconnectMaxBackoff,
			Rate: constants.DefaultReconnectBackoffRate,
		},
		Jobs: JobsConfig{
			Enabled:           true,
			ExecutedCacheSize: constants.DefaultExecutedJobCacheSize,
		},
		Endpoints: EndpointsConfig{
			Metrics: ":9102",
			Health:  ":8086",
		},
	}
}

// LoadFile reads a YAML config on top of the defaults. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks that the configuration can be used to start the agent.
func (c Config) Validate() error {
	if c.ThingName == "" {
		return errors.New("thing name must not be empty")
	}
	if c.Broker.URL == "" {
		return errors.New("broker url must not be empty")
	}
	if _, err := url.Parse(c.Broker.URL); err != nil {
		return fmt.Errorf("invalid broker url %q: %w", c.Broker.URL, err)
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", c.Broker.QoS)
	}
	if c.Timeouts.Operation <= 0 {
		return fmt.Errorf("operation timeout must be positive, got %s", c.Timeouts.Operation)
	}
	if c.Reconnect.Min <= 0 || c.Reconnect.Max < c.Reconnect.Min {
		return fmt.Errorf("invalid reconnect backoff: min %s max %s", c.Reconnect.Min, c.Reconnect.Max)
	}
	if c.Reconnect.Rate < 1 {
		return fmt.Errorf("reconnect backoff rate must be >= 1, got %v", c.Reconnect.Rate)
	}
	if c.Broker.TLS.Enabled && (c.Broker.TLS.CertFile == "" || c.Broker.TLS.KeyFile == "") {
		return errors.New("tls enabled but certificate or key file missing")
	}

	return nil
}
