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
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// LoadConfigWithEnvOverrides loads CONFIG_FILE (if set) and applies environment
// variable overrides on top of it.
//
// Order of precedence (highest to lowest):
// 1. Environment variables
// 2. Config file values
// 3. Default values
//
// Malformed variables are logged and ignored, the file or default value stays in place.
func LoadConfigWithEnvOverrides(log *zap.SugaredLogger) (Config, error) {
	path, err := env.GetAsString("CONFIG_FILE", false, "")
	if err != nil {
		return Config{}, err
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return cfg, err
	}

	applyEnvOverrides(&cfg, log)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, log *zap.SugaredLogger) {
	str := func(key string, target *string) {
		value, err := env.GetAsString(key, false, *target)
		if err != nil {
			log.Warnf("Failed to get %s: %s", key, err)
			return
		}
		*target = value
	}
	boolean := func(key string, target *bool) {
		value, err := env.GetAsBool(key, false, *target)
		if err != nil {
			log.Warnf("Failed to get %s: %s", key, err)
		}
		*target = value
	}
	integer := func(key string, target *int) {
		value, err := env.GetAsInt(key, false, *target)
		if err != nil {
			log.Warnf("Failed to get %s: %s", key, err)
		}
		*target = value
	}
	duration := func(key string, target *time.Duration) {
		raw, err := env.GetAsString(key, false, "")
		if err != nil || raw == "" {
			return
		}
		value, err := time.ParseDuration(raw)
		if err != nil {
			log.Warnf("Failed to parse %s as duration: %s", key, err)
			return
		}
		*target = value
	}

	str("THING_NAME", &cfg.ThingName)
	str("MQTT_BROKER_URL", &cfg.Broker.URL)
	str("MQTT_CLIENT_ID", &cfg.Broker.ClientID)
	str("MQTT_USERNAME", &cfg.Broker.Username)
	str("MQTT_PASSWORD", &cfg.Broker.Password)
	integer("MQTT_QOS", &cfg.Broker.QoS)
	duration("MQTT_KEEP_ALIVE", &cfg.Broker.KeepAlive)

	boolean("MQTT_ENABLE_TLS", &cfg.Broker.TLS.Enabled)
	str("MQTT_CA_FILE", &cfg.Broker.TLS.CAFile)
	str("MQTT_CERT_FILE", &cfg.Broker.TLS.CertFile)
	str("MQTT_KEY_FILE", &cfg.Broker.TLS.KeyFile)
	boolean("INSECURE_SKIP_VERIFY", &cfg.Broker.TLS.InsecureSkipVerify)

	duration("OPERATION_TIMEOUT", &cfg.Timeouts.Operation)
	duration("CONNECT_TIMEOUT", &cfg.Timeouts.Connect)
	duration("DISCONNECT_TIMEOUT", &cfg.Timeouts.Disconnect)

	duration("RECONNECT_MIN_BACKOFF", &cfg.Reconnect.Min)
	duration("RECONNECT_MAX_BACKOFF", &cfg.Reconnect.Max)
	rate, err := env.GetAsFloat64("RECONNECT_BACKOFF_RATE", false, cfg.Reconnect.Rate)
	if err != nil {
		log.Warnf("Failed to get RECONNECT_BACKOFF_RATE: %s", err)
	}
	cfg.Reconnect.Rate = rate

	boolean("JOBS_ENABLED", &cfg.Jobs.Enabled)
	str("JOBS_OUTBOX_PATH", &cfg.Jobs.OutboxPath)
	integer("JOBS_EXECUTED_CACHE_SIZE", &cfg.Jobs.ExecutedCacheSize)

	str("METRICS_ADDR", &cfg.Endpoints.Metrics)
	str("HEALTH_ADDR", &cfg.Endpoints.Health)
	str("SENTRY_DSN", &cfg.SentryDSN)

	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = cfg.ThingName
	}
}
