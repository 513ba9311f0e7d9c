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

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/united-manufacturing-hub/shadow-agent/internal/shutdown"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/agent"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/config"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/constants"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/logger"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/metrics"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/sentry"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/transport"
)

// appVersion is set at build time via -ldflags.
var appVersion = constants.DefaultAppVersion

func main() {
	logger.Initialize()
	defer func() {
		_ = logger.Sync()
	}()
	log := logger.For(logger.ComponentAgent)
	log.Infof("Starting shadow-agent %s", appVersion)

	cfg, err := config.LoadConfigWithEnvOverrides(logger.For(logger.ComponentConfig))
	if err != nil {
		log.Fatalf("Invalid configuration: %s", err)
	}

	sentry.InitSentry(cfg.SentryDSN, appVersion, true)

	client, err := transport.NewPahoClient(cfg)
	if err != nil {
		log.Fatalf("Failed to set up MQTT client: %s", err)
	}

	device := newEchoDevice(logger.For(logger.ComponentDevice))
	a, err := agent.New(cfg, client, device)
	if err != nil {
		log.Fatalf("Failed to set up agent: %s", err)
	}
	device.bind(a.Shadow())

	var servers []*http.Server
	if cfg.Endpoints.Health != "" {
		health := healthcheck.NewHandler()
		health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
		health.AddReadinessCheck("mqtt-check", client.ReadinessCheck())
		servers = append(servers, serve(cfg.Endpoints.Health, health))
	}
	if cfg.Endpoints.Metrics != "" {
		servers = append(servers, metrics.SetupMetricsEndpoint(cfg.Endpoints.Metrics))
	}

	gs := shutdown.New(constants.ShutdownTimeout, log, func(ctx context.Context) error {
		stopErr := a.Stop()
		for _, server := range servers {
			if err := server.Shutdown(ctx); err != nil {
				log.Warnf("Failed to stop http server %s: %s", server.Addr, err)
			}
		}
		return stopErr
	})

	if err := a.Start(gs.Context()); err != nil {
		sentry.ReportIssue(err, sentry.IssueTypeError, log)
		gs.Shutdown()
		_ = gs.Wait()
		os.Exit(1)
	}

	if err := gs.Wait(); err != nil {
		os.Exit(1)
	}
}

func serve(addr string, handler http.Handler) *http.Server {
	log := logger.For(logger.ComponentAgent)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("Starting health server on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Health server failed: %s", err)
		}
	}()

	return server
}
