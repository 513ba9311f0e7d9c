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

// Package agent composes the shadow synchronizer and the job coordinator of
// one device over a shared transport.
package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/config"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/jobs"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/logger"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/metrics"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/shadow"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/transport"
)

// Device is implemented by the application: it reacts to desired state
// changes and runs jobs.
type Device interface {
	shadow.DeltaHandler
	jobs.Executor
}

// Agent is one connected device.
type Agent struct {
	client transport.Client
	shadow *shadow.Synchronizer
	// jobs is nil when the job coordinator is disabled
	jobs *jobs.Coordinator
	log  *zap.SugaredLogger
	cfg  config.Config
}

// New wires a synchronizer and, if enabled, a job coordinator for device.
func New(cfg config.Config, client transport.Client, device Device) (*Agent, error) {
	if device == nil {
		return nil, errors.New("device must not be nil")
	}
	if cfg.ThingName == "" {
		return nil, errors.New("thing name must not be empty")
	}

	a := &Agent{
		client: client,
		log:    logger.ForThing(logger.ComponentAgent, cfg.ThingName),
		cfg:    cfg,
	}

	qos := byte(cfg.Broker.QoS)
	a.shadow = shadow.NewSynchronizer(shadow.Config{
		ThingName:        cfg.ThingName,
		OperationTimeout: cfg.Timeouts.Operation,
		QoS:              qos,
	}, client, device)

	if cfg.Jobs.Enabled {
		outbox, err := jobs.NewOutbox(cfg.Jobs.OutboxPath)
		if err != nil {
			return nil, err
		}
		a.jobs, err = jobs.NewCoordinator(jobs.Config{
			ThingName:         cfg.ThingName,
			OperationTimeout:  cfg.Timeouts.Operation,
			QoS:               qos,
			ExecutedCacheSize: cfg.Jobs.ExecutedCacheSize,
			Outbox:            outbox,
		}, client, device)
		if err != nil {
			_ = outbox.Close()
			return nil, err
		}
	}

	return a, nil
}

// Start connects, subscribes both components and fetches the current shadow.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := a.shadow.Start(ctx); err != nil {
		return err
	}
	metrics.RegisterDebugProvider(a.debugName("shadow"), a.shadow)

	if a.jobs != nil {
		if err := a.jobs.Start(ctx); err != nil {
			return err
		}
		metrics.RegisterDebugProvider(a.debugName("jobs"), a.jobs)
	}

	if err := a.shadow.RequestFullState(ctx); err != nil {
		return fmt.Errorf("failed to fetch shadow: %w", err)
	}
	a.log.Infof("Device agent started (shadow version %d)", a.shadow.Version())

	return nil
}

// Stop waits for a running job and its status report, stops the shadow
// synchronizer and disconnects.
func (a *Agent) Stop() error {
	var err error
	if a.jobs != nil {
		err = a.jobs.Stop()
		metrics.UnregisterDebugProvider(a.debugName("jobs"))
	}
	a.shadow.Stop()
	metrics.UnregisterDebugProvider(a.debugName("shadow"))

	a.client.Disconnect()
	a.log.Infof("Device agent stopped")

	return err
}

// Shadow returns the shadow synchronizer.
func (a *Agent) Shadow() *shadow.Synchronizer {
	return a.shadow
}

// Jobs returns the job coordinator, or nil if jobs are disabled.
func (a *Agent) Jobs() *jobs.Coordinator {
	return a.jobs
}

func (a *Agent) debugName(component string) string {
	return component + "/" + a.cfg.ThingName
}
