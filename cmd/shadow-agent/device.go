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
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/jobs"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/shadow"
)

// echoDevice is the reference device: it reports every desired value as
// reached and understands a few diagnostic jobs.
type echoDevice struct {
	shadow  *shadow.Synchronizer
	log     *zap.SugaredLogger
	started time.Time
}

func newEchoDevice(log *zap.SugaredLogger) *echoDevice {
	return &echoDevice{log: log, started: time.Now()}
}

func (d *echoDevice) bind(s *shadow.Synchronizer) {
	d.shadow = s
}

// HandleDelta applies the desired state and clears it once reported.
func (d *echoDevice) HandleDelta(ctx context.Context, delta map[string]any, responseStatus string, token string) {
	d.log.Infof("Applying desired state (%s, token %q): %v", responseStatus, token, delta)
	if err := d.shadow.UpdateReported(ctx, delta, true); err != nil {
		d.log.Warnf("Failed to report applied state: %s", err)
	}
}

// Execute runs a diagnostic job. The operation is taken from the job document.
func (d *echoDevice) Execute(ctx context.Context, job jobs.Job) error {
	operation, _ := job.JobDocument["operation"].(string)
	d.log.Infof("Running job %s (%s)", job.JobID, operation)

	switch operation {
	case "report-uptime":
		d.shadow.CacheState(map[string]any{"uptimeSeconds": int64(time.Since(d.started).Seconds())})
		return d.shadow.UpdateReported(ctx, nil, false)
	case "sleep":
		seconds, _ := job.JobDocument["seconds"].(float64)
		select {
		case <-time.After(time.Duration(seconds * float64(time.Second))):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case "":
		return errors.New("job document has no operation")
	default:
		return fmt.Errorf("unsupported operation %q", operation)
	}
}
