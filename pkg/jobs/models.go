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

// Package jobs runs remotely triggered jobs one at a time and reports their
// terminal status.
package jobs

import (
	"context"
	"errors"
	"fmt"
)

// Job execution status values as used on the wire.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusSucceeded  = "SUCCEEDED"
	StatusFailed     = "FAILED"
)

// ErrExecutionPanicked marks a failure caused by a panicking executor.
var ErrExecutionPanicked = errors.New("job execution panicked")

// Job is one execution of a remote job.
type Job struct {
	JobDocument     map[string]any `json:"jobDocument,omitempty"`
	JobID           string         `json:"jobId"`
	Status          string         `json:"status,omitempty"`
	VersionNumber   int64          `json:"versionNumber"`
	ExecutionNumber int64          `json:"executionNumber"`
}

// key identifies the execution for duplicate suppression.
func (j Job) key() string {
	return fmt.Sprintf("%s/%d", j.JobID, j.ExecutionNumber)
}

// Executor performs the work of a job. Returning an error, or panicking,
// marks the execution as failed.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job Job) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Stats counts job outcomes since the coordinator was created.
type Stats struct {
	// Started counts executions handed to the executor.
	Started uint64 `json:"started"`
	// Succeeded counts accepted status updates.
	Succeeded uint64 `json:"succeeded"`
	// Failed counts executions that returned an error or panicked.
	Failed uint64 `json:"failed"`
	// Rejected counts rejected start-next requests and rejected status updates.
	Rejected uint64 `json:"rejected"`
}

// StatusReport is the terminal status update of one execution.
type StatusReport struct {
	StatusDetails   map[string]string `json:"statusDetails,omitempty"`
	JobID           string            `json:"jobId"`
	Status          string            `json:"status"`
	ClientToken     string            `json:"clientToken,omitempty"`
	ExpectedVersion int64             `json:"expectedVersion"`
	ExecutionNumber int64             `json:"executionNumber"`
}

// executionMessage is the payload of notify-next and start-next/accepted.
type executionMessage struct {
	Execution   *Job   `json:"execution,omitempty"`
	ClientToken string `json:"clientToken,omitempty"`
}

// errorMessage is the payload of rejected responses.
type errorMessage struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientToken string `json:"clientToken,omitempty"`
}

type startNextRequest struct {
	ClientToken string `json:"clientToken"`
}
