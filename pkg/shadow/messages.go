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

package shadow

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTimeout is returned when no acknowledgement arrived within the operation timeout.
	ErrTimeout = errors.New("shadow request timed out")
	// ErrRejected is wrapped by every RejectedError.
	ErrRejected = errors.New("shadow request rejected")
	// ErrNotStarted is returned when a request is issued before Start or after Stop.
	ErrNotStarted = errors.New("shadow synchronizer not running")
)

// RejectedError carries the error document of a rejected shadow request.
type RejectedError struct {
	Operation string
	Message   string
	Code      int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("shadow %s rejected (%d): %s", e.Operation, e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// IsNotFound reports whether err is a rejection because the shadow does not exist.
func IsNotFound(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && rejected.Code == http.StatusNotFound
}

// responseState is the state object of accepted responses. Delta is set when
// a GET or UPDATE acknowledgement also carries desired state not yet reported.
type responseState struct {
	Reported map[string]any `json:"reported,omitempty"`
	Desired  map[string]any `json:"desired,omitempty"`
	Delta    map[string]any `json:"delta,omitempty"`
}

// response is the union of accepted and rejected shadow responses.
type response struct {
	State       *responseState `json:"state,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ClientToken string         `json:"clientToken,omitempty"`
	Message     string         `json:"message,omitempty"`
	Version     int64          `json:"version,omitempty"`
	Timestamp   int64          `json:"timestamp,omitempty"`
	Code        int            `json:"code,omitempty"`
}

// deltaMessage is published on the update/delta topic.
type deltaMessage struct {
	State       map[string]any `json:"state"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ClientToken string         `json:"clientToken,omitempty"`
	Version     int64          `json:"version"`
	Timestamp   int64          `json:"timestamp"`
}

// ack is a correlated response handed to the waiting request.
type ack struct {
	resp   response
	status string
}

func (a ack) rejection(operation string) *RejectedError {
	return &RejectedError{Operation: operation, Code: a.resp.Code, Message: a.resp.Message}
}

func requestPayload(token string, state map[string]any) map[string]any {
	payload := map[string]any{"clientToken": token}
	if state != nil {
		payload["state"] = state
	}

	return payload
}
