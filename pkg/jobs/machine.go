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

package jobs

import (
	"context"

	"github.com/looplab/fsm"
)

// Coordinator states.
const (
	StateIdle      = "idle"
	StateStarting  = "starting"
	StateExecuting = "executing"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// Coordinator events.
const (
	EventStartNext     = "start_next"
	EventNoJob         = "no_job"
	EventStartRejected = "start_rejected"
	EventExecute       = "execute"
	EventSucceed       = "succeed"
	EventFail          = "fail"
	EventReset         = "reset"
)

func newMachine(onEnter fsm.Callback) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			// A job is announced, ask the service to start it
			{Name: EventStartNext, Src: []string{StateIdle}, Dst: StateStarting},

			// The service answered the start-next request
			{Name: EventNoJob, Src: []string{StateStarting}, Dst: StateIdle},
			{Name: EventStartRejected, Src: []string{StateStarting}, Dst: StateIdle},
			{Name: EventExecute, Src: []string{StateStarting}, Dst: StateExecuting},

			// The executor returned
			{Name: EventSucceed, Src: []string{StateExecuting}, Dst: StateSucceeded},
			{Name: EventFail, Src: []string{StateExecuting}, Dst: StateFailed},

			// The status report left the device, or the start-next request could not be sent
			{Name: EventReset, Src: []string{StateSucceeded, StateFailed, StateStarting}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				onEnter(ctx, e)
			},
		},
	)
}
