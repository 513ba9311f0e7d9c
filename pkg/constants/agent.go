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

package constants

import "time"

const (
	// DefaultOperationTimeout bounds how long a shadow or job request waits
	// for its acknowledgement.
	DefaultOperationTimeout = 5 * time.Second

	// DefaultConnectTimeout is the time allowed for a single connect attempt.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultDisconnectTimeout is the quiesce time granted to in-flight work on disconnect.
	DefaultDisconnectTimeout = 250 * time.Millisecond

	// Reconnect backoff: the delay starts at DefaultReconnectMinBackoff and is
	// multiplied by DefaultReconnectBackoffRate until DefaultReconnectMaxBackoff.
	DefaultReconnectMinBackoff  = 1 * time.Second
	DefaultReconnectMaxBackoff  = 32 * time.Second
	DefaultReconnectBackoffRate = 2.0

	// DefaultKeepAlive is the MQTT keep-alive interval.
	DefaultKeepAlive = 30 * time.Second

	// DefaultQoS is used for every publish and subscribe.
	DefaultQoS = 1

	// AbandonedTokenTTL is how long the token of a timed out request is remembered,
	// so that a late acknowledgement can be told apart from traffic of other clients.
	AbandonedTokenTTL = 5 * time.Minute

	// AbandonedTokenCullInterval is the cull interval of the abandoned token map.
	AbandonedTokenCullInterval = time.Minute

	// DefaultExecutedJobCacheSize is the number of job executions remembered
	// to suppress duplicate deliveries.
	DefaultExecutedJobCacheSize = 1024

	// OutboxDrainMinInterval and OutboxDrainMaxInterval bound the retry loop
	// of undelivered job status reports.
	OutboxDrainMinInterval = 500 * time.Millisecond
	OutboxDrainMaxInterval = 30 * time.Second

	// ShutdownTimeout is the time granted to shutdown tasks after SIGTERM.
	ShutdownTimeout = 30 * time.Second

	// DefaultAppVersion is used when the binary is not built with a version.
	DefaultAppVersion = "0.0.0-dev"
)
