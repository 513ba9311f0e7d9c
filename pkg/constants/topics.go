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

import "fmt"

// Shadow and job topics follow the AWS IoT reserved topic layout.
const (
	shadowTopicPrefix = "$aws/things/%s/shadow"
	jobsTopicPrefix   = "$aws/things/%s/jobs"

	// ShadowOperationGet requests the full shadow document.
	ShadowOperationGet = "get"
	// ShadowOperationUpdate patches the shadow document.
	ShadowOperationUpdate = "update"
	// ShadowOperationDelete removes the shadow document.
	ShadowOperationDelete = "delete"

	// ResponseAccepted is the suffix of accepted responses.
	ResponseAccepted = "accepted"
	// ResponseRejected is the suffix of rejected responses.
	ResponseRejected = "rejected"
	// ResponseDelta is the suffix of delta notifications.
	ResponseDelta = "delta"
)

// ShadowTopic returns the request topic of a shadow operation.
func ShadowTopic(thingName, operation string) string {
	return fmt.Sprintf(shadowTopicPrefix, thingName) + "/" + operation
}

// ShadowResponseTopic returns the topic of a shadow operation response,
// e.g. $aws/things/pump/shadow/update/accepted.
func ShadowResponseTopic(thingName, operation, response string) string {
	return ShadowTopic(thingName, operation) + "/" + response
}

// JobsNotifyNextTopic is where the service announces the next pending job.
func JobsNotifyNextTopic(thingName string) string {
	return fmt.Sprintf(jobsTopicPrefix, thingName) + "/notify-next"
}

// JobsStartNextTopic requests the next pending job to be started.
func JobsStartNextTopic(thingName string) string {
	return fmt.Sprintf(jobsTopicPrefix, thingName) + "/start-next"
}

// JobsStartNextResponseTopic returns the accepted/rejected topic for start-next.
func JobsStartNextResponseTopic(thingName, response string) string {
	return JobsStartNextTopic(thingName) + "/" + response
}

// JobsUpdateTopic returns the status update topic of a job.
func JobsUpdateTopic(thingName, jobID string) string {
	return fmt.Sprintf(jobsTopicPrefix, thingName) + "/" + jobID + "/update"
}

// JobsUpdateResponseFilter returns a wildcard filter matching the update
// responses of every job of the thing.
func JobsUpdateResponseFilter(thingName, response string) string {
	return JobsUpdateTopic(thingName, "+") + "/" + response
}
