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

package sentry

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
)

const debounceWindow = 2 * time.Hour

var (
	lastSentMu sync.Mutex
	lastSent   = map[IssueType]time.Time{}
)

// ReportIssue logs err and forwards it to Sentry.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

// ReportIssuef formats an error message and reports it.
func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional context data that will be included in Sentry.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if err == nil {
		return
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	level := sentry.LevelError
	if issueType == IssueTypeWarning {
		level = sentry.LevelWarning
		log.Warn(err)
	} else {
		log.Error(err)
	}

	if !allowed(issueType) {
		return
	}
	sentry.CaptureEvent(createSentryEvent(level, err, context))
}

// allowed reports whether an issue of this type may be sent now.
func allowed(issueType IssueType) bool {
	if !shouldDebounceErrors {
		return true
	}

	lastSentMu.Lock()
	defer lastSentMu.Unlock()

	if time.Since(lastSent[issueType]) < debounceWindow {
		return false
	}
	lastSent[issueType] = time.Now()

	return true
}
