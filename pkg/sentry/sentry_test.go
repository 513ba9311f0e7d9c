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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"
)

var _ = Describe("Sentry reporting", func() {
	AfterEach(func() {
		DisableTestMode()
		lastSentMu.Lock()
		lastSent = map[IssueType]time.Time{}
		lastSentMu.Unlock()
	})

	It("should use the first phrase as title", func() {
		err := errors.New("shadow update rejected: version conflict") //nolint:err113 // Test needs dynamic error
		Expect(getMeaningfulErrorTitle(err)).To(Equal("shadow update rejected"))
	})

	It("should cap long titles", func() {
		err := errors.New(strings.Repeat("x", 150)) //nolint:err113 // Test needs dynamic error
		Expect(getMeaningfulErrorTitle(err)).To(HaveLen(100))
	})

	It("should attach context as tags and extras", func() {
		err := fmt.Errorf("job %s lost", "j1")
		event := createSentryEvent(sentry.LevelError, err, map[string]interface{}{"thing": "pump", "attempt": 3})

		Expect(event.Level).To(Equal(sentry.LevelError))
		Expect(event.Tags).To(HaveKeyWithValue("thing", "pump"))
		Expect(event.Tags).ToNot(HaveKey("attempt"))
		Expect(event.Extra).To(HaveKeyWithValue("attempt", 3))
		Expect(event.Exception).To(HaveLen(1))
	})

	It("should debounce reports of the same type", func() {
		Expect(allowed(IssueTypeError)).To(BeTrue())
		Expect(allowed(IssueTypeError)).To(BeFalse())
		Expect(allowed(IssueTypeWarning)).To(BeTrue())
	})

	It("should not debounce in test mode", func() {
		EnableTestMode()
		Expect(allowed(IssueTypeError)).To(BeTrue())
		Expect(allowed(IssueTypeError)).To(BeTrue())
	})

	It("should ignore nil errors and report without a client", func() {
		log := zaptest.NewLogger(GinkgoT()).Sugar()
		Expect(func() {
			ReportIssue(nil, IssueTypeError, log)
			ReportIssuef(IssueTypeWarning, log, "outbox at %d%%", 90)
		}).ToNot(Panic())
	})
})
