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

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type staticProvider struct {
	info map[string]int
}

func (s staticProvider) GetDebugInfo() interface{} {
	return s.info
}

var _ = Describe("Metrics", func() {
	It("should count shadow requests per result", func() {
		before := testutil.ToFloat64(shadowRequests.WithLabelValues("pump", "update", ResultAccepted))
		ObserveShadowRequest("pump", "update", ResultAccepted)
		ObserveShadowRequest("pump", "update", ResultAccepted)
		Expect(testutil.ToFloat64(shadowRequests.WithLabelValues("pump", "update", ResultAccepted))).To(Equal(before + 2))
	})

	It("should initialize error counters at zero", func() {
		InitErrorCounter(ComponentCoordinator, "fresh-thing")
		Expect(testutil.ToFloat64(errorCounter.WithLabelValues(ComponentCoordinator, "fresh-thing"))).To(Equal(0.0))
		IncErrorCount(ComponentCoordinator, "fresh-thing")
		Expect(testutil.ToFloat64(errorCounter.WithLabelValues(ComponentCoordinator, "fresh-thing"))).To(Equal(1.0))
	})

	It("should track the shadow version", func() {
		SetShadowVersion("pump", 42)
		Expect(testutil.ToFloat64(shadowVersion.WithLabelValues("pump"))).To(Equal(42.0))
	})

	Describe("debug endpoint", func() {
		AfterEach(func() {
			UnregisterDebugProvider("pump")
		})

		It("should serve registered providers as JSON", func() {
			RegisterDebugProvider("pump", staticProvider{info: map[string]int{"started": 3}})

			server := httptest.NewServer(Handler())
			defer server.Close()

			resp, err := http.Get(server.URL + "/debug/agent")
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(body)).To(MatchJSON(`{"pump":{"started":3}}`))
		})

		It("should refuse non-GET requests", func() {
			server := httptest.NewServer(Handler())
			defer server.Close()

			resp, err := http.Post(server.URL+"/debug/agent", "application/json", nil)
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})
})
