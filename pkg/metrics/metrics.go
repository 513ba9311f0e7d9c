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
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/logger"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/safejson"
)

const (
	// Component labels.
	ComponentSynchronizer = "shadow_synchronizer"
	ComponentCoordinator  = "job_coordinator"
	ComponentOutbox       = "job_outbox"
	ComponentTransport    = "transport"

	// Shadow request results.
	ResultPublished = "published"
	ResultAccepted  = "accepted"
	ResultRejected  = "rejected"
	ResultTimeout   = "timeout"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"

	// Job outcomes.
	JobStarted      = "started"
	JobSucceeded    = "succeeded"
	JobFailed       = "failed"
	JobRejected     = "rejected"
	JobStatusQueued = "status_queued"
)

var (
	namespace = "umh"
	subsystem = "shadow_agent"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	shadowRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "shadow_requests_total",
			Help:      "Shadow requests by thing, operation and result",
		},
		[]string{"thing", "operation", "result"},
	)

	shadowRoundTrip = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "shadow_round_trip_milliseconds",
			Help:      "Time between publishing a shadow request and processing its acknowledgement (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01, // 50th percentile with 1% error
				0.9:  0.01, // 90th percentile with 1% error
				0.99: 0.01, // 99th percentile with 1% error
			},
		},
		[]string{"thing", "operation"},
	)

	shadowDeltas = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "shadow_deltas_total",
			Help:      "Delta notifications processed by thing",
		},
		[]string{"thing"},
	)

	shadowVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "shadow_version",
			Help:      "Last known shadow document version",
		},
		[]string{"thing"},
	)

	jobEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "jobs_total",
			Help:      "Job lifecycle events by thing and outcome",
		},
		[]string{"thing", "outcome"},
	)

	jobDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  namespace,
			Subsystem:  subsystem,
			Name:       "job_execution_seconds",
			Help:       "Duration of job executions in seconds",
			Objectives: map[float64]float64{0.5: 0.01, 0.9: 0.01, 0.99: 0.01},
		},
		[]string{"thing"},
	)
)

// InitErrorCounter initializes the error counter of a component instance to 0.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

// IncErrorCount increments the error counter of a component instance.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// ObserveShadowRequest counts a shadow request result.
func ObserveShadowRequest(thing, operation, result string) {
	shadowRequests.WithLabelValues(thing, operation, result).Inc()
}

// ObserveShadowRoundTrip records the acknowledgement latency of a shadow request.
func ObserveShadowRoundTrip(thing, operation string, d time.Duration) {
	shadowRoundTrip.WithLabelValues(thing, operation).Observe(float64(d.Milliseconds()))
}

// ObserveDelta counts a processed delta and records the new shadow version.
func ObserveDelta(thing string) {
	shadowDeltas.WithLabelValues(thing).Inc()
}

// SetShadowVersion records the last known shadow version.
func SetShadowVersion(thing string, version int64) {
	shadowVersion.WithLabelValues(thing).Set(float64(version))
}

// ObserveJob counts a job lifecycle event.
func ObserveJob(thing, outcome string) {
	jobEvents.WithLabelValues(thing, outcome).Inc()
}

// ObserveJobDuration records how long an execution took.
func ObserveJobDuration(thing string, d time.Duration) {
	jobDuration.WithLabelValues(thing).Observe(d.Seconds())
}

// DebugProvider exposes a JSON-serializable view of a component on /debug/agent.
type DebugProvider interface {
	GetDebugInfo() interface{}
}

var debugRegistry struct {
	providers map[string]DebugProvider
	mu        sync.RWMutex
}

// RegisterDebugProvider registers a provider under name.
func RegisterDebugProvider(name string, provider DebugProvider) {
	debugRegistry.mu.Lock()
	defer debugRegistry.mu.Unlock()

	if debugRegistry.providers == nil {
		debugRegistry.providers = make(map[string]DebugProvider)
	}
	debugRegistry.providers[name] = provider
}

// UnregisterDebugProvider removes a provider from the registry.
func UnregisterDebugProvider(name string) {
	debugRegistry.mu.Lock()
	defer debugRegistry.mu.Unlock()

	delete(debugRegistry.providers, name)
}

func handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	debugRegistry.mu.RLock()
	response := make(map[string]interface{}, len(debugRegistry.providers))
	for name, provider := range debugRegistry.providers {
		response[name] = provider.GetDebugInfo()
	}
	debugRegistry.mu.RUnlock()

	encoded, err := safejson.Marshal(response)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(encoded)
}

// Handler returns the mux serving /metrics and /debug/agent.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/agent", handleDebug)

	return mux
}

// SetupMetricsEndpoint starts serving Handler() on addr in the background.
func SetupMetricsEndpoint(addr string) *http.Server {
	log := logger.For(logger.ComponentMetrics)

	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("Starting metrics server on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %s", err)
		}
	}()

	return server
}
