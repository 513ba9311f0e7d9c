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

package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/backoff"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/constants"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/jobs"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/safejson"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/transport"
)

const thing = "press-3"

func job(id string, version, execution int64) jobs.Job {
	return jobs.Job{
		JobID:           id,
		JobDocument:     map[string]any{"operation": "reboot"},
		VersionNumber:   version,
		ExecutionNumber: execution,
	}
}

var _ = Describe("Coordinator", func() {
	var (
		ctx         context.Context
		cancel      context.CancelFunc
		client      *transport.MockClient
		service     *fakeJobsService
		coordinator *jobs.Coordinator
		executeFn   func(ctx context.Context, job jobs.Job) error
		executions  atomic.Int32
	)

	newCoordinator := func() *jobs.Coordinator {
		c, err := jobs.NewCoordinator(jobs.Config{
			ThingName:        thing,
			OperationTimeout: time.Second,
			QoS:              1,
			Drain:            backoff.Policy{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Rate: 2},
		}, client, jobs.ExecutorFunc(func(ctx context.Context, job jobs.Job) error {
			executions.Add(1)
			if executeFn != nil {
				return executeFn(ctx, job)
			}
			return nil
		}))
		Expect(err).ToNot(HaveOccurred())

		return c
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		client = transport.NewMockClient()
		Expect(client.Connect(ctx)).To(Succeed())
		executeFn = nil
		executions.Store(0)
	})

	AfterEach(func() {
		if coordinator != nil {
			Expect(coordinator.Stop()).To(Succeed())
			coordinator = nil
		}
		cancel()
		client.Disconnect()
	})

	It("should require an executor", func() {
		_, err := jobs.NewCoordinator(jobs.Config{ThingName: thing}, client, nil)
		Expect(err).To(HaveOccurred())
	})

	It("should report no pending jobs", func() {
		service = newFakeJobsService(client, thing)
		coordinator = newCoordinator()

		Expect(coordinator.Start(ctx)).To(Succeed())

		Eventually(coordinator.JobsDone).Should(BeTrue())
		Expect(coordinator.State()).To(Equal(jobs.StateIdle))
		Expect(executions.Load()).To(BeZero())
	})

	It("should execute a job and report success exactly once", func() {
		service = newFakeJobsService(client, thing)
		coordinator = newCoordinator()
		Expect(coordinator.Start(ctx)).To(Succeed())
		Eventually(coordinator.JobsDone).Should(BeTrue())

		service.enqueue(job("j1", 2, 1))

		Eventually(service.reportCount).Should(Equal(1))
		Consistently(service.reportCount, 100*time.Millisecond).Should(Equal(1))

		report := service.statusReports()[0]
		Expect(report.JobID).To(Equal("j1"))
		Expect(report.Status).To(Equal(jobs.StatusSucceeded))
		Expect(report.ExpectedVersion).To(BeEquivalentTo(2))
		Expect(report.ExecutionNumber).To(BeEquivalentTo(1))

		Eventually(func() jobs.Stats { return coordinator.Stats() }).Should(Equal(jobs.Stats{Started: 1, Succeeded: 1}))
		Eventually(coordinator.JobsDone).Should(BeTrue())
		Eventually(coordinator.State).Should(Equal(jobs.StateIdle))
	})

	It("should pass the job document to the executor", func() {
		received := make(chan jobs.Job, 1)
		executeFn = func(_ context.Context, job jobs.Job) error {
			received <- job
			return nil
		}
		service = newFakeJobsService(client, thing, job("j1", 1, 4))
		coordinator = newCoordinator()

		Expect(coordinator.Start(ctx)).To(Succeed())

		var got jobs.Job
		Eventually(received).Should(Receive(&got))
		Expect(got.JobID).To(Equal("j1"))
		Expect(got.ExecutionNumber).To(BeEquivalentTo(4))
		Expect(got.JobDocument).To(HaveKeyWithValue("operation", "reboot"))
	})

	It("should report failure when the executor returns an error", func() {
		executeFn = func(context.Context, jobs.Job) error {
			return errors.New("firmware image corrupt") //nolint:err113 // Test needs dynamic error
		}
		service = newFakeJobsService(client, thing, job("j1", 3, 1))
		coordinator = newCoordinator()

		Expect(coordinator.Start(ctx)).To(Succeed())

		Eventually(service.reportCount).Should(Equal(1))
		Consistently(service.reportCount, 100*time.Millisecond).Should(Equal(1))
		report := service.statusReports()[0]
		Expect(report.JobID).To(Equal("j1"))
		Expect(report.Status).To(Equal(jobs.StatusFailed))
		Expect(report.ExpectedVersion).To(BeEquivalentTo(3))
		Expect(report.StatusDetails).To(HaveKeyWithValue("reason", "firmware image corrupt"))
		Eventually(func() uint64 { return coordinator.Stats().Failed }).Should(BeEquivalentTo(1))
	})

	It("should report failure when the executor panics", func() {
		executeFn = func(context.Context, jobs.Job) error {
			panic("nil pointer in device driver")
		}
		service = newFakeJobsService(client, thing, job("j1", 1, 1))
		coordinator = newCoordinator()

		Expect(coordinator.Start(ctx)).To(Succeed())

		Eventually(service.reportCount).Should(Equal(1))
		Expect(service.statusReports()[0].Status).To(Equal(jobs.StatusFailed))
		Expect(service.statusReports()[0].StatusDetails["reason"]).To(ContainSubstring("nil pointer in device driver"))
		Eventually(coordinator.State).Should(Equal(jobs.StateIdle))
	})

	It("should never run two executions at once", func() {
		var active, maxActive atomic.Int32
		var overlapping atomic.Bool
		var mu sync.Mutex
		executeFn = func(context.Context, jobs.Job) error {
			now := active.Add(1)
			defer active.Add(-1)
			mu.Lock()
			if now > maxActive.Load() {
				maxActive.Store(now)
			}
			mu.Unlock()
			// every earlier execution must have been reported already
			if int(executions.Load())-1 != service.reportCount() {
				overlapping.Store(true)
			}
			time.Sleep(5 * time.Millisecond)
			return nil
		}
		service = newFakeJobsService(client, thing)
		coordinator = newCoordinator()
		Expect(coordinator.Start(ctx)).To(Succeed())
		Eventually(coordinator.JobsDone).Should(BeTrue())

		for i := range 5 {
			service.enqueue(job(fmt.Sprintf("j%d", i), 1, 1))
		}
		for range 10 {
			payload, _ := safejson.Marshal(map[string]any{"execution": job("j0", 1, 1)})
			client.Deliver(constants.JobsNotifyNextTopic(thing), payload)
		}

		Eventually(service.reportCount, 5*time.Second).Should(Equal(5))
		Consistently(service.reportCount, 100*time.Millisecond).Should(Equal(5))
		Expect(maxActive.Load()).To(BeEquivalentTo(1))
		Expect(overlapping.Load()).To(BeFalse())
		Expect(executions.Load()).To(BeEquivalentTo(5))
		Eventually(coordinator.JobsDone).Should(BeTrue())
	})

	It("should not execute a redelivered execution twice", func() {
		service = newFakeJobsService(client, thing, job("j1", 1, 1))
		service.sticky = true
		coordinator = newCoordinator()

		Expect(coordinator.Start(ctx)).To(Succeed())

		Eventually(service.reportCount).Should(Equal(1))
		Eventually(service.startNextCount).Should(Equal(2))
		Consistently(executions.Load, 100*time.Millisecond).Should(BeEquivalentTo(1))
		Eventually(coordinator.State).Should(Equal(jobs.StateIdle))
	})

	It("should count rejected start-next requests without retrying", func() {
		service = newFakeJobsService(client, thing)
		service.rejectStartNext = true
		coordinator = newCoordinator()

		Expect(coordinator.Start(ctx)).To(Succeed())

		Eventually(func() uint64 { return coordinator.Stats().Rejected }).Should(BeEquivalentTo(1))
		Eventually(coordinator.State).Should(Equal(jobs.StateIdle))
		Consistently(service.startNextCount, 100*time.Millisecond).Should(Equal(1))
		Expect(coordinator.JobsDone()).To(BeFalse())
	})

	It("should count rejected status updates", func() {
		service = newFakeJobsService(client, thing, job("j1", 1, 1))
		service.rejectUpdates = true
		coordinator = newCoordinator()

		Expect(coordinator.Start(ctx)).To(Succeed())

		Eventually(func() jobs.Stats { return coordinator.Stats() }).Should(Equal(jobs.Stats{Started: 1, Rejected: 1}))
	})

	It("should ignore notify-next without execution", func() {
		service = newFakeJobsService(client, thing)
		coordinator = newCoordinator()
		Expect(coordinator.Start(ctx)).To(Succeed())
		Eventually(service.startNextCount).Should(Equal(1))
		Eventually(coordinator.State).Should(Equal(jobs.StateIdle))

		client.Deliver(constants.JobsNotifyNextTopic(thing), []byte(`{}`))
		client.Deliver(constants.JobsNotifyNextTopic(thing), []byte(`not json`))

		Consistently(service.startNextCount, 100*time.Millisecond).Should(Equal(1))
	})

	It("should queue undelivered reports and hold back the next job until delivered", func() {
		boom := errors.New("connection reset") //nolint:err113 // Test needs dynamic error
		executeFn = func(_ context.Context, job jobs.Job) error {
			if job.JobID == "j1" {
				client.SetPublishError(boom)
			}
			return nil
		}
		service = newFakeJobsService(client, thing, job("j1", 1, 1), job("j2", 1, 1))
		coordinator = newCoordinator()

		Expect(coordinator.Start(ctx)).To(Succeed())

		Eventually(func() int {
			info := coordinator.GetDebugInfo().(jobs.CoordinatorDebugInfo)
			return info.QueuedCount
		}).Should(Equal(1))
		Expect(coordinator.State()).To(Equal(jobs.StateSucceeded))
		Consistently(executions.Load, 50*time.Millisecond).Should(BeEquivalentTo(1))

		client.SetPublishError(nil)

		Eventually(service.reportCount).Should(Equal(2))
		reports := service.statusReports()
		Expect(reports[0].JobID).To(Equal("j1"))
		Expect(reports[1].JobID).To(Equal("j2"))
		Expect(executions.Load()).To(BeEquivalentTo(2))
		Eventually(coordinator.JobsDone).Should(BeTrue())
	})

	It("should drain a persisted outbox before asking for new jobs", func() {
		dir := GinkgoT().TempDir()
		outbox, err := jobs.NewOutbox(dir)
		Expect(err).ToNot(HaveOccurred())
		Expect(outbox.Push(jobs.StatusReport{JobID: "old", Status: jobs.StatusSucceeded, ExpectedVersion: 1, ExecutionNumber: 1})).To(Succeed())

		service = newFakeJobsService(client, thing)
		coordinator, err = jobs.NewCoordinator(jobs.Config{
			ThingName: thing,
			Outbox:    outbox,
			Drain:     backoff.Policy{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Rate: 2},
		}, client, jobs.ExecutorFunc(func(context.Context, jobs.Job) error { return nil }))
		Expect(err).ToNot(HaveOccurred())

		Expect(coordinator.Start(ctx)).To(Succeed())

		Eventually(service.reportCount).Should(Equal(1))
		Expect(service.statusReports()[0].JobID).To(Equal("old"))
		Eventually(coordinator.JobsDone).Should(BeTrue())
		Expect(outbox.Len()).To(BeZero())
	})

	It("should accept new jobs after a start-next response got lost", func() {
		service = newFakeJobsService(client, thing)
		service.setSilent(true)
		var err error
		coordinator, err = jobs.NewCoordinator(jobs.Config{
			ThingName:        thing,
			OperationTimeout: 100 * time.Millisecond,
		}, client, jobs.ExecutorFunc(func(context.Context, jobs.Job) error {
			executions.Add(1)
			return nil
		}))
		Expect(err).ToNot(HaveOccurred())

		Expect(coordinator.Start(ctx)).To(Succeed())
		Eventually(service.startNextCount).Should(Equal(1))
		Eventually(coordinator.State).Should(Equal(jobs.StateIdle))

		service.setSilent(false)
		service.enqueue(job("j1", 1, 1))

		Eventually(service.startNextCount).Should(Equal(2))
		Eventually(service.reportCount).Should(Equal(1))
		Expect(executions.Load()).To(BeEquivalentTo(1))
	})

	It("should not time out a start-next that was answered", func() {
		service = newFakeJobsService(client, thing)
		var err error
		coordinator, err = jobs.NewCoordinator(jobs.Config{
			ThingName:        thing,
			OperationTimeout: 50 * time.Millisecond,
		}, client, jobs.ExecutorFunc(func(ctx context.Context, _ jobs.Job) error {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
			}
			return nil
		}))
		Expect(err).ToNot(HaveOccurred())
		Expect(coordinator.Start(ctx)).To(Succeed())
		Eventually(coordinator.JobsDone).Should(BeTrue())

		service.enqueue(job("j1", 1, 1))

		Eventually(coordinator.State).Should(Equal(jobs.StateExecuting))
		Consistently(coordinator.State, 100*time.Millisecond).Should(Equal(jobs.StateExecuting))
		Eventually(service.reportCount).Should(Equal(1))
	})

	Describe("Stop", func() {
		var started chan struct{}

		BeforeEach(func() {
			started = make(chan struct{})
			executeFn = func(context.Context, jobs.Job) error {
				close(started)
				time.Sleep(200 * time.Millisecond)
				return nil
			}
		})

		It("should wait for a running execution and report it", func() {
			service = newFakeJobsService(client, thing, job("j1", 1, 1))
			coordinator = newCoordinator()
			Expect(coordinator.Start(ctx)).To(Succeed())
			Eventually(started).Should(BeClosed())

			Expect(coordinator.Stop()).To(Succeed())
			coordinator = nil

			Expect(service.reportCount()).To(Equal(1))
			Expect(service.statusReports()[0].Status).To(Equal(jobs.StatusSucceeded))
			Consistently(service.startNextCount, 100*time.Millisecond).Should(Equal(1))
		})

		It("should keep the report of a running execution in the outbox", func() {
			dir := GinkgoT().TempDir()
			outbox, err := jobs.NewOutbox(dir)
			Expect(err).ToNot(HaveOccurred())

			service = newFakeJobsService(client, thing, job("j1", 1, 1))
			coordinator, err = jobs.NewCoordinator(jobs.Config{
				ThingName: thing,
				Outbox:    outbox,
				Drain:     backoff.Policy{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Rate: 2},
			}, client, jobs.ExecutorFunc(func(ctx context.Context, job jobs.Job) error {
				return executeFn(ctx, job)
			}))
			Expect(err).ToNot(HaveOccurred())
			Expect(coordinator.Start(ctx)).To(Succeed())
			Eventually(started).Should(BeClosed())
			client.SetPublishError(errors.New("broker gone")) //nolint:err113 // Test needs dynamic error

			Expect(coordinator.Stop()).To(Succeed())
			coordinator = nil

			reopened, err := jobs.NewOutbox(dir)
			Expect(err).ToNot(HaveOccurred())
			defer func() { Expect(reopened.Close()).To(Succeed()) }()
			Expect(reopened.Len()).To(Equal(1))
			report, ok, err := reopened.Peek()
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(report.JobID).To(Equal("j1"))
		})
	})

	It("should cut long failure reasons on a character boundary", func() {
		reason := strings.Repeat("a", 255) + "ü and more"
		executeFn = func(context.Context, jobs.Job) error {
			return errors.New(reason) //nolint:err113 // Test needs dynamic error
		}
		service = newFakeJobsService(client, thing, job("j1", 1, 1))
		coordinator = newCoordinator()

		Expect(coordinator.Start(ctx)).To(Succeed())

		Eventually(service.reportCount).Should(Equal(1))
		Expect(service.statusReports()[0].StatusDetails).To(HaveKeyWithValue("reason", strings.Repeat("a", 255)))
	})
})
