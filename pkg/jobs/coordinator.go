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
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/backoff"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/constants"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/logger"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/metrics"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/safejson"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/sentry"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/transport"
)

// Config configures a Coordinator.
type Config struct {
	// Outbox stores undelivered status reports. Defaults to an in-memory outbox.
	Outbox    Outbox
	ThingName string
	// OperationTimeout bounds every publish and the wait for a start-next response.
	OperationTimeout time.Duration
	// Drain is the retry schedule of undelivered status reports.
	Drain             backoff.Policy
	ExecutedCacheSize int
	QoS               byte
}

// Coordinator drives job executions one at a time:
// notify-next -> start-next -> execute -> status report -> start-next.
// A new start-next is only requested once the status of the previous
// execution left the device, so executions never overlap.
type Coordinator struct {
	client   transport.Client
	executor Executor
	machine  *fsm.FSM
	outbox   Outbox
	executed *lru.Cache
	log      *zap.SugaredLogger
	runCtx   context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	cfg      Config

	started   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	jobsDone  atomic.Bool

	// reports tracks executions from start until their status report left
	// the device or was queued
	reports sync.WaitGroup
	drainer sync.WaitGroup

	// startAttempt identifies the start-next request startTimer belongs to
	startAttempt uint64
	startTimer   *time.Timer
	stopping     bool
	// mu serialises machine events
	mu sync.Mutex
}

// NewCoordinator creates a coordinator for one thing. Call Start to subscribe.
func NewCoordinator(cfg Config, client transport.Client, executor Executor) (*Coordinator, error) {
	if executor == nil {
		return nil, errors.New("job executor must not be nil")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = constants.DefaultOperationTimeout
	}
	if cfg.ExecutedCacheSize <= 0 {
		cfg.ExecutedCacheSize = constants.DefaultExecutedJobCacheSize
	}
	if cfg.Drain.Min <= 0 {
		cfg.Drain = backoff.Policy{
			Min:  constants.OutboxDrainMinInterval,
			Max:  constants.OutboxDrainMaxInterval,
			Rate: 2,
		}
	}
	if cfg.Outbox == nil {
		cfg.Outbox = newMemoryOutbox()
	}

	executed, err := lru.New(cfg.ExecutedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create executed job cache: %w", err)
	}

	c := &Coordinator{
		client:   client,
		executor: executor,
		outbox:   cfg.Outbox,
		executed: executed,
		log:      logger.ForThing(logger.ComponentCoordinator, cfg.ThingName),
		wake:     make(chan struct{}, 1),
		cfg:      cfg,
	}
	c.machine = newMachine(func(_ context.Context, e *fsm.Event) {
		c.log.Debugf("Job coordinator %s -> %s (%s)", e.Src, e.Dst, e.Event)
	})

	metrics.InitErrorCounter(metrics.ComponentCoordinator, cfg.ThingName)

	return c, nil
}

// Start subscribes to the job topics, starts delivering queued status
// reports and asks the service for the next pending job.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx, c.cancel = context.WithCancel(ctx)
	runCtx := c.runCtx
	c.mu.Unlock()

	thing := c.cfg.ThingName
	subscriptions := map[string]transport.MessageHandler{
		constants.JobsNotifyNextTopic(thing):                                    c.handleNotifyNext,
		constants.JobsStartNextResponseTopic(thing, constants.ResponseAccepted): c.handleStartNextAccepted,
		constants.JobsStartNextResponseTopic(thing, constants.ResponseRejected): c.handleStartNextRejected,
		constants.JobsUpdateResponseFilter(thing, constants.ResponseAccepted):   c.handleUpdateAccepted,
		constants.JobsUpdateResponseFilter(thing, constants.ResponseRejected):   c.handleUpdateRejected,
	}
	for topic, handler := range subscriptions {
		if err := c.client.Subscribe(ctx, topic, c.cfg.QoS, handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	c.drainer.Add(1)
	go c.drainLoop(runCtx)

	if c.outbox.Len() > 0 {
		c.log.Infof("Found %d undelivered status reports", c.outbox.Len())
		c.mu.Lock()
		// the report of the last execution is still pending, hold back start-next
		c.machine.SetState(StateFailed)
		c.mu.Unlock()
		c.signalDrain()
		return nil
	}

	c.requestStartNext(runCtx)
	c.log.Infof("Job coordinator started")

	return nil
}

// Stop refuses new jobs, waits for a running execution and its status
// report, then stops the drain loop and closes the outbox.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	c.stopping = true
	c.stopStartTimerLocked()
	c.mu.Unlock()

	c.reports.Wait()

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.drainer.Wait()

	return c.outbox.Close()
}

// Stats returns a snapshot of the job counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Started:   c.started.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
		Rejected:  c.rejected.Load(),
	}
}

// JobsDone reports whether the last start-next found no pending job.
func (c *Coordinator) JobsDone() bool {
	return c.jobsDone.Load()
}

// State returns the current coordinator state.
func (c *Coordinator) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.machine.Current()
}

// fire sends event to the machine. Callers hold c.mu.
func (c *Coordinator) fire(event string) error {
	// the machine is only driven from here, a cancelled run context must not
	// leave it mid-transition
	if err := c.machine.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return fmt.Errorf("job coordinator event %s in state %s: %w", event, c.machine.Current(), err)
	}

	return nil
}

// requestStartNext asks the service to start the next pending job, unless a
// job is being started, executed or its status report is still pending.
func (c *Coordinator) requestStartNext(ctx context.Context) {
	c.mu.Lock()
	if c.stopping || !c.machine.Can(EventStartNext) || c.outbox.Len() > 0 {
		c.log.Debugf("Not requesting next job in state %s", c.machine.Current())
		c.mu.Unlock()
		return
	}
	if err := c.fire(EventStartNext); err != nil {
		c.log.Errorf("%s", err)
		c.mu.Unlock()
		return
	}
	c.startAttempt++
	attempt := c.startAttempt
	c.mu.Unlock()

	err := c.publish(ctx, constants.JobsStartNextTopic(c.cfg.ThingName), startNextRequest{ClientToken: uuid.NewString()})
	if err == nil {
		c.mu.Lock()
		if !c.stopping && c.startAttempt == attempt && c.machine.Current() == StateStarting {
			c.stopStartTimerLocked()
			c.startTimer = time.AfterFunc(c.cfg.OperationTimeout, func() { c.startNextTimedOut(attempt) })
		}
		c.mu.Unlock()
		return
	}

	c.log.Warnf("Failed to request next job: %s", err)
	c.mu.Lock()
	if c.machine.Current() == StateStarting {
		if err := c.fire(EventReset); err != nil {
			c.log.Errorf("%s", err)
		}
	}
	c.mu.Unlock()
}

// startNextTimedOut returns the machine to idle when the response to a
// start-next request never arrived, so the next notify-next can start a job.
func (c *Coordinator) startNextTimedOut(attempt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopping || c.startAttempt != attempt || c.machine.Current() != StateStarting {
		return
	}
	c.startTimer = nil
	metrics.IncErrorCount(metrics.ComponentCoordinator, c.cfg.ThingName)
	c.log.Warnf("No start-next response within %s, waiting for the next job notification", c.cfg.OperationTimeout)
	if err := c.fire(EventReset); err != nil {
		c.log.Errorf("%s", err)
	}
}

// stopStartTimerLocked disarms the start-next timeout. Callers hold c.mu.
func (c *Coordinator) stopStartTimerLocked() {
	if c.startTimer != nil {
		c.startTimer.Stop()
		c.startTimer = nil
	}
}

func (c *Coordinator) handleNotifyNext(topic string, payload []byte) {
	defer c.recoverCallback(topic)

	var msg executionMessage
	if err := safejson.Unmarshal(payload, &msg); err != nil {
		c.log.Warnf("Ignoring malformed notify-next message: %s", err)
		return
	}
	if msg.Execution == nil || msg.Execution.JobID == "" {
		c.log.Debugf("Notify-next without pending job")
		return
	}

	c.log.Infof("Job %s is pending", msg.Execution.JobID)
	c.requestStartNext(c.context())
}

func (c *Coordinator) handleStartNextAccepted(topic string, payload []byte) {
	defer c.recoverCallback(topic)

	var msg executionMessage
	if err := safejson.Unmarshal(payload, &msg); err != nil {
		c.log.Warnf("Ignoring malformed start-next response: %s", err)
		msg = executionMessage{}
	}

	c.mu.Lock()
	if c.machine.Current() != StateStarting {
		c.log.Debugf("Ignoring start-next response in state %s", c.machine.Current())
		c.mu.Unlock()
		return
	}
	c.stopStartTimerLocked()

	if msg.Execution == nil || msg.Execution.JobID == "" {
		c.jobsDone.Store(true)
		if err := c.fire(EventNoJob); err != nil {
			c.log.Errorf("%s", err)
		}
		c.mu.Unlock()
		c.log.Infof("No pending jobs")
		return
	}

	job := *msg.Execution
	if c.executed.Contains(job.key()) {
		// redelivery of an execution that was already run and reported
		if err := c.fire(EventNoJob); err != nil {
			c.log.Errorf("%s", err)
		}
		c.mu.Unlock()
		c.log.Warnf("Skipping already executed job %s (execution %d)", job.JobID, job.ExecutionNumber)
		return
	}

	if c.stopping {
		if err := c.fire(EventReset); err != nil {
			c.log.Errorf("%s", err)
		}
		c.mu.Unlock()
		c.log.Infof("Not starting job %s while stopping", job.JobID)
		return
	}

	if err := c.fire(EventExecute); err != nil {
		c.log.Errorf("%s", err)
		c.mu.Unlock()
		return
	}
	c.reports.Add(1)
	c.executed.Add(job.key(), time.Now())
	c.jobsDone.Store(false)
	c.started.Add(1)
	metrics.ObserveJob(c.cfg.ThingName, metrics.JobStarted)
	c.mu.Unlock()

	c.run(job)
}

// run executes job on the calling goroutine and reports its outcome in the
// background. The caller has registered the execution with c.reports.
func (c *Coordinator) run(job Job) {
	c.log.Infof("Executing job %s (version %d, execution %d)", job.JobID, job.VersionNumber, job.ExecutionNumber)

	begin := time.Now()
	err := c.execute(job)
	metrics.ObserveJobDuration(c.cfg.ThingName, time.Since(begin))

	report := StatusReport{
		JobID:           job.JobID,
		Status:          StatusSucceeded,
		ExpectedVersion: job.VersionNumber,
		ExecutionNumber: job.ExecutionNumber,
		ClientToken:     uuid.NewString(),
	}
	event := EventSucceed
	if err != nil {
		c.failed.Add(1)
		metrics.ObserveJob(c.cfg.ThingName, metrics.JobFailed)
		c.log.Warnf("Job %s failed: %s", job.JobID, err)
		report.Status = StatusFailed
		report.StatusDetails = map[string]string{"reason": truncate(err.Error(), 256)}
		event = EventFail
	} else {
		c.log.Infof("Job %s succeeded", job.JobID)
	}

	c.mu.Lock()
	if err := c.fire(event); err != nil {
		c.log.Errorf("%s", err)
	}
	c.mu.Unlock()

	go c.report(report)
}

// execute calls the executor, turning a panic into an error.
func (c *Coordinator) execute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrExecutionPanicked, r)
			c.log.Debugf("Stack of panicking job %s: %s", job.JobID, debug.Stack())
		}
	}()

	return c.executor.Execute(c.context(), job)
}

// report publishes a status report. Undelivered reports go to the outbox
// and are retried by the drain loop.
func (c *Coordinator) report(report StatusReport) {
	defer c.reports.Done()

	ctx := c.context()
	err := c.publish(ctx, constants.JobsUpdateTopic(c.cfg.ThingName, report.JobID), report)
	if err != nil {
		metrics.IncErrorCount(metrics.ComponentCoordinator, c.cfg.ThingName)
		metrics.ObserveJob(c.cfg.ThingName, metrics.JobStatusQueued)
		c.log.Warnf("Failed to report status of job %s, queueing: %s", report.JobID, err)
		if err := c.outbox.Push(report); err != nil {
			sentry.ReportIssue(fmt.Errorf("status report of job %s lost: %w", report.JobID, err), sentry.IssueTypeError, c.log)
			c.finishReport(ctx)
			return
		}
		c.signalDrain()
		return
	}

	c.log.Debugf("Reported status %s for job %s", report.Status, report.JobID)
	c.finishReport(ctx)
}

// finishReport returns the machine to idle after a status report left the
// device and asks for the next job.
func (c *Coordinator) finishReport(ctx context.Context) {
	c.mu.Lock()
	current := c.machine.Current()
	if current == StateSucceeded || current == StateFailed {
		if err := c.fire(EventReset); err != nil {
			c.log.Errorf("%s", err)
		}
	}
	c.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	c.requestStartNext(ctx)
}

func (c *Coordinator) signalDrain() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) drainLoop(ctx context.Context) {
	defer c.drainer.Done()
	log := logger.ForThing(logger.ComponentOutbox, c.cfg.ThingName)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		err := backoff.Retry(ctx, c.cfg.Drain, log, func() error {
			return c.drainOnce(ctx)
		})
		if err != nil {
			if ctx.Err() == nil {
				log.Errorf("Giving up on status reports: %s", err)
			}
			continue
		}
		c.finishReport(ctx)
	}
}

// drainOnce publishes queued reports oldest first until the outbox is empty.
func (c *Coordinator) drainOnce(ctx context.Context) error {
	for {
		report, ok, err := c.outbox.Peek()
		if err != nil {
			// an unreadable entry would block the outbox forever
			c.log.Errorf("Dropping unreadable status report: %s", err)
			if popErr := c.outbox.Pop(); popErr != nil {
				return backoff.NewPermanentError(popErr)
			}
			continue
		}
		if !ok {
			return nil
		}

		if err := c.publish(ctx, constants.JobsUpdateTopic(c.cfg.ThingName, report.JobID), report); err != nil {
			return err
		}
		if err := c.outbox.Pop(); err != nil {
			return backoff.NewPermanentError(err)
		}
		c.log.Infof("Delivered queued status %s for job %s", report.Status, report.JobID)
	}
}

func (c *Coordinator) handleStartNextRejected(topic string, payload []byte) {
	defer c.recoverCallback(topic)

	var msg errorMessage
	_ = safejson.Unmarshal(payload, &msg)

	c.rejected.Add(1)
	metrics.ObserveJob(c.cfg.ThingName, metrics.JobRejected)
	c.log.Warnf("Start-next rejected (%s): %s", msg.Code, msg.Message)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.Current() == StateStarting {
		c.stopStartTimerLocked()
		if err := c.fire(EventStartRejected); err != nil {
			c.log.Errorf("%s", err)
		}
	}
}

func (c *Coordinator) handleUpdateAccepted(topic string, _ []byte) {
	defer c.recoverCallback(topic)

	c.succeeded.Add(1)
	metrics.ObserveJob(c.cfg.ThingName, metrics.JobSucceeded)
	c.log.Debugf("Status update of job %s accepted", jobIDFromTopic(topic))
}

func (c *Coordinator) handleUpdateRejected(topic string, payload []byte) {
	defer c.recoverCallback(topic)

	var msg errorMessage
	_ = safejson.Unmarshal(payload, &msg)

	c.rejected.Add(1)
	metrics.ObserveJob(c.cfg.ThingName, metrics.JobRejected)
	c.log.Warnf("Status update of job %s rejected (%s): %s", jobIDFromTopic(topic), msg.Code, msg.Message)
}

func (c *Coordinator) publish(ctx context.Context, topic string, message any) error {
	data, err := safejson.Marshal(message)
	if err != nil {
		return backoff.NewPermanentError(fmt.Errorf("failed to encode message for %s: %w", topic, err))
	}

	publishCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	return c.client.Publish(publishCtx, topic, c.cfg.QoS, data)
}

func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runCtx == nil {
		return context.Background()
	}

	return c.runCtx
}

func (c *Coordinator) recoverCallback(topic string) {
	if r := recover(); r != nil {
		metrics.IncErrorCount(metrics.ComponentCoordinator, c.cfg.ThingName)
		sentry.ReportIssuef(sentry.IssueTypeError, c.log, "panic while handling %s: %v", topic, r)
	}
}

// jobIDFromTopic extracts the job id of $aws/things/{thing}/jobs/{jobId}/update/...
func jobIDFromTopic(topic string) string {
	return transport.TopicLevel(topic, 4)
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}

	return s[:n]
}

// CoordinatorDebugInfo is the /debug/agent view of a coordinator.
type CoordinatorDebugInfo struct {
	Stats       Stats  `json:"stats"`
	State       string `json:"state"`
	QueuedCount int    `json:"queuedReports"`
	JobsDone    bool   `json:"jobsDone"`
}

// GetDebugInfo implements metrics.DebugProvider.
func (c *Coordinator) GetDebugInfo() interface{} {
	return CoordinatorDebugInfo{
		Stats:       c.Stats(),
		State:       c.State(),
		QueuedCount: c.outbox.Len(),
		JobsDone:    c.JobsDone(),
	}
}

var _ metrics.DebugProvider = (*Coordinator)(nil)
