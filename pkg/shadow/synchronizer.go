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
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/constants"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/logger"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/metrics"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/safejson"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/sentry"
	"github.com/united-manufacturing-hub/shadow-agent/pkg/transport"
)

// DeltaHandler reacts to desired state that is not yet reported. It is
// called on a transport goroutine (or the goroutine of the request whose
// acknowledgement carried the delta) and may call back into the
// Synchronizer, e.g. UpdateReported to satisfy the delta.
type DeltaHandler interface {
	HandleDelta(ctx context.Context, delta map[string]any, responseStatus string, token string)
}

// DeltaHandlerFunc adapts a function to DeltaHandler.
type DeltaHandlerFunc func(ctx context.Context, delta map[string]any, responseStatus string, token string)

// HandleDelta calls f.
func (f DeltaHandlerFunc) HandleDelta(ctx context.Context, delta map[string]any, responseStatus string, token string) {
	f(ctx, delta, responseStatus, token)
}

// Config configures a Synchronizer.
type Config struct {
	ThingName string
	// OperationTimeout bounds the wait for an acknowledgement.
	OperationTimeout time.Duration
	QoS              byte
}

// abandonedTokens remembers client tokens of timed out requests of every
// synchronizer in the process to recognise late acknowledgements.
var abandonedTokens = expiremap.NewEx[string, string](constants.AbandonedTokenCullInterval, constants.AbandonedTokenTTL)

// Synchronizer mediates every change of the local shadow document. At most
// one UPDATE (or DELETE) and one GET are in flight at any time; further
// callers block until the acknowledgement of the previous request was
// processed or timed out.
type Synchronizer struct {
	client    transport.Client
	handler   DeltaHandler
	store     *Store
	coalescer *Coalescer
	log       *zap.SugaredLogger
	// pending maps client tokens of requests awaiting an acknowledgement
	pending  map[string]chan ack
	timedOut atomic.Uint64
	runCtx   context.Context
	cancel   context.CancelFunc
	cfg      Config
	mu       sync.Mutex
}

// NewSynchronizer creates a synchronizer for one thing. Call Start before
// issuing requests.
func NewSynchronizer(cfg Config, client transport.Client, handler DeltaHandler) *Synchronizer {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = constants.DefaultOperationTimeout
	}
	if handler == nil {
		handler = DeltaHandlerFunc(func(context.Context, map[string]any, string, string) {})
	}

	metrics.InitErrorCounter(metrics.ComponentSynchronizer, cfg.ThingName)

	return &Synchronizer{
		client:    client,
		handler:   handler,
		store:     NewStore(),
		coalescer: NewCoalescer(),
		log:       logger.ForThing(logger.ComponentSynchronizer, cfg.ThingName),
		pending:   make(map[string]chan ack),
		cfg:       cfg,
	}
}

// Start subscribes to the response and delta topics of the shadow. ctx is
// handed to delta handlers and bounds the flushes they trigger.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for _, operation := range []string{constants.ShadowOperationGet, constants.ShadowOperationUpdate, constants.ShadowOperationDelete} {
		for _, response := range []string{constants.ResponseAccepted, constants.ResponseRejected} {
			topic := constants.ShadowResponseTopic(s.cfg.ThingName, operation, response)
			if err := s.client.Subscribe(ctx, topic, s.cfg.QoS, s.handleResponse); err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
			}
		}
	}

	deltaTopic := constants.ShadowResponseTopic(s.cfg.ThingName, constants.ShadowOperationUpdate, constants.ResponseDelta)
	if err := s.client.Subscribe(ctx, deltaTopic, s.cfg.QoS, s.handleDeltaMessage); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", deltaTopic, err)
	}

	s.log.Infof("Shadow synchronizer started")

	return nil
}

// Stop cancels requests waiting for an acknowledgement and refuses new ones.
// The local document stays readable.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.log.Infof("Shadow synchronizer stopped")
}

// FullState returns a copy of the shadow once no request is in flight.
func (s *Synchronizer) FullState(ctx context.Context) (Document, error) {
	return s.store.FullState(ctx)
}

// Reported returns a copy of the reported state once no request is in flight.
func (s *Synchronizer) Reported(ctx context.Context) (map[string]any, error) {
	return s.store.Reported(ctx)
}

// Desired returns a copy of the desired state once no request is in flight.
func (s *Synchronizer) Desired(ctx context.Context) (map[string]any, error) {
	return s.store.Desired(ctx)
}

// Version returns the last known shadow version without waiting.
func (s *Synchronizer) Version() int64 {
	return s.store.Version()
}

// CacheState merges partial into the pending update buffer. It is sent with
// the next UpdateReported or after the next delta was handled.
func (s *Synchronizer) CacheState(partial map[string]any) {
	s.coalescer.Merge(partial)
}

// RequestFullState fetches the shadow and replaces the local document. A
// shadow that does not exist yet leaves an empty document.
func (s *Synchronizer) RequestFullState(ctx context.Context) error {
	if err := s.store.getLock.Lock(ctx); err != nil {
		return err
	}

	a, err := s.request(ctx, constants.ShadowOperationGet, nil)
	if err != nil {
		s.store.getLock.Unlock()
		return err
	}

	var delta map[string]any
	switch {
	case a.status == constants.ResponseAccepted:
		doc := Document{
			Metadata:  a.resp.Metadata,
			Version:   a.resp.Version,
			Timestamp: a.resp.Timestamp,
		}
		if a.resp.State != nil {
			doc.Reported = a.resp.State.Reported
			doc.Desired = a.resp.State.Desired
			delta = a.resp.State.Delta
		}
		s.store.replace(doc)
		metrics.SetShadowVersion(s.cfg.ThingName, doc.Version)
		s.log.Debugf("Fetched shadow version %d", doc.Version)
	case a.resp.Code == http.StatusNotFound:
		s.store.reset()
		s.log.Infof("Shadow does not exist yet, starting with an empty document")
	default:
		s.store.getLock.Unlock()
		return a.rejection(constants.ShadowOperationGet)
	}
	s.store.getLock.Unlock()

	if len(delta) > 0 {
		s.processDelta(ctx, delta, a.resp.Version, a.resp.Timestamp, constants.ResponseAccepted, a.resp.ClientToken)
	}

	return nil
}

// UpdateReported sends newState together with every cached change as one
// reported update. Only fields that differ from the last acknowledged
// reported state are sent; if nothing differs no request is made. With
// clearDesired, desired fields that the update satisfies are cleared too.
//
// On rejection, timeout or publish failure the local document is unchanged
// and the cached changes are kept for the next flush; newState is not kept.
func (s *Synchronizer) UpdateReported(ctx context.Context, newState map[string]any, clearDesired bool) error {
	if err := s.store.updateLock.Lock(ctx); err != nil {
		return err
	}
	a, delta, err := s.updateLocked(ctx, newState, clearDesired)
	s.store.updateLock.Unlock()

	if len(delta) > 0 {
		s.processDelta(ctx, delta, a.resp.Version, a.resp.Timestamp, constants.ResponseAccepted, a.resp.ClientToken)
	}

	return err
}

func (s *Synchronizer) updateLocked(ctx context.Context, newState map[string]any, clearDesired bool) (ack, map[string]any, error) {
	current, err := s.store.snapshot()
	if err != nil {
		return ack{}, nil, fmt.Errorf("failed to copy shadow document: %w", err)
	}
	payload, err := cloneTree(current.Reported)
	if err != nil {
		return ack{}, nil, fmt.Errorf("failed to copy reported state: %w", err)
	}

	taken := s.coalescer.Take()
	payload = Merge(payload, newState)
	payload = Merge(payload, taken)

	reportedPatch := Diff(payload, current.Reported)
	var desiredPatch map[string]any
	if clearDesired {
		desiredPatch = ClearDesiredPatch(current.Desired, payload)
	}

	if len(reportedPatch) == 0 && len(desiredPatch) == 0 {
		metrics.ObserveShadowRequest(s.cfg.ThingName, constants.ShadowOperationUpdate, metrics.ResultSkipped)
		s.log.Debugf("Reported state unchanged, skipping update")
		return ack{}, nil, nil
	}

	state := map[string]any{}
	if len(reportedPatch) > 0 {
		state["reported"] = reportedPatch
	}
	if len(desiredPatch) > 0 {
		state["desired"] = desiredPatch
	} else {
		desiredPatch = nil
	}

	a, err := s.request(ctx, constants.ShadowOperationUpdate, state)
	if err != nil {
		s.coalescer.Restore(taken)
		return a, nil, err
	}
	if a.status != constants.ResponseAccepted {
		s.coalescer.Restore(taken)
		return a, nil, a.rejection(constants.ShadowOperationUpdate)
	}

	reported := reportedPatch
	var delta map[string]any
	if a.resp.State != nil {
		if a.resp.State.Reported != nil {
			reported = a.resp.State.Reported
		}
		if a.resp.State.Desired != nil {
			desiredPatch = a.resp.State.Desired
		}
		delta = a.resp.State.Delta
	}
	s.store.applyUpdate(reported, desiredPatch, a.resp.Metadata, a.resp.Version, a.resp.Timestamp)
	metrics.SetShadowVersion(s.cfg.ThingName, s.store.Version())

	return a, delta, nil
}

// DeleteReported asks the service to forget the reported state.
func (s *Synchronizer) DeleteReported(ctx context.Context) error {
	if err := s.store.updateLock.Lock(ctx); err != nil {
		return err
	}
	defer s.store.updateLock.Unlock()

	a, err := s.request(ctx, constants.ShadowOperationUpdate, map[string]any{"reported": nil})
	if err != nil {
		return err
	}
	if a.status != constants.ResponseAccepted {
		return a.rejection(constants.ShadowOperationUpdate)
	}
	s.store.clearReported(a.resp.Version, a.resp.Timestamp)

	return nil
}

// DeleteShadow deletes the whole shadow. Deleting a shadow that does not
// exist succeeds.
func (s *Synchronizer) DeleteShadow(ctx context.Context) error {
	if err := s.store.updateLock.Lock(ctx); err != nil {
		return err
	}
	defer s.store.updateLock.Unlock()

	a, err := s.request(ctx, constants.ShadowOperationDelete, nil)
	if err != nil {
		return err
	}
	if a.status != constants.ResponseAccepted && a.resp.Code != http.StatusNotFound {
		return a.rejection(constants.ShadowOperationDelete)
	}
	if a.status != constants.ResponseAccepted {
		s.log.Debugf("Shadow already deleted")
	}
	s.store.reset()

	return nil
}

// request publishes a shadow request and waits for the correlated
// acknowledgement. A rejection is returned as ack, not as error.
func (s *Synchronizer) request(ctx context.Context, operation string, state map[string]any) (ack, error) {
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil || runCtx.Err() != nil {
		return ack{}, ErrNotStarted
	}

	token := uuid.NewString()
	data, err := safejson.Marshal(requestPayload(token, state))
	if err != nil {
		return ack{}, fmt.Errorf("failed to encode shadow %s request: %w", operation, err)
	}

	ch := make(chan ack, 1)
	s.mu.Lock()
	s.pending[token] = ch
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.OperationTimeout)
	defer timer.Stop()

	begin := time.Now()
	publishCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	err = s.client.Publish(publishCtx, constants.ShadowTopic(s.cfg.ThingName, operation), s.cfg.QoS, data)
	cancel()
	if err != nil {
		s.forget(token, false)
		metrics.ObserveShadowRequest(s.cfg.ThingName, operation, metrics.ResultFailed)
		metrics.IncErrorCount(metrics.ComponentSynchronizer, s.cfg.ThingName)
		return ack{}, fmt.Errorf("failed to publish shadow %s request: %w", operation, err)
	}
	metrics.ObserveShadowRequest(s.cfg.ThingName, operation, metrics.ResultPublished)

	select {
	case a := <-ch:
		metrics.ObserveShadowRoundTrip(s.cfg.ThingName, operation, time.Since(begin))
		result := metrics.ResultAccepted
		if a.status != constants.ResponseAccepted {
			result = metrics.ResultRejected
			s.log.Warnf("Shadow %s rejected (%d): %s", operation, a.resp.Code, a.resp.Message)
		}
		metrics.ObserveShadowRequest(s.cfg.ThingName, operation, result)
		return a, nil
	case <-timer.C:
		s.forget(token, true)
		s.timedOut.Add(1)
		metrics.ObserveShadowRequest(s.cfg.ThingName, operation, metrics.ResultTimeout)
		s.log.Warnf("Shadow %s request %s timed out after %s", operation, token, s.cfg.OperationTimeout)
		return ack{}, fmt.Errorf("%s: %w", operation, ErrTimeout)
	case <-ctx.Done():
		s.forget(token, true)
		return ack{}, ctx.Err()
	case <-runCtx.Done():
		s.forget(token, true)
		return ack{}, fmt.Errorf("%s: %w", operation, ErrNotStarted)
	}
}

func (s *Synchronizer) forget(token string, abandon bool) {
	s.mu.Lock()
	delete(s.pending, token)
	s.mu.Unlock()

	if abandon {
		abandonedTokens.Set(token, s.cfg.ThingName)
	}
}

func (s *Synchronizer) handleResponse(topic string, payload []byte) {
	defer s.recoverCallback(topic)

	var resp response
	if err := safejson.Unmarshal(payload, &resp); err != nil {
		metrics.IncErrorCount(metrics.ComponentSynchronizer, s.cfg.ThingName)
		s.log.Warnf("Ignoring malformed shadow response on %s: %s", topic, err)
		return
	}

	status := constants.ResponseRejected
	if strings.HasSuffix(topic, "/"+constants.ResponseAccepted) {
		status = constants.ResponseAccepted
	}

	s.mu.Lock()
	ch, ok := s.pending[resp.ClientToken]
	delete(s.pending, resp.ClientToken)
	s.mu.Unlock()

	if ok {
		ch <- ack{resp: resp, status: status}
		return
	}
	if _, late := abandonedTokens.Load(resp.ClientToken); late {
		s.log.Warnf("Dropping late shadow response %s on %s", resp.ClientToken, topic)
		return
	}
	s.log.Debugf("Ignoring shadow response for unknown token %q on %s", resp.ClientToken, topic)
}

func (s *Synchronizer) handleDeltaMessage(topic string, payload []byte) {
	defer s.recoverCallback(topic)

	var msg deltaMessage
	if err := safejson.Unmarshal(payload, &msg); err != nil {
		metrics.IncErrorCount(metrics.ComponentSynchronizer, s.cfg.ThingName)
		s.log.Warnf("Ignoring malformed shadow delta: %s", err)
		return
	}
	if len(msg.State) == 0 {
		return
	}

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.processDelta(ctx, msg.State, msg.Version, msg.Timestamp, constants.ResponseDelta, msg.ClientToken)
}

// processDelta merges delta into desired, hands it to the delta handler and
// flushes whatever the handler cached.
func (s *Synchronizer) processDelta(ctx context.Context, delta map[string]any, version, timestamp int64, status, token string) {
	if s.store.mergeDelta(delta, version, timestamp) {
		s.log.Debugf("Received out of order delta version %d (current %d)", version, s.store.Version())
	} else {
		s.log.Debugf("Received delta for version %d (%s)", version, status)
	}
	metrics.ObserveDelta(s.cfg.ThingName)
	metrics.SetShadowVersion(s.cfg.ThingName, s.store.Version())

	s.callHandler(ctx, copyValue(delta).(map[string]any), status, token)

	if s.coalescer.Len() == 0 {
		return
	}
	if err := s.UpdateReported(ctx, nil, false); err != nil {
		s.log.Warnf("Failed to flush cached state after delta: %s", err)
	}
}

func (s *Synchronizer) callHandler(ctx context.Context, delta map[string]any, status, token string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncErrorCount(metrics.ComponentSynchronizer, s.cfg.ThingName)
			sentry.ReportIssuef(sentry.IssueTypeError, s.log, "delta handler panicked: %v", r)
		}
	}()

	s.handler.HandleDelta(ctx, delta, status, token)
}

func (s *Synchronizer) recoverCallback(topic string) {
	if r := recover(); r != nil {
		metrics.IncErrorCount(metrics.ComponentSynchronizer, s.cfg.ThingName)
		sentry.ReportIssuef(sentry.IssueTypeError, s.log, "panic while handling %s: %v", topic, r)
	}
}

// SynchronizerDebugInfo is the /debug/agent view of a synchronizer.
type SynchronizerDebugInfo struct {
	ThingName        string `json:"thingName"`
	Version          int64  `json:"version"`
	PendingRequests  int    `json:"pendingRequests"`
	TimedOutRequests uint64 `json:"timedOutRequests"`
	CachedKeys       int    `json:"cachedKeys"`
}

// GetDebugInfo implements metrics.DebugProvider.
func (s *Synchronizer) GetDebugInfo() interface{} {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()

	return SynchronizerDebugInfo{
		ThingName:        s.cfg.ThingName,
		Version:          s.store.Version(),
		PendingRequests:  pending,
		TimedOutRequests: s.timedOut.Load(),
		CachedKeys:       s.coalescer.Len(),
	}
}

var _ metrics.DebugProvider = (*Synchronizer)(nil)
