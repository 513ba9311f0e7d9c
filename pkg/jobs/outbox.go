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
	"errors"
	"fmt"
	"sync"

	"github.com/beeker1121/goque"
)

// Outbox holds status reports that could not be published yet, oldest first.
type Outbox interface {
	Push(report StatusReport) error
	// Peek returns the oldest report without removing it. ok is false when empty.
	Peek() (report StatusReport, ok bool, err error)
	// Pop removes the oldest report.
	Pop() error
	Len() int
	Close() error
}

// NewOutbox opens a persistent outbox in path, or an in-memory one if path is empty.
func NewOutbox(path string) (Outbox, error) {
	if path == "" {
		return newMemoryOutbox(), nil
	}

	return openQueueOutbox(path)
}

type memoryOutbox struct {
	reports []StatusReport
	mu      sync.Mutex
}

func newMemoryOutbox() *memoryOutbox {
	return &memoryOutbox{}
}

func (m *memoryOutbox) Push(report StatusReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reports = append(m.reports, report)

	return nil
}

func (m *memoryOutbox) Peek() (StatusReport, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.reports) == 0 {
		return StatusReport{}, false, nil
	}

	return m.reports[0], true, nil
}

func (m *memoryOutbox) Pop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.reports) > 0 {
		m.reports = m.reports[1:]
	}

	return nil
}

func (m *memoryOutbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.reports)
}

func (m *memoryOutbox) Close() error {
	return nil
}

// queueOutbox persists reports in a goque (leveldb) queue so that a report
// survives a restart of the agent.
type queueOutbox struct {
	queue *goque.Queue
}

func openQueueOutbox(path string) (*queueOutbox, error) {
	queue, err := goque.OpenQueue(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox queue %s: %w", path, err)
	}

	return &queueOutbox{queue: queue}, nil
}

func (q *queueOutbox) Push(report StatusReport) error {
	if _, err := q.queue.EnqueueObject(report); err != nil {
		return fmt.Errorf("failed to enqueue status report: %w", err)
	}

	return nil
}

func (q *queueOutbox) Peek() (StatusReport, bool, error) {
	item, err := q.queue.Peek()
	if errors.Is(err, goque.ErrEmpty) {
		return StatusReport{}, false, nil
	}
	if err != nil {
		return StatusReport{}, false, fmt.Errorf("failed to peek outbox: %w", err)
	}

	var report StatusReport
	if err := item.ToObject(&report); err != nil {
		return StatusReport{}, false, fmt.Errorf("failed to decode status report: %w", err)
	}

	return report, true, nil
}

func (q *queueOutbox) Pop() error {
	_, err := q.queue.Dequeue()
	if err != nil && !errors.Is(err, goque.ErrEmpty) {
		return fmt.Errorf("failed to dequeue status report: %w", err)
	}

	return nil
}

func (q *queueOutbox) Len() int {
	return int(q.queue.Length())
}

func (q *queueOutbox) Close() error {
	return q.queue.Close()
}
