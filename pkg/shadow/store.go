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
	"sync"

	"github.com/united-manufacturing-hub/shadow-agent/pkg/ctxutil/ctxmutex"
)

// Store holds the last known shadow document. Readers wait for any
// in-flight GET or UPDATE to finish and always receive a deep copy, so they
// observe either the document before an update or the fully merged result.
// Only the Synchronizer mutates it.
type Store struct {
	updateLock *ctxmutex.CtxMutex
	getLock    *ctxmutex.CtxMutex
	doc        Document
	mu         sync.RWMutex
}

// NewStore returns a store holding an empty document.
func NewStore() *Store {
	return &Store{
		updateLock: ctxmutex.NewCtxMutex(),
		getLock:    ctxmutex.NewCtxMutex(),
		doc:        emptyDocument(),
	}
}

func emptyDocument() Document {
	return Document{
		Reported: map[string]any{},
		Desired:  map[string]any{},
		Metadata: map[string]any{},
	}
}

// FullState returns a copy of the document once no request is in flight.
func (s *Store) FullState(ctx context.Context) (Document, error) {
	if err := s.waitIdle(ctx); err != nil {
		return Document{}, err
	}

	return s.snapshot()
}

// Reported returns a copy of the reported tree once no request is in flight.
func (s *Store) Reported(ctx context.Context) (map[string]any, error) {
	doc, err := s.FullState(ctx)
	if err != nil {
		return nil, err
	}

	return doc.Reported, nil
}

// Desired returns a copy of the desired tree once no request is in flight.
func (s *Store) Desired(ctx context.Context) (map[string]any, error) {
	doc, err := s.FullState(ctx)
	if err != nil {
		return nil, err
	}

	return doc.Desired, nil
}

// Version returns the last known shadow version without waiting.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.doc.Version
}

func (s *Store) waitIdle(ctx context.Context) error {
	if err := s.getLock.WaitUnlocked(ctx); err != nil {
		return err
	}

	return s.updateLock.WaitUnlocked(ctx)
}

// snapshot copies the document without waiting for in-flight requests.
func (s *Store) snapshot() (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.doc.Clone()
}

func (s *Store) replace(doc Document) {
	if doc.Reported == nil {
		doc.Reported = map[string]any{}
	}
	if doc.Desired == nil {
		doc.Desired = map[string]any{}
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
}

func (s *Store) reset() {
	s.replace(emptyDocument())
}

// applyUpdate applies acknowledged patches atomically. A nil patch leaves
// its tree untouched.
func (s *Store) applyUpdate(reported, desired, metadata map[string]any, version, timestamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reported != nil {
		s.doc.Reported = ApplyPatch(s.doc.Reported, reported)
	}
	if desired != nil {
		s.doc.Desired = ApplyPatch(s.doc.Desired, desired)
	}
	if metadata != nil {
		s.doc.Metadata = ApplyPatch(s.doc.Metadata, metadata)
	}
	s.setVersionLocked(version, timestamp)
}

func (s *Store) clearReported(version, timestamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Reported = map[string]any{}
	s.setVersionLocked(version, timestamp)
}

// mergeDelta merges a delta into desired. Every delta is merged, the version
// only moves forward. It reports whether the delta was older than the document.
func (s *Store) mergeDelta(delta map[string]any, version, timestamp int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := version > 0 && version < s.doc.Version
	s.doc.Desired = ApplyPatch(s.doc.Desired, delta)
	s.setVersionLocked(version, timestamp)

	return stale
}

// setVersionLocked advances version and timestamp, it never moves them back.
func (s *Store) setVersionLocked(version, timestamp int64) {
	if version > s.doc.Version {
		s.doc.Version = version
	}
	if timestamp > s.doc.Timestamp {
		s.doc.Timestamp = timestamp
	}
}
