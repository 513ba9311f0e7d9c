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

import "sync"

// Coalescer accumulates local mutations between two flushes.
type Coalescer struct {
	buffer map[string]any
	mu     sync.Mutex
}

// NewCoalescer returns an empty coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{buffer: make(map[string]any)}
}

// Merge deep-merges partial into the buffer.
func (c *Coalescer) Merge(partial map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer = Merge(c.buffer, partial)
}

// Take drains the buffer and returns its contents.
func (c *Coalescer) Take() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	taken := c.buffer
	c.buffer = make(map[string]any)

	return taken
}

// Restore puts back a buffer taken for a flush that failed. Entries merged
// after the Take win over the restored ones.
func (c *Coalescer) Restore(taken map[string]any) {
	if len(taken) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer = Merge(taken, c.buffer)
}

// Len returns the number of top-level keys waiting to be flushed.
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.buffer)
}

// Snapshot returns a copy of the buffer without draining it.
func (c *Coalescer) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Merge(make(map[string]any, len(c.buffer)), c.buffer)
}
