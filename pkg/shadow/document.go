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

// Package shadow keeps a local copy of a device shadow document consistent
// with the remote shadow service.
package shadow

import (
	"github.com/tiendc/go-deepcopy"
)

// Document is the local view of a shadow. Reported, Desired and Metadata are
// JSON compatible trees; a key in Desired that is absent or different in
// Reported is a pending delta.
type Document struct {
	Reported  map[string]any `json:"reported,omitempty"`
	Desired   map[string]any `json:"desired,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Version   int64          `json:"version"`
	Timestamp int64          `json:"timestamp"`
}

// Clone returns a deep copy that shares no maps with d.
func (d Document) Clone() (Document, error) {
	var clone Document
	if err := deepcopy.Copy(&clone, &d); err != nil {
		return Document{}, err
	}

	return clone, nil
}

// IsEmpty reports whether the document carries neither state nor version.
func (d Document) IsEmpty() bool {
	return len(d.Reported) == 0 && len(d.Desired) == 0 && d.Version == 0
}

func cloneTree(tree map[string]any) (map[string]any, error) {
	if tree == nil {
		return map[string]any{}, nil
	}
	var clone map[string]any
	if err := deepcopy.Copy(&clone, &tree); err != nil {
		return nil, err
	}

	return clone, nil
}
