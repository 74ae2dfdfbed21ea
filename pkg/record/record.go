// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package record holds the metadata record value type: the time-stamped,
// optionally tombstoned payload a poller associates with a monitored
// resource.
package record

import (
	"encoding/json"
	"time"
)

// Metadata is the payload a poller attaches to a resource. Once handed off
// to the store via its push helpers, a Metadata value is owned by the
// store and must not be mutated by the producer.
type Metadata struct {
	// Version is the schema tag of RawContent, e.g. "1".
	Version string
	// CreatedAt is when the underlying entity began existing.
	CreatedAt time.Time
	// CollectedAt is when the agent observed this record. It is the
	// ordering key the store uses to decide whether a new record
	// supersedes the one on file (invariants 3 and 4 of the store).
	CollectedAt time.Time
	// IsDeleted marks a tombstone: the entity no longer exists upstream.
	IsDeleted bool
	// RawContent is opaque to the store; it is rendered as-is on output.
	RawContent json.RawMessage
	// ExpiresAt, if non-zero, is an absolute point after which the store
	// considers the record eligible for the purge sweep regardless of
	// last-collection time.
	ExpiresAt time.Time
}

// Expired reports whether the record's own ExpiresAt has passed as of now.
// A zero ExpiresAt never expires via this check (it is still subject to
// the store's expire_after sweep based on last collection time). An
// ExpiresAt exactly equal to now counts as expired, per the purge
// boundary in the spec.
func (m Metadata) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Supersedes reports whether m should replace existing under invariants 3
// and 4: a strictly newer CollectedAt always wins; on a tie, a tombstone
// wins over a non-tombstone.
func (m Metadata) Supersedes(existing Metadata) bool {
	if m.CollectedAt.After(existing.CollectedAt) {
		return true
	}
	if m.CollectedAt.Equal(existing.CollectedAt) {
		return m.IsDeleted && !existing.IsDeleted
	}
	return false
}

type jsonMetadata struct {
	Version     string          `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	CollectedAt time.Time       `json:"collectedAt"`
	IsDeleted   bool            `json:"isDeleted"`
	RawContent  json.RawMessage `json:"rawContent,omitempty"`
}

// MarshalJSON renders the record for bulk export via the store's snapshot.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonMetadata{
		Version:     m.Version,
		CreatedAt:   m.CreatedAt,
		CollectedAt: m.CollectedAt,
		IsDeleted:   m.IsDeleted,
		RawContent:  m.RawContent,
	})
}
