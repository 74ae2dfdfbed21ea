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

// Package store holds the concurrent metadata store: the alias->resource
// and resource->record mapping that pollers populate and the lookup API
// reads from.
//
// The map-guarding discipline mirrors pkg/export's seriesCache: a single
// mutex around plain Go maps, with a background sweeper goroutine doing
// periodic cleanup and read snapshots returned as copies so callers never
// observe a half-updated state.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/metadata-agent/pkg/record"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/resource"
)

// ErrNotFound is returned by Lookup when the alias has no binding.
var ErrNotFound = errors.New("store: resource not found")

// ErrEmptyAlias is returned for an individual alias in an UpdateResource
// batch that is the empty string; that single entry is rejected, other
// entries in the same batch still apply.
var ErrEmptyAlias = errors.New("store: alias must not be empty")

// ChangeFunc is invoked after a write has been committed to the store, and
// outside of the store's internal lock. It must not call back into any
// mutating Store method; doing so is a contract violation the store does
// not itself guard against (the contract, not a re-entrancy lock, is the
// enforcement mechanism, matching the spec).
type ChangeFunc func(Change)

// ChangeKind enumerates the kinds of updates callbacks may observe.
type ChangeKind int

const (
	// ResourceBound is emitted when an alias is bound to a resource,
	// including when that binding replaces a previous, different
	// resource (the Shadowed field is set in that case).
	ResourceBound ChangeKind = iota
	// MetadataUpdated is emitted when a record is installed or replaces
	// an existing one for a resource.
	MetadataUpdated
	// Purged is emitted once for each alias removed when its entry is
	// evicted by the sweeper or an explicit purge call; evicting an entry
	// that has no aliases emits no change.
	Purged
)

// Change describes a single committed update, handed to subscribers.
type Change struct {
	Kind     ChangeKind
	Alias    string
	Resource resource.Monitored
	// Shadowed is set for ResourceBound changes where the alias
	// previously pointed at a different resource.
	Shadowed *resource.Monitored
}

type entry struct {
	resource resource.Monitored
	record   record.Metadata
	lastSeen time.Time
}

// Store is the concurrent alias->resource, resource->record mapping
// described by the spec. The zero value is not usable; construct with New.
type Store struct {
	logger log.Logger

	expireAfter   time.Duration
	expireEvery   time.Duration
	purgeDisabled bool
	now           func() time.Time

	mtx         sync.RWMutex
	aliases     map[string]resource.Monitored    // alias -> resource
	aliasesOf   map[string]map[string]struct{}   // resource key -> set of aliases
	entries     map[string]*entry                // resource key -> entry
	subscribers []ChangeFunc

	sizeGauge prometheus.Gauge
}

// Options configures a Store.
type Options struct {
	// ExpireAfter is how long a resource may go without a fresh record
	// before the sweeper evicts it. Zero disables the time-based sweep.
	// With ExpireAfter zero and ExpireEvery unset, the background sweeper
	// does not run at all, so tombstone/ExpiresAt eviction then happens
	// only through explicit PurgeDeletedEntries calls.
	ExpireAfter time.Duration
	// ExpireEvery is the sweeper interval. Defaults to ExpireAfter/2.
	ExpireEvery time.Duration
	// PurgeDisabled disables the background sweeper entirely, matching
	// metadata_reporter_purge_deleted=false.
	PurgeDisabled bool
}

// New returns an empty Store.
func New(logger log.Logger, reg prometheus.Registerer, opts Options) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.ExpireEvery == 0 {
		opts.ExpireEvery = opts.ExpireAfter / 2
	}
	s := &Store{
		logger:        logger,
		expireAfter:   opts.ExpireAfter,
		expireEvery:   opts.ExpireEvery,
		purgeDisabled: opts.PurgeDisabled,
		now:           time.Now,
		aliases:       map[string]resource.Monitored{},
		aliasesOf:     map[string]map[string]struct{}{},
		entries:       map[string]*entry{},
		sizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metadata_agent_store_resources",
			Help: "Number of distinct resources currently held by the metadata store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.sizeGauge)
	}
	return s
}

// UpdateResource establishes alias -> resource for each alias in aliases.
// An empty alias string in the batch is rejected (ErrEmptyAlias is
// returned, wrapped with the offending index) but other entries in the
// same batch still take effect. If an alias already points to a
// different resource, the newer binding wins and subscribers observe the
// shadowed resource.
func (s *Store) UpdateResource(aliases []string, res resource.Monitored) error {
	var firstErr error

	s.mtx.Lock()
	changes := make([]Change, 0, len(aliases))
	key := res.Key()
	for i, alias := range aliases {
		if alias == "" {
			if firstErr == nil {
				firstErr = fmt.Errorf("update resource: alias %d: %w", i, ErrEmptyAlias)
			}
			continue
		}
		var shadowed *resource.Monitored
		if prev, ok := s.aliases[alias]; ok && !prev.Equal(res) {
			shadowed = &prev
			s.unlinkAliasLocked(alias, prev)
		} else if ok {
			// Idempotent re-bind of the same (alias, resource) pair.
			continue
		}
		s.aliases[alias] = res
		if s.aliasesOf[key] == nil {
			s.aliasesOf[key] = map[string]struct{}{}
		}
		s.aliasesOf[key][alias] = struct{}{}
		if _, ok := s.entries[key]; !ok {
			s.entries[key] = &entry{resource: res}
		}
		changes = append(changes, Change{Kind: ResourceBound, Alias: alias, Resource: res, Shadowed: shadowed})
	}
	s.mtx.Unlock()

	s.notify(changes)
	return firstErr
}

// unlinkAliasLocked removes alias from the aliasesOf set of prev's key.
// Callers must hold s.mtx for writing.
func (s *Store) unlinkAliasLocked(alias string, prev resource.Monitored) {
	prevKey := prev.Key()
	if set, ok := s.aliasesOf[prevKey]; ok {
		delete(set, alias)
		if len(set) == 0 {
			delete(s.aliasesOf, prevKey)
		}
	}
}

// UpdateMetadata installs rec for res, subject to the monotonic
// CollectedAt and tombstone tie-break rules (record.Metadata.Supersedes).
// An older or equal-and-non-superseding record is silently dropped
// (StoreConflict in the spec's error table), which is not itself an
// error: arriving late is an expected condition under concurrent pollers.
func (s *Store) UpdateMetadata(res resource.Monitored, rec record.Metadata) {
	key := res.Key()
	now := s.now()

	s.mtx.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{resource: res}
		s.entries[key] = e
	}
	apply := !ok || e.record.CollectedAt.IsZero() || rec.Supersedes(e.record)
	if apply {
		e.resource = res
		e.record = rec
		e.lastSeen = now
	}
	s.sizeGauge.Set(float64(len(s.entries)))
	s.mtx.Unlock()

	if apply {
		s.notify([]Change{{Kind: MetadataUpdated, Resource: res}})
	} else {
		level.Debug(s.logger).Log("msg", "dropped out-of-order or stale metadata record", "resource_type", res.Type())
	}
}

// Lookup resolves alias to its currently bound resource.
func (s *Store) Lookup(alias string) (resource.Monitored, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	res, ok := s.aliases[alias]
	if !ok {
		return resource.Monitored{}, fmt.Errorf("lookup %q: %w", alias, ErrNotFound)
	}
	return res, nil
}

// Snapshot is a single resource's consistent point-in-time state, as
// returned by GetMetadataMap.
type Snapshot struct {
	Resource resource.Monitored
	Record   record.Metadata
}

// GetMetadataMap returns a consistent point-in-time copy of the
// resource->record mapping, keyed by the resource's canonical identity
// string. Because the copy is taken under the read lock, no concurrent
// write can be observed as split between the resource and record halves
// of an entry.
func (s *Store) GetMetadataMap() map[string]Snapshot {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make(map[string]Snapshot, len(s.entries))
	for key, e := range s.entries {
		out[key] = Snapshot{Resource: e.resource, Record: e.record}
	}
	return out
}

// PurgeDeletedEntries removes every entry whose record is a tombstone or
// whose ExpiresAt has passed, together with every alias pointing at it.
// Entries that were only ever resource-registered (no record yet,
// invariant 1) are never purged by this predicate.
func (s *Store) PurgeDeletedEntries() {
	now := s.now()

	s.mtx.Lock()
	var changes []Change
	for key, e := range s.entries {
		if e.record.CollectedAt.IsZero() {
			continue
		}
		if !e.record.IsDeleted && !e.record.Expired(now) {
			continue
		}
		changes = append(changes, s.evictLocked(key, e)...)
	}
	s.sizeGauge.Set(float64(len(s.entries)))
	s.mtx.Unlock()

	s.notify(changes)
}

// evictLocked removes the entry for key and all of its aliases. Callers
// must hold s.mtx for writing.
func (s *Store) evictLocked(key string, e *entry) []Change {
	var changes []Change
	for alias := range s.aliasesOf[key] {
		delete(s.aliases, alias)
		changes = append(changes, Change{Kind: Purged, Alias: alias, Resource: e.resource})
	}
	delete(s.aliasesOf, key)
	delete(s.entries, key)
	return changes
}

// expireStale evicts entries whose last collection time is older than
// expireAfter. It is the time-based half of the sweep predicate described
// in spec section 4.1; PurgeDeletedEntries covers the tombstone/ExpiresAt
// half. Both run from the same sweeper tick.
func (s *Store) expireStale() {
	if s.expireAfter <= 0 {
		return
	}
	now := s.now()

	s.mtx.Lock()
	var changes []Change
	for key, e := range s.entries {
		if e.lastSeen.IsZero() {
			continue
		}
		if now.Sub(e.lastSeen) <= s.expireAfter {
			continue
		}
		changes = append(changes, s.evictLocked(key, e)...)
	}
	s.sizeGauge.Set(float64(len(s.entries)))
	s.mtx.Unlock()

	s.notify(changes)
}

// Subscribe registers a callback invoked after every committed update.
// It is safe to call at any time.
func (s *Store) Subscribe(f ChangeFunc) {
	s.mtx.Lock()
	s.subscribers = append(s.subscribers, f)
	s.mtx.Unlock()
}

func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.mtx.RLock()
	subs := make([]ChangeFunc, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mtx.RUnlock()

	for _, c := range changes {
		for _, f := range subs {
			f(c)
		}
	}
}

// Run drives the background expiry sweeper until ctx is cancelled. It
// returns nil on cancellation. Callers typically run this in its own
// goroutine (via oklog/run, the way pkg/export's seriesCache.run is
// driven from Exporter.Run).
func (s *Store) Run(ctx context.Context) error {
	if s.purgeDisabled || s.expireEvery <= 0 {
		<-ctx.Done()
		return nil
	}
	tick := time.NewTicker(s.expireEvery)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			s.expireStale()
			s.PurgeDeletedEntries()
		}
	}
}

// Close releases the store's subscribers and internal maps. It is not
// safe to call any other method on s after Close returns.
func (s *Store) Close() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.subscribers = nil
	s.aliases = nil
	s.aliasesOf = nil
	s.entries = nil
}
