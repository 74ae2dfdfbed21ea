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

// Package updater implements the generic updater lifecycle (validate ->
// start -> loop -> stop) and the concrete polling updater built on top of
// it. Concrete pollers (instance, container, kubernetes) only need to
// supply a Query function; the lifecycle, health reporting, and
// cancellable sleep are handled once here so a poller implementation
// cannot forget to report into the health checker, matching the
// capability-set design note in the spec.
package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/metadata-agent/pkg/health"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/record"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/resource"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/store"
)

// State is the updater lifecycle state.
type State int

const (
	StateNew State = iota
	StateStarted
	StateDisabled
	StateStopped
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarted:
		return "started"
	case StateDisabled:
		return "disabled"
	case StateStopped:
		return "stopped"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ErrAlreadyStarted is returned by Start when called more than once.
var ErrAlreadyStarted = errors.New("updater: start called more than once")

// PermanentError wraps a Query error that must not be retried — e.g. an
// upstream 4xx authentication rejection (spec section 7's PermanentQuery
// kind). The updater marks itself unhealthy immediately and stops its
// polling loop until the process restarts, instead of counting it toward
// the consecutive-failure threshold used for transient errors.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent query error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Batch is one discovered entity: the set of aliases it should be
// reachable under, its canonical resource, and the metadata record to
// install for it. Resource is always published before Record within a
// batch (spec section 4.4's ordering guarantee).
type Batch struct {
	IDs      []string
	Resource resource.Monitored
	Record   record.Metadata
}

// QueryFunc discovers the current set of entities visible to a poller. It
// must respect ctx cancellation/deadline; the polling updater bounds every
// call with the configured period as a soft budget via ctx.
type QueryFunc func(ctx context.Context) ([]Batch, error)

// ValidateFunc reports whether the updater's configuration is usable. A
// false return disables the updater (spec: "this is normal — e.g., no
// orchestrator configured"). A nil ValidateFunc always validates.
type ValidateFunc func() bool

// Config configures a polling updater.
type Config struct {
	// Name identifies the updater in logs and in the health checker's
	// failing-names set.
	Name string
	// Period between successive Query invocations.
	Period time.Duration
	// Query discovers a batch of entities.
	Query QueryFunc
	// Validate gates whether Start proceeds at all. Optional.
	Validate ValidateFunc
	// FailureThreshold is the number of consecutive Query failures
	// before the updater marks itself unhealthy. Defaults to 3.
	FailureThreshold int
}

// Updater is a concrete, periodic updater: C5 (lifecycle/push helpers)
// and C6 (polling loop) combined, since in this implementation every
// concrete poller is a polling updater — there is no other updater
// lifecycle in use.
type Updater struct {
	cfg    Config
	store  *store.Store
	health *health.Checker
	logger log.Logger

	startOnce sync.Once
	stopOnce  sync.Once

	mu    sync.Mutex
	state State

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an Updater. It returns an error if Name is empty or Query
// is nil. A zero or negative period is not rejected here: Start's
// configuration validation fails for it and the updater becomes Disabled
// (spec's ConfigInvalid policy: the owning updater disables itself, never
// the agent).
func New(logger log.Logger, st *store.Store, hc *health.Checker, cfg Config) (*Updater, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Name == "" {
		return nil, errors.New("updater: name is required")
	}
	if cfg.Query == nil {
		return nil, errors.New("updater: query function is required")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	return &Updater{
		cfg:    cfg,
		store:  st,
		health: hc,
		logger: log.With(logger, "updater", cfg.Name),
		state:  StateNew,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Name returns the updater's configured name.
func (u *Updater) Name() string { return u.cfg.Name }

// State returns the updater's current lifecycle state.
func (u *Updater) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// validateConfiguration gates Start. Period must be positive; boundary
// behavior per spec section 8.
func (u *Updater) validateConfiguration() bool {
	if u.cfg.Period <= 0 {
		return false
	}
	if u.cfg.Validate != nil {
		return u.cfg.Validate()
	}
	return true
}

// Start may only be called once. If validateConfiguration fails, the
// updater transitions to Disabled and Start returns nil — an intentional,
// non-error outcome (spec: "this is normal"). Otherwise it spawns the
// polling worker and returns immediately.
func (u *Updater) Start(ctx context.Context) error {
	var err error
	started := false
	u.startOnce.Do(func() {
		started = true
		u.mu.Lock()
		if !u.validateConfiguration() {
			u.state = StateDisabled
			u.mu.Unlock()
			level.Info(u.logger).Log("msg", "updater disabled by configuration validation")
			close(u.doneCh)
			return
		}
		u.state = StateStarted
		u.mu.Unlock()

		go u.run(ctx)
	})
	if !started {
		return ErrAlreadyStarted
	}
	return err
}

// Stop is idempotent and returns once the worker goroutine has exited or
// the bound elapses, whichever comes first; see spec section 5 for the
// min(2*period, 30s) cancellation bound.
func (u *Updater) Stop() {
	u.stopOnce.Do(func() {
		close(u.stopCh)
	})

	bound := 2 * u.cfg.Period
	const maxBound = 30 * time.Second
	if bound <= 0 || bound > maxBound {
		bound = maxBound
	}

	select {
	case <-u.doneCh:
	case <-time.After(bound):
		level.Warn(u.logger).Log("msg", "updater worker did not exit within cancellation bound")
	}
}

func (u *Updater) run(ctx context.Context) {
	defer close(u.doneCh)

	consecutiveFailures := 0

	for {
		qctx, cancel := context.WithTimeout(ctx, u.queryTimeout())
		batches, err := u.cfg.Query(qctx)
		cancel()

		if err != nil {
			var permanent *PermanentError
			if errors.As(err, &permanent) {
				u.markUnhealthy(err)
				return
			}
			consecutiveFailures++
			level.Warn(u.logger).Log("msg", "query failed", "consecutive_failures", consecutiveFailures, "err", err)
			if consecutiveFailures >= u.cfg.FailureThreshold {
				u.markUnhealthy(fmt.Errorf("query failed %d consecutive times: %w", consecutiveFailures, err))
			}
		} else {
			consecutiveFailures = 0
			for _, b := range batches {
				u.publish(b)
			}
		}

		if !u.sleep(ctx) {
			return
		}
	}
}

// queryTimeout bounds a single Query invocation so a hung external call
// cannot indefinitely delay the next poll or process shutdown (spec
// section 5). A query gets at most one period to complete.
func (u *Updater) queryTimeout() time.Duration {
	return u.cfg.Period
}

// sleep waits for one period, interruptibly. It returns false if the
// updater should stop.
func (u *Updater) sleep(ctx context.Context) bool {
	timer := time.NewTimer(u.cfg.Period)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-u.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// publish pushes one discovered batch into the store. Resource
// registration happens-before the record install, per batch.
func (u *Updater) publish(b Batch) {
	if err := u.store.UpdateResource(b.IDs, b.Resource); err != nil {
		level.Debug(u.logger).Log("msg", "publishing resource ids", "err", err)
	}
	u.store.UpdateMetadata(b.Resource, b.Record)
}

func (u *Updater) markUnhealthy(err error) {
	u.mu.Lock()
	alreadyUnhealthy := u.state == StateUnhealthy
	u.state = StateUnhealthy
	u.mu.Unlock()

	if alreadyUnhealthy {
		return
	}
	level.Error(u.logger).Log("msg", "updater became unhealthy", "err", err)
	u.health.SetUnhealthy(u.cfg.Name)
}
