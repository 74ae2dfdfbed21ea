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

// Package agent wires the store, health checker, updaters, and lookup API
// server together (C9) and owns the shutdown sequence between them.
//
// The run.Group-driven start/stop composition is grounded on
// cmd/operator/main.go in the teacher repository: a termination handler, an
// HTTP server, and a main loop are each added as a (execute, interrupt)
// pair and g.Run() blocks until the first one returns.
package agent

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/metadata-agent/pkg/api"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/health"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/store"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/updater"
)

// Agent owns one metadata store, one health checker, a set of updaters
// feeding that store, and the lookup API server reading from it.
type Agent struct {
	logger   log.Logger
	store    *store.Store
	health   *health.Checker
	updaters []*updater.Updater
	api      *api.Server
}

// Options configures an Agent.
type Options struct {
	Store    *store.Store
	Health   *health.Checker
	Updaters []*updater.Updater
	API      *api.Server
}

// New builds an Agent from already-constructed components; cmd/metadata-agent
// is responsible for constructing them from a config.Config.
func New(logger log.Logger, opts Options) *Agent {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Agent{
		logger:   logger,
		store:    opts.Store,
		health:   opts.Health,
		updaters: opts.Updaters,
		api:      opts.API,
	}
}

// Run starts every updater, the store's sweeper, and the lookup API
// server, and blocks until ctx is cancelled or one of them fails. On
// return, every updater has been stopped (bounded per-updater grace
// period), the API server has completed its graceful shutdown, and the
// store's subscriber list has been dropped.
func (a *Agent) Run(ctx context.Context) error {
	var g run.Group

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.Add(func() error {
		<-runCtx.Done()
		return nil
	}, func(error) {
		cancel()
	})

	g.Add(func() error {
		return a.store.Run(runCtx)
	}, func(error) {
		cancel()
	})

	for _, u := range a.updaters {
		u := u
		g.Add(func() error {
			if err := u.Start(runCtx); err != nil {
				return err
			}
			<-runCtx.Done()
			return nil
		}, func(error) {
			u.Stop()
		})
	}

	if a.api != nil {
		g.Add(func() error {
			return a.api.ListenAndServe()
		}, func(error) {
			a.api.Close()
		})
	}

	level.Info(a.logger).Log("msg", "agent starting", "updaters", len(a.updaters))
	err := g.Run()
	a.store.Close()
	level.Info(a.logger).Log("msg", "agent stopped")
	return err
}

// IsHealthy reports the aggregate health of every registered updater.
func (a *Agent) IsHealthy() bool {
	return a.health.IsHealthy()
}

// Registry exposes a fresh prometheus registry pre-populated with the Go
// and process collectors, matching cmd/operator/main.go's metrics setup.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}

// ShutdownGrace is the default bound the API server's graceful shutdown
// respects; exported so cmd/metadata-agent can reuse it when building
// api.Options.
const ShutdownGrace = 10 * time.Second
