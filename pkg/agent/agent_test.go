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

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/metadata-agent/pkg/health"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/resource"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/store"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/updater"
)

func TestRunStopsCleanlyOnContextCancel(t *testing.T) {
	st := store.New(nil, nil, store.Options{})
	hc := health.NewChecker()

	res := resource.New(resource.TypeGCEInstance, map[string]string{"instance_id": "1"})
	u, err := updater.New(nil, st, hc, updater.Config{
		Name:   "instance",
		Period: 10 * time.Millisecond,
		Query: func(context.Context) ([]updater.Batch, error) {
			return []updater.Batch{{IDs: []string{"i-1"}, Resource: res}}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	a := New(nil, Options{Store: st, Health: hc, Updaters: []*updater.Updater{u}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return within a bounded time after context cancel")
	}
}

func TestIsHealthyReflectsCheckerState(t *testing.T) {
	st := store.New(nil, nil, store.Options{})
	hc := health.NewChecker()
	a := New(nil, Options{Store: st, Health: hc})

	if !a.IsHealthy() {
		t.Fatal("expected new agent to be healthy")
	}
	hc.SetUnhealthy("kubernetes")
	if a.IsHealthy() {
		t.Fatal("expected agent to reflect unhealthy updater")
	}
}
