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

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/metadata-agent/pkg/health"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/resource"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/store"
)

func TestLookupKnownAliasReturnsResource(t *testing.T) {
	st := store.New(nil, nil, store.Options{})
	res := resource.New(resource.TypeGCEInstance, map[string]string{"zone": "us-central1-a"})
	if err := st.UpdateResource([]string{"host.local"}, res); err != nil {
		t.Fatal(err)
	}

	srv := New(nil, st, health.NewChecker(), nil, Options{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, resourcePrefix+"host.local", nil)
	srv.dispatch(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: body=%s", rr.Code, rr.Body.String())
	}
	var got resourceBody
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Type != resource.TypeGCEInstance {
		t.Fatalf("type = %q, want %q", got.Type, resource.TypeGCEInstance)
	}
	if got.Labels["zone"] != "us-central1-a" {
		t.Fatalf("zone label = %q, want us-central1-a", got.Labels["zone"])
	}
}

func TestLookupUnknownAliasReturns404(t *testing.T) {
	st := store.New(nil, nil, store.Options{})
	srv := New(nil, st, health.NewChecker(), nil, Options{})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, resourcePrefix+"ghost", nil)
	srv.dispatch(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	var got errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.StatusCode != http.StatusNotFound {
		t.Fatalf("status_code = %d, want 404", got.StatusCode)
	}
}

func TestHealthzReflectsCheckerState(t *testing.T) {
	st := store.New(nil, nil, store.Options{})
	hc := health.NewChecker()
	srv := New(nil, st, hc, nil, Options{})

	rr := httptest.NewRecorder()
	srv.dispatch(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 while healthy", rr.Code)
	}

	hc.SetUnhealthy("kubernetes")
	rr = httptest.NewRecorder()
	srv.dispatch(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 while unhealthy", rr.Code)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	st := store.New(nil, nil, store.Options{})
	srv := New(nil, st, health.NewChecker(), nil, Options{})

	rr := httptest.NewRecorder()
	srv.dispatch(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestLimitConcurrencyBoundsInFlightRequests(t *testing.T) {
	var inFlight int32
	var maxSeen int32
	release := make(chan struct{})

	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			seen := atomic.LoadInt32(&maxSeen)
			if cur <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, cur) {
				break
			}
		}
		<-release
	})

	handler := limitConcurrency(base, 2)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		}()
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&maxSeen); got > 2 {
		t.Fatalf("observed %d concurrent requests, want at most 2", got)
	}
	close(release)
	wg.Wait()
}

func TestRoutesDispatchByLongestPrefix(t *testing.T) {
	st := store.New(nil, nil, store.Options{})
	srv := New(nil, st, health.NewChecker(), nil, Options{})

	hit := false
	srv.register("GET", resourcePrefix+"special/", func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	srv.dispatch(rr, httptest.NewRequest(http.MethodGet, resourcePrefix+"special/thing", nil))
	if !hit {
		t.Fatal("expected the more specific prefix route to win")
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}
