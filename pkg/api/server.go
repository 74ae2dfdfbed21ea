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

// Package api implements the lookup HTTP server (C8): GET
// /monitoredResource/{alias} resolves an alias to its bound resource, plus
// /healthz and /metrics for operational visibility.
//
// The handler registration and graceful-shutdown wiring follow
// cmd/prw2gcm/handler.go and cmd/operator/main.go's promhttp.HandlerFor /
// server.Shutdown pattern in the teacher repository.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoogleCloudPlatform/metadata-agent/pkg/health"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/store"
)

const resourcePrefix = "/monitoredResource/"

// errorBody is the JSON shape returned for non-2xx responses, matching the
// lookup API's documented error envelope.
type errorBody struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
}

// resourceBody is the JSON shape returned for a successful lookup.
type resourceBody struct {
	Type   string            `json:"type"`
	Labels map[string]string `json:"labels"`
}

// Options configures the Server.
type Options struct {
	// Addr is the host:port the HTTP server listens on.
	Addr string
	// ShutdownGrace bounds how long Close waits for in-flight requests to
	// finish before forcing the listener closed. Defaults to 10s.
	ShutdownGrace time.Duration
	// NumThreads bounds the number of requests served concurrently,
	// matching metadata_api_num_threads. Zero means unbounded.
	NumThreads int
}

// Server is the lookup HTTP API. The zero value is not usable; construct
// with New.
type Server struct {
	logger  log.Logger
	store   *store.Store
	health  *health.Checker
	httpSrv *http.Server
	grace   time.Duration

	prefixes []prefixRoute
}

type prefixRoute struct {
	method  string
	prefix  string
	handler http.HandlerFunc
}

// New builds a Server. reg may be nil to skip registering a /metrics
// handler.
func New(logger log.Logger, st *store.Store, hc *health.Checker, reg *prometheus.Registry, opts Options) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	s := &Server{
		logger: logger,
		store:  st,
		health: hc,
		grace:  grace,
	}

	s.register("GET", resourcePrefix, s.handleLookup)
	s.register("GET", "/healthz", s.handleHealthz)
	if reg != nil {
		s.register("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}).ServeHTTP)
	}

	var handler http.Handler = http.HandlerFunc(s.dispatch)
	if opts.NumThreads > 0 {
		handler = limitConcurrency(handler, opts.NumThreads)
	}

	s.httpSrv = &http.Server{
		Addr:    opts.Addr,
		Handler: handler,
	}
	return s
}

// limitConcurrency bounds the number of requests next serves at once to n,
// the Go analogue of the spec's fixed-size "server_threads" worker pool —
// net/http already serves each request on its own goroutine, so the limit
// is enforced with a buffered-channel semaphore rather than a thread pool.
func limitConcurrency(next http.Handler, n int) http.Handler {
	sem := make(chan struct{}, n)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sem <- struct{}{}
		defer func() { <-sem }()
		next.ServeHTTP(w, r)
	})
}

// register records a (method, prefix) route. Routes are matched by longest
// prefix first so a more specific path (e.g. a future
// "/monitoredResource/special/") would win over a shorter one; prefixes
// are kept sorted by descending length as they are registered so dispatch
// never has to sort at request time.
func (s *Server) register(method, prefix string, h http.HandlerFunc) {
	s.prefixes = append(s.prefixes, prefixRoute{method: method, prefix: prefix, handler: h})
	sort.SliceStable(s.prefixes, func(i, j int) bool {
		return len(s.prefixes[i].prefix) > len(s.prefixes[j].prefix)
	})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	for _, route := range s.prefixes {
		if route.method != r.Method {
			continue
		}
		if strings.HasPrefix(r.URL.Path, route.prefix) {
			route.handler(w, r)
			return
		}
	}
	writeError(w, http.StatusNotFound, "Not found")
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	alias := strings.TrimPrefix(r.URL.Path, resourcePrefix)
	if alias == "" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	res, err := s.store.Lookup(alias)
	if err != nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	writeJSON(w, http.StatusOK, resourceBody{Type: res.Type(), Labels: res.Labels()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil && !s.health.IsHealthy() {
		writeError(w, http.StatusServiceUnavailable, "unhealthy: "+strings.Join(s.health.FailingNames(), ","))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{StatusCode: status, Error: msg})
}

// ListenAndServe runs the HTTP server until Close is called or it fails to
// bind, the same oklog/run-driven Serve/Shutdown split cmd/operator/main.go
// uses for its admission webhook server.
func (s *Server) ListenAndServe() error {
	level.Info(s.logger).Log("msg", "lookup API listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close gracefully shuts the server down, bounded by the configured grace
// period.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		level.Warn(s.logger).Log("msg", "lookup API did not shut down cleanly", "err", err)
	}
}
