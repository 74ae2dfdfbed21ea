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

// Package health holds the process-wide liveness registry updaters report
// into and the API server reads from.
package health

import "sync"

// Checker is a named-failure registry. It is healthy iff no name has been
// marked unhealthy. The zero value is ready to use.
type Checker struct {
	mtx     sync.RWMutex
	failing map[string]struct{}
}

// NewChecker returns an empty, healthy Checker.
func NewChecker() *Checker {
	return &Checker{failing: map[string]struct{}{}}
}

// SetUnhealthy marks name as failing. Updaters call this on terminal
// errors, not on transient query failures (spec section 4.2).
func (c *Checker) SetUnhealthy(name string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.failing[name] = struct{}{}
}

// SetHealthy clears any failing mark for name. The bundled updaters do
// not call it; once marked, an updater stays failing until restart.
func (c *Checker) SetHealthy(name string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	delete(c.failing, name)
}

// IsHealthy reports whether the failing set is empty.
func (c *Checker) IsHealthy() bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return len(c.failing) == 0
}

// FailingNames returns the current set of failing names.
func (c *Checker) FailingNames() []string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	names := make([]string, 0, len(c.failing))
	for name := range c.failing {
		names = append(names, name)
	}
	return names
}
