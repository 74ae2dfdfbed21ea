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

// Package resource holds the monitored resource value type shared by the
// store, the updaters, and the lookup API.
package resource

import (
	"encoding/json"
	"sort"
)

// Well-known resource type tags emitted by the bundled pollers.
const (
	TypeGCEInstance     = "gce_instance"
	TypeK8sNode         = "k8s_node"
	TypeK8sPod          = "k8s_pod"
	TypeDockerContainer = "docker_container"
)

// Monitored is an immutable typed identity for a compute entity. Two
// Monitored values are equal iff their type and labels are pointwise equal.
type Monitored struct {
	typ    string
	labels map[string]string
}

// New returns a Monitored resource for the given type and labels. The
// labels map is copied; the caller may freely mutate its own copy
// afterwards.
func New(typ string, labels map[string]string) Monitored {
	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	return Monitored{typ: typ, labels: cp}
}

// Type returns the resource's type tag, e.g. "gce_instance".
func (m Monitored) Type() string {
	return m.typ
}

// Label returns the value for key and whether it was present.
func (m Monitored) Label(key string) (string, bool) {
	v, ok := m.labels[key]
	return v, ok
}

// Labels returns a copy of the resource's label map.
func (m Monitored) Labels() map[string]string {
	cp := make(map[string]string, len(m.labels))
	for k, v := range m.labels {
		cp[k] = v
	}
	return cp
}

// Equal reports whether m and other have the same type and pointwise equal
// labels.
func (m Monitored) Equal(other Monitored) bool {
	if m.typ != other.typ || len(m.labels) != len(other.labels) {
		return false
	}
	for k, v := range m.labels {
		if ov, ok := other.labels[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Key returns a canonical, order-independent string uniquely identifying
// the resource's (type, labels) pair. It is used as the map key in the
// store's resource->record mapping, which needs a comparable type, and is
// exported so callers that build their own indexes over resources (e.g.
// tests) can reuse the identical notion of identity.
func (m Monitored) Key() string {
	b, _ := m.MarshalJSON()
	return string(b)
}

type jsonResource struct {
	Type   string            `json:"type"`
	Labels map[string]string `json:"labels"`
}

// MarshalJSON renders the resource with a deterministic label key order so
// that repeated encodes of an equal resource are byte-identical.
func (m Monitored) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m.labels))
	for k := range m.labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// encoding/json already sorts map keys for us, but we build an explicit
	// canonical struct so the wire shape ({"type":...,"labels":{...}}) is
	// pinned regardless of how encoding/json's map handling evolves.
	ordered := make(map[string]string, len(keys))
	for _, k := range keys {
		ordered[k] = m.labels[k]
	}
	return json.Marshal(jsonResource{Type: m.typ, Labels: ordered})
}

// UnmarshalJSON decodes a resource from its canonical JSON form.
func (m *Monitored) UnmarshalJSON(data []byte) error {
	var jr jsonResource
	if err := json.Unmarshal(data, &jr); err != nil {
		return err
	}
	m.typ = jr.Type
	m.labels = jr.Labels
	if m.labels == nil {
		m.labels = map[string]string{}
	}
	return nil
}
