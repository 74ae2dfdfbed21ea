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

package resource

import (
	"encoding/json"
	"testing"
)

func TestMonitoredRoundTrip(t *testing.T) {
	want := New(TypeGCEInstance, map[string]string{
		"instance_id": "42",
		"zone":        "us-central1-a",
	})

	b, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	const expected = `{"type":"gce_instance","labels":{"instance_id":"42","zone":"us-central1-a"}}`
	if string(b) != expected {
		t.Fatalf("unexpected JSON form: got %s, want %s", b, expected)
	}

	var got Monitored
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("round-tripped resource %+v does not equal original %+v", got, want)
	}
}

func TestMonitoredEqual(t *testing.T) {
	a := New("docker_container", map[string]string{"container_id": "abc"})
	b := New("docker_container", map[string]string{"container_id": "abc"})
	c := New("docker_container", map[string]string{"container_id": "xyz"})
	d := New("k8s_pod", map[string]string{"container_id": "abc"})

	if !a.Equal(b) {
		t.Fatal("expected equal resources to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected resources with different labels to compare unequal")
	}
	if a.Equal(d) {
		t.Fatal("expected resources with different types to compare unequal")
	}
}

func TestMonitoredLabelsCopyIsolated(t *testing.T) {
	labels := map[string]string{"k": "v"}
	m := New("x", labels)
	labels["k"] = "mutated"

	if v, _ := m.Label("k"); v != "v" {
		t.Fatalf("resource observed mutation of caller's label map: got %q", v)
	}

	got := m.Labels()
	got["k"] = "mutated-again"
	if v, _ := m.Label("k"); v != "v" {
		t.Fatalf("resource observed mutation of its own returned copy: got %q", v)
	}
}
