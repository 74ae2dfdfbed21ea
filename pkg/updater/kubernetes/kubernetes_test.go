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

package kubernetes

import (
	"context"
	"errors"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/GoogleCloudPlatform/metadata-agent/pkg/resource"
)

type fakeClient struct {
	pods             [][]corev1.Pod
	call             int
	err              error
	gotLabelSelector string
}

func (f *fakeClient) ListPods(_ context.Context, _, labelSelector string) ([]corev1.Pod, error) {
	f.gotLabelSelector = labelSelector
	if f.err != nil {
		return nil, f.err
	}
	if f.call >= len(f.pods) {
		return f.pods[len(f.pods)-1], nil
	}
	out := f.pods[f.call]
	f.call++
	return out, nil
}

func TestValidateRequiresNodeName(t *testing.T) {
	if Validate(Options{})() {
		t.Fatal("expected empty NodeName to fail validation")
	}
	if !Validate(Options{NodeName: "node-1"})() {
		t.Fatal("expected non-empty NodeName to validate")
	}
}

func TestQueryEmitsOneBatchPerPod(t *testing.T) {
	fc := &fakeClient{pods: [][]corev1.Pod{
		{{
			ObjectMeta: metav1.ObjectMeta{Name: "web-0", Namespace: "default", UID: types.UID("uid-1")},
			Status:     corev1.PodStatus{Phase: corev1.PodRunning},
		}},
	}}
	q := Query(fc, Options{NodeName: "node-1"})

	batches, err := q(context.Background())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	b := batches[0]
	if b.Resource.Type() != resource.TypeK8sPod {
		t.Fatalf("type = %q, want %q", b.Resource.Type(), resource.TypeK8sPod)
	}
	if ns, _ := b.Resource.Label("namespace"); ns != "default" {
		t.Fatalf("namespace label = %q, want default", ns)
	}
	wantIDs := []string{"uid-1", "default/web-0"}
	if len(b.IDs) != len(wantIDs) || b.IDs[0] != wantIDs[0] || b.IDs[1] != wantIDs[1] {
		t.Fatalf("IDs = %v, want %v", b.IDs, wantIDs)
	}
}

func TestQueryTombstonesPodsThatLeftTheNode(t *testing.T) {
	fc := &fakeClient{pods: [][]corev1.Pod{
		{{ObjectMeta: metav1.ObjectMeta{Name: "web-0", Namespace: "default", UID: types.UID("uid-1")}}},
		{},
	}}
	q := Query(fc, Options{NodeName: "node-1"})

	if _, err := q(context.Background()); err != nil {
		t.Fatalf("first Query: %v", err)
	}
	batches, err := q(context.Background())
	if err != nil {
		t.Fatalf("second Query: %v", err)
	}
	if len(batches) != 1 || !batches[0].Record.IsDeleted {
		t.Fatalf("expected exactly one tombstone batch, got %+v", batches)
	}
	if batches[0].IDs[0] != "uid-1" {
		t.Fatalf("tombstone id = %q, want uid-1", batches[0].IDs[0])
	}
}

func TestQueryPropagatesListErrors(t *testing.T) {
	fc := &fakeClient{err: errors.New("apiserver unreachable")}
	q := Query(fc, Options{NodeName: "node-1"})
	if _, err := q(context.Background()); err == nil {
		t.Fatal("expected error when ListPods fails")
	}
}

func TestQueryPassesPodLabelSelectorThrough(t *testing.T) {
	fc := &fakeClient{pods: [][]corev1.Pod{{}}}
	q := Query(fc, Options{NodeName: "node-1", PodLabelSelector: "app=web"})
	if _, err := q(context.Background()); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if fc.gotLabelSelector != "app=web" {
		t.Fatalf("label selector passed = %q, want app=web", fc.gotLabelSelector)
	}
}

func TestQueryAttachesClusterNameAndLocation(t *testing.T) {
	fc := &fakeClient{pods: [][]corev1.Pod{
		{{ObjectMeta: metav1.ObjectMeta{Name: "web-0", Namespace: "default", UID: types.UID("uid-1")}}},
	}}
	q := Query(fc, Options{NodeName: "node-1", ClusterName: "prod", ClusterLocation: "us-central1"})

	batches, err := q(context.Background())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got, _ := batches[0].Resource.Label("cluster_name"); got != "prod" {
		t.Fatalf("cluster_name label = %q, want prod", got)
	}
	if got, _ := batches[0].Resource.Label("cluster_location"); got != "us-central1" {
		t.Fatalf("cluster_location label = %q, want us-central1", got)
	}
}
