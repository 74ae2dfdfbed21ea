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

// Package kubernetes implements the orchestrator poller (C7): it lists the
// pods scheduled onto this node and emits one resource per pod, tombstoning
// pods that have left the node-scoped list since the previous poll.
//
// The clientset construction (in-cluster config, falling back to a
// kubeconfig) follows cmd/operator/main.go and pkg/operator/operator.go in
// the teacher repository, which build a kubernetes.Interface from a
// rest.Config. Pods are fetched with one List call per poll; no watch is
// kept open between polls.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/GoogleCloudPlatform/metadata-agent/pkg/record"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/resource"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/updater"
)

const defaultServiceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"

// Options configures the orchestrator poller.
type Options struct {
	// NodeName scopes the pod list to a single node via a field selector.
	// Required; Validate (below) reports false when it is empty, which
	// disables the updater rather than failing agent startup (spec:
	// "this is normal — e.g. no orchestrator configured").
	NodeName string
	// ResourceType overrides the emitted resource's type tag for pods.
	ResourceType string
	// EndpointHost overrides the Kubernetes API server URL
	// (kubernetes_endpoint_host); empty uses in-cluster or kubeconfig
	// discovery.
	EndpointHost string
	// PodLabelSelector restricts the pod list to matching labels
	// (kubernetes_pod_label_selector).
	PodLabelSelector string
	// ServiceAccountDirectory overrides the directory holding the service
	// account token and CA used for in-cluster auth
	// (kubernetes_service_account_directory). Defaults to the standard
	// projected service account path.
	ServiceAccountDirectory string
	// ClusterName, when set, is attached to every emitted pod resource
	// and raw payload (kubernetes_cluster_name).
	ClusterName string
	// ClusterLocation, when set, is attached to every emitted pod
	// resource and raw payload (kubernetes_cluster_location).
	ClusterLocation string
	// Version tags the emitted record's raw_content schema version,
	// matching metadata_ingestion_raw_content_version. Defaults to "1".
	Version string
}

// Client abstracts the subset of the Kubernetes API the poller needs.
type Client interface {
	ListPods(ctx context.Context, nodeName, labelSelector string) ([]corev1.Pod, error)
}

type clientsetClient struct {
	cs kubernetes.Interface
}

func (c clientsetClient) ListPods(ctx context.Context, nodeName, labelSelector string) ([]corev1.Pod, error) {
	list, err := c.cs.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + nodeName,
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// NewClient builds a Client from opts: an explicit EndpointHost or
// ServiceAccountDirectory override, the in-cluster service account config,
// or (outside a cluster) the user's kubeconfig, in that order — the same
// fallback cmd/operator/main.go performs via clientcmd.BuildConfigFromFlags.
func NewClient(opts Options) (Client, error) {
	cfg, err := buildRestConfig(opts)
	if err != nil {
		return nil, err
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes clientset: %w", err)
	}
	return clientsetClient{cs: cs}, nil
}

func buildRestConfig(opts Options) (*rest.Config, error) {
	if opts.EndpointHost == "" {
		dir := opts.ServiceAccountDirectory
		if dir == "" {
			dir = defaultServiceAccountDir
		}
		if cfg, err := inClusterConfigFromDir(dir); err == nil {
			return cfg, nil
		}
	}

	kubeconfig := ""
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	cfg, err := clientcmd.BuildConfigFromFlags(opts.EndpointHost, kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("build kubeconfig: %w", err)
	}
	return cfg, nil
}

// inClusterConfigFromDir mirrors rest.InClusterConfig(), but reads the
// token and CA from dir instead of the hardcoded default path, so
// kubernetes_service_account_directory can point at a non-standard mount.
func inClusterConfigFromDir(dir string) (*rest.Config, error) {
	host, port := os.Getenv("KUBERNETES_SERVICE_HOST"), os.Getenv("KUBERNETES_SERVICE_PORT")
	if host == "" || port == "" {
		return nil, fmt.Errorf("KUBERNETES_SERVICE_HOST/PORT not set")
	}

	tokenPath := filepath.Join(dir, "token")
	token, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read service account token: %w", err)
	}

	return &rest.Config{
		Host: "https://" + net.JoinHostPort(host, port),
		TLSClientConfig: rest.TLSClientConfig{
			CAFile: filepath.Join(dir, "ca.crt"),
		},
		BearerToken:     strings.TrimSpace(string(token)),
		BearerTokenFile: tokenPath,
	}, nil
}

// Validate reports whether opts is usable: a non-empty node name is
// required to scope the pod list to this host.
func Validate(opts Options) func() bool {
	return func() bool { return opts.NodeName != "" }
}

// rawContent is the raw_content payload shape for a pod record.
type rawContent struct {
	Namespace       string            `json:"namespace"`
	Phase           string            `json:"phase"`
	Labels          map[string]string `json:"labels,omitempty"`
	HostIP          string            `json:"hostIP,omitempty"`
	PodIP           string            `json:"podIP,omitempty"`
	ClusterName     string            `json:"clusterName,omitempty"`
	ClusterLocation string            `json:"clusterLocation,omitempty"`
}

// Query returns an updater.QueryFunc that lists pods scheduled onto
// opts.NodeName and diffs the pod UID set against the previous poll,
// synthesizing a tombstone batch for every pod that left the node.
func Query(client Client, opts Options) updater.QueryFunc {
	resType := opts.ResourceType
	if resType == "" {
		resType = resource.TypeK8sPod
	}
	version := opts.Version
	if version == "" {
		version = "1"
	}

	var mu sync.Mutex
	seen := map[string]resource.Monitored{}

	return func(ctx context.Context) ([]updater.Batch, error) {
		pods, err := client.ListPods(ctx, opts.NodeName, opts.PodLabelSelector)
		if err != nil {
			return nil, fmt.Errorf("list pods: %w", err)
		}

		mu.Lock()
		defer mu.Unlock()

		previous := seen
		seen = make(map[string]resource.Monitored, len(pods))
		batches := make([]updater.Batch, 0, len(pods))

		for _, p := range pods {
			uid := string(p.UID)
			labels := map[string]string{
				"pod_name":  p.Name,
				"namespace": p.Namespace,
				"node_name": opts.NodeName,
			}
			if opts.ClusterName != "" {
				labels["cluster_name"] = opts.ClusterName
			}
			if opts.ClusterLocation != "" {
				labels["cluster_location"] = opts.ClusterLocation
			}
			res := resource.New(resType, labels)
			seen[uid] = res
			delete(previous, uid)

			raw, err := json.Marshal(rawContent{
				Namespace:       p.Namespace,
				Phase:           string(p.Status.Phase),
				Labels:          p.Labels,
				HostIP:          p.Status.HostIP,
				PodIP:           p.Status.PodIP,
				ClusterName:     opts.ClusterName,
				ClusterLocation: opts.ClusterLocation,
			})
			if err != nil {
				return nil, fmt.Errorf("marshal pod %s/%s: %w", p.Namespace, p.Name, err)
			}

			ids := []string{uid, p.Namespace + "/" + p.Name}
			batches = append(batches, updater.Batch{
				IDs:      ids,
				Resource: res,
				Record: record.Metadata{
					Version:     version,
					CreatedAt:   p.CreationTimestamp.Time,
					CollectedAt: time.Now(),
					RawContent:  raw,
				},
			})
		}

		for uid, res := range previous {
			batches = append(batches, updater.Batch{
				IDs:      []string{uid},
				Resource: res,
				Record: record.Metadata{
					Version:     version,
					CollectedAt: time.Now(),
					IsDeleted:   true,
				},
			})
		}

		return batches, nil
	}
}
