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

// Package instance implements the host instance poller (C7): once per
// period, it asks the GCP metadata server for this host's stable
// identity and emits a single monitored resource for it.
//
// The metadata server access pattern (OnGCE gate, context-bounded
// GetWithContext calls against individual metadata paths, falling back
// from cluster-location to zone) is grounded on
// pkg/export/setup.tryPopulateUnspecifiedFromMetadata in the teacher
// repository.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"

	"github.com/GoogleCloudPlatform/metadata-agent/pkg/record"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/resource"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/updater"
)

const (
	projectIDPath       = "project/project-id"
	instanceIDPath      = "instance/id"
	zonePath            = "instance/zone"
	clusterNamePath     = "instance/attributes/cluster-name"
	clusterLocationPath = "instance/attributes/cluster-location"
)

// Options configures the instance poller.
type Options struct {
	// ResourceType overrides the emitted resource's type tag, matching
	// the instance_resource_type configuration option. If left empty,
	// Query picks gce_instance for a bare host and falls back to
	// k8s_node once a GKE cluster-name attribute is observed, the same
	// GCE/GKE switch pkg/export/setup.tryPopulateUnspecifiedFromMetadata
	// performs for its user-agent environment tag.
	ResourceType string
	// Aliases, if non-empty, are the additional aliases (beyond the
	// instance ID itself) the resource is registered under, e.g. a
	// "host.local" hostname alias.
	Aliases []string
	// Version tags the emitted record's raw_content schema version,
	// matching metadata_ingestion_raw_content_version. Defaults to "1".
	Version string
	// FetchTimeout bounds the whole metadata-server fetch sequence for a
	// single poll (matching instance_poller_timeout_seconds), the same way
	// pkg/export/setup wraps tryPopulateUnspecifiedFromMetadata's calls in
	// a single context.WithTimeout rather than timing out each call
	// individually. Defaults to 10s.
	FetchTimeout time.Duration
}

// rawContent is the raw_content payload shape for a host instance record.
type rawContent struct {
	ProjectID string `json:"projectId"`
	Zone      string `json:"zone"`
	Cluster   string `json:"cluster,omitempty"`
}

// Client abstracts the subset of the GCP metadata server API the poller
// needs, so tests can substitute a fake without a real metadata server.
type Client interface {
	OnGCE() bool
	GetWithContext(ctx context.Context, path string) (string, error)
}

type gcpClient struct{ c *metadata.Client }

func (g gcpClient) OnGCE() bool { return metadata.OnGCE() }
func (g gcpClient) GetWithContext(ctx context.Context, path string) (string, error) {
	return g.c.GetWithContext(ctx, path)
}

// NewClient returns a Client backed by the real GCP metadata server.
func NewClient() Client {
	return gcpClient{c: metadata.NewClient(nil)}
}

// Query returns an updater.QueryFunc that discovers this host's identity
// via the metadata server. If the host is not on GCE, it returns an empty
// batch rather than an error every period — this is the expected shape
// outside of GCP, not a query failure.
func Query(client Client, opts Options) updater.QueryFunc {
	explicitType := opts.ResourceType != ""

	version := opts.Version
	if version == "" {
		version = "1"
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}

	return func(ctx context.Context) ([]updater.Batch, error) {
		if !client.OnGCE() {
			return nil, nil
		}

		ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		instanceID, err := client.GetWithContext(ctx, instanceIDPath)
		if err != nil {
			return nil, fmt.Errorf("fetch instance id: %w", err)
		}
		instanceID = strings.TrimSpace(instanceID)

		projectID, err := client.GetWithContext(ctx, projectIDPath)
		if err != nil {
			return nil, fmt.Errorf("fetch project id: %w", err)
		}
		projectID = strings.TrimSpace(projectID)

		zone, _ := client.GetWithContext(ctx, zonePath)
		zone = lastPathSegment(strings.TrimSpace(zone))

		cluster, _ := client.GetWithContext(ctx, clusterNamePath)
		cluster = strings.TrimSpace(cluster)

		location := zone
		if loc, err := client.GetWithContext(ctx, clusterLocationPath); err == nil && strings.TrimSpace(loc) != "" {
			location = strings.TrimSpace(loc)
		}

		resType := opts.ResourceType
		switch {
		case explicitType:
			// an operator-configured type always wins.
		case cluster != "":
			resType = resource.TypeK8sNode
		default:
			resType = resource.TypeGCEInstance
		}

		res := resource.New(resType, map[string]string{
			"instance_id": instanceID,
			"project_id":  projectID,
			"zone":        location,
		})

		raw, err := json.Marshal(rawContent{ProjectID: projectID, Zone: location, Cluster: cluster})
		if err != nil {
			return nil, fmt.Errorf("marshal raw content: %w", err)
		}

		ids := append([]string{instanceID}, opts.Aliases...)

		return []updater.Batch{{
			IDs:      ids,
			Resource: res,
			Record: record.Metadata{
				Version:     version,
				CreatedAt:   time.Time{},
				CollectedAt: time.Now(),
				RawContent:  raw,
			},
		}}, nil
	}
}

// lastPathSegment trims an instance/zone value, which arrives as
// "projects/<num>/zones/<zone>", to its trailing segment.
func lastPathSegment(s string) string {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}
