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

// Package container implements the local Docker container poller (C7): it
// lists the containers running on the host via the Docker Engine API and
// emits one resource per container, plus tombstones for containers that
// disappeared between two polls.
//
// The Docker client construction follows e2e/kind/kind.go in the teacher
// repository, which drives the same dockerclient.Client against a local
// daemon. Containers are read with ContainerList only; none is inspected.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/GoogleCloudPlatform/metadata-agent/pkg/record"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/resource"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/updater"
)

// Options configures the container poller.
type Options struct {
	// ResourceType overrides the emitted resource's type tag.
	ResourceType string
	// EndpointHost overrides the Docker daemon endpoint (docker_endpoint_host);
	// empty uses DOCKER_HOST/the default socket.
	EndpointHost string
	// APIVersion pins the Docker Engine API version to negotiate
	// (docker_api_version); empty negotiates the highest common version.
	APIVersion string
	// ContainerFilter restricts ContainerList to matching containers
	// (docker_container_filter), as a "key=value" Docker filter
	// expression (e.g. "label=env=prod"); a bare value without "=" is
	// treated as a label filter.
	ContainerFilter string
	// Version tags the emitted record's raw_content schema version,
	// matching metadata_ingestion_raw_content_version. Defaults to "1".
	Version string
}

// Client abstracts the subset of the Docker Engine API the poller needs.
type Client interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// NewClient returns a Client backed by the Docker daemon described by opts,
// the same way dockerclient.NewClientWithOpts(client.FromEnv) is used
// elsewhere in the teacher repository's e2e tooling, but honoring an
// explicit endpoint host and API version when configured.
func NewClient(opts Options) (Client, error) {
	clientOpts := []dockerclient.Opt{dockerclient.FromEnv}
	if opts.EndpointHost != "" {
		clientOpts = append(clientOpts, dockerclient.WithHost(opts.EndpointHost))
	}
	if opts.APIVersion != "" {
		clientOpts = append(clientOpts, dockerclient.WithVersion(opts.APIVersion))
	} else {
		clientOpts = append(clientOpts, dockerclient.WithAPIVersionNegotiation())
	}

	cli, err := dockerclient.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("new docker client: %w", err)
	}
	return cli, nil
}

// containerFilterArgs parses a docker_container_filter expression into
// filters.Args for ContainerList. An empty expression yields no filter.
func containerFilterArgs(expr string) filters.Args {
	f := filters.NewArgs()
	if expr == "" {
		return f
	}
	if key, val, ok := strings.Cut(expr, "="); ok {
		f.Add(key, val)
	} else {
		f.Add("label", expr)
	}
	return f
}

// rawContent is the raw_content payload shape for a container record.
type rawContent struct {
	Image   string            `json:"image"`
	State   string            `json:"state"`
	Labels  map[string]string `json:"labels,omitempty"`
	Created int64             `json:"created"`
}

// Query returns an updater.QueryFunc that lists running containers and
// diffs the container ID set against the previous poll, synthesizing a
// tombstone batch for every container that disappeared (spec section 4.5:
// a poller that notices an entity vanished must push a deleted record for
// it, not simply stop mentioning it).
func Query(client Client, opts Options) updater.QueryFunc {
	resType := opts.ResourceType
	if resType == "" {
		resType = resource.TypeDockerContainer
	}
	version := opts.Version
	if version == "" {
		version = "1"
	}
	listOpts := container.ListOptions{All: false, Filters: containerFilterArgs(opts.ContainerFilter)}

	var mu sync.Mutex
	seen := map[string]resource.Monitored{}

	return func(ctx context.Context) ([]updater.Batch, error) {
		containers, err := client.ContainerList(ctx, listOpts)
		if err != nil {
			return nil, fmt.Errorf("list containers: %w", err)
		}

		mu.Lock()
		defer mu.Unlock()

		now := seen
		seen = make(map[string]resource.Monitored, len(containers))
		batches := make([]updater.Batch, 0, len(containers))

		for _, c := range containers {
			res := resource.New(resType, map[string]string{
				"container_id": c.ID,
				"image":        c.Image,
			})
			seen[c.ID] = res
			delete(now, c.ID)

			raw, err := marshalRaw(c)
			if err != nil {
				return nil, fmt.Errorf("marshal container %s: %w", c.ID, err)
			}

			ids := append([]string{c.ID}, aliasesFor(c)...)
			batches = append(batches, updater.Batch{
				IDs:      ids,
				Resource: res,
				Record: record.Metadata{
					Version:     version,
					CollectedAt: time.Now(),
					RawContent:  raw,
				},
			})
		}

		for id, res := range now {
			batches = append(batches, updater.Batch{
				IDs:      []string{id},
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

// aliasesFor returns the container's additional aliases: its name(s) with
// the leading slash Docker prefixes stripped.
func aliasesFor(c types.Container) []string {
	aliases := make([]string, 0, len(c.Names))
	for _, n := range c.Names {
		if len(n) > 0 && n[0] == '/' {
			n = n[1:]
		}
		if n != "" {
			aliases = append(aliases, n)
		}
	}
	return aliases
}

func marshalRaw(c types.Container) ([]byte, error) {
	return json.Marshal(rawContent{
		Image:   c.Image,
		State:   c.State,
		Labels:  c.Labels,
		Created: c.Created,
	})
}
