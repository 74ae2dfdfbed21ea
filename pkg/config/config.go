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

// Package config holds the agent's runtime configuration and its kingpin
// flag registration, grounded on the DefaultUnsetFields/SetupFlags pair in
// pkg/export/setup.MetadataOpts of the teacher repository.
package config

import (
	"fmt"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"

	"github.com/GoogleCloudPlatform/metadata-agent/pkg/logging"
)

// Config holds every tunable the agent reads at startup. Fields are
// exported so cmd/metadata-agent can pass it straight into the component
// constructors it wires together.
type Config struct {
	VerboseLogging bool

	MetadataAPINumThreads int
	MetadataAPIBindHost   string
	MetadataAPIBindPort   int

	MetadataIngestionRawContentVersion string
	MetadataReporterIntervalSeconds    int
	MetadataReporterPurgeDeleted       bool

	InstanceResourceType         string
	InstancePollerTimeoutSeconds int

	KubernetesUpdaterEnabled          bool
	KubernetesEndpointHost            string
	KubernetesPodLabelSelector        string
	KubernetesNodeName                string
	KubernetesServiceAccountDirectory string
	KubernetesClusterName             string
	KubernetesClusterLocation         string

	DockerUpdaterEnabled  bool
	DockerEndpointHost    string
	DockerAPIVersion      string
	DockerContainerFilter string
}

// DefaultUnsetFields fills in zero-valued fields with the agent's defaults.
// Called before SetupFlags so the help text shows the real default.
func (c *Config) DefaultUnsetFields() {
	if c.MetadataAPINumThreads == 0 {
		c.MetadataAPINumThreads = 4
	}
	if c.MetadataAPIBindHost == "" {
		c.MetadataAPIBindHost = "0.0.0.0"
	}
	if c.MetadataAPIBindPort == 0 {
		c.MetadataAPIBindPort = 8000
	}
	if c.MetadataIngestionRawContentVersion == "" {
		c.MetadataIngestionRawContentVersion = "1"
	}
	if c.MetadataReporterIntervalSeconds == 0 {
		c.MetadataReporterIntervalSeconds = 60
	}
	if c.InstanceResourceType == "" {
		c.InstanceResourceType = "gce_instance"
	}
	if c.InstancePollerTimeoutSeconds == 0 {
		c.InstancePollerTimeoutSeconds = 10
	}
	if c.DockerAPIVersion == "" {
		c.DockerAPIVersion = "1.41"
	}
}

// SetupFlags adds every flag to a, defaulting first.
func (c *Config) SetupFlags(a *kingpin.Application) {
	c.DefaultUnsetFields()

	a.Flag("verbose-logging", "Emit per-request and per-poll debug lines.").
		Default("false").BoolVar(&c.VerboseLogging)

	a.Flag("metadata-api-num-threads", "Workers for the lookup API server.").
		Default(fmt.Sprint(c.MetadataAPINumThreads)).IntVar(&c.MetadataAPINumThreads)
	a.Flag("metadata-api-bind-host", "Lookup API bind host.").
		Default(c.MetadataAPIBindHost).StringVar(&c.MetadataAPIBindHost)
	a.Flag("metadata-api-bind-port", "Lookup API bind port.").
		Default(fmt.Sprint(c.MetadataAPIBindPort)).IntVar(&c.MetadataAPIBindPort)

	a.Flag("metadata-ingestion-raw-content-version", "Default version tag on emitted records.").
		Default(c.MetadataIngestionRawContentVersion).StringVar(&c.MetadataIngestionRawContentVersion)
	a.Flag("metadata-reporter-interval-seconds", "Default poller period, in seconds.").
		Default(fmt.Sprint(c.MetadataReporterIntervalSeconds)).IntVar(&c.MetadataReporterIntervalSeconds)
	a.Flag("metadata-reporter-purge-deleted", "Whether the store's background sweeper runs at all.").
		Default("true").BoolVar(&c.MetadataReporterPurgeDeleted)

	a.Flag("instance-resource-type", "Resource type tag used for the host resource.").
		Default(c.InstanceResourceType).StringVar(&c.InstanceResourceType)
	a.Flag("instance-poller-timeout-seconds", "Bound on the whole metadata-server fetch sequence per poll.").
		Default(fmt.Sprint(c.InstancePollerTimeoutSeconds)).IntVar(&c.InstancePollerTimeoutSeconds)

	a.Flag("kubernetes-updater-enabled", "Enable the orchestrator (Kubernetes) poller.").
		Default("false").BoolVar(&c.KubernetesUpdaterEnabled)
	a.Flag("kubernetes-endpoint-host", "Override for the Kubernetes API server URL; empty uses in-cluster or kubeconfig discovery.").
		Default(c.KubernetesEndpointHost).StringVar(&c.KubernetesEndpointHost)
	a.Flag("kubernetes-pod-label-selector", "Label selector restricting which pods are polled.").
		Default(c.KubernetesPodLabelSelector).StringVar(&c.KubernetesPodLabelSelector)
	a.Flag("kubernetes-node-name", "Node name to scope the pod list to; required for the orchestrator poller to validate.").
		Default(c.KubernetesNodeName).StringVar(&c.KubernetesNodeName)
	a.Flag("kubernetes-service-account-directory", "Directory holding the service account token and CA used for in-cluster auth.").
		Default("/var/run/secrets/kubernetes.io/serviceaccount").StringVar(&c.KubernetesServiceAccountDirectory)
	a.Flag("kubernetes-cluster-name", "Cluster name attached to emitted pod resources.").
		Default(c.KubernetesClusterName).StringVar(&c.KubernetesClusterName)
	a.Flag("kubernetes-cluster-location", "Cluster location attached to emitted pod resources.").
		Default(c.KubernetesClusterLocation).StringVar(&c.KubernetesClusterLocation)

	a.Flag("docker-updater-enabled", "Enable the local Docker container poller.").
		Default("false").BoolVar(&c.DockerUpdaterEnabled)
	a.Flag("docker-endpoint-host", "Override for the Docker daemon endpoint; empty uses DOCKER_HOST/the default socket.").
		Default(c.DockerEndpointHost).StringVar(&c.DockerEndpointHost)
	a.Flag("docker-api-version", "Docker Engine API version to negotiate.").
		Default(c.DockerAPIVersion).StringVar(&c.DockerAPIVersion)
	a.Flag("docker-container-filter", "Label filter restricting which containers are polled.").
		Default(c.DockerContainerFilter).StringVar(&c.DockerContainerFilter)
}

// ReporterInterval returns MetadataReporterIntervalSeconds as a Duration.
func (c *Config) ReporterInterval() time.Duration {
	return time.Duration(c.MetadataReporterIntervalSeconds) * time.Second
}

// InstancePollerTimeout returns InstancePollerTimeoutSeconds as a Duration.
func (c *Config) InstancePollerTimeout() time.Duration {
	return time.Duration(c.InstancePollerTimeoutSeconds) * time.Second
}

// LogLevel returns the go-kit/log level name implied by VerboseLogging.
func (c *Config) LogLevel() string {
	return logging.ForVerbose(c.VerboseLogging)
}

// BindAddr returns the host:port the lookup API should listen on.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.MetadataAPIBindHost, c.MetadataAPIBindPort)
}
