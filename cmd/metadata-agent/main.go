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

// Command metadata-agent runs the metadata agent: it discovers compute
// entities on the host it runs on and serves their identities over a small
// local HTTP lookup API.
//
// Flag parsing, logger construction, and the run.Group-based process
// lifecycle follow cmd/operator/main.go in the teacher repository.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/metadata-agent/pkg/agent"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/api"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/config"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/health"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/logging"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/store"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/updater"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/updater/container"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/updater/instance"
	"github.com/GoogleCloudPlatform/metadata-agent/pkg/updater/kubernetes"
)

const (
	exitOK          = 0
	exitFatalConfig = 1
	exitBindFailure = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfg config.Config
	a := kingpin.New("metadata-agent", "Discovers compute entities on this host and serves their identities over a lookup API.")
	cfg.SetupFlags(a)
	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "parsing flags: %s\n", err)
		return exitFatalConfig
	}

	logger, err := logging.New(cfg.LogLevel())
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %s\n", err)
		return exitFatalConfig
	}

	reg := agent.Registry()
	hc := health.NewChecker()
	st := store.New(logger, reg, store.Options{
		ExpireAfter:   cfg.ReporterInterval() * 2,
		PurgeDisabled: !cfg.MetadataReporterPurgeDeleted,
	})

	updaters := buildUpdaters(logger, st, hc, &cfg)

	apiSrv := api.New(logger, st, hc, reg, api.Options{
		Addr:          cfg.BindAddr(),
		ShutdownGrace: agent.ShutdownGrace,
		NumThreads:    cfg.MetadataAPINumThreads,
	})

	ag := agent.New(logger, agent.Options{
		Store:    st,
		Health:   hc,
		Updaters: updaters,
		API:      apiSrv,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	term := make(chan os.Signal, 1)
	signal.Notify(term, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-term:
			level.Info(logger).Log("msg", "received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := ag.Run(ctx); err != nil {
		level.Error(logger).Log("msg", "agent exited with error", "err", err)
		if isBindError(err) {
			return exitBindFailure
		}
		return exitFatalConfig
	}
	return exitOK
}

// buildUpdaters constructs the three bundled pollers. Each poller's client
// construction failure disables that single updater rather than aborting
// agent startup — a per-updater validation failure must never crash the
// agent (spec section 6's error handling table).
func buildUpdaters(logger log.Logger, st *store.Store, hc *health.Checker, cfg *config.Config) []*updater.Updater {
	var updaters []*updater.Updater

	instUpdater, err := updater.New(logger, st, hc, updater.Config{
		Name:   "instance",
		Period: cfg.ReporterInterval(),
		Query: instance.Query(instance.NewClient(), instance.Options{
			ResourceType: cfg.InstanceResourceType,
			Version:      cfg.MetadataIngestionRawContentVersion,
			FetchTimeout: cfg.InstancePollerTimeout(),
		}),
	})
	if err == nil {
		updaters = append(updaters, instUpdater)
	} else {
		level.Error(logger).Log("msg", "instance updater disabled", "err", err)
	}

	if cfg.DockerUpdaterEnabled {
		dockerOpts := container.Options{
			EndpointHost:    cfg.DockerEndpointHost,
			APIVersion:      cfg.DockerAPIVersion,
			ContainerFilter: cfg.DockerContainerFilter,
			Version:         cfg.MetadataIngestionRawContentVersion,
		}
		dockerClient, derr := container.NewClient(dockerOpts)
		if derr != nil {
			level.Warn(logger).Log("msg", "docker updater disabled: building client failed", "err", derr)
		} else if contUpdater, err := updater.New(logger, st, hc, updater.Config{
			Name:   "docker",
			Period: cfg.ReporterInterval(),
			Query:  container.Query(dockerClient, dockerOpts),
		}); err != nil {
			level.Error(logger).Log("msg", "docker updater disabled", "err", err)
		} else {
			updaters = append(updaters, contUpdater)
		}
	}

	if cfg.KubernetesUpdaterEnabled {
		opts := kubernetes.Options{
			NodeName:                cfg.KubernetesNodeName,
			EndpointHost:            cfg.KubernetesEndpointHost,
			PodLabelSelector:        cfg.KubernetesPodLabelSelector,
			ServiceAccountDirectory: cfg.KubernetesServiceAccountDirectory,
			ClusterName:             cfg.KubernetesClusterName,
			ClusterLocation:         cfg.KubernetesClusterLocation,
			Version:                 cfg.MetadataIngestionRawContentVersion,
		}
		kubeClient, kerr := kubernetes.NewClient(opts)
		if kerr != nil {
			level.Warn(logger).Log("msg", "kubernetes updater disabled: building client failed", "err", kerr)
		} else if kubeUpdater, err := updater.New(logger, st, hc, updater.Config{
			Name:     "kubernetes",
			Period:   cfg.ReporterInterval(),
			Query:    kubernetes.Query(kubeClient, opts),
			Validate: kubernetes.Validate(opts),
		}); err != nil {
			level.Error(logger).Log("msg", "kubernetes updater disabled", "err", err)
		} else {
			updaters = append(updaters, kubeUpdater)
		}
	}

	return updaters
}

// isBindError reports whether err originated from the lookup API's listener
// failing to bind, as opposed to some other agent failure, so main can
// distinguish exit code 2 from the general exit code 1.
func isBindError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "listen"
}
