// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/torusched/bgblock/pkg/apis/config/v1alpha1/bluegene"
	"github.com/torusched/bgblock/pkg/bluegene/bridge"
	"github.com/torusched/bgblock/pkg/bluegene/geometry"
	"github.com/torusched/bgblock/pkg/bluegene/service"
	"github.com/torusched/bgblock/pkg/config"
	"github.com/torusched/bgblock/pkg/instrumentation"
	logger "github.com/torusched/bgblock/pkg/log"
	"github.com/torusched/bgblock/pkg/metrics"
	"github.com/torusched/bgblock/pkg/version"
)

var log = logger.Get("bgblock-agent")

func main() {
	var (
		cfgFile  string
		stateDir string
	)

	flag.StringVar(&cfgFile, "config", "/etc/bgblock/config.yaml", "configuration file")
	flag.StringVar(&stateDir, "state-dir", "", "override the configured state directory")
	flag.Parse()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal("%v", err)
	}
	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		log.Fatal("failed to configure logging: %v", err)
	}
	logger.SetupDebugToggleSignal(syscall.SIGUSR1)

	log.Info("bgblock-agent %s (build %s) starting...", version.Version, version.Build)

	instrumentation.SetIdentity(
		instrumentation.Attribute("version", version.Version),
		instrumentation.Attribute("layout", string(cfg.Spec.BlueGene.LayoutMode)),
	)
	if err := instrumentation.Start(&cfg.Spec.Instrumentation); err != nil {
		log.Fatal("failed to start instrumentation: %v", err)
	}
	defer instrumentation.Stop()

	bg := &cfg.Spec.BlueGene
	if bg.Backend == bluegene.BackendBridge {
		log.Warn("no control system client in this build, emulating %s backend", bg.Backend)
	}
	dims, err := geometry.NewDims(bg.Dimensions...)
	if err != nil {
		log.Fatal("invalid machine dimensions: %v", err)
	}

	opts := []service.Option{service.WithMetrics(metrics.Default())}
	if stateDir != "" {
		opts = append(opts, service.WithStateDir(stateDir))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.New(ctx, bg, bridge.NewSimulated(dims), &notifier{}, opts...)
	if err != nil {
		log.Fatal("failed to create block allocator: %v", err)
	}
	if err := svc.Start(); err != nil {
		log.Fatal("failed to start block allocator: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received %s, shutting down...", sig)

	svc.Stop()
	logger.Flush()
}
