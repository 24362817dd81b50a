// Copyright 2018-2024 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Command paild runs the ingestion gateway: the resumable-upload
// protocol, the download gateway and the operator API, all on one
// listener routed by host and path.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pailhq/pail/internal/http/interceptors/appctx"
	"github.com/pailhq/pail/internal/http/interceptors/cors"
	logmw "github.com/pailhq/pail/internal/http/interceptors/log"
	metricsmw "github.com/pailhq/pail/internal/http/interceptors/metrics"
	"github.com/pailhq/pail/internal/http/interceptors/project"
	"github.com/pailhq/pail/internal/http/services/download"
	"github.com/pailhq/pail/internal/http/services/health"
	"github.com/pailhq/pail/internal/http/services/ingest"
	"github.com/pailhq/pail/internal/http/services/internalapi"
	"github.com/pailhq/pail/internal/http/services/metrics"
	appctxpkg "github.com/pailhq/pail/pkg/appctx"
	"github.com/pailhq/pail/pkg/blobstore/s3"
	"github.com/pailhq/pail/pkg/config"
	"github.com/pailhq/pail/pkg/controlplane"
	"github.com/pailhq/pail/pkg/logger"
	"github.com/pailhq/pail/pkg/metastore/redis"
	"github.com/pailhq/pail/pkg/rhttp"
	"github.com/pailhq/pail/pkg/upload"
	"github.com/pailhq/pail/pkg/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	versionFlag = flag.Bool("version", false, "show version and exit")
	configFlag  = flag.String("c", "", "set configuration file")
)

const shutdownTimeout = 30 * time.Second

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "paild version=%s commit=%s build_date=%s\n",
			version.Version, version.GitCommit, version.BuildDate)
		os.Exit(0)
	}

	conf, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := conf.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log := logger.New(
		logger.WithLevel(conf.LogLevel),
		logger.WithWriter(os.Stderr, logger.Mode(conf.LogMode)),
	)
	sub := log.With().Int("pid", os.Getpid()).Logger()
	log = &sub

	if err := run(log, conf); err != nil {
		log.Fatal().Err(err).Msg("paild exited with error")
	}
}

func run(log *zerolog.Logger, conf *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blob, err := s3.New(&s3.Config{
		Endpoint:  conf.S3.Endpoint,
		Region:    conf.S3.Region,
		Bucket:    conf.S3.Bucket,
		AccessKey: conf.S3.AccessKey,
		SecretKey: conf.S3.SecretKey,
	})
	if err != nil {
		return err
	}

	meta, err := redis.New(ctx, &redis.Config{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
	})
	if err != nil {
		return err
	}

	cp, err := controlplane.New(&controlplane.Config{
		URL:    conf.ControlPlaneURL,
		Secret: conf.CallbackSecret,
	})
	if err != nil {
		return err
	}

	store := upload.NewStore(meta)
	manager := upload.NewManager(blob, store, cp, conf.TusMaxSize,
		time.Duration(conf.TusExpirationHours)*time.Hour)

	server := rhttp.New(*log, conf.ListenAddr)

	// order matters: cors answers preflights before anything else, the
	// request logger needs the request id, routing needs the project
	server.Use(cors.New())
	server.Use(appctx.New(*log))
	server.Use(logmw.New())
	server.Use(metricsmw.New(prometheus.DefaultRegisterer))
	server.Use(project.New(conf.WorkerDomain, cp))

	for _, svc := range []rhttp.Service{
		health.New(),
		metrics.New(),
		ingest.New(manager, cp),
		download.New(blob, cp, conf.SigningSecret),
		internalapi.New(blob, conf.CallbackSecret),
	} {
		if err := server.Register(svc); err != nil {
			return err
		}
	}

	reaper := upload.NewReaper(manager, store, 0)
	go reaper.Run(appctxpkg.WithLogger(ctx, log))

	errc := make(chan error, 1)
	go func() {
		errc <- server.Start()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := meta.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing metadata store")
	}
	if err := <-errc; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
