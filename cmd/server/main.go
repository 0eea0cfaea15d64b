// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// *****************************************************************************************************//
// *****************************************************************************************************//
// Package main is the entry point for the video processing and search server.
//
// This application runs a web server using the Gin framework. It accepts video
// uploads, drives every upload through the analysis pipeline with the
// orchestrator, streams status events to connected clients and serves
// filtered, lexical and semantic search. The server is instrumented with
// OpenTelemetry for logging, tracing, and metrics.
//
// Functions:
//   - main: Loads configuration, initializes telemetry and state, serves HTTP
//     and shuts everything down in order on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ConnorBoetig-dev/pauzyn.com/internal/api"
	"github.com/ConnorBoetig-dev/pauzyn.com/internal/telemetry"
)

func main() {
	telemetry.SetupLogging()
	slog.Info("logging initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := GetConfig()

	shutdownTelemetry, err := telemetry.SetupOpenTelemetry(ctx, config)
	if err != nil {
		slog.Error("failed to setup OpenTelemetry", "error", err)
		log.Fatal(err)
	}
	slog.Info("tracing initialized", "exporter", config.Application.TelemetryExporter)

	if err := InitState(ctx); err != nil {
		slog.Error("failed to initialize state", "error", err)
		log.Fatal(err)
	}
	slog.Info("initialized state")

	router := api.NewRouter(&api.Server{
		Config:      config,
		Media:       state.mediaService,
		Search:      state.searchService,
		Broadcaster: state.broadcaster,
		Metrics:     state.metrics,
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", config.Application.HttpPort),
		Handler:     router,
		ReadTimeout: 5 * time.Minute,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to listen", "error", err)
			cancel()
		}
	}()
	slog.Info("server ready", "port", config.Application.HttpPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	// Stops listeners, timers and workers. Unfinished stages stay unresolved
	// and are picked up by recovery on the next start.
	cancel()
	state.Close()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown failed", "error", err)
	}
	log.Println("server exiting")
}
