// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
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
	"time"

	"github.com/rishitiwary/brainershubsocket/server"
	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file.")
	port := flag.Int("port", 0, "Override the listener port.")
	flag.Parse()

	config := server.NewConfig()
	if *configPath != "" {
		parsed, err := server.ParseConfig(*configPath)
		if err != nil {
			zap.NewExample().Fatal("Could not parse config file", zap.String("path", *configPath), zap.Error(err))
		}
		config = parsed
	}
	if *port != 0 {
		config.Port = *port
	}
	if err := config.Validate(); err != nil {
		zap.NewExample().Fatal("Invalid configuration", zap.Error(err))
	}

	logger := server.SetupLogging(config)
	defer func() { _ = logger.Sync() }()

	logger.Info("Brainers Hub socket server starting",
		zap.String("version", version),
		zap.String("environment", config.Environment),
		zap.Int("port", config.Port))

	metrics := server.NewLocalMetrics(logger, config)
	sessionRegistry := server.NewSessionRegistry(logger, metrics)
	presence := server.NewPresenceRegistry(logger, config, metrics)
	channelRouter := server.NewChannelRouter(logger, sessionRegistry)
	pipeline := server.NewPipeline(logger, config, sessionRegistry, presence, channelRouter, metrics)

	// A user who stays offline through the grace period is announced to
	// everyone still connected.
	presence.SetOfflineHandler(func(identity server.Identity, lastSeen time.Time) {
		envelope, err := server.NewEnvelope(server.EventUserStatusChange, map[string]any{
			"userId":   identity.UserID,
			"userType": identity.UserType,
			"status":   "offline",
			"lastSeen": lastSeen.UnixMilli(),
		})
		if err != nil {
			logger.Error("Could not build offline status envelope", zap.Error(err))
			return
		}
		channelRouter.SendToAll(envelope)
	})

	apiServer := server.NewApiServer(logger, config, sessionRegistry, presence, channelRouter, pipeline, metrics)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	statsTicker := time.NewTicker(5 * time.Minute)
	defer statsTicker.Stop()
	go func() {
		for range statsTicker.C {
			logger.Info("Server stats",
				zap.Int("connections", sessionRegistry.Count()),
				zap.Int("online_users", presence.CountOnline()))
		}
	}()

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-c:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessionRegistry.Stop()
	if err := apiServer.Stop(ctx); err != nil {
		logger.Warn("API server did not stop cleanly", zap.Error(err))
	}
	metrics.Stop()

	logger.Info("Shutdown complete")
}
