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
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/heroiclabs/nakama-index/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "1.0.0"
	commitID string = "dev"

	configPath string
	overrides  server.ConfigOverrides

	rootCmd = &cobra.Command{
		Use:   "nakama-index",
		Short: "Near-real-time search index server",
		Long: `nakama-index owns the search indexes of a node: it creates them on
startup, commits and refreshes them on the configured cadence and closes them
cleanly on shutdown.`,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Open every configured index and serve until interrupted",
		Run:   runServe,
	}
	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Create every configured index that does not exist yet, then exit",
		Run:   runInit,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(semver())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "The absolute file path to configuration YAML file.")
	rootCmd.PersistentFlags().StringVar(&overrides.Name, "name", "", "Node name - must be unique.")
	rootCmd.PersistentFlags().StringVar(&overrides.DataDir, "data_dir", "", "An absolute path to a writeable folder where the server will store its data.")
	rootCmd.PersistentFlags().StringVar(&overrides.LogLevel, "logger.level", "", "Log level to set. Valid values are 'debug', 'info', 'warn', 'error'.")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func semver() string {
	return fmt.Sprintf("%s+%s", version, commitID)
}

type node struct {
	logger        *zap.Logger
	startupLogger *zap.Logger
	config        server.Config
	metrics       *server.LocalMetrics
	timing        *server.LocalTimingSource
	registry      *server.LocalIndexRegistry
}

func bootstrap() *node {
	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	config, err := server.LoadConfig(tmpLogger, configPath, overrides)
	if err != nil {
		tmpLogger.Fatal("Could not load config", zap.Error(err))
	}
	if err := server.ValidateConfig(tmpLogger, config); err != nil {
		tmpLogger.Fatal("Invalid config", zap.Error(err))
	}

	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("Nakama index starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver()), zap.String("runtime", runtime.Version()), zap.Int("cpu", runtime.NumCPU()))
	startupLogger.Info("Data directory", zap.String("path", config.GetDataDir()))
	startupLogger.Info("Index storage", zap.String("directory", config.GetSearch().Directory), zap.String("root", config.GetSearch().Root), zap.String("io_strategy", config.GetSearch().IOStrategy))

	metrics := server.NewLocalMetrics(logger, startupLogger, config)
	timing := server.NewLocalTimingSource(time.Duration(config.GetSearch().TimingResolutionMs) * time.Millisecond)

	directories, err := server.NewDirectoryProvider(logger, config.GetSearch())
	if err != nil {
		startupLogger.Fatal("Failed initializing index storage", zap.Error(err))
	}
	strategy, err := server.NewIOStrategy(logger, metrics, timing, directories, config.GetSearch())
	if err != nil {
		startupLogger.Fatal("Failed initializing io strategy", zap.Error(err))
	}
	registry, err := server.NewLocalIndexRegistry(logger, strategy, config.GetSearch().Indexes, nil)
	if err != nil {
		startupLogger.Fatal("Failed creating indexes", zap.Error(err))
	}

	return &node{
		logger:        logger,
		startupLogger: startupLogger,
		config:        config,
		metrics:       metrics,
		timing:        timing,
		registry:      registry,
	}
}

func (n *node) stop() {
	n.metrics.Stop(n.logger)
	n.timing.Stop()
}

func runServe(cmd *cobra.Command, args []string) {
	n := bootstrap()
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	defer ctxCancelFn()

	if err := n.registry.Start(ctx); err != nil {
		_ = n.registry.Close()
		n.startupLogger.Fatal("Failed starting indexes", zap.Error(err))
	}

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	n.startupLogger.Info("Startup done")

	// Wait for a termination signal.
	<-c

	server.HandleShutdown(ctx, n.startupLogger, n.registry, n.config.GetShutdownGraceSec(), c)

	// Signal cancellation to the global runtime context.
	ctxCancelFn()

	n.stop()
	n.startupLogger.Info("Shutdown complete")
	os.Exit(0)
}

func runInit(cmd *cobra.Command, args []string) {
	n := bootstrap()

	err := n.registry.Start(context.Background())
	if closeErr := n.registry.Close(); closeErr != nil {
		n.startupLogger.Error("Failed closing indexes", zap.Error(closeErr))
	}
	n.stop()
	if err != nil {
		n.startupLogger.Fatal("Failed initializing indexes", zap.Error(err))
	}
	n.startupLogger.Info("Indexes initialized", zap.Int("count", len(n.config.GetSearch().Indexes)))
}
