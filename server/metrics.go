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

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
)

type Metrics interface {
	Stop(logger *zap.Logger)

	IndexWriterOpened(ctx EventContext)
	IndexLockWait(ctx EventContext, attempts int, acquired bool)
	IndexCommit(ctx EventContext, elapsed time.Duration, err error)
	IndexRefresh(ctx EventContext, elapsed time.Duration, err error)
	IndexOperation(ctx EventContext, operation string, err error)
}

var _ Metrics = &LocalMetrics{}

type LocalMetrics struct {
	logger *zap.Logger

	cancelFn context.CancelFunc

	prometheusHTTPServer *http.Server

	PrometheusScope tally.Scope
	scopeCloser     io.Closer
}

func NewLocalMetrics(logger, startupLogger *zap.Logger, config Config) *LocalMetrics {
	ctx, cancelFn := context.WithCancel(context.Background())

	m := &LocalMetrics{
		logger:   logger,
		cancelFn: cancelFn,
	}

	// Create Prometheus reporter and root scope.
	reporter := prometheus.NewReporter(prometheus.Options{
		OnRegisterError: func(err error) {
			logger.Error("Error registering Prometheus metric", zap.Error(err))
		},
	})
	tags := map[string]string{"node_name": config.GetName()}
	if namespace := config.GetMetrics().Namespace; namespace != "" {
		tags["namespace"] = namespace
	}
	m.PrometheusScope, m.scopeCloser = tally.NewRootScope(tally.ScopeOptions{
		Prefix:          config.GetMetrics().Prefix,
		Tags:            tags,
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	// Check if exposing Prometheus metrics directly is enabled.
	if config.GetMetrics().PrometheusPort > 0 {
		// Create a HTTP server to expose Prometheus metrics through.
		CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
		CORSOrigins := handlers.AllowedOrigins([]string{"*"})
		CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD"})
		router := mux.NewRouter()
		router.Handle("/", reporter.HTTPHandler()).Methods("GET")
		handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)
		m.prometheusHTTPServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", config.GetMetrics().PrometheusPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			Handler:      handlerWithCORS,
		}

		startupLogger.Info("Starting Prometheus server for metrics requests", zap.Int("port", config.GetMetrics().PrometheusPort))
		go func() {
			if err := m.prometheusHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				startupLogger.Fatal("Prometheus listener failed", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		if err := m.scopeCloser.Close(); err != nil {
			logger.Error("Error closing metrics scope", zap.Error(err))
		}
	}()

	return m
}

// NewScopeMetrics reports into an existing scope, tests pass tally.NewTestScope.
func NewScopeMetrics(logger *zap.Logger, scope tally.Scope) *LocalMetrics {
	return &LocalMetrics{
		logger:          logger,
		PrometheusScope: scope,
	}
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if m.prometheusHTTPServer != nil {
		// Stop Prometheus server if one is running.
		if err := m.prometheusHTTPServer.Shutdown(context.Background()); err != nil {
			logger.Error("Prometheus listener shutdown failed", zap.Error(err))
		}
	}

	// Close the scope, flushing remaining values.
	if m.cancelFn != nil {
		m.cancelFn()
	}
}

func (m *LocalMetrics) indexScope(ctx EventContext) tally.Scope {
	tags := map[string]string{"index": ctx.IndexName}
	if ctx.ShardID != "" {
		tags["shard"] = ctx.ShardID
	}
	return m.PrometheusScope.Tagged(tags)
}

func (m *LocalMetrics) IndexWriterOpened(ctx EventContext) {
	m.indexScope(ctx).Counter("index_writer_open_count").Inc(1)
}

func (m *LocalMetrics) IndexLockWait(ctx EventContext, attempts int, acquired bool) {
	scope := m.indexScope(ctx)
	scope.Counter("index_lock_attempt_count").Inc(int64(attempts))
	if acquired {
		scope.Counter("index_lock_acquired_count").Inc(1)
	} else {
		scope.Counter("index_lock_skipped_count").Inc(1)
	}
}

func (m *LocalMetrics) IndexCommit(ctx EventContext, elapsed time.Duration, err error) {
	scope := m.indexScope(ctx)
	scope.Timer("index_commit_latency_ms").Record(elapsed)
	if err != nil {
		scope.Counter("index_commit_failure_count").Inc(1)
		return
	}
	scope.Counter("index_commit_count").Inc(1)
}

func (m *LocalMetrics) IndexRefresh(ctx EventContext, elapsed time.Duration, err error) {
	scope := m.indexScope(ctx)
	scope.Timer("index_refresh_latency_ms").Record(elapsed)
	if err != nil {
		scope.Counter("index_refresh_failure_count").Inc(1)
		return
	}
	scope.Counter("index_refresh_count").Inc(1)
}

func (m *LocalMetrics) IndexOperation(ctx EventContext, operation string, err error) {
	scope := m.indexScope(ctx).Tagged(map[string]string{"operation": operation})
	if err != nil {
		scope.Counter("index_operation_failure_count").Inc(1)
		return
	}
	scope.Counter("index_operation_count").Inc(1)
}
