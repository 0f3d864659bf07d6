// Copyright 2021-2022 The ocsgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd runs the gateway, the charging backend, and bus provisioning
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/ocsgw/analytics"
	"github.com/alwitt/ocsgw/apis"
	"github.com/alwitt/ocsgw/blocklist"
	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/dataplane"
	"github.com/alwitt/ocsgw/ledger"
	"github.com/alwitt/ocsgw/pipeline"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// openLedger open the configured ledger
func openLedger(ctxt context.Context, config common.LedgerConfig, instance string) (ledger.Ledger, error) {
	if config.Driver == "memory" {
		return ledger.NewMemoryLedger(instance), nil
	}
	return ledger.NewSQLLedger(ctxt, ledger.SQLParams{
		Driver: config.Driver, DSN: config.DSN, MaxOpenConns: config.MaxOpenConns,
	}, instance)
}

// openBlockList open the configured block list
func openBlockList(ctxt context.Context, config common.BlockListConfig) (blocklist.BlockList, error) {
	if config.Backend == "redis" {
		return blocklist.NewRedisBlockList(ctxt, blocklist.RedisParams{
			Addr: config.RedisAddr, DB: config.RedisDB, Key: config.Key,
		})
	}
	return blocklist.NewMemoryBlockList(), nil
}

// openAnalytics define the consumption record exporter
func openAnalytics(config common.AnalyticsConfig) (analytics.Publisher, error) {
	if !config.Enabled {
		return analytics.NoopPublisher{}, nil
	}
	return analytics.NewKafkaPublisher(config.Brokers, config.Topic)
}

// balanceStack the ledger and the event pipeline in front of it
type balanceStack struct {
	store    ledger.Ledger
	exporter analytics.Publisher
	events   pipeline.EventPipeline
	logTags  log.Fields
}

// close release the ledger and the exporter
func (s balanceStack) close() {
	if err := s.exporter.Close(); err != nil {
		log.WithError(err).WithFields(s.logTags).Error("Analytics exporter close failed")
	}
	if err := s.store.Close(); err != nil {
		log.WithError(err).WithFields(s.logTags).Error("Ledger close failed")
	}
}

// openBalanceStack open the ledger, the exporter and define the event pipeline over them
func openBalanceStack(
	ctxt context.Context, config *common.SystemConfig, instance string, logTags log.Fields,
) (balanceStack, error) {
	store, err := openLedger(ctxt, config.Ledger, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to open %s ledger", config.Ledger.Driver)
		return balanceStack{}, err
	}
	exporter, err := openAnalytics(config.Analytics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define analytics exporter")
		_ = store.Close()
		return balanceStack{}, err
	}
	events, err := pipeline.GetEventPipeline(ctxt, pipeline.Params{
		Shards:          config.Pipeline.Shards,
		TaskBuffer:      config.Pipeline.TaskBuffer,
		Policy:          pipeline.GrantPolicy(config.Pipeline.GrantPolicy),
		MinPartialGrant: config.Pipeline.MinPartialGrant,
	}, store, exporter, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event pipeline")
		_ = exporter.Close()
		_ = store.Close()
		return balanceStack{}, err
	}
	return balanceStack{store: store, exporter: exporter, events: events, logTags: logTags}, nil
}

// publisherParams convert the publish config
func publisherParams(config common.PublishConfig) dataplane.PublisherParams {
	return dataplane.PublisherParams{
		RatePerSec: config.RatePerSec,
		Burst:      config.Burst,
		AckTimeout: config.AckTimeout(),
	}
}

// accessLogger source of the HTTP access log
type accessLogger interface {
	Write(p []byte) (n int, err error)
	AliveHandler() http.HandlerFunc
	ReadyHandler() http.HandlerFunc
}

// defineRouter define the router with the health check, metrics, and access log
func defineRouter(config common.APIServerConfig, handler accessLogger) (*mux.Router, *mux.Router) {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", apis.MethodHandlers{
		"get": handler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", apis.MethodHandlers{
		"get": handler.ReadyHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", apis.MethodHandlers{
		"get": promhttp.Handler().ServeHTTP,
	})

	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(handler, next)
	})
	return router, mainRouter
}

// serveHTTP run the HTTP server until ctxt ends
func serveHTTP(
	ctxt context.Context, config common.HTTPServerConfig, router http.Handler, logTags log.Fields,
) error {
	serverListen := fmt.Sprintf("%s:%d", config.ListenOn, config.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	g, gCtxt := errgroup.WithContext(ctxt)
	g.Go(func() error {
		log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtxt.Done()
		shutdownCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
		return nil
	})
	return g.Wait()
}
