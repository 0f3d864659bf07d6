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

package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/ocsgw/apis"
	"github.com/alwitt/ocsgw/blocklist"
	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/core"
	"github.com/alwitt/ocsgw/correlator"
	"github.com/alwitt/ocsgw/dataplane"
	"github.com/alwitt/ocsgw/gateway"
	"github.com/alwitt/ocsgw/management"
	"github.com/apex/log"
)

// defineDataSource define the data source selected by the gateway mode
//
// The returned cleanup releases what the data source was built on.
func defineDataSource(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	blocked blocklist.BlockList,
	wg *sync.WaitGroup,
	logTags log.Fields,
) (gateway.DataSource, func(), error) {
	if config.Gateway.Mode == "direct" {
		balances, err := openBalanceStack(runTimeContext, config, instance, logTags)
		if err != nil {
			return nil, nil, err
		}
		source, err := gateway.GetLocalDataSource(
			runTimeContext, balances.events, blocked, wg, instance,
		)
		if err != nil {
			balances.close()
			return nil, nil, err
		}
		return source, balances.close, nil
	}

	if natsClient == nil {
		return nil, nil, fmt.Errorf("bus mode requires a NATS client")
	}
	tracker, err := correlator.GetCorrelator(correlator.Params{
		RequestTimeout:    config.Gateway.Correlator.RequestTimeout(),
		TimeoutGrantUnits: config.Gateway.Correlator.TimeoutGrantUnits,
	}, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define correlator")
		return nil, nil, err
	}
	// Answers to this instance arrive on its own subject and durable consumer. Activations
	// are read in full by every instance.
	bus := config.Bus
	bus.Answer = config.Bus.Answer.ForInstance(instance)
	bus.Activation = config.Bus.Activation.ReadBy(instance)
	ctrl, err := management.GetJetStreamController(natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define JetStream controller")
		return nil, nil, err
	}
	provisionCtxt, cancel := context.WithTimeout(runTimeContext, time.Second*10)
	defer cancel()
	for _, channel := range []common.BusChannelConfig{bus.Answer, bus.Activation} {
		if err := management.ProvisionConsumer(provisionCtxt, ctrl, channel); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to provision consumer %s", channel.Consumer,
			)
			return nil, nil, err
		}
	}
	bridge, err := dataplane.GetBridge(runTimeContext, natsClient, tracker, dataplane.BridgeParams{
		Bus:           bus,
		KeepAlive:     config.Gateway.KeepAlive,
		Publish:       publisherParams(config.Gateway.Publish),
		SweepInterval: config.Gateway.Correlator.SweepInterval(),
		TaskBuffer:    config.Gateway.Publish.MaxPending,
	}, wg, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define transport bridge")
		return nil, nil, err
	}
	source, err := gateway.GetBusDataSource(
		runTimeContext, bridge, tracker, blocked, wg, instance,
	)
	if err != nil {
		return nil, nil, err
	}
	return source, func() {}, nil
}

// RunGatewayServer run the charging gateway until the runtime context ends
//
// natsClient may be nil in direct mode.
func RunGatewayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
		"mode":      config.Gateway.Mode,
	}

	blocked, err := openBlockList(runTimeContext, config.BlockList)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to open %s block list", config.BlockList.Backend,
		)
		return err
	}
	defer func() {
		if err := blocked.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Block list close failed")
		}
	}()

	wg := &sync.WaitGroup{}
	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	source, cleanup, err := defineDataSource(
		localCtxt, config, instance, natsClient, blocked, wg, logTags,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define data source")
		return err
	}
	defer cleanup()

	answerTimeout := time.Millisecond * time.Duration(config.Gateway.Correlator.SignalingTimeoutMs)
	httpHandler, err := apis.GetAPIRestGatewayHandler(
		source, answerTimeout, &config.Gateway.API.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	if err := source.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start data source")
		return err
	}
	defer func() {
		_ = source.Stop()
		lclCancel()
		wg.Wait()
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	router, mainRouter := defineRouter(config.Gateway.API, httpHandler)
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/charging/request", apis.MethodHandlers{
		"post": httpHandler.ChargingRequestHandler(),
	})
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/charging/subscriber/{subscriberID}/blocked", apis.MethodHandlers{
			"get": httpHandler.IsBlockedHandler(),
		},
	)

	return serveHTTP(localCtxt, config.Gateway.API.HTTPSetting.Server, router, logTags)
}
