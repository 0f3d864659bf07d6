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
	"sync"

	"github.com/alwitt/ocsgw/apis"
	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/core"
	"github.com/alwitt/ocsgw/ocs"
	"github.com/apex/log"
)

// RunOCSServer run the charging backend until the runtime context ends
func RunOCSServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "ocs",
		"instance":  instance,
	}

	wg := &sync.WaitGroup{}
	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	balances, err := openBalanceStack(localCtxt, config, instance, logTags)
	if err != nil {
		return err
	}
	defer balances.close()

	responder, err := ocs.GetResponder(localCtxt, natsClient, balances.events, ocs.ResponderParams{
		Bus:             config.Bus,
		Publish:         publisherParams(config.OCS.Publish),
		AnswerRetention: config.OCS.AnswerRetention(),
	}, wg, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define responder")
		return err
	}

	httpHandler, err := apis.GetAPIRestOCSHandler(
		responder, balances.events, &config.OCS.API.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	if err := balances.events.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event pipeline")
		return err
	}
	defer func() {
		_ = balances.events.Stop()
		lclCancel()
		wg.Wait()
	}()
	if err := responder.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start responder")
		return err
	}
	defer func() {
		_ = responder.Stop()
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	router, mainRouter := defineRouter(config.OCS.API, httpHandler)
	subscriberRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/ocs/subscriber/{subscriberID}", nil,
	)
	_ = apis.RegisterPathPrefix(subscriberRouter, "/topup", apis.MethodHandlers{
		"post": httpHandler.TopUpHandler(),
	})
	_ = apis.RegisterPathPrefix(subscriberRouter, "/balance", apis.MethodHandlers{
		"get": httpHandler.ReadBalanceHandler(),
	})
	_ = apis.RegisterPathPrefix(subscriberRouter, "/purchases", apis.MethodHandlers{
		"get": httpHandler.PurchaseHistoryHandler(),
	})

	return serveHTTP(localCtxt, config.OCS.API.HTTPSetting.Server, router, logTags)
}
