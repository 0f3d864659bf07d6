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

// Package testutil provides shared fixtures for package tests
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/core"
	"github.com/apex/log"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// StartJetStreamServer start an embedded JetStream enabled NATS server for one test
//
// The server is shut down when the test completes. Returns the client URL.
func StartJetStreamServer(t *testing.T) string {
	t.Helper()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	s, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("unable to define NATS server: %s", err)
	}
	go s.Start()
	if !s.ReadyForConnections(time.Second * 10) {
		s.Shutdown()
		t.Fatal("NATS server not ready for connections")
	}
	t.Cleanup(func() {
		s.Shutdown()
		s.WaitForShutdown()
	})
	return s.ClientURL()
}

// ConnectJetStream connect a JetStream client to a test server
//
// The client is closed when the test completes.
func ConnectJetStream(t *testing.T, serverURI string, maxPending int) *core.NatsClient {
	t.Helper()
	logTags := log.Fields{
		"module": "testutil", "component": "nats-client", "instance": t.Name(),
	}
	natsParam := core.NATSConnectParams{
		ServerURI:           serverURI,
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		MaxPendingPublish:   maxPending,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Debug("Disconnected with failure")
			}
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Disconnected from NATs server")
		},
	}
	js, err := core.GetJetStream(natsParam)
	if err != nil {
		t.Fatalf("unable to connect to NATS server %s: %s", serverURI, err)
	}
	t.Cleanup(func() {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		js.Close(ctxt)
	})
	return js
}

// ChargingBus build a charging bus definition with names unique to prefix
func ChargingBus(prefix string) common.ChargingBusConfig {
	channel := func(name string) common.BusChannelConfig {
		return common.BusChannelConfig{
			Stream:      fmt.Sprintf("%s-%s", prefix, name),
			Subject:     fmt.Sprintf("%s.%s", prefix, name),
			Consumer:    fmt.Sprintf("%s-%s-reader", prefix, name),
			MaxInflight: 64,
			AckWaitSec:  5,
			MaxAgeSec:   60,
		}
	}
	return common.ChargingBusConfig{
		Request:    channel("ccr"),
		Answer:     channel("cca"),
		Activation: channel("activation"),
	}
}
