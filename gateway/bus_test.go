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

package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alwitt/ocsgw/blocklist"
	"github.com/alwitt/ocsgw/charging"
	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/core"
	"github.com/alwitt/ocsgw/correlator"
	"github.com/alwitt/ocsgw/dataplane"
	"github.com/alwitt/ocsgw/ledger"
	"github.com/alwitt/ocsgw/management"
	"github.com/alwitt/ocsgw/ocs"
	"github.com/alwitt/ocsgw/pipeline"
	"github.com/alwitt/ocsgw/testutil"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func testBridge(
	t *testing.T,
	ctxt context.Context,
	js *core.NatsClient,
	bus common.ChargingBusConfig,
	requestTimeout time.Duration,
	wg *sync.WaitGroup,
) (dataplane.Bridge, correlator.Correlator) {
	tracker, err := correlator.GetCorrelator(
		correlator.Params{RequestTimeout: requestTimeout}, t.Name(),
	)
	if err != nil {
		t.Fatalf("correlator: %s", err)
	}
	bridge, err := dataplane.GetBridge(ctxt, js, tracker, dataplane.BridgeParams{
		Bus: bus,
		KeepAlive: common.KeepAliveConfig{
			InitialDelayMs: 10, IntervalMs: 30, FailureThreshold: 3,
		},
		Publish:       dataplane.PublisherParams{RatePerSec: 1000, Burst: 100, AckTimeout: time.Second},
		SweepInterval: time.Millisecond * 20,
		TaskBuffer:    64,
	}, wg, t.Name())
	if err != nil {
		t.Fatalf("bridge: %s", err)
	}
	return bridge, tracker
}

func TestBusDataSourceWithBackend(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	js := testutil.ConnectJetStream(t, testutil.StartJetStreamServer(t), 64)
	ctrl, err := management.GetJetStreamController(js, "ut-gateway")
	assert.Nil(err)
	bus := testutil.ChargingBus("ut")
	assert.Nil(management.ProvisionChargingBus(utCtxt, ctrl, bus))

	// Charging backend
	store := ledger.NewMemoryLedger("ut-ocs")
	events, err := pipeline.GetEventPipeline(
		utCtxt, pipeline.Params{Shards: 4, TaskBuffer: 16, Policy: pipeline.GrantPartial, MinPartialGrant: 1},
		store, nil, "ut-ocs",
	)
	assert.Nil(err)
	assert.Nil(events.Start(&wg))
	defer func() { _ = events.Stop() }()
	backend, err := ocs.GetResponder(utCtxt, js, events, ocs.ResponderParams{
		Bus:             bus,
		Publish:         dataplane.PublisherParams{RatePerSec: 1000, Burst: 100, AckTimeout: time.Second},
		AnswerRetention: time.Minute,
	}, &wg, "ut")
	assert.Nil(err)
	assert.Nil(backend.Start())
	defer func() { _ = backend.Stop() }()

	// Gateway
	mr := miniredis.RunT(t)
	blocked, err := blocklist.NewRedisBlockList(utCtxt, blocklist.RedisParams{
		Addr: mr.Addr(), Key: "ocsgw:blocked",
	})
	assert.Nil(err)
	defer func() { _ = blocked.Close() }()
	bridge, tracker := testBridge(t, utCtxt, js, bus, time.Second*2, &wg)
	uut, err := GetBusDataSource(utCtxt, bridge, tracker, blocked, &wg, "ut")
	assert.Nil(err)
	assert.Nil(uut.Start())
	defer func() { _ = uut.Stop() }()

	subscriber := uuid.New().String()
	assert.Nil(store.EnsureBundle(utCtxt, subscriber, 1000))
	session := func(units int64) charging.SessionContext {
		return charging.SessionContext{
			SubscriberID:   subscriber,
			SessionID:      "session-1",
			RequestedUnits: units,
			RequestType:    charging.RequestUpdate,
		}
	}
	wait := func(s charging.SessionContext) charging.ChargingAnswer {
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second*3)
		defer cancel()
		answer, err := WaitForAnswer(ctxt, uut, s)
		assert.Nil(err)
		return answer
	}

	// Case 1: answered by the backend
	{
		answer := wait(session(600))
		assert.Equal(charging.ResultSuccess, answer.ResultCode)
		assert.Equal(int64(600), answer.GrantedUnits)
		assert.Equal(subscriber, answer.SubscriberID)
	}

	// Case 2: partial grant, then blocked
	{
		answer := wait(session(600))
		assert.Equal(charging.ResultSuccess, answer.ResultCode)
		assert.Equal(int64(400), answer.GrantedUnits)
		answer = wait(session(600))
		assert.Equal(charging.ResultCreditLimitReached, answer.ResultCode)
		assert.Eventually(func() bool {
			return uut.IsBlocked(utCtxt, subscriber)
		}, time.Second*2, time.Millisecond*20)
		ok, err := mr.SIsMember("ocsgw:blocked", subscriber)
		assert.Nil(err)
		assert.True(ok)
	}

	// Case 3: a top-up on the backend reactivates the subscriber
	{
		_, err := backend.TopUp(utCtxt, uuid.New().String(), subscriber, "3GB_SKU", 3_000_000_000)
		assert.Nil(err)
		assert.Eventually(func() bool {
			return !uut.IsBlocked(utCtxt, subscriber)
		}, time.Second*3, time.Millisecond*20)
		answer := wait(session(600))
		assert.Equal(charging.ResultSuccess, answer.ResultCode)
	}

	// Case 4: keep-alives flow without ever reaching a caller
	{
		time.Sleep(time.Millisecond * 100)
		assert.True(uut.Ready())
		assert.Equal(0, tracker.Pending())
	}

	// Case 5: concurrent callers each get their own answer
	{
		other := uuid.New().String()
		assert.Nil(store.EnsureBundle(utCtxt, other, 1000))
		results := make(chan charging.ChargingAnswer, 20)
		callers := sync.WaitGroup{}
		for itr := 0; itr < 20; itr++ {
			callers.Add(1)
			go func() {
				defer callers.Done()
				ctxt, cancel := context.WithTimeout(utCtxt, time.Second*3)
				defer cancel()
				answer, err := WaitForAnswer(ctxt, uut, charging.SessionContext{
					SubscriberID: other, RequestedUnits: 100, RequestType: charging.RequestUpdate,
				})
				if err == nil {
					results <- answer
				}
			}()
		}
		callers.Wait()
		close(results)
		granted := int64(0)
		ids := map[string]bool{}
		for answer := range results {
			ids[answer.RequestID] = true
			granted += answer.GrantedUnits
		}
		assert.Len(ids, 20)
		assert.Equal(int64(1000), granted)
		balance, err := events.ReadBalance(utCtxt, other)
		assert.Nil(err)
		assert.Equal(int64(0), balance)
	}

	assert.Nil(uut.Stop())
	assert.Nil(backend.Stop())
	utCtxtCancel()
}

func TestBusDataSourceNoBackend(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	js := testutil.ConnectJetStream(t, testutil.StartJetStreamServer(t), 64)
	ctrl, err := management.GetJetStreamController(js, "ut-gateway")
	assert.Nil(err)
	bus := testutil.ChargingBus("ut")
	// Requests are accepted by the bus, but nothing answers them
	assert.Nil(management.ProvisionChargingBus(utCtxt, ctrl, bus))

	bridge, tracker := testBridge(t, utCtxt, js, bus, time.Millisecond*300, &wg)
	uut, err := GetBusDataSource(utCtxt, bridge, tracker, blocklist.NewMemoryBlockList(), &wg, "ut")
	assert.Nil(err)
	assert.Nil(uut.Start())
	defer func() { _ = uut.Stop() }()

	// Case 1: duplicate request ID while the first is pending
	{
		answers := make(chan charging.ChargingAnswer, 2)
		request := charging.SessionContext{
			RequestID: "dup-1", SubscriberID: "4790300010", RequestedUnits: 100,
			RequestType: charging.RequestInitial,
		}
		start := time.Now()
		assert.Nil(uut.HandleRequest(utCtxt, request, func(a charging.ChargingAnswer) { answers <- a }))
		err := uut.HandleRequest(utCtxt, request, func(a charging.ChargingAnswer) { answers <- a })
		assert.ErrorIs(err, correlator.ErrDuplicateRequest)

		// Case 2: expiry answers conservatively
		select {
		case answer := <-answers:
			assert.Equal("dup-1", answer.RequestID)
			assert.Equal(charging.ResultUnableToComply, answer.ResultCode)
			assert.Equal(int64(0), answer.GrantedUnits)
			assert.GreaterOrEqual(time.Since(start), time.Millisecond*300)
		case <-time.After(time.Second * 2):
			assert.FailNow("request never expired")
		}
		select {
		case answer := <-answers:
			assert.Failf("second answer", "got %s", answer)
		case <-time.After(time.Millisecond * 100):
		}
		assert.False(uut.IsBlocked(utCtxt, "4790300010"))
	}

	assert.Nil(uut.Stop())
	utCtxtCancel()
}

func TestBusDataSourcePublishFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	js := testutil.ConnectJetStream(t, testutil.StartJetStreamServer(t), 64)
	ctrl, err := management.GetJetStreamController(js, "ut-gateway")
	assert.Nil(err)
	bus := testutil.ChargingBus("ut")
	assert.Nil(management.ProvisionChannel(utCtxt, ctrl, bus.Answer))
	assert.Nil(management.ProvisionChannel(utCtxt, ctrl, bus.Activation))

	requestTimeout := time.Second * 5
	bridge, tracker := testBridge(t, utCtxt, js, bus, requestTimeout, &wg)
	uut, err := GetBusDataSource(utCtxt, bridge, tracker, blocklist.NewMemoryBlockList(), &wg, "ut")
	assert.Nil(err)
	assert.Nil(uut.Start())
	defer func() { _ = uut.Stop() }()

	// The deny arrives well inside one request window
	ctxt, cancel := context.WithTimeout(utCtxt, requestTimeout)
	defer cancel()
	start := time.Now()
	answer, err := WaitForAnswer(ctxt, uut, charging.SessionContext{
		SubscriberID: "4790300011", RequestedUnits: 100, RequestType: charging.RequestInitial,
	})
	assert.Nil(err)
	assert.Equal(charging.ResultUnableToComply, answer.ResultCode)
	assert.Less(time.Since(start), time.Second*2)
	assert.Equal(0, tracker.Pending())

	// Keep-alives fail the same way
	assert.Eventually(func() bool { return !uut.Ready() }, time.Second*2, time.Millisecond*20)

	assert.Nil(uut.Stop())
	utCtxtCancel()
}

func TestBusDataSourcesShareBackend(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	js := testutil.ConnectJetStream(t, testutil.StartJetStreamServer(t), 64)
	ctrl, err := management.GetJetStreamController(js, "ut-gateway")
	assert.Nil(err)
	bus := testutil.ChargingBus("ut")
	assert.Nil(management.ProvisionChargingBus(utCtxt, ctrl, bus))

	store := ledger.NewMemoryLedger("ut-ocs")
	events, err := pipeline.GetEventPipeline(
		utCtxt, pipeline.Params{Shards: 4, TaskBuffer: 16, Policy: pipeline.GrantPartial, MinPartialGrant: 1},
		store, nil, "ut-ocs",
	)
	assert.Nil(err)
	assert.Nil(events.Start(&wg))
	defer func() { _ = events.Stop() }()
	backend, err := ocs.GetResponder(utCtxt, js, events, ocs.ResponderParams{
		Bus:             bus,
		Publish:         dataplane.PublisherParams{RatePerSec: 1000, Burst: 100, AckTimeout: time.Second},
		AnswerRetention: time.Minute,
	}, &wg, "ut")
	assert.Nil(err)
	assert.Nil(backend.Start())
	defer func() { _ = backend.Stop() }()

	// Two gateways, each reading answers addressed to it
	gateways := []DataSource{}
	trackers := []correlator.Correlator{}
	for _, instance := range []string{"gw-1", "gw-2"} {
		instanceBus := bus
		instanceBus.Answer = bus.Answer.ForInstance(instance)
		instanceBus.Activation = bus.Activation.ReadBy(instance)
		assert.Nil(management.ProvisionConsumer(utCtxt, ctrl, instanceBus.Answer))
		assert.Nil(management.ProvisionConsumer(utCtxt, ctrl, instanceBus.Activation))
		bridge, tracker := testBridge(t, utCtxt, js, instanceBus, time.Second*2, &wg)
		uut, err := GetBusDataSource(utCtxt, bridge, tracker, blocklist.NewMemoryBlockList(), &wg, instance)
		assert.Nil(err)
		assert.Nil(uut.Start())
		defer func() { _ = uut.Stop() }()
		gateways = append(gateways, uut)
		trackers = append(trackers, tracker)
	}

	subscriber := uuid.New().String()
	assert.Nil(store.EnsureBundle(utCtxt, subscriber, 10000))

	// Case 1: concurrent requests through both gateways are all answered by the backend
	{
		results := make(chan charging.ChargingAnswer, 20)
		callers := sync.WaitGroup{}
		for itr := 0; itr < 20; itr++ {
			callers.Add(1)
			go func(source DataSource) {
				defer callers.Done()
				ctxt, cancel := context.WithTimeout(utCtxt, time.Second*3)
				defer cancel()
				answer, err := WaitForAnswer(ctxt, source, charging.SessionContext{
					SubscriberID: subscriber, RequestedUnits: 100, RequestType: charging.RequestUpdate,
				})
				if err == nil {
					results <- answer
				}
			}(gateways[itr%2])
		}
		callers.Wait()
		close(results)
		answered := 0
		for answer := range results {
			answered++
			assert.Equal(charging.ResultSuccess, answer.ResultCode)
			assert.Equal(int64(100), answer.GrantedUnits)
		}
		assert.Equal(20, answered)
		for _, tracker := range trackers {
			assert.Equal(0, tracker.Pending())
		}
	}

	// Case 2: a top-up activation reaches both gateways
	{
		request := func(source DataSource, units int64) charging.ChargingAnswer {
			ctxt, cancel := context.WithTimeout(utCtxt, time.Second*3)
			defer cancel()
			answer, err := WaitForAnswer(ctxt, source, charging.SessionContext{
				SubscriberID: subscriber, RequestedUnits: units, RequestType: charging.RequestUpdate,
			})
			assert.Nil(err)
			return answer
		}
		assert.Equal(int64(8000), request(gateways[0], 20000).GrantedUnits)
		for _, uut := range gateways {
			assert.Equal(charging.ResultCreditLimitReached, request(uut, 100).ResultCode)
			assert.Eventually(func() bool {
				return uut.IsBlocked(utCtxt, subscriber)
			}, time.Second*2, time.Millisecond*20)
		}
		_, err := backend.TopUp(utCtxt, uuid.New().String(), subscriber, "1GB_SKU", 1_000_000_000)
		assert.Nil(err)
		for _, uut := range gateways {
			assert.Eventually(func() bool {
				return !uut.IsBlocked(utCtxt, subscriber)
			}, time.Second*3, time.Millisecond*20)
		}
	}

	for _, uut := range gateways {
		assert.Nil(uut.Stop())
	}
	assert.Nil(backend.Stop())
	utCtxtCancel()
}
