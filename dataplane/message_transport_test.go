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

package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/ocsgw/management"
	"github.com/alwitt/ocsgw/testutil"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func testPublisherParams() PublisherParams {
	return PublisherParams{RatePerSec: 1000, Burst: 100, AckTimeout: time.Second * 2}
}

func TestPublishAndPushSubscribe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	js := testutil.ConnectJetStream(t, testutil.StartJetStreamServer(t), 64)
	ctrl, err := management.GetJetStreamController(js, "ut-transport")
	assert.Nil(err)
	bus := testutil.ChargingBus("ut")
	assert.Nil(management.ProvisionChannel(utCtxt, ctrl, bus.Request))

	uut, err := GetJetStreamPublisher(utCtxt, js, testPublisherParams(), &wg, "ut-transport")
	assert.Nil(err)

	// Case 0: invalid publisher parameters
	{
		_, err := GetJetStreamPublisher(utCtxt, js, PublisherParams{}, &wg, "ut-transport")
		assert.NotNil(err)
	}

	// Case 1: publish messages
	completions := make(chan error, 3)
	for itr := 0; itr < 3; itr++ {
		assert.Nil(uut.Publish(
			utCtxt, bus.Request.Subject, []byte(fmt.Sprintf("msg-%d", itr)),
			func(ack *nats.PubAck, err error) {
				if err == nil {
					assert.Equal(bus.Request.Stream, ack.Stream)
				}
				completions <- err
			},
		))
	}
	for itr := 0; itr < 3; itr++ {
		select {
		case err := <-completions:
			assert.Nil(err)
		case <-time.After(time.Second * 3):
			assert.FailNow("publish did not complete")
		}
	}

	// Case 2: read messages, failing the first delivery of msg-0
	sub, err := GetJetStreamPushSubscriber(utCtxt, js, bus.Request)
	assert.Nil(err)
	received := make(chan string, 8)
	forwardErrors := make(chan error, 8)
	rejected := false
	assert.Nil(sub.StartReading(func(_ context.Context, msg *nats.Msg) error {
		if string(msg.Data) == "msg-0" && !rejected {
			rejected = true
			return fmt.Errorf("not now")
		}
		received <- string(msg.Data)
		return nil
	}, func(err error) {
		forwardErrors <- err
	}, &wg))
	assert.NotNil(sub.StartReading(func(context.Context, *nats.Msg) error { return nil }, nil, &wg))
	{
		seen := map[string]int{}
		for itr := 0; itr < 3; itr++ {
			select {
			case msg := <-received:
				seen[msg]++
			case <-time.After(time.Second * 3):
				assert.FailNow("message not received")
			}
		}
		assert.Equal(map[string]int{"msg-0": 1, "msg-1": 1, "msg-2": 1}, seen)
		assert.Len(forwardErrors, 1)
	}

	// Case 3: nothing left to redeliver
	{
		select {
		case msg := <-received:
			assert.Failf("unexpected redelivery", "got %s", msg)
		case <-time.After(time.Millisecond * 200):
		}
	}

	// Case 4: publish to a subject no stream listens on
	{
		assert.Nil(uut.Publish(
			utCtxt, "ut.nowhere", []byte("lost"), func(_ *nats.PubAck, err error) {
				completions <- err
			},
		))
		select {
		case err := <-completions:
			assert.NotNil(err)
			var failure *PublishFailure
			assert.True(errors.As(err, &failure))
			assert.Equal("ut.nowhere", failure.Subject)
			assert.True(failure.Retryable)
			assert.True(IsRetryable(err))
		case <-time.After(time.Second * 3):
			assert.FailNow("publish did not complete")
		}
	}

	utCtxtCancel()
}

func TestPublishRateLimited(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	js := testutil.ConnectJetStream(t, testutil.StartJetStreamServer(t), 64)
	ctrl, err := management.GetJetStreamController(js, "ut-rate")
	assert.Nil(err)
	bus := testutil.ChargingBus("ut")
	assert.Nil(management.ProvisionChannel(utCtxt, ctrl, bus.Request))

	uut, err := GetJetStreamPublisher(
		utCtxt, js, PublisherParams{RatePerSec: 1, Burst: 1, AckTimeout: time.Second}, &wg, "ut-rate",
	)
	assert.Nil(err)

	// The burst is spent by the first publish, the second can not wait long enough
	noop := func(*nats.PubAck, error) {}
	assert.Nil(uut.Publish(utCtxt, bus.Request.Subject, []byte("first"), noop))
	lctxt, lcancel := context.WithTimeout(utCtxt, time.Millisecond*50)
	defer lcancel()
	err = uut.Publish(lctxt, bus.Request.Subject, []byte("second"), noop)
	assert.NotNil(err)
	var failure *PublishFailure
	assert.True(errors.As(err, &failure))

	utCtxtCancel()
}

func TestIsRetryable(t *testing.T) {
	assert := assert.New(t)

	assert.False(IsRetryable(nil))
	assert.True(IsRetryable(ErrAckTimeout))
	assert.True(IsRetryable(nats.ErrNoResponders))
	assert.True(IsRetryable(fmt.Errorf("publish: %w", nats.ErrTimeout)))
	assert.True(IsRetryable(nats.ErrDisconnected))
	assert.True(IsRetryable(context.DeadlineExceeded))
	assert.False(IsRetryable(nats.ErrConnectionClosed))
	assert.False(IsRetryable(fmt.Errorf("bad payload")))
	assert.False(IsRetryable(&PublishFailure{Subject: "a", Retryable: false, Err: ErrAckTimeout}))
	assert.True(IsRetryable(newPublishFailure("a", nats.ErrNoResponders)))
	assert.ErrorIs(newPublishFailure("a", ErrAckTimeout), ErrAckTimeout)
}
