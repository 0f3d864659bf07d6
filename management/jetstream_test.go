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

package management

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/testutil"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestJetStreamControllerStreams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-js-streams"

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	js := testutil.ConnectJetStream(t, testutil.StartJetStreamServer(t), 0)
	uut, err := GetJetStreamController(js, testName)
	assert.Nil(err)

	// Case 0: no streams in system
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		assert.Empty(uut.GetAllStreams(ctxt))
		_, err := uut.GetStream(ctxt, "missing")
		assert.NotNil(err)
		assert.NotNil(uut.DeleteStream(ctxt, "missing"))
	}

	// Case 1: create stream
	stream1 := uuid.New().String()
	subject1 := fmt.Sprintf("%s.ccr", testName)
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		maxAge := time.Minute
		assert.Nil(uut.CreateStream(ctxt, JSStreamParam{
			Name: stream1, Subjects: []string{subject1}, JSStreamLimits: JSStreamLimits{MaxAge: &maxAge},
		}))
		info, err := uut.GetStream(ctxt, stream1)
		assert.Nil(err)
		assert.Equal([]string{subject1}, info.Config.Subjects)
		assert.Equal(maxAge, info.Config.MaxAge)
		assert.Len(uut.GetAllStreams(ctxt), 1)
	}

	// Case 2: stream with no subjects is rejected
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		assert.NotNil(uut.CreateStream(ctxt, JSStreamParam{Name: uuid.New().String()}))
	}

	// Case 3: ensure an existing stream updates it
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		maxAge := time.Minute * 2
		assert.Nil(uut.EnsureStream(ctxt, JSStreamParam{
			Name: stream1, Subjects: []string{subject1}, JSStreamLimits: JSStreamLimits{MaxAge: &maxAge},
		}))
		info, err := uut.GetStream(ctxt, stream1)
		assert.Nil(err)
		assert.Equal(maxAge, info.Config.MaxAge)
	}

	// Case 4: delete stream
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		assert.Nil(uut.DeleteStream(ctxt, stream1))
		_, err := uut.GetStream(ctxt, stream1)
		assert.NotNil(err)
	}
}

func TestJetStreamControllerConsumers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-js-consumers"

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	js := testutil.ConnectJetStream(t, testutil.StartJetStreamServer(t), 0)
	uut, err := GetJetStreamController(js, testName)
	assert.Nil(err)

	stream1 := uuid.New().String()
	subject1 := fmt.Sprintf("%s.cca", testName)
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		assert.Nil(uut.CreateStream(ctxt, JSStreamParam{Name: stream1, Subjects: []string{subject1}}))
	}

	// Case 0: invalid consumer params
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		assert.NotNil(uut.CreateConsumerForStream(ctxt, stream1, JetStreamConsumerParam{
			Name: uuid.New().String(), MaxInflight: 0,
		}))
	}

	// Case 1: create consumer
	consumer1 := uuid.New().String()
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		assert.Nil(uut.CreateConsumerForStream(ctxt, stream1, JetStreamConsumerParam{
			Name: consumer1, MaxInflight: 8, AckWait: time.Second * 5, FilterSubject: &subject1,
		}))
		info, err := uut.GetConsumerForStream(ctxt, stream1, consumer1)
		assert.Nil(err)
		assert.Equal(8, info.Config.MaxAckPending)
		assert.Equal(subject1, info.Config.FilterSubject)
		assert.NotEmpty(info.Config.DeliverSubject)
	}

	// Case 2: ensure an existing consumer is a no-op
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		assert.Nil(uut.EnsureConsumerForStream(ctxt, stream1, JetStreamConsumerParam{
			Name: consumer1, MaxInflight: 8, FilterSubject: &subject1,
		}))
	}

	// Case 3: ensure an existing consumer with a different filter
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		other := fmt.Sprintf("%s.other", testName)
		assert.NotNil(uut.EnsureConsumerForStream(ctxt, stream1, JetStreamConsumerParam{
			Name: consumer1, MaxInflight: 8, FilterSubject: &other,
		}))
	}

	// Case 4: delete consumer
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		assert.Nil(uut.DeleteConsumerOnStream(ctxt, stream1, consumer1))
		_, err := uut.GetConsumerForStream(ctxt, stream1, consumer1)
		assert.NotNil(err)
		assert.NotNil(uut.DeleteConsumerOnStream(ctxt, stream1, consumer1))
	}
}

func TestProvisionChargingBus(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	js := testutil.ConnectJetStream(t, testutil.StartJetStreamServer(t), 0)
	uut, err := GetJetStreamController(js, "ut-provision")
	assert.Nil(err)

	channel := func(name string) common.BusChannelConfig {
		return common.BusChannelConfig{
			Stream:      name,
			Subject:     fmt.Sprintf("%s.subject", name),
			Consumer:    fmt.Sprintf("%s-reader", name),
			MaxInflight: 16,
			AckWaitSec:  10,
			MaxAgeSec:   60,
		}
	}
	bus := common.ChargingBusConfig{
		Request: channel("ccr"), Answer: channel("cca"), Activation: channel("activation"),
	}

	// Case 1: provision twice, second run changes nothing
	for itr := 0; itr < 2; itr++ {
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second*2)
		assert.Nil(ProvisionChargingBus(ctxt, uut, bus))
		cancel()
	}

	// Case 2: verify
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		assert.Len(uut.GetAllStreams(ctxt), 3)
		for _, ch := range []common.BusChannelConfig{bus.Request, bus.Answer, bus.Activation} {
			info, err := uut.GetConsumerForStream(ctxt, ch.Stream, ch.Consumer)
			assert.Nil(err)
			assert.Equal(ch.Subject, info.Config.FilterSubject)
			assert.Equal(time.Second*10, info.Config.AckWait)
		}
	}

	// Case 3: per instance answer consumers on the shared answer stream
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second*2)
		defer cancel()
		for _, instance := range []string{"gw-1", "gw.2"} {
			answer := bus.Answer.ForInstance(instance)
			assert.Nil(ProvisionConsumer(ctxt, uut, answer))
			info, err := uut.GetConsumerForStream(ctxt, bus.Answer.Stream, answer.Consumer)
			assert.Nil(err)
			assert.Equal(answer.Subject, info.Config.FilterSubject)
		}
		assert.Len(uut.GetAllStreams(ctxt), 3)
	}
}
