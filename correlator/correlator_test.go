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

package correlator

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/ocsgw/charging"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func testSession(requestID string) charging.SessionContext {
	return charging.SessionContext{
		RequestID:      requestID,
		SubscriberID:   "4790300123",
		SessionID:      uuid.New().String(),
		RequestedUnits: 500,
		RequestType:    charging.RequestUpdate,
	}
}

func TestCorrelatorRegisterResolve(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetCorrelator(Params{RequestTimeout: time.Second}, "testing")
	assert.Nil(err)

	resolutions := make(chan Resolution, 4)
	handler := func(r Resolution) { resolutions <- r }

	// Case 1: register generates an ID when none given
	var requestID string
	{
		requestID, err = uut.Register(testSession(""), "cca.answers", handler)
		assert.Nil(err)
		assert.NotEmpty(requestID)
		entry, ok := uut.Get(requestID)
		assert.True(ok)
		assert.Equal(StateCreated, entry.State)
		assert.Equal("cca.answers", entry.TopicID)
		assert.Equal(requestID, entry.Context.RequestID)
		assert.Equal(1, uut.Pending())
	}

	// Case 2: duplicate registration
	{
		_, err := uut.Register(testSession(requestID), "cca.answers", handler)
		assert.ErrorIs(err, ErrDuplicateRequest)
		assert.Equal(1, uut.Pending())
	}

	// Case 3: published
	{
		assert.True(uut.MarkPublished(requestID))
		entry, ok := uut.Get(requestID)
		assert.True(ok)
		assert.Equal(StatePublished, entry.State)
		assert.False(uut.MarkPublished(uuid.New().String()))
	}

	// Case 4: answer arrives
	answer := charging.ChargingAnswer{
		RequestID: requestID, SubscriberID: "4790300123", ResultCode: charging.ResultSuccess, GrantedUnits: 500,
	}
	{
		ctx, ok := uut.Resolve(answer)
		assert.True(ok)
		assert.Equal(requestID, ctx.RequestID)
		assert.Equal(0, uut.Pending())
		resolution := <-resolutions
		assert.Equal(StateAnswered, resolution.State)
		assert.Equal(answer, resolution.Answer)
		assert.Nil(resolution.Err)
	}

	// Case 5: the same answer again is a no-op
	{
		ctx, ok := uut.Resolve(answer)
		assert.False(ok)
		assert.Nil(ctx)
		assert.Len(resolutions, 0)
		assert.False(uut.MarkPublished(requestID))
	}
}

func TestCorrelatorKeepAliveNeverMatches(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetCorrelator(Params{RequestTimeout: time.Second}, "testing")
	assert.Nil(err)

	var calls int32
	requestID, err := uut.Register(testSession("R1"), "cca.answers", func(Resolution) {
		atomic.AddInt32(&calls, 1)
	})
	assert.Nil(err)

	// An UNKNOWN answer carrying a pending request's ID still never matches it
	ctx, ok := uut.Resolve(charging.ChargingAnswer{RequestID: requestID, ResultCode: charging.ResultUnknown})
	assert.False(ok)
	assert.Nil(ctx)
	assert.Equal(1, uut.Pending())
	assert.Equal(int32(0), atomic.LoadInt32(&calls))
}

func TestCorrelatorExpiry(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetCorrelator(Params{RequestTimeout: time.Second, TimeoutGrantUnits: 100}, "testing")
	assert.Nil(err)
	base := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	uut.(*correlatorImpl).now = func() time.Time { return current }

	resolutions := make(chan Resolution, 4)
	handler := func(r Resolution) { resolutions <- r }

	_, err = uut.Register(testSession("old"), "cca.answers", handler)
	assert.Nil(err)
	current = base.Add(time.Millisecond * 800)
	_, err = uut.Register(testSession("new"), "cca.answers", handler)
	assert.Nil(err)

	// Case 1: nothing is stale yet
	{
		assert.Equal(0, uut.ExpireStale(base.Add(time.Millisecond*900)))
		assert.Equal(2, uut.Pending())
	}

	// Case 2: the old request expires exactly once
	{
		assert.Equal(1, uut.ExpireStale(base.Add(time.Millisecond*1100)))
		assert.Equal(0, uut.ExpireStale(base.Add(time.Millisecond*1200)))
		assert.Len(resolutions, 1)
		resolution := <-resolutions
		assert.Equal(StateExpired, resolution.State)
		assert.ErrorIs(resolution.Err, ErrRequestTimedOut)
		assert.Equal("old", resolution.Answer.RequestID)
		assert.Equal(charging.ResultUnableToComply, resolution.Answer.ResultCode)
		assert.Equal(int64(100), resolution.Answer.GrantedUnits)
	}

	// Case 3: an answer after expiry is unmatched
	{
		_, ok := uut.Resolve(charging.ChargingAnswer{RequestID: "old", ResultCode: charging.ResultSuccess})
		assert.False(ok)
		assert.Len(resolutions, 0)
	}

	// Case 4: the new one expires later
	{
		assert.Equal(1, uut.ExpireStale(base.Add(time.Millisecond*1800)))
		resolution := <-resolutions
		assert.Equal("new", resolution.Context.RequestID)
		assert.Equal(0, uut.Pending())
	}
}

func TestCorrelatorFail(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetCorrelator(Params{RequestTimeout: time.Second}, "testing")
	assert.Nil(err)

	resolutions := make(chan Resolution, 4)
	requestID, err := uut.Register(testSession("R1"), "cca.answers", func(r Resolution) {
		resolutions <- r
	})
	assert.Nil(err)

	cause := errors.New("no responders available")
	assert.True(uut.Fail(requestID, cause))
	assert.False(uut.Fail(requestID, cause))
	assert.Len(resolutions, 1)
	resolution := <-resolutions
	assert.Equal(StatePublishFailed, resolution.State)
	assert.ErrorIs(resolution.Err, cause)
	assert.Equal(charging.ResultUnableToComply, resolution.Answer.ResultCode)
	assert.Equal(int64(0), resolution.Answer.GrantedUnits)
}

func TestCorrelatorResolveExpireRace(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetCorrelator(Params{RequestTimeout: time.Millisecond}, "testing")
	assert.Nil(err)

	const requests = 200
	var calls [requests]int32
	ids := make([]string, requests)
	for itr := 0; itr < requests; itr++ {
		idx := itr
		ids[idx], err = uut.Register(testSession(""), "cca.answers", func(Resolution) {
			atomic.AddInt32(&calls[idx], 1)
		})
		assert.Nil(err)
	}
	time.Sleep(time.Millisecond * 5)

	// Answers, expiry sweeps and publish failures all compete for the same requests
	wg := sync.WaitGroup{}
	start := make(chan struct{})
	for worker := 0; worker < 3; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			<-start
			for _, requestID := range ids {
				switch worker {
				case 0:
					uut.Resolve(charging.ChargingAnswer{RequestID: requestID, ResultCode: charging.ResultSuccess})
				case 1:
					uut.ExpireStale(time.Now())
				default:
					uut.Fail(requestID, errors.New("publish failed"))
				}
			}
		}(worker)
	}
	close(start)
	wg.Wait()

	assert.Equal(0, uut.Pending())
	for idx := range calls {
		assert.Equal(int32(1), atomic.LoadInt32(&calls[idx]), "request %d", idx)
	}
}

func TestGetCorrelatorParams(t *testing.T) {
	assert := assert.New(t)

	_, err := GetCorrelator(Params{RequestTimeout: 0}, "testing")
	assert.NotNil(err)
	_, err = GetCorrelator(Params{RequestTimeout: time.Second, TimeoutGrantUnits: -1}, "testing")
	assert.NotNil(err)
}
