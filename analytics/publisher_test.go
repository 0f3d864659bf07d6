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

package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

type fakeWriter struct {
	lock     sync.Mutex
	messages []kafka.Message
	failWith error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.failWith != nil {
		return w.failWith
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	assert := assert.New(t)

	writer := &fakeWriter{}
	uut := NewKafkaPublisherWithWriter(writer, "data-traffic")

	// Case 1: record keyed by subscriber
	{
		info := DataTrafficInfo{
			SubscriberID: "4790300123",
			BucketBytes:  1024,
			BundleBytes:  4096,
			Timestamp:    time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		assert.Nil(uut.PublishDataTraffic(context.Background(), info))
		assert.Len(writer.messages, 1)
		assert.Equal("4790300123", string(writer.messages[0].Key))
		var decoded DataTrafficInfo
		assert.Nil(json.Unmarshal(writer.messages[0].Value, &decoded))
		assert.Equal(int64(1024), decoded.BucketBytes)
		assert.Equal(int64(4096), decoded.BundleBytes)
	}

	// Case 2: writer failure surfaces
	{
		writer.failWith = fmt.Errorf("broker down")
		assert.NotNil(uut.PublishDataTraffic(context.Background(), DataTrafficInfo{SubscriberID: "x"}))
	}

	assert.Nil(uut.Close())
	assert.True(writer.closed)
}

func TestNewKafkaPublisherNeedsBrokers(t *testing.T) {
	assert := assert.New(t)

	_, err := NewKafkaPublisher(nil, "data-traffic")
	assert.NotNil(err)

	uut, err := NewKafkaPublisher([]string{"127.0.0.1:9092"}, "data-traffic")
	assert.Nil(err)
	assert.Nil(uut.Close())
}

func TestNoopPublisher(t *testing.T) {
	assert := assert.New(t)
	var uut Publisher = NoopPublisher{}
	assert.Nil(uut.PublishDataTraffic(context.Background(), DataTrafficInfo{}))
	assert.Nil(uut.Close())
}
