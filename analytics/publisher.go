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

// Package analytics exports data consumption records for offline analysis
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/ocsgw/common"
	"github.com/apex/log"
	"github.com/segmentio/kafka-go"
)

// DataTrafficInfo records one granted consumption and the balance left afterwards
type DataTrafficInfo struct {
	SubscriberID string    `json:"subscriber_id"`
	BucketBytes  int64     `json:"bucket_bytes"`
	BundleBytes  int64     `json:"bundle_bytes"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher exports consumption records
type Publisher interface {
	// PublishDataTraffic export one consumption record
	PublishDataTraffic(ctxt context.Context, info DataTrafficInfo) error
	// Close flush and release the publisher
	Close() error
}

// Writer is the subset of kafka.Writer used by KafkaPublisher
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher exports consumption records to a Kafka topic, keyed by subscriber
type KafkaPublisher struct {
	common.Component
	writer Writer
}

// NewKafkaPublisher define a KafkaPublisher writing to the brokers
//
// Writes are asynchronous. Delivery failures are logged, never returned.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers given for topic %s", topic)
	}
	logTags := log.Fields{
		"module": "analytics", "component": "kafka-publisher", "instance": topic,
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: time.Millisecond * 50,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Failed to deliver %d consumption records", len(messages),
				)
			}
		},
	}
	return NewKafkaPublisherWithWriter(w, topic), nil
}

// NewKafkaPublisherWithWriter define a KafkaPublisher over an existing writer
func NewKafkaPublisherWithWriter(w Writer, instance string) *KafkaPublisher {
	logTags := log.Fields{
		"module": "analytics", "component": "kafka-publisher", "instance": instance,
	}
	return &KafkaPublisher{Component: common.Component{LogTags: logTags}, writer: w}
}

// PublishDataTraffic export one consumption record
func (p *KafkaPublisher) PublishDataTraffic(ctxt context.Context, info DataTrafficInfo) error {
	payload, err := json.Marshal(&info)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(info.SubscriberID), Value: payload, Time: info.Timestamp}
	if err := p.writer.WriteMessages(ctxt, msg); err != nil {
		log.WithError(err).WithFields(common.UpdateLogTags(ctxt, p.LogTags)).Errorf(
			"Failed to export consumption of %s", info.SubscriberID,
		)
		return err
	}
	return nil
}

// Close flush and close the underlying writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher discards every record
type NoopPublisher struct{}

// PublishDataTraffic discard the record
func (NoopPublisher) PublishDataTraffic(context.Context, DataTrafficInfo) error {
	return nil
}

// Close does nothing
func (NoopPublisher) Close() error {
	return nil
}
