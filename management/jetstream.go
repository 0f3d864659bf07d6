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
	"time"

	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// JSStreamLimits list stream data retention settings
type JSStreamLimits struct {
	MaxConsumers *int           `json:"max_consumers,omitempty"`
	MaxMsgs      *int64         `json:"max_msgs,omitempty"`
	MaxBytes     *int64         `json:"max_bytes,omitempty"`
	MaxAge       *time.Duration `json:"max_age,omitempty"`
	MaxMsgSize   *int32         `json:"max_msg_size,omitempty"`
}

// JSStreamParam list parameters for defining a stream
type JSStreamParam struct {
	// Name is the stream name
	Name     string   `json:"name" validate:"required"`
	Subjects []string `json:"subjects" validate:"required,min=1"`
	JSStreamLimits
}

// JetStreamConsumerParam list parameters for defining a durable push consumer
type JetStreamConsumerParam struct {
	Name  string `json:"name" validate:"required"`
	Notes string `json:"notes,omitempty"`
	// MaxInflight max number of un-ACKed message permitted in-flight
	MaxInflight int `json:"max_inflight" validate:"required,gte=1"`
	// AckWait how long the server waits for an ACK before redelivering
	AckWait time.Duration `json:"ack_wait" validate:"gte=0"`
	// FilterSubject only deliver messages of this subject
	FilterSubject *string `json:"filter_subject,omitempty"`
}

// JetStreamController manage JetStream streams and consumers
type JetStreamController interface {
	// CreateStream create a new JetStream stream
	CreateStream(ctxt context.Context, param JSStreamParam) error
	// EnsureStream create a stream, or align an existing one with the parameters
	EnsureStream(ctxt context.Context, param JSStreamParam) error
	// GetAllStreams query for info on all available JetStream streams
	GetAllStreams(ctxt context.Context) map[string]*nats.StreamInfo
	// GetStream query for info on one JetStream stream by name
	GetStream(ctxt context.Context, name string) (*nats.StreamInfo, error)
	// DeleteStream delete a JetStream stream by name
	DeleteStream(ctxt context.Context, name string) error
	// CreateConsumerForStream create a new consumer on a JetStream stream
	CreateConsumerForStream(ctxt context.Context, stream string, param JetStreamConsumerParam) error
	// EnsureConsumerForStream create a consumer on a stream unless it already exists
	EnsureConsumerForStream(ctxt context.Context, stream string, param JetStreamConsumerParam) error
	// GetConsumerForStream query for info of a consumer of a JetStream stream
	GetConsumerForStream(ctxt context.Context, stream, consumerName string) (*nats.ConsumerInfo, error)
	// DeleteConsumerOnStream delete consumer of a JetSteam stream
	DeleteConsumerOnStream(ctxt context.Context, stream, consumerName string) error
}

// jetStreamControllerImpl manage JetStream
type jetStreamControllerImpl struct {
	common.Component
	core     *core.NatsClient
	validate *validator.Validate
}

// GetJetStreamController define JetStreamController
func GetJetStreamController(
	natsCore *core.NatsClient, instance string,
) (JetStreamController, error) {
	logTags := log.Fields{
		"module":    "management",
		"component": "jetstream",
		"instance":  instance,
	}
	return &jetStreamControllerImpl{
		Component: common.Component{LogTags: logTags},
		core:      natsCore,
		validate:  validator.New(),
	}, nil
}

// =======================================================================
// Stream related controls

// GetAllStreams fetch the list of all known stream
func (js *jetStreamControllerImpl) GetAllStreams(ctxt context.Context) map[string]*nats.StreamInfo {
	logTags := common.UpdateLogTags(ctxt, js.LogTags)
	readChan := js.core.JetStream().StreamsInfo(nats.Context(ctxt))
	knownStreams := map[string]*nats.StreamInfo{}
	for {
		select {
		case info, ok := <-readChan:
			if !ok || info == nil {
				return knownStreams
			}
			if _, ok := knownStreams[info.Config.Name]; ok {
				log.WithFields(logTags).Errorf(
					"Stream info contain multiple entry of %s", info.Config.Name,
				)
			}
			knownStreams[info.Config.Name] = info
		case <-ctxt.Done():
			// out of time
			return knownStreams
		}
	}
}

// GetStream get info on one stream
func (js *jetStreamControllerImpl) GetStream(
	ctxt context.Context, name string,
) (*nats.StreamInfo, error) {
	logTags := common.UpdateLogTags(ctxt, js.LogTags)
	info, err := js.core.JetStream().StreamInfo(name, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to get stream %s info", name)
	}
	return info, err
}

func applyStreamLimits(targetLimit *JSStreamLimits, param *nats.StreamConfig) {
	if targetLimit.MaxConsumers != nil {
		param.MaxConsumers = *targetLimit.MaxConsumers
	}
	if targetLimit.MaxMsgs != nil {
		param.MaxMsgs = *targetLimit.MaxMsgs
	}
	if targetLimit.MaxBytes != nil {
		param.MaxBytes = *targetLimit.MaxBytes
	}
	if targetLimit.MaxAge != nil {
		param.MaxAge = *targetLimit.MaxAge
	}
	if targetLimit.MaxMsgSize != nil {
		param.MaxMsgSize = *targetLimit.MaxMsgSize
	}
}

// CreateStream define a new stream
func (js *jetStreamControllerImpl) CreateStream(ctxt context.Context, param JSStreamParam) error {
	logTags := common.UpdateLogTags(ctxt, js.LogTags)
	if err := js.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Invalid stream %s params", param.Name)
		return err
	}
	// Convert to JetStream structure
	jsParams := nats.StreamConfig{
		Name:     param.Name,
		Subjects: param.Subjects,
	}
	applyStreamLimits(&param.JSStreamLimits, &jsParams)
	if _, err := js.core.JetStream().AddStream(&jsParams, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define new stream %s", param.Name,
		)
		return err
	}
	log.WithFields(logTags).Infof("Defined new stream %s", param.Name)
	return nil
}

// EnsureStream define a stream, or update an existing stream's subjects and limits
func (js *jetStreamControllerImpl) EnsureStream(ctxt context.Context, param JSStreamParam) error {
	logTags := common.UpdateLogTags(ctxt, js.LogTags)
	info, err := js.core.JetStream().StreamInfo(param.Name, nats.Context(ctxt))
	if err != nil || info == nil {
		return js.CreateStream(ctxt, param)
	}
	currentConfig := info.Config
	currentConfig.Subjects = param.Subjects
	applyStreamLimits(&param.JSStreamLimits, &currentConfig)
	if _, err := js.core.JetStream().UpdateStream(&currentConfig, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to update stream %s", param.Name)
		return err
	}
	log.WithFields(logTags).Infof("Stream %s already present, updated", param.Name)
	return nil
}

// DeleteStream delete an existing stream
func (js *jetStreamControllerImpl) DeleteStream(ctxt context.Context, name string) error {
	logTags := common.UpdateLogTags(ctxt, js.LogTags)
	if err := js.core.JetStream().DeleteStream(name, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to delete stream %s", name)
		return err
	}
	log.WithFields(logTags).Infof("Deleted stream %s", name)
	return nil
}

// =======================================================================
// Consumer related controls

// GetConsumerForStream get info on one consumer of a stream
func (js *jetStreamControllerImpl) GetConsumerForStream(
	ctxt context.Context, stream, consumerName string,
) (*nats.ConsumerInfo, error) {
	logTags := common.UpdateLogTags(ctxt, js.LogTags)
	info, err := js.core.JetStream().ConsumerInfo(stream, consumerName, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to get consumer %s of stream %s info", consumerName, stream,
		)
	}
	return info, err
}

// CreateConsumerForStream define a new push consumer for a stream
func (js *jetStreamControllerImpl) CreateConsumerForStream(
	ctxt context.Context, stream string, param JetStreamConsumerParam,
) error {
	logTags := common.UpdateLogTags(ctxt, js.LogTags)
	// Verify the parameters are acceptable
	if err := js.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define new consumer %s for stream %s", param.Name, stream,
		)
		return err
	}
	// Convert to JetStream structure
	jsParams := nats.ConsumerConfig{
		Durable:        param.Name,
		Description:    param.Notes,
		MaxAckPending:  param.MaxInflight,
		AckWait:        param.AckWait,
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		DeliverSubject: nats.NewInbox(),
	}
	if param.FilterSubject != nil {
		jsParams.FilterSubject = *param.FilterSubject
	}
	// Define the consumer
	if _, err := js.core.JetStream().AddConsumer(stream, &jsParams, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define new consumer %s for stream %s", param.Name, stream,
		)
		return err
	}
	log.WithFields(logTags).Infof(
		"Defined new consumer %s for stream %s", param.Name, stream,
	)
	return nil
}

// EnsureConsumerForStream define a consumer unless one with the same name is present
func (js *jetStreamControllerImpl) EnsureConsumerForStream(
	ctxt context.Context, stream string, param JetStreamConsumerParam,
) error {
	logTags := common.UpdateLogTags(ctxt, js.LogTags)
	info, err := js.core.JetStream().ConsumerInfo(stream, param.Name, nats.Context(ctxt))
	if err != nil || info == nil {
		return js.CreateConsumerForStream(ctxt, stream, param)
	}
	if param.FilterSubject != nil && info.Config.FilterSubject != *param.FilterSubject {
		err := fmt.Errorf(
			"consumer %s of stream %s filters on %s instead of %s",
			param.Name, stream, info.Config.FilterSubject, *param.FilterSubject,
		)
		log.WithError(err).WithFields(logTags).Error("Existing consumer mismatch")
		return err
	}
	log.WithFields(logTags).Infof("Consumer %s of stream %s already present", param.Name, stream)
	return nil
}

// DeleteConsumerOnStream delete consumer from a stream
func (js *jetStreamControllerImpl) DeleteConsumerOnStream(
	ctxt context.Context, stream, consumerName string,
) error {
	logTags := common.UpdateLogTags(ctxt, js.LogTags)
	if err := js.core.JetStream().DeleteConsumer(stream, consumerName, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to delete consumer %s from stream %s", consumerName, stream,
		)
		return err
	}
	log.WithFields(logTags).Infof("Deleted consumer %s from stream %s", consumerName, stream)
	return nil
}
