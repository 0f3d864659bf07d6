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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

// ForwardMessageHandlerCB callback used to forward new messages to the next pipeline stage
//
// Returning an error causes the message to be redelivered.
type ForwardMessageHandlerCB func(ctxt context.Context, msg *nats.Msg) error

// AlertOnErrorCB callback used to expose internal error to an outer context for handling
type AlertOnErrorCB func(err error)

// JetStreamPushSubscriber is directly reading from JetStream with a push consumer
type JetStreamPushSubscriber interface {
	// StartReading begin reading data from JetStream
	StartReading(
		forwardCB ForwardMessageHandlerCB,
		errorCB AlertOnErrorCB,
		wg *sync.WaitGroup,
	) error
}

// jetStreamPushSubscriberImpl implements JetStreamPushSubscriber
type jetStreamPushSubscriberImpl struct {
	common.Component
	sub     *nats.Subscription
	reading bool
	lock    sync.Mutex
	ctxt    context.Context
}

// GetJetStreamPushSubscriber define new JetStreamPushSubscriber on a charging channel
//
// The channel's durable consumer must already exist. Reading stops when ctxt is cancelled.
func GetJetStreamPushSubscriber(
	ctxt context.Context, natsClient *core.NatsClient, channel common.BusChannelConfig,
) (JetStreamPushSubscriber, error) {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "js-push-reader",
		"stream":    channel.Stream,
		"subject":   channel.Subject,
		"consumer":  channel.Consumer,
	}
	if channel.Subject == "" || channel.Consumer == "" {
		err := fmt.Errorf("channel subject and consumer are required")
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber")
		return nil, err
	}
	s, err := natsClient.JetStream().SubscribeSync(channel.Subject, nats.Durable(channel.Consumer))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
		return nil, err
	}
	return &jetStreamPushSubscriberImpl{
		Component: common.Component{LogTags: logTags},
		sub:       s,
		ctxt:      ctxt,
	}, nil
}

// StartReading begin reading data from JetStream
func (r *jetStreamPushSubscriberImpl) StartReading(
	forwardCB ForwardMessageHandlerCB,
	errorCB AlertOnErrorCB,
	wg *sync.WaitGroup,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	r.reading = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(r.LogTags).Infof("Starting reading from JetStream")
		defer log.WithFields(r.LogTags).Infof("Stopping JetStream read loop")
		defer func() {
			if err := r.sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(r.LogTags).Debug("Unsubscribe failed")
			}
		}()
		for {
			newMsg, err := r.sub.NextMsgWithContext(r.ctxt)
			if err != nil {
				if r.ctxt.Err() == nil {
					log.WithError(err).WithFields(r.LogTags).Errorf("Read failure")
					if errorCB != nil {
						errorCB(err)
					}
				}
				return
			}
			if newMsg == nil {
				continue
			}
			log.WithFields(r.LogTags).Debugf("Received %s", msgToString(newMsg))
			if err := forwardCB(r.ctxt, newMsg); err != nil {
				log.WithError(err).WithFields(r.LogTags).Errorf(
					"Unable to forward %s, requesting redelivery", msgToString(newMsg),
				)
				if nakErr := newMsg.Nak(); nakErr != nil {
					log.WithError(nakErr).WithFields(r.LogTags).Error("NAK failed")
				}
				if errorCB != nil {
					errorCB(err)
				}
				continue
			}
			if err := newMsg.Ack(); err != nil {
				log.WithError(err).WithFields(r.LogTags).Errorf("ACK of %s failed", msgToString(newMsg))
			}
		}
	}()
	return nil
}

// ==============================================================================

// PublishCompleteCB receives the outcome of a publish. err is a *PublishFailure on failure.
type PublishCompleteCB func(ack *nats.PubAck, err error)

// JetStreamPublisher publishes new messages into JetStream
type JetStreamPublisher interface {
	// Publish hand a message to JetStream on a subject
	//
	// Returns once the message is queued for sending. The outcome is reported through
	// onComplete exactly once, unless Publish itself returns an error.
	Publish(ctxt context.Context, subject string, msg []byte, onComplete PublishCompleteCB) error
}

// PublisherParams JetStreamPublisher parameters
type PublisherParams struct {
	// RatePerSec sustained publish rate
	RatePerSec float64
	// Burst publish burst allowance
	Burst int
	// AckTimeout how long to wait for the server ACK
	AckTimeout time.Duration
}

// jetStreamPublisherImpl implements JetStreamPublisher
type jetStreamPublisherImpl struct {
	common.Component
	nats       *core.NatsClient
	limiter    *rate.Limiter
	ackTimeout time.Duration
	rootCtxt   context.Context
	wg         *sync.WaitGroup
}

// GetJetStreamPublisher get new JetStreamPublisher
//
// ACK waits are bound to rootCtxt and tracked with wg.
func GetJetStreamPublisher(
	rootCtxt context.Context,
	natsClient *core.NatsClient,
	params PublisherParams,
	wg *sync.WaitGroup,
	instance string,
) (JetStreamPublisher, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "js-publisher", "instance": instance,
	}
	if params.RatePerSec <= 0 || params.Burst < 1 || params.AckTimeout <= 0 {
		return nil, fmt.Errorf(
			"invalid publisher parameters rate=%f burst=%d ack-timeout=%s",
			params.RatePerSec, params.Burst, params.AckTimeout,
		)
	}
	return &jetStreamPublisherImpl{
		Component:  common.Component{LogTags: logTags},
		nats:       natsClient,
		limiter:    rate.NewLimiter(rate.Limit(params.RatePerSec), params.Burst),
		ackTimeout: params.AckTimeout,
		rootCtxt:   rootCtxt,
		wg:         wg,
	}, nil
}

// Publish hand a message to JetStream on a subject
func (s *jetStreamPublisherImpl) Publish(
	ctxt context.Context, subject string, msg []byte, onComplete PublishCompleteCB,
) error {
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)
	if err := s.limiter.Wait(ctxt); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Publish to %s throttled", subject)
		return newPublishFailure(subject, err)
	}
	ack, err := s.nats.JetStream().PublishAsync(subject, msg)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send message to %s", subject)
		return newPublishFailure(subject, err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timeout := time.NewTimer(s.ackTimeout)
		defer timeout.Stop()
		select {
		case goodSig, ok := <-ack.Ok():
			if !ok {
				onComplete(nil, newPublishFailure(subject, fmt.Errorf("PubAckFuture OK channel closed")))
				return
			}
			log.WithFields(localLogTags).Debugf(
				"Sent [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, subject,
			)
			onComplete(goodSig, nil)
		case txErr, ok := <-ack.Err():
			if !ok {
				txErr = fmt.Errorf("PubAckFuture error channel closed")
			}
			log.WithError(txErr).WithFields(localLogTags).Errorf("Message send to %s failed", subject)
			onComplete(nil, newPublishFailure(subject, txErr))
		case <-timeout.C:
			log.WithFields(localLogTags).Errorf("Message send to %s not ACKed in time", subject)
			onComplete(nil, newPublishFailure(subject, ErrAckTimeout))
		case <-s.rootCtxt.Done():
			onComplete(nil, newPublishFailure(subject, s.rootCtxt.Err()))
		}
	}()
	return nil
}
