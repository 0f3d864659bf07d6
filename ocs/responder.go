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

// Package ocs is the charging backend answering credit control requests read from the bus
package ocs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/ocsgw/charging"
	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/core"
	"github.com/alwitt/ocsgw/dataplane"
	"github.com/alwitt/ocsgw/ledger"
	"github.com/alwitt/ocsgw/metrics"
	"github.com/alwitt/ocsgw/pipeline"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// Responder consumes credit control requests, charges them, and publishes the answers
type Responder interface {
	// TopUp credit a purchase and announce the subscriber's activation
	TopUp(
		ctxt context.Context, purchaseID, subscriberID, sku string, units int64,
	) (ledger.PurchaseRecord, error)
	// Ready whether the bus connection is up
	Ready() bool
	// Start begin consuming requests
	Start() error
	// Stop stop consuming requests
	Stop() error
}

// ResponderParams Responder parameters
type ResponderParams struct {
	Bus     common.ChargingBusConfig
	Publish dataplane.PublisherParams
	// AnswerRetention how long an answer is kept to re-answer a redelivered request
	AnswerRetention time.Duration
}

// answeredRequest an answer already issued for a request
type answeredRequest struct {
	answer     charging.ChargingAnswer
	topicID    string
	answeredAt time.Time
}

// responderImpl implements Responder
type responderImpl struct {
	common.Component
	params    ResponderParams
	nats      *core.NatsClient
	events    pipeline.EventPipeline
	codec     *charging.Codec
	publisher dataplane.JetStreamPublisher
	requests  dataplane.JetStreamPushSubscriber
	purge     common.IntervalTimer
	wg        *sync.WaitGroup
	ctxt      context.Context
	cancel    context.CancelFunc

	lock     sync.Mutex
	answered map[string]answeredRequest
	now      func() time.Time
}

// GetResponder define a new Responder
//
// The request channel consumer must already be provisioned.
func GetResponder(
	rootCtxt context.Context,
	natsClient *core.NatsClient,
	events pipeline.EventPipeline,
	params ResponderParams,
	wg *sync.WaitGroup,
	instance string,
) (Responder, error) {
	logTags := log.Fields{
		"module": "ocs", "component": "responder", "instance": instance,
	}
	if params.AnswerRetention <= 0 {
		return nil, fmt.Errorf("answer retention %s is invalid", params.AnswerRetention)
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	publisher, err := dataplane.GetJetStreamPublisher(
		ctxt, natsClient, params.Publish, wg, fmt.Sprintf("ocs.%s", instance),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	requests, err := dataplane.GetJetStreamPushSubscriber(ctxt, natsClient, params.Bus.Request)
	if err != nil {
		cancel()
		return nil, err
	}
	purge, err := common.GetIntervalTimerInstance(ctxt, fmt.Sprintf("ocs.%s.purge", instance), wg)
	if err != nil {
		cancel()
		return nil, err
	}
	return &responderImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		nats:      natsClient,
		events:    events,
		codec:     charging.NewCodec(),
		publisher: publisher,
		requests:  requests,
		purge:     purge,
		wg:        wg,
		ctxt:      ctxt,
		cancel:    cancel,
		answered:  make(map[string]answeredRequest),
		now:       time.Now,
	}, nil
}

// Start begin consuming requests
func (r *responderImpl) Start() error {
	if err := r.requests.StartReading(r.handleRequest, func(err error) {
		log.WithError(err).WithFields(r.LogTags).Warn("Request read error")
	}, r.wg); err != nil {
		return err
	}
	return r.purge.Start(r.params.AnswerRetention, func() error {
		r.purgeAnswered(r.now())
		return nil
	}, false)
}

// Stop stop consuming requests
func (r *responderImpl) Stop() error {
	_ = r.purge.Stop()
	r.cancel()
	return nil
}

// Ready whether the bus connection is up
func (r *responderImpl) Ready() bool {
	return r.nats.Connected()
}

func (r *responderImpl) purgeAnswered(now time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for requestID, entry := range r.answered {
		if now.Sub(entry.answeredAt) >= r.params.AnswerRetention {
			delete(r.answered, requestID)
		}
	}
}

func (r *responderImpl) lookupAnswered(requestID string) (answeredRequest, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.answered[requestID]
	return entry, ok
}

func (r *responderImpl) recordAnswered(answer charging.ChargingAnswer, topicID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.answered[answer.RequestID] = answeredRequest{
		answer: answer, topicID: topicID, answeredAt: r.now(),
	}
}

// handleRequest process one credit control request read from the bus
func (r *responderImpl) handleRequest(ctxt context.Context, msg *nats.Msg) error {
	req, err := r.codec.DecodeRequest(msg.Data)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Dropping undecodable request")
		return nil
	}
	ctxt = common.WithRequestID(ctxt, req.RequestID)
	localLogTags := common.UpdateLogTags(ctxt, r.LogTags)

	if req.IsKeepAlive() {
		return r.publishAnswer(ctxt, req.TopicID, charging.KeepAliveAnswer(req))
	}

	// A redelivered request is answered again without charging twice
	if previous, ok := r.lookupAnswered(req.RequestID); ok {
		log.WithFields(localLogTags).Infof("Re-answering redelivered request %s", req.RequestID)
		return r.publishAnswer(ctxt, previous.topicID, previous.answer)
	}

	result, err := r.events.ChargeConsumption(ctxt, req.SubscriberID, req.RequestedUnits)
	if err != nil {
		if errors.Is(err, common.ErrEventLoopStopped) || ctxt.Err() != nil {
			return err
		}
		log.WithError(err).WithFields(localLogTags).Errorf("Charging %s failed", req.SessionContext())
	}
	answer := result.ToAnswer(req.RequestID)
	r.recordAnswered(answer, req.TopicID)
	return r.publishAnswer(ctxt, req.TopicID, answer)
}

func (r *responderImpl) publishAnswer(
	ctxt context.Context, topicID string, answer charging.ChargingAnswer,
) error {
	payload, err := r.codec.EncodeAnswer(answer)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to encode %s", answer)
		return nil
	}
	localLogTags := common.UpdateLogTags(ctxt, r.LogTags)
	return r.publisher.Publish(ctxt, topicID, payload, func(_ *nats.PubAck, err error) {
		if err != nil {
			metrics.IncPublishFailure(topicID, dataplane.IsRetryable(err))
			log.WithError(err).WithFields(localLogTags).Errorf("Answer %s was not delivered", answer)
		}
	})
}

// TopUp credit a purchase and announce the subscriber's activation
func (r *responderImpl) TopUp(
	ctxt context.Context, purchaseID, subscriberID, sku string, units int64,
) (ledger.PurchaseRecord, error) {
	localLogTags := common.UpdateLogTags(ctxt, r.LogTags)
	record, err := r.events.ApplyTopUp(ctxt, purchaseID, subscriberID, sku, units)
	if err != nil {
		return record, err
	}
	payload, err := r.codec.EncodeActivation(charging.ActivationRecord{
		RequestID:    record.PurchaseID,
		SubscriberID: record.SubscriberID,
		ActivatedAt:  r.now().UTC(),
	})
	if err != nil {
		return record, err
	}
	subject := r.params.Bus.Activation.Subject
	if err := r.publisher.Publish(ctxt, subject, payload, func(_ *nats.PubAck, err error) {
		if err != nil {
			metrics.IncPublishFailure(subject, dataplane.IsRetryable(err))
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Activation of %s was not delivered", record.SubscriberID,
			)
		}
	}); err != nil {
		// The credit stands even when the announcement is lost
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to announce activation of %s", record.SubscriberID,
		)
	}
	return record, nil
}
