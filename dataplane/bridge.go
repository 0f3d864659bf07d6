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
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/ocsgw/charging"
	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/core"
	"github.com/alwitt/ocsgw/correlator"
	"github.com/alwitt/ocsgw/metrics"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ActivationHandler receives subscriber activation records read from the bus
//
// Returning an error causes the record to be redelivered.
type ActivationHandler func(ctxt context.Context, record charging.ActivationRecord) error

// Bridge connects the gateway's correlator to the charging bus
type Bridge interface {
	// SendRequest publish the credit control request of a registered session
	//
	// A publish failure resolves the session's pending request through the correlator.
	SendRequest(ctxt context.Context, session charging.SessionContext) error
	// AnswerTopic the subject answers to this gateway are published on
	AnswerTopic() string
	// Healthy whether the bus is reachable and keep-alives are succeeding
	Healthy() bool
	// Start begin keep-alive, expiry sweeps and bus reads
	Start(onActivation ActivationHandler) error
	// Stop stop all bridge activity
	Stop() error
}

// BridgeParams Bridge parameters
type BridgeParams struct {
	Bus           common.ChargingBusConfig
	KeepAlive     common.KeepAliveConfig
	Publish       PublisherParams
	SweepInterval time.Duration
	TaskBuffer    int
}

// scheduler task params
type keepAliveTick struct{}

type expirySweepTick struct{}

type publishDone struct {
	requestID string
	keepAlive bool
	err       error
}

// bridgeImpl implements Bridge
type bridgeImpl struct {
	common.Component
	params     BridgeParams
	nats       *core.NatsClient
	correlator correlator.Correlator
	codec      *charging.Codec
	publisher  JetStreamPublisher
	answers    JetStreamPushSubscriber
	activation JetStreamPushSubscriber
	scheduler  common.TaskProcessor
	keepAlive  common.IntervalTimer
	sweep      common.IntervalTimer
	wg         *sync.WaitGroup
	ctxt       context.Context
	cancel     context.CancelFunc

	// owned by the scheduler loop
	keepAliveFailures int
	keepAliveHealthy  atomic.Bool
}

// GetBridge define a new Bridge
//
// The answer and activation consumers must already be provisioned. All goroutines started by
// the bridge are tracked with wg.
func GetBridge(
	rootCtxt context.Context,
	natsClient *core.NatsClient,
	tracker correlator.Correlator,
	params BridgeParams,
	wg *sync.WaitGroup,
	instance string,
) (Bridge, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "bridge", "instance": instance,
	}
	if params.KeepAlive.Interval() <= 0 || params.KeepAlive.FailureThreshold < 1 {
		return nil, fmt.Errorf("invalid keep-alive parameters %+v", params.KeepAlive)
	}
	if params.SweepInterval <= 0 {
		return nil, fmt.Errorf("expiry sweep interval %s is invalid", params.SweepInterval)
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	instance = fmt.Sprintf("bridge.%s", instance)

	// Leave no partially started bridge behind
	var err error
	defer func() {
		if err != nil {
			cancel()
		}
	}()

	var publisher JetStreamPublisher
	if publisher, err = GetJetStreamPublisher(ctxt, natsClient, params.Publish, wg, instance); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define publisher")
		return nil, err
	}
	var answers, activation JetStreamPushSubscriber
	if answers, err = GetJetStreamPushSubscriber(ctxt, natsClient, params.Bus.Answer); err != nil {
		return nil, err
	}
	if activation, err = GetJetStreamPushSubscriber(ctxt, natsClient, params.Bus.Activation); err != nil {
		return nil, err
	}
	var scheduler common.TaskProcessor
	if scheduler, err = common.GetNewTaskProcessorInstance(
		ctxt, fmt.Sprintf("%s.scheduler", instance), params.TaskBuffer,
	); err != nil {
		return nil, err
	}
	var keepAlive, sweep common.IntervalTimer
	if keepAlive, err = common.GetIntervalTimerInstance(
		ctxt, fmt.Sprintf("%s.keepalive", instance), wg,
	); err != nil {
		return nil, err
	}
	if sweep, err = common.GetIntervalTimerInstance(
		ctxt, fmt.Sprintf("%s.sweep", instance), wg,
	); err != nil {
		return nil, err
	}

	impl := &bridgeImpl{
		Component:  common.Component{LogTags: logTags},
		params:     params,
		nats:       natsClient,
		correlator: tracker,
		codec:      charging.NewCodec(),
		publisher:  publisher,
		answers:    answers,
		activation: activation,
		scheduler:  scheduler,
		keepAlive:  keepAlive,
		sweep:      sweep,
		wg:         wg,
		ctxt:       ctxt,
		cancel:     cancel,
	}
	impl.keepAliveHealthy.Store(true)

	if err = scheduler.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(&keepAliveTick{}):   impl.processKeepAliveTick,
		reflect.TypeOf(&expirySweepTick{}): impl.processExpirySweep,
		reflect.TypeOf(&publishDone{}):     impl.processPublishDone,
	}); err != nil {
		return nil, err
	}
	return impl, nil
}

// AnswerTopic the subject answers to this gateway are published on
func (b *bridgeImpl) AnswerTopic() string {
	return b.params.Bus.Answer.Subject
}

// Healthy whether the bus is reachable and keep-alives are succeeding
func (b *bridgeImpl) Healthy() bool {
	return b.nats.Connected() && b.keepAliveHealthy.Load()
}

// Start begin keep-alive, expiry sweeps and bus reads
func (b *bridgeImpl) Start(onActivation ActivationHandler) error {
	if err := b.scheduler.StartEventLoop(b.wg); err != nil {
		return err
	}
	alertCB := func(err error) {
		log.WithError(err).WithFields(b.LogTags).Warn("Bus read error")
	}
	if err := b.answers.StartReading(b.forwardAnswer, alertCB, b.wg); err != nil {
		return err
	}
	if err := b.activation.StartReading(
		func(ctxt context.Context, msg *nats.Msg) error {
			return b.forwardActivation(ctxt, msg, onActivation)
		}, alertCB, b.wg,
	); err != nil {
		return err
	}
	if err := b.keepAlive.StartAfter(
		b.params.KeepAlive.InitialDelay(), b.params.KeepAlive.Interval(), func() error {
			return b.scheduler.Submit(b.ctxt, &keepAliveTick{})
		},
	); err != nil {
		return err
	}
	return b.sweep.Start(b.params.SweepInterval, func() error {
		return b.scheduler.Submit(b.ctxt, &expirySweepTick{})
	}, false)
}

// Stop stop all bridge activity
func (b *bridgeImpl) Stop() error {
	_ = b.keepAlive.Stop()
	_ = b.sweep.Stop()
	_ = b.scheduler.StopEventLoop()
	b.cancel()
	return nil
}

// SendRequest publish the credit control request of a registered session
func (b *bridgeImpl) SendRequest(ctxt context.Context, session charging.SessionContext) error {
	localLogTags := common.UpdateLogTags(ctxt, b.LogTags)
	payload, err := b.codec.EncodeRequest(charging.NewCreditControlRequest(session, b.AnswerTopic()))
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to encode %s", session)
		b.correlator.Fail(session.RequestID, err)
		return err
	}
	subject := b.params.Bus.Request.Subject
	err = b.publisher.Publish(ctxt, subject, payload, b.onPublished(session.RequestID, false))
	if err != nil {
		b.notePublishFailure(err)
		b.correlator.Fail(session.RequestID, err)
		return err
	}
	return nil
}

// onPublished build the completion callback of a publish
//
// Completions are handed to the scheduler. Once the scheduler stopped, a failed request is
// resolved in place.
func (b *bridgeImpl) onPublished(requestID string, keepAlive bool) PublishCompleteCB {
	return func(_ *nats.PubAck, err error) {
		done := &publishDone{requestID: requestID, keepAlive: keepAlive, err: err}
		if submitErr := b.scheduler.Submit(b.ctxt, done); submitErr != nil {
			log.WithError(submitErr).WithFields(b.LogTags).Debugf(
				"Completion of %s not scheduled", requestID,
			)
			if err != nil && !keepAlive {
				b.correlator.Fail(requestID, err)
			}
		}
	}
}

func (b *bridgeImpl) notePublishFailure(err error) {
	var failure *PublishFailure
	if errors.As(err, &failure) {
		metrics.IncPublishFailure(failure.Subject, failure.Retryable)
		log.WithError(failure.Err).WithFields(b.LogTags).Warnf(
			"Publish to %s failed, retryable=%v", failure.Subject, failure.Retryable,
		)
	} else {
		metrics.IncPublishFailure(b.params.Bus.Request.Subject, IsRetryable(err))
	}
}

// processPublishDone handle a publish completion. Runs on the scheduler.
func (b *bridgeImpl) processPublishDone(param interface{}) error {
	done, ok := param.(*publishDone)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for publish completion", reflect.TypeOf(param))
	}
	if done.err != nil {
		b.notePublishFailure(done.err)
	}
	if done.keepAlive {
		b.recordKeepAlive(done.requestID, done.err)
		return nil
	}
	if done.err != nil {
		b.correlator.Fail(done.requestID, done.err)
	} else {
		b.correlator.MarkPublished(done.requestID)
	}
	return nil
}

// processKeepAliveTick publish one keep-alive. Runs on the scheduler.
func (b *bridgeImpl) processKeepAliveTick(param interface{}) error {
	if _, ok := param.(*keepAliveTick); !ok {
		return fmt.Errorf("can not process unknown type %s for keep-alive", reflect.TypeOf(param))
	}
	requestID := uuid.New().String()
	payload, err := b.codec.EncodeRequest(charging.NewKeepAliveRequest(requestID, b.AnswerTopic()))
	if err != nil {
		return err
	}
	if err := b.publisher.Publish(
		b.ctxt, b.params.Bus.Request.Subject, payload, b.onPublished(requestID, true),
	); err != nil {
		b.notePublishFailure(err)
		b.recordKeepAlive(requestID, err)
	}
	return nil
}

// recordKeepAlive track consecutive keep-alive failures. Runs on the scheduler.
func (b *bridgeImpl) recordKeepAlive(requestID string, err error) {
	threshold := b.params.KeepAlive.FailureThreshold
	if err == nil {
		metrics.IncKeepAlive(true)
		if b.keepAliveFailures >= threshold {
			log.WithFields(b.LogTags).Infof(
				"Keep-alive %s succeeded after %d failures, bus healthy", requestID, b.keepAliveFailures,
			)
		}
		b.keepAliveFailures = 0
		b.keepAliveHealthy.Store(true)
		return
	}
	metrics.IncKeepAlive(false)
	b.keepAliveFailures++
	log.WithError(err).WithFields(b.LogTags).Warnf(
		"Keep-alive %s failed (%d consecutive)", requestID, b.keepAliveFailures,
	)
	if b.keepAliveFailures == threshold {
		log.WithFields(b.LogTags).Errorf(
			"ALARM: %d consecutive keep-alive failures, charging bus unhealthy", threshold,
		)
		b.keepAliveHealthy.Store(false)
	}
}

// processExpirySweep expire requests which waited too long. Runs on the scheduler.
func (b *bridgeImpl) processExpirySweep(param interface{}) error {
	if _, ok := param.(*expirySweepTick); !ok {
		return fmt.Errorf("can not process unknown type %s for expiry sweep", reflect.TypeOf(param))
	}
	if expired := b.correlator.ExpireStale(time.Now()); expired > 0 {
		log.WithFields(b.LogTags).Warnf("Expired %d requests", expired)
	}
	return nil
}

// forwardAnswer hand an answer read from the bus to the correlator
func (b *bridgeImpl) forwardAnswer(_ context.Context, msg *nats.Msg) error {
	answer, err := b.codec.DecodeAnswer(msg.Data)
	if err != nil {
		// A malformed answer will never decode, so it is dropped
		log.WithError(err).WithFields(b.LogTags).Errorf("Dropping undecodable %s", msgToString(msg))
		return nil
	}
	b.correlator.Resolve(answer)
	return nil
}

// forwardActivation hand an activation record read from the bus to its handler
//
// The record is first looked up in the correlator under its own request ID.
func (b *bridgeImpl) forwardActivation(
	ctxt context.Context, msg *nats.Msg, onActivation ActivationHandler,
) error {
	record, err := b.codec.DecodeActivation(msg.Data)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Dropping undecodable %s", msgToString(msg))
		return nil
	}
	ctxt = common.WithRequestID(ctxt, record.RequestID)
	if pending, ok := b.correlator.Get(record.RequestID); ok {
		log.WithFields(common.UpdateLogTags(ctxt, b.LogTags)).Infof(
			"Activation of %s matches pending request in state %s",
			record.SubscriberID, pending.State,
		)
	}
	if onActivation == nil {
		return nil
	}
	return onActivation(ctxt, record)
}
