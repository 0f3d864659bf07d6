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

// Package gateway turns signaling credit control requests into charging answers
package gateway

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/ocsgw/blocklist"
	"github.com/alwitt/ocsgw/charging"
	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/correlator"
	"github.com/alwitt/ocsgw/dataplane"
	"github.com/alwitt/ocsgw/pipeline"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrKeepAliveRequest keep-alive traffic is generated internally and can not be submitted
var ErrKeepAliveRequest = errors.New("keep-alive requests can not be submitted")

const (
	// blockListTimeout bounds block list updates made after an answer arrived
	blockListTimeout = time.Second * 2
	// blockListQueueTimeout bounds waiting for room in the block list update queue
	blockListQueueTimeout = time.Millisecond * 100
	// blockListQueueSize number of block list updates which may wait to be applied
	blockListQueueSize = 1024
)

// AnswerHandler receives the single answer to a credit control request
type AnswerHandler func(answer charging.ChargingAnswer)

// DataSource decides credit control requests, either in process or through the charging bus
type DataSource interface {
	// HandleRequest submit a credit control request
	//
	// handler is called exactly once with the answer unless an error is returned. A request
	// without an ID is given one.
	HandleRequest(ctxt context.Context, session charging.SessionContext, handler AnswerHandler) error
	// IsBlocked whether the subscriber was refused for lack of credit, and not reactivated since
	IsBlocked(ctxt context.Context, subscriberID string) bool
	// Ready whether requests can currently be decided
	Ready() bool
	// Start start the data source
	Start() error
	// Stop stop the data source
	Stop() error
}

// WaitForAnswer submit a request and block until its answer arrives or ctxt ends
func WaitForAnswer(
	ctxt context.Context, source DataSource, session charging.SessionContext,
) (charging.ChargingAnswer, error) {
	answers := make(chan charging.ChargingAnswer, 1)
	if err := source.HandleRequest(ctxt, session, func(answer charging.ChargingAnswer) {
		answers <- answer
	}); err != nil {
		return charging.ChargingAnswer{}, err
	}
	select {
	case answer := <-answers:
		return answer, nil
	case <-ctxt.Done():
		return charging.ChargingAnswer{}, ctxt.Err()
	}
}

// blockListUpdate a block list change learned from an answer or an activation
type blockListUpdate struct {
	ctxt         context.Context
	subscriberID string
	block        bool
	result       chan error
}

// baseDataSource common data source logic
//
// Block list changes are applied in arrival order on a dedicated event loop, so answers
// never wait on block list storage.
type baseDataSource struct {
	common.Component
	codec   *charging.Codec
	blocked blocklist.BlockList
	updates common.TaskProcessor
	wg      *sync.WaitGroup
}

// defineBase build the common data source logic
func defineBase(
	ctxt context.Context,
	blocked blocklist.BlockList,
	wg *sync.WaitGroup,
	instance string,
	logTags log.Fields,
) (baseDataSource, error) {
	updates, err := common.GetNewTaskProcessorInstance(
		ctxt, fmt.Sprintf("%s.blocklist", instance), blockListQueueSize,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define block list event loop")
		return baseDataSource{}, err
	}
	return baseDataSource{
		Component: common.Component{LogTags: logTags},
		codec:     charging.NewCodec(),
		blocked:   blocked,
		updates:   updates,
		wg:        wg,
	}, nil
}

// registerUpdates install the block list change handler on the event loop
func (s *baseDataSource) registerUpdates() error {
	return s.updates.AddToTaskExecutionMap(
		reflect.TypeOf(&blockListUpdate{}), s.processBlockListUpdate,
	)
}

// prepare assign a request ID if needed and validate the request
func (s *baseDataSource) prepare(session charging.SessionContext) (charging.SessionContext, error) {
	if session.RequestType == charging.RequestNone {
		return session, ErrKeepAliveRequest
	}
	if session.RequestID == "" {
		session.RequestID = uuid.New().String()
	}
	if err := s.codec.ValidateSession(session); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Invalid request %s", session)
		return session, err
	}
	return session, nil
}

// trackAnswer queue the block list change implied by a subscriber's answer
func (s *baseDataSource) trackAnswer(answer charging.ChargingAnswer) {
	if answer.SubscriberID == "" {
		return
	}
	update := &blockListUpdate{ctxt: context.Background(), subscriberID: answer.SubscriberID}
	switch {
	case answer.ResultCode == charging.ResultCreditLimitReached:
		log.WithFields(s.LogTags).Infof("Blocking %s, credit limit reached", answer.SubscriberID)
		update.block = true
	case answer.Granting():
	default:
		return
	}
	if err := s.queueBlockListUpdate(update); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Block list update for %s dropped", answer.SubscriberID,
		)
	}
}

// queueBlockListUpdate hand a change to the block list event loop
func (s *baseDataSource) queueBlockListUpdate(update *blockListUpdate) error {
	ctxt, cancel := context.WithTimeout(context.Background(), blockListQueueTimeout)
	defer cancel()
	return s.updates.Submit(ctxt, update)
}

// processBlockListUpdate apply one block list change. Runs on the block list event loop.
func (s *baseDataSource) processBlockListUpdate(param interface{}) error {
	update, ok := param.(*blockListUpdate)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for block list", reflect.TypeOf(param))
	}
	ctxt, cancel := context.WithTimeout(update.ctxt, blockListTimeout)
	defer cancel()
	var err error
	if update.block {
		err = s.blocked.Block(ctxt, update.subscriberID)
	} else {
		err = s.blocked.Unblock(ctxt, update.subscriberID)
	}
	if err != nil {
		log.WithError(err).WithFields(common.UpdateLogTags(ctxt, s.LogTags)).Errorf(
			"Block list update for %s failed", update.subscriberID,
		)
	}
	if update.result != nil {
		update.result <- err
	}
	return nil
}

// startUpdates start the block list event loop
func (s *baseDataSource) startUpdates() error {
	return s.updates.StartEventLoop(s.wg)
}

// stopUpdates stop the block list event loop
func (s *baseDataSource) stopUpdates() error {
	return s.updates.StopEventLoop()
}

// IsBlocked whether the subscriber was refused for lack of credit
func (s *baseDataSource) IsBlocked(ctxt context.Context, subscriberID string) bool {
	blocked, err := s.blocked.IsBlocked(ctxt, subscriberID)
	if err != nil {
		log.WithError(err).WithFields(common.UpdateLogTags(ctxt, s.LogTags)).Errorf(
			"Block list lookup for %s failed", subscriberID,
		)
		return false
	}
	return blocked
}

// ==============================================================================

// localDataSource decides requests with an in process event pipeline
type localDataSource struct {
	baseDataSource
	pipeline pipeline.EventPipeline
}

// GetLocalDataSource define a DataSource charging directly against the event pipeline
func GetLocalDataSource(
	ctxt context.Context,
	events pipeline.EventPipeline,
	blocked blocklist.BlockList,
	wg *sync.WaitGroup,
	instance string,
) (DataSource, error) {
	if events == nil || blocked == nil || wg == nil {
		return nil, fmt.Errorf("event pipeline, block list and wait group are required")
	}
	logTags := log.Fields{
		"module": "gateway", "component": "local-data-source", "instance": instance,
	}
	base, err := defineBase(ctxt, blocked, wg, instance, logTags)
	if err != nil {
		return nil, err
	}
	impl := &localDataSource{baseDataSource: base, pipeline: events}
	if err := impl.registerUpdates(); err != nil {
		return nil, err
	}
	return impl, nil
}

// HandleRequest charge the request against the pipeline and answer in the caller's thread
func (s *localDataSource) HandleRequest(
	ctxt context.Context, session charging.SessionContext, handler AnswerHandler,
) error {
	session, err := s.prepare(session)
	if err != nil {
		return err
	}
	ctxt = common.WithRequestID(ctxt, session.RequestID)
	result, err := s.pipeline.ChargeConsumption(ctxt, session.SubscriberID, session.RequestedUnits)
	if err != nil {
		if errors.Is(err, common.ErrEventLoopStopped) || ctxt.Err() != nil {
			return err
		}
		log.WithError(err).WithFields(common.UpdateLogTags(ctxt, s.LogTags)).Errorf(
			"Charging %s failed", session,
		)
	}
	answer := result.ToAnswer(session.RequestID)
	handler(answer)
	s.trackAnswer(answer)
	return nil
}

// Ready the pipeline is always available
func (s *localDataSource) Ready() bool {
	return true
}

// Start start the event pipeline
func (s *localDataSource) Start() error {
	if err := s.startUpdates(); err != nil {
		return err
	}
	return s.pipeline.Start(s.wg)
}

// Stop stop the event pipeline
func (s *localDataSource) Stop() error {
	err := s.pipeline.Stop()
	_ = s.stopUpdates()
	return err
}

// ==============================================================================

// busDataSource decides requests through the charging bus
type busDataSource struct {
	baseDataSource
	bridge     dataplane.Bridge
	correlator correlator.Correlator
}

// GetBusDataSource define a DataSource forwarding requests over the charging bus
func GetBusDataSource(
	ctxt context.Context,
	bridge dataplane.Bridge,
	tracker correlator.Correlator,
	blocked blocklist.BlockList,
	wg *sync.WaitGroup,
	instance string,
) (DataSource, error) {
	if bridge == nil || tracker == nil || blocked == nil || wg == nil {
		return nil, fmt.Errorf("bridge, correlator, block list and wait group are required")
	}
	logTags := log.Fields{
		"module": "gateway", "component": "bus-data-source", "instance": instance,
	}
	base, err := defineBase(ctxt, blocked, wg, instance, logTags)
	if err != nil {
		return nil, err
	}
	impl := &busDataSource{baseDataSource: base, bridge: bridge, correlator: tracker}
	if err := impl.registerUpdates(); err != nil {
		return nil, err
	}
	return impl, nil
}

// HandleRequest register the request and publish it to the backend
func (s *busDataSource) HandleRequest(
	ctxt context.Context, session charging.SessionContext, handler AnswerHandler,
) error {
	session, err := s.prepare(session)
	if err != nil {
		return err
	}
	ctxt = common.WithRequestID(ctxt, session.RequestID)
	localLogTags := common.UpdateLogTags(ctxt, s.LogTags)
	if _, err := s.correlator.Register(
		session, s.bridge.AnswerTopic(), func(resolution correlator.Resolution) {
			if resolution.State != correlator.StateAnswered {
				log.WithError(resolution.Err).WithFields(localLogTags).Warnf(
					"Answering %s with %s", resolution.State, resolution.Answer,
				)
			}
			handler(resolution.Answer)
			s.trackAnswer(resolution.Answer)
		},
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to register %s", session)
		return err
	}
	// A failed publish already resolved the request with a deny answer
	if err := s.bridge.SendRequest(ctxt, session); err != nil {
		log.WithError(err).WithFields(localLogTags).Warnf("Publish of %s failed", session)
	}
	return nil
}

// Ready whether the charging bus is healthy
func (s *busDataSource) Ready() bool {
	return s.bridge.Healthy()
}

// Start start the bridge
func (s *busDataSource) Start() error {
	if err := s.startUpdates(); err != nil {
		return err
	}
	return s.bridge.Start(s.onActivation)
}

// Stop stop the bridge
func (s *busDataSource) Stop() error {
	err := s.bridge.Stop()
	_ = s.stopUpdates()
	return err
}

// onActivation reactivate a subscriber announced by the backend
func (s *busDataSource) onActivation(ctxt context.Context, record charging.ActivationRecord) error {
	log.WithFields(common.UpdateLogTags(ctxt, s.LogTags)).Infof(
		"Subscriber %s activated at %s", record.SubscriberID, record.ActivatedAt,
	)
	// Queued behind earlier answers of the subscriber, then awaited so a failure is redelivered
	update := &blockListUpdate{
		ctxt: ctxt, subscriberID: record.SubscriberID, result: make(chan error, 1),
	}
	if err := s.queueBlockListUpdate(update); err != nil {
		return err
	}
	select {
	case err := <-update.result:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}
