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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/ocsgw/analytics"
	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/ledger"
	"github.com/alwitt/ocsgw/metrics"
	"github.com/apex/log"
)

// Params event pipeline parameters
type Params struct {
	// Shards is the number of single writer event loops
	Shards int
	// TaskBuffer is the event buffer length of each shard
	TaskBuffer int
	// Policy is the grant policy
	Policy GrantPolicy
	// MinPartialGrant is the smallest partial grant issued
	MinPartialGrant int64
}

// EventPipeline applies consumption charges and top-ups to subscriber bundles
//
// Events of one subscriber are applied one at a time, in submission order.
type EventPipeline interface {
	// ChargeConsumption reserve units from the subscriber's bundle
	//
	// A ledger failure gives a DENIED result together with the error.
	ChargeConsumption(ctxt context.Context, subscriberID string, units int64) (ChargeResult, error)
	// ApplyTopUp credit a purchase to the subscriber's bundle
	//
	// Applying a known purchase ID again returns the original record and credits nothing.
	ApplyTopUp(
		ctxt context.Context, purchaseID, subscriberID, sku string, units int64,
	) (ledger.PurchaseRecord, error)
	// ReadBalance read the balance after all previously submitted events of the subscriber
	ReadBalance(ctxt context.Context, subscriberID string) (int64, error)
	// PurchaseHistory list the subscriber's purchases
	PurchaseHistory(ctxt context.Context, subscriberID string) ([]ledger.PurchaseRecord, error)
	// Start start the shard event loops
	Start(wg *sync.WaitGroup) error
	// Stop stop the shard event loops
	Stop() error
}

type chargeTask struct {
	ctxt         context.Context
	subscriberID string
	units        int64
	result       chan chargeOutcome
}

type chargeOutcome struct {
	result ChargeResult
	err    error
}

func (t *chargeTask) ShardKey() string {
	return t.subscriberID
}

type topUpTask struct {
	ctxt   context.Context
	record ledger.PurchaseRecord
	result chan topUpOutcome
}

type topUpOutcome struct {
	record ledger.PurchaseRecord
	err    error
}

func (t *topUpTask) ShardKey() string {
	return t.record.SubscriberID
}

type readBalanceTask struct {
	ctxt         context.Context
	subscriberID string
	result       chan readBalanceOutcome
}

type readBalanceOutcome struct {
	balance int64
	err     error
}

func (t *readBalanceTask) ShardKey() string {
	return t.subscriberID
}

// eventPipelineImpl implements EventPipeline
type eventPipelineImpl struct {
	common.Component
	params        Params
	ledger        ledger.Ledger
	analytics     analytics.Publisher
	shards        common.TaskProcessor
	operationCtxt context.Context
	contextCancel context.CancelFunc
	now           func() time.Time
}

// GetEventPipeline define a new EventPipeline
func GetEventPipeline(
	ctxt context.Context,
	params Params,
	store ledger.Ledger,
	publisher analytics.Publisher,
	instance string,
) (EventPipeline, error) {
	logTags := log.Fields{
		"module": "pipeline", "component": "event-pipeline", "instance": instance,
	}
	if params.Policy != GrantPartial && params.Policy != GrantAllOrNothing {
		return nil, fmt.Errorf("unknown grant policy %q", params.Policy)
	}
	if params.MinPartialGrant < 1 {
		params.MinPartialGrant = 1
	}
	if publisher == nil {
		publisher = analytics.NoopPublisher{}
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	shards, err := common.GetNewTaskDemuxProcessorInstance(
		optCtxt, fmt.Sprintf("%s.shards", instance), params.TaskBuffer, params.Shards,
	)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define shard event loops")
		return nil, err
	}
	impl := &eventPipelineImpl{
		Component:     common.Component{LogTags: logTags},
		params:        params,
		ledger:        store,
		analytics:     publisher,
		shards:        shards,
		operationCtxt: optCtxt,
		contextCancel: cancel,
		now:           time.Now,
	}
	if err := shards.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(&chargeTask{}):      impl.processCharge,
		reflect.TypeOf(&topUpTask{}):       impl.processTopUp,
		reflect.TypeOf(&readBalanceTask{}): impl.processReadBalance,
	}); err != nil {
		cancel()
		return nil, err
	}
	return impl, nil
}

// Start start the shard event loops
func (p *eventPipelineImpl) Start(wg *sync.WaitGroup) error {
	return p.shards.StartEventLoop(wg)
}

// Stop stop the shard event loops
func (p *eventPipelineImpl) Stop() error {
	err := p.shards.StopEventLoop()
	p.contextCancel()
	return err
}

// submitAndWait hand a task to its shard, then wait for the shard to report back
//
// Once queued, the task's outcome is always awaited even past the end of ctxt. The shard
// skips tasks whose context already ended, so the reported outcome is the one applied.
func submitAndWait[T any](
	ctxt context.Context, p *eventPipelineImpl, task common.ShardedTask, result chan T,
) (T, error) {
	var empty T
	if err := p.shards.Submit(ctxt, task); err != nil {
		return empty, err
	}
	select {
	case outcome := <-result:
		return outcome, nil
	case <-p.operationCtxt.Done():
		select {
		case outcome := <-result:
			return outcome, nil
		default:
			return empty, common.ErrEventLoopStopped
		}
	}
}

// ChargeConsumption reserve units from the subscriber's bundle
func (p *eventPipelineImpl) ChargeConsumption(
	ctxt context.Context, subscriberID string, units int64,
) (ChargeResult, error) {
	if units < 0 {
		return ChargeResult{
			SubscriberID: subscriberID, Outcome: Denied, Reason: DenyLedgerFailure, Requested: units,
		}, ledger.ErrInvalidUnits
	}
	task := &chargeTask{
		ctxt: ctxt, subscriberID: subscriberID, units: units, result: make(chan chargeOutcome, 1),
	}
	outcome, err := submitAndWait(ctxt, p, task, task.result)
	if err != nil {
		return ChargeResult{
			SubscriberID: subscriberID, Outcome: Denied, Reason: DenyLedgerFailure, Requested: units,
		}, err
	}
	return outcome.result, outcome.err
}

// ApplyTopUp credit a purchase to the subscriber's bundle
func (p *eventPipelineImpl) ApplyTopUp(
	ctxt context.Context, purchaseID, subscriberID, sku string, units int64,
) (ledger.PurchaseRecord, error) {
	task := &topUpTask{
		ctxt: ctxt,
		record: ledger.PurchaseRecord{
			PurchaseID:   purchaseID,
			SubscriberID: subscriberID,
			SKU:          sku,
			Units:        units,
			Timestamp:    p.now().UTC(),
		},
		result: make(chan topUpOutcome, 1),
	}
	outcome, err := submitAndWait(ctxt, p, task, task.result)
	if err != nil {
		return ledger.PurchaseRecord{}, err
	}
	return outcome.record, outcome.err
}

// ReadBalance read the balance after all previously submitted events of the subscriber
func (p *eventPipelineImpl) ReadBalance(ctxt context.Context, subscriberID string) (int64, error) {
	task := &readBalanceTask{
		ctxt: ctxt, subscriberID: subscriberID, result: make(chan readBalanceOutcome, 1),
	}
	outcome, err := submitAndWait(ctxt, p, task, task.result)
	if err != nil {
		return 0, err
	}
	return outcome.balance, outcome.err
}

// PurchaseHistory list the subscriber's purchases
func (p *eventPipelineImpl) PurchaseHistory(
	ctxt context.Context, subscriberID string,
) ([]ledger.PurchaseRecord, error) {
	return p.ledger.PurchaseHistory(ctxt, subscriberID)
}

// ==============================================================================
// Shard side handlers

func (p *eventPipelineImpl) processCharge(param interface{}) error {
	task, ok := param.(*chargeTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for charge", param)
	}
	if err := task.ctxt.Err(); err != nil {
		log.WithError(err).WithFields(common.UpdateLogTags(task.ctxt, p.LogTags)).Warnf(
			"Skipping charge of %d for %s, caller gone", task.units, task.subscriberID,
		)
		task.result <- chargeOutcome{
			result: ChargeResult{
				SubscriberID: task.subscriberID,
				Outcome:      Denied,
				Reason:       DenyLedgerFailure,
				Requested:    task.units,
			},
			err: err,
		}
		return nil
	}
	result, err := p.charge(task.ctxt, task.subscriberID, task.units)
	metrics.IncChargeOutcome(string(result.Outcome))
	task.result <- chargeOutcome{result: result, err: err}
	return nil
}

// charge decide and apply one consumption charge. Runs on the subscriber's shard.
func (p *eventPipelineImpl) charge(
	ctxt context.Context, subscriberID string, units int64,
) (ChargeResult, error) {
	logTags := common.UpdateLogTags(ctxt, p.LogTags)
	result := ChargeResult{SubscriberID: subscriberID, Requested: units}
	if units == 0 {
		result.Outcome = Granted
		return result, nil
	}

	balance, err := p.ledger.ReadBalance(ctxt, subscriberID)
	if err != nil {
		result.Outcome = Denied
		if errors.Is(err, ledger.ErrUnknownSubscriber) {
			log.WithFields(logTags).Warnf("Charge for unknown subscriber %s", subscriberID)
			result.Reason = DenyUnknownSubscriber
			return result, nil
		}
		log.WithError(err).WithFields(logTags).Errorf("Unable to read balance of %s", subscriberID)
		result.Reason = DenyLedgerFailure
		return result, err
	}
	result.Remaining = balance

	grant := decideGrant(p.params.Policy, p.params.MinPartialGrant, balance, units)
	if grant == 0 {
		result.Outcome = Denied
		result.Reason = DenyCreditLimit
		log.WithFields(logTags).Debugf("Denied %d for %s, balance %d", units, subscriberID, balance)
		return result, nil
	}

	remaining, err := p.ledger.Reserve(ctxt, subscriberID, grant)
	if err != nil {
		result.Outcome = Denied
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			result.Reason = DenyCreditLimit
			result.Remaining = remaining
			return result, nil
		}
		log.WithError(err).WithFields(logTags).Errorf("Unable to reserve %d for %s", grant, subscriberID)
		result.Reason = DenyLedgerFailure
		return result, err
	}
	result.Granted = grant
	result.Remaining = remaining
	if grant == units {
		result.Outcome = Granted
	} else {
		result.Outcome = Partial
	}
	log.WithFields(logTags).Debugf("Charged %s", result)

	if err := p.analytics.PublishDataTraffic(ctxt, analytics.DataTrafficInfo{
		SubscriberID: subscriberID,
		BucketBytes:  grant,
		BundleBytes:  remaining,
		Timestamp:    p.now().UTC(),
	}); err != nil {
		log.WithError(err).WithFields(logTags).Warn("Consumption record not exported")
	}
	return result, nil
}

func (p *eventPipelineImpl) processTopUp(param interface{}) error {
	task, ok := param.(*topUpTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for top-up", param)
	}
	if err := task.ctxt.Err(); err != nil {
		log.WithError(err).WithFields(common.UpdateLogTags(task.ctxt, p.LogTags)).Warnf(
			"Skipping %s, caller gone", task.record,
		)
		task.result <- topUpOutcome{err: err}
		return nil
	}
	record, err := p.topUp(task.ctxt, task.record)
	task.result <- topUpOutcome{record: record, err: err}
	return nil
}

// topUp apply one purchase. Runs on the subscriber's shard.
func (p *eventPipelineImpl) topUp(
	ctxt context.Context, record ledger.PurchaseRecord,
) (ledger.PurchaseRecord, error) {
	logTags := common.UpdateLogTags(ctxt, p.LogTags)
	balance, err := p.ledger.Credit(ctxt, record)
	if errors.Is(err, ledger.ErrDuplicatePurchase) {
		log.WithFields(logTags).Infof("Purchase %s already applied", record.PurchaseID)
		metrics.IncTopUp("duplicate")
		return p.ledger.GetPurchase(ctxt, record.PurchaseID)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to apply %s", record)
		metrics.IncTopUp("failed")
		return ledger.PurchaseRecord{}, err
	}
	log.WithFields(logTags).Infof("Applied %s, balance now %d", record, balance)
	metrics.IncTopUp("applied")
	return record, nil
}

func (p *eventPipelineImpl) processReadBalance(param interface{}) error {
	task, ok := param.(*readBalanceTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %T for balance read", param)
	}
	balance, err := p.ledger.ReadBalance(task.ctxt, task.subscriberID)
	task.result <- readBalanceOutcome{balance: balance, err: err}
	return nil
}
