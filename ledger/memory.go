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

package ledger

import (
	"context"
	"sync"

	"github.com/alwitt/ocsgw/common"
	"github.com/apex/log"
)

// memoryLedger implements Ledger in process memory
type memoryLedger struct {
	common.Component
	lock      sync.Mutex
	balances  map[string]int64
	purchases map[string]PurchaseRecord
	history   map[string][]string
}

// NewMemoryLedger define a Ledger which keeps everything in memory
func NewMemoryLedger(instance string) Ledger {
	logTags := log.Fields{
		"module": "ledger", "component": "memory", "instance": instance,
	}
	return &memoryLedger{
		Component: common.Component{LogTags: logTags},
		balances:  make(map[string]int64),
		purchases: make(map[string]PurchaseRecord),
		history:   make(map[string][]string),
	}
}

func (l *memoryLedger) EnsureBundle(
	ctxt context.Context, subscriberID string, initialBalance int64,
) error {
	if initialBalance < 0 {
		return ErrInvalidUnits
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if _, ok := l.balances[subscriberID]; !ok {
		l.balances[subscriberID] = initialBalance
	}
	return nil
}

func (l *memoryLedger) Reserve(ctxt context.Context, subscriberID string, units int64) (int64, error) {
	if units < 0 {
		return 0, ErrInvalidUnits
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	balance, ok := l.balances[subscriberID]
	if !ok {
		return 0, ErrUnknownSubscriber
	}
	if balance < units {
		return balance, ErrInsufficientBalance
	}
	l.balances[subscriberID] = balance - units
	log.WithFields(common.UpdateLogTags(ctxt, l.LogTags)).Debugf(
		"Reserved %d from %s, %d remain", units, subscriberID, balance-units,
	)
	return balance - units, nil
}

func (l *memoryLedger) Credit(ctxt context.Context, record PurchaseRecord) (int64, error) {
	if record.Units <= 0 {
		return 0, ErrInvalidUnits
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if _, ok := l.purchases[record.PurchaseID]; ok {
		return l.balances[record.SubscriberID], ErrDuplicatePurchase
	}
	l.purchases[record.PurchaseID] = record
	l.history[record.SubscriberID] = append(l.history[record.SubscriberID], record.PurchaseID)
	l.balances[record.SubscriberID] += record.Units
	log.WithFields(common.UpdateLogTags(ctxt, l.LogTags)).Debugf("Credited %s", record)
	return l.balances[record.SubscriberID], nil
}

func (l *memoryLedger) ReadBalance(ctxt context.Context, subscriberID string) (int64, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	balance, ok := l.balances[subscriberID]
	if !ok {
		return 0, ErrUnknownSubscriber
	}
	return balance, nil
}

func (l *memoryLedger) GetPurchase(ctxt context.Context, purchaseID string) (PurchaseRecord, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	record, ok := l.purchases[purchaseID]
	if !ok {
		return PurchaseRecord{}, ErrPurchaseNotFound
	}
	return record, nil
}

func (l *memoryLedger) PurchaseHistory(
	ctxt context.Context, subscriberID string,
) ([]PurchaseRecord, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	result := make([]PurchaseRecord, 0, len(l.history[subscriberID]))
	for _, purchaseID := range l.history[subscriberID] {
		result = append(result, l.purchases[purchaseID])
	}
	return result, nil
}

func (l *memoryLedger) Close() error {
	return nil
}
