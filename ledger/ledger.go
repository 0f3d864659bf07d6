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

// Package ledger stores subscriber bundle balances and purchase records
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientBalance the reservation would make the balance negative
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicatePurchase the purchase ID was already applied
	ErrDuplicatePurchase = errors.New("duplicate purchase")
	// ErrUnknownSubscriber no bundle exists for the subscriber
	ErrUnknownSubscriber = errors.New("unknown subscriber")
	// ErrPurchaseNotFound no purchase record with that ID
	ErrPurchaseNotFound = errors.New("purchase not found")
	// ErrInvalidUnits negative unit counts are never accepted
	ErrInvalidUnits = errors.New("invalid unit count")
)

// Bundle is the prepaid balance of one subscriber, in bytes
type Bundle struct {
	SubscriberID string `json:"subscriber_id"`
	Balance      int64  `json:"balance"`
}

// PurchaseRecord is an applied top-up. Records are never modified once written.
type PurchaseRecord struct {
	PurchaseID   string    `json:"purchase_id" validate:"required"`
	SubscriberID string    `json:"subscriber_id" validate:"required"`
	SKU          string    `json:"sku" validate:"required"`
	Units        int64     `json:"units" validate:"gt=0"`
	Timestamp    time.Time `json:"timestamp"`
}

// String toString function
func (r PurchaseRecord) String() string {
	return fmt.Sprintf("%s[%s %s +%d]", r.PurchaseID, r.SubscriberID, r.SKU, r.Units)
}

// Ledger persists bundle balances
//
// Every mutation either fully applies or leaves no trace.
type Ledger interface {
	// EnsureBundle create the subscriber's bundle with an initial balance if it does not exist
	EnsureBundle(ctxt context.Context, subscriberID string, initialBalance int64) error
	// Reserve deduct units from the balance, returning the remaining balance
	//
	// Fails with ErrInsufficientBalance, and changes nothing, if the balance is below units.
	Reserve(ctxt context.Context, subscriberID string, units int64) (int64, error)
	// Credit add the units of a purchase to the balance and append its record
	//
	// Fails with ErrDuplicatePurchase, and changes nothing, if the purchase ID is known.
	Credit(ctxt context.Context, record PurchaseRecord) (int64, error)
	// ReadBalance read the current balance
	ReadBalance(ctxt context.Context, subscriberID string) (int64, error)
	// GetPurchase fetch one purchase record
	GetPurchase(ctxt context.Context, purchaseID string) (PurchaseRecord, error)
	// PurchaseHistory list a subscriber's purchases, oldest first
	PurchaseHistory(ctxt context.Context, subscriberID string) ([]PurchaseRecord, error)
	// Close release the ledger's resources
	Close() error
}
