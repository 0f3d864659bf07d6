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

// Package pipeline applies balance affecting events with one writer per subscriber
package pipeline

import (
	"fmt"

	"github.com/alwitt/ocsgw/charging"
)

// GrantPolicy decides how a consumption request larger than the balance is handled
type GrantPolicy string

// Grant policies
const (
	// GrantPartial grant what is left, if at least the minimum partial grant
	GrantPartial GrantPolicy = "partial"
	// GrantAllOrNothing grant the full request or nothing
	GrantAllOrNothing GrantPolicy = "all_or_nothing"
)

// decideGrant compute the units granted out of a balance
func decideGrant(policy GrantPolicy, minPartial, balance, units int64) int64 {
	if balance >= units {
		return units
	}
	if policy == GrantPartial && balance >= minPartial && balance > 0 {
		return balance
	}
	return 0
}

// Outcome is the decision on a consumption charge
type Outcome string

// Charge outcomes
const (
	Granted Outcome = "GRANTED"
	Partial Outcome = "PARTIAL"
	Denied  Outcome = "DENIED"
)

// DenyReason explains a DENIED outcome
type DenyReason string

// Deny reasons
const (
	DenyNone              DenyReason = ""
	DenyCreditLimit       DenyReason = "credit_limit"
	DenyUnknownSubscriber DenyReason = "unknown_subscriber"
	DenyLedgerFailure     DenyReason = "ledger_failure"
)

// ChargeResult is the outcome of one consumption charge
type ChargeResult struct {
	SubscriberID string     `json:"subscriber_id"`
	Outcome      Outcome    `json:"outcome"`
	Reason       DenyReason `json:"reason,omitempty"`
	Requested    int64      `json:"requested"`
	Granted      int64      `json:"granted"`
	// Remaining is the balance after the charge, when known
	Remaining int64 `json:"remaining"`
}

// String toString function
func (r ChargeResult) String() string {
	if r.Outcome == Denied {
		return fmt.Sprintf("%s %s(%s) %d", r.SubscriberID, r.Outcome, r.Reason, r.Requested)
	}
	return fmt.Sprintf("%s %s %d/%d", r.SubscriberID, r.Outcome, r.Granted, r.Requested)
}

// ToAnswer convert the result into the answer for a credit control request
func (r ChargeResult) ToAnswer(requestID string) charging.ChargingAnswer {
	answer := charging.ChargingAnswer{
		RequestID: requestID, SubscriberID: r.SubscriberID, GrantedUnits: r.Granted,
	}
	switch {
	case r.Outcome != Denied:
		answer.ResultCode = charging.ResultSuccess
	case r.Reason == DenyCreditLimit:
		answer.ResultCode = charging.ResultCreditLimitReached
	case r.Reason == DenyUnknownSubscriber:
		answer.ResultCode = charging.ResultUserUnknown
	default:
		answer.ResultCode = charging.ResultUnableToComply
	}
	if r.Outcome == Denied {
		answer.GrantedUnits = 0
	}
	return answer
}
