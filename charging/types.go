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

// Package charging defines the credit control session model and its bus encoding
package charging

import (
	"fmt"
	"time"
)

// RequestType is the credit control request type of a session step
type RequestType string

// Credit control request types
const (
	RequestInitial   RequestType = "INITIAL"
	RequestUpdate    RequestType = "UPDATE"
	RequestTerminate RequestType = "TERMINATE"
	// RequestNone is only used by keep-alive traffic
	RequestNone RequestType = "NONE"
)

// ResultCode is the outcome carried by a charging answer
type ResultCode string

// Charging answer result codes
const (
	ResultSuccess            ResultCode = "SUCCESS"
	ResultCreditLimitReached ResultCode = "DIAMETER_CREDIT_LIMIT_REACHED"
	ResultUnableToComply     ResultCode = "DIAMETER_UNABLE_TO_COMPLY"
	ResultUserUnknown        ResultCode = "DIAMETER_USER_UNKNOWN"
	// ResultUnknown marks the echo of a keep-alive. It never answers a real request.
	ResultUnknown ResultCode = "UNKNOWN"
)

// SessionContext is the snapshot of one credit control request
//
// It is a value type. Holders keep their own copy and never modify it.
type SessionContext struct {
	RequestID      string      `json:"request_id" validate:"required"`
	SubscriberID   string      `json:"subscriber_id" validate:"required"`
	SessionID      string      `json:"session_id"`
	RequestedUnits int64       `json:"requested_units" validate:"gte=0"`
	RequestType    RequestType `json:"request_type" validate:"required,oneof=INITIAL UPDATE TERMINATE NONE"`
}

// String toString function
func (s SessionContext) String() string {
	return fmt.Sprintf(
		"%s[%s/%s %s %d]", s.RequestID, s.SubscriberID, s.SessionID, s.RequestType, s.RequestedUnits,
	)
}

// CreditControlRequest is a credit control request as sent on the bus
type CreditControlRequest struct {
	RequestID      string      `json:"request_id" validate:"required"`
	SubscriberID   string      `json:"subscriber_id" validate:"required_unless=RequestType NONE"`
	SessionID      string      `json:"session_id"`
	RequestedUnits int64       `json:"requested_units" validate:"gte=0"`
	RequestType    RequestType `json:"request_type" validate:"required,oneof=INITIAL UPDATE TERMINATE NONE"`
	// TopicID is the subject the answer must be published to
	TopicID string `json:"topic_id" validate:"required"`
}

// NewCreditControlRequest build the bus form of a session step
func NewCreditControlRequest(ctx SessionContext, topicID string) CreditControlRequest {
	return CreditControlRequest{
		RequestID:      ctx.RequestID,
		SubscriberID:   ctx.SubscriberID,
		SessionID:      ctx.SessionID,
		RequestedUnits: ctx.RequestedUnits,
		RequestType:    ctx.RequestType,
		TopicID:        topicID,
	}
}

// NewKeepAliveRequest build a keep-alive request which is answered to topicID
func NewKeepAliveRequest(requestID, topicID string) CreditControlRequest {
	return CreditControlRequest{
		RequestID:   requestID,
		RequestType: RequestNone,
		TopicID:     topicID,
	}
}

// IsKeepAlive whether this is keep-alive traffic
func (r CreditControlRequest) IsKeepAlive() bool {
	return r.RequestType == RequestNone
}

// SessionContext recover the session step described by the request
func (r CreditControlRequest) SessionContext() SessionContext {
	return SessionContext{
		RequestID:      r.RequestID,
		SubscriberID:   r.SubscriberID,
		SessionID:      r.SessionID,
		RequestedUnits: r.RequestedUnits,
		RequestType:    r.RequestType,
	}
}

// ChargingAnswer is the backend's decision on a credit control request
type ChargingAnswer struct {
	RequestID    string     `json:"request_id" validate:"required"`
	SubscriberID string     `json:"subscriber_id"`
	ResultCode   ResultCode `json:"result_code" validate:"required,oneof=SUCCESS DIAMETER_CREDIT_LIMIT_REACHED DIAMETER_UNABLE_TO_COMPLY DIAMETER_USER_UNKNOWN UNKNOWN"`
	GrantedUnits int64      `json:"granted_units" validate:"gte=0"`
}

// String toString function
func (a ChargingAnswer) String() string {
	return fmt.Sprintf("%s[%s %s %d]", a.RequestID, a.SubscriberID, a.ResultCode, a.GrantedUnits)
}

// IsKeepAlive whether this answer echoes a keep-alive
func (a ChargingAnswer) IsKeepAlive() bool {
	return a.ResultCode == ResultUnknown
}

// Granting whether this answer allows the session to continue
func (a ChargingAnswer) Granting() bool {
	return a.ResultCode == ResultSuccess
}

// DenyAnswer build the conservative answer issued when the backend never answered
func DenyAnswer(ctx SessionContext, grantUnits int64) ChargingAnswer {
	if grantUnits > ctx.RequestedUnits {
		grantUnits = ctx.RequestedUnits
	}
	return ChargingAnswer{
		RequestID:    ctx.RequestID,
		SubscriberID: ctx.SubscriberID,
		ResultCode:   ResultUnableToComply,
		GrantedUnits: grantUnits,
	}
}

// KeepAliveAnswer build the answer echoing a keep-alive request
func KeepAliveAnswer(req CreditControlRequest) ChargingAnswer {
	return ChargingAnswer{RequestID: req.RequestID, ResultCode: ResultUnknown}
}

// ActivationRecord announces that a subscriber may use the network again
type ActivationRecord struct {
	RequestID    string    `json:"request_id"`
	SubscriberID string    `json:"subscriber_id" validate:"required"`
	ActivatedAt  time.Time `json:"activated_at" validate:"required"`
}
