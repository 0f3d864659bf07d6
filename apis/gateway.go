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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ocsgw/charging"
	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/correlator"
	"github.com/alwitt/ocsgw/gateway"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestGatewayHandler REST handler for the charging gateway
type APIRestGatewayHandler struct {
	restHandler
	source        gateway.DataSource
	answerTimeout time.Duration
	validate      *validator.Validate
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
//
// A charging request waits at most answerTimeout for its answer.
func GetAPIRestGatewayHandler(
	source gateway.DataSource, answerTimeout time.Duration, httpConfig *common.HTTPConfig,
) (APIRestGatewayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "gateway",
	}
	if answerTimeout <= 0 {
		return APIRestGatewayHandler{}, errors.New("answer timeout must be positive")
	}
	return APIRestGatewayHandler{
		restHandler:   newRestHandler(logTags, httpConfig),
		source:        source,
		answerTimeout: answerTimeout,
		validate:      validator.New(),
	}, nil
}

// APIRestReqCharging a credit control request from the signaling layer
type APIRestReqCharging struct {
	// RequestID optional request ID. One is generated if empty.
	RequestID string `json:"request_id"`
	// SubscriberID the subscriber being charged
	SubscriberID string `json:"subscriber_id" validate:"required"`
	// SessionID the signaling session
	SessionID string `json:"session_id"`
	// RequestedUnits bytes requested
	RequestedUnits int64 `json:"requested_units" validate:"gte=0"`
	// RequestType one of INITIAL, UPDATE, TERMINATE
	RequestType charging.RequestType `json:"request_type" validate:"required,oneof=INITIAL UPDATE TERMINATE"`
}

// APIRestRespChargingAnswer response carrying a charging answer
type APIRestRespChargingAnswer struct {
	goutils.RestAPIBaseResponse
	// Answer the charging answer
	Answer charging.ChargingAnswer `json:"answer"`
}

// ChargingRequest godoc
// @Summary Submit a credit control request
// @Description Charge a subscriber's consumption. Blocks until the answer or the answer deadline.
// @tags Gateway
// @Accept json
// @Produce json
// @Param Ocsgw-Request-ID header string false "User provided request ID to match against logs"
// @Param request body APIRestReqCharging true "Credit control request"
// @Success 200 {object} APIRestRespChargingAnswer "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Failure 504 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/charging/request [post]
func (h APIRestGatewayHandler) ChargingRequest(w http.ResponseWriter, r *http.Request) {
	var params APIRestReqCharging
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		h.replyError(w, r, http.StatusBadRequest, "Unable to parse request body", err)
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		h.replyError(w, r, http.StatusBadRequest, "Invalid credit control request", err)
		return
	}

	ctxt, cancel := context.WithTimeout(r.Context(), h.answerTimeout)
	defer cancel()
	answer, err := gateway.WaitForAnswer(ctxt, h.source, charging.SessionContext{
		RequestID:      params.RequestID,
		SubscriberID:   params.SubscriberID,
		SessionID:      params.SessionID,
		RequestedUnits: params.RequestedUnits,
		RequestType:    params.RequestType,
	})
	switch {
	case err == nil:
	case errors.Is(err, correlator.ErrDuplicateRequest):
		h.replyError(w, r, http.StatusConflict, "Request already pending", err)
		return
	case errors.Is(err, context.DeadlineExceeded):
		h.replyError(w, r, http.StatusGatewayTimeout, "No answer within deadline", err)
		return
	default:
		h.replyError(w, r, http.StatusBadRequest, "Unable to process credit control request", err)
		return
	}

	h.reply(w, r, http.StatusOK, APIRestRespChargingAnswer{
		RestAPIBaseResponse: h.successBase(r), Answer: answer,
	})
}

// ChargingRequestHandler Wrapper around ChargingRequest
func (h APIRestGatewayHandler) ChargingRequestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ChargingRequest(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespBlocked response for the blocked subscriber check
type APIRestRespBlocked struct {
	goutils.RestAPIBaseResponse
	// SubscriberID the subscriber checked
	SubscriberID string `json:"subscriber_id"`
	// Blocked whether the subscriber ran out of credit
	Blocked bool `json:"blocked"`
}

// IsBlocked godoc
// @Summary Check whether a subscriber is blocked
// @Description A subscriber is blocked after running out of credit, until reactivated
// @tags Gateway
// @Produce json
// @Param subscriberID path string true "Subscriber ID"
// @Success 200 {object} APIRestRespBlocked "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/charging/subscriber/{subscriberID}/blocked [get]
func (h APIRestGatewayHandler) IsBlocked(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := mux.Vars(r)["subscriberID"]
	if !ok || subscriberID == "" {
		h.replyError(w, r, http.StatusBadRequest, "No subscriber ID provided", nil)
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespBlocked{
		RestAPIBaseResponse: h.successBase(r),
		SubscriberID:        subscriberID,
		Blocked:             h.source.IsBlocked(r.Context(), subscriberID),
	})
}

// IsBlockedHandler Wrapper around IsBlocked
func (h APIRestGatewayHandler) IsBlockedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.IsBlocked(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For gateway readiness check
// @Description Will return success if requests can currently be decided
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	h.ready(w, r, h.source.Ready)
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
