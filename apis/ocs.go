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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/ledger"
	"github.com/alwitt/ocsgw/ocs"
	"github.com/alwitt/ocsgw/pipeline"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestOCSHandler REST handler for the charging backend
type APIRestOCSHandler struct {
	restHandler
	responder ocs.Responder
	events    pipeline.EventPipeline
	validate  *validator.Validate
}

// GetAPIRestOCSHandler define APIRestOCSHandler
func GetAPIRestOCSHandler(
	responder ocs.Responder, events pipeline.EventPipeline, httpConfig *common.HTTPConfig,
) (APIRestOCSHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "ocs",
	}
	return APIRestOCSHandler{
		restHandler: newRestHandler(logTags, httpConfig),
		responder:   responder,
		events:      events,
		validate:    validator.New(),
	}, nil
}

// subscriberFromPath read the subscriber ID path variable
func (h APIRestOCSHandler) subscriberFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	subscriberID, ok := mux.Vars(r)["subscriberID"]
	if !ok || subscriberID == "" {
		h.replyError(w, r, http.StatusBadRequest, "No subscriber ID provided", nil)
		return "", false
	}
	return subscriberID, true
}

// APIRestReqTopUp a completed purchase to credit
type APIRestReqTopUp struct {
	// PurchaseID identifies the purchase. Crediting the same purchase twice has no effect.
	PurchaseID string `json:"purchase_id" validate:"required"`
	// SKU the purchased product
	SKU string `json:"sku" validate:"required"`
	// Units bytes the purchase adds to the bundle
	Units int64 `json:"units" validate:"gt=0"`
}

// APIRestRespPurchase response carrying one purchase record
type APIRestRespPurchase struct {
	goutils.RestAPIBaseResponse
	// Purchase the purchase record
	Purchase ledger.PurchaseRecord `json:"purchase"`
}

// TopUp godoc
// @Summary Credit a purchase
// @Description Credit a completed purchase to the subscriber's bundle and reactivate the subscriber
// @tags OCS
// @Accept json
// @Produce json
// @Param subscriberID path string true "Subscriber ID"
// @Param purchase body APIRestReqTopUp true "Purchase"
// @Success 200 {object} APIRestRespPurchase "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ocs/subscriber/{subscriberID}/topup [post]
func (h APIRestOCSHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := h.subscriberFromPath(w, r)
	if !ok {
		return
	}
	var params APIRestReqTopUp
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		h.replyError(w, r, http.StatusBadRequest, "Unable to parse request body", err)
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		h.replyError(w, r, http.StatusBadRequest, "Invalid purchase", err)
		return
	}
	record, err := h.responder.TopUp(r.Context(), params.PurchaseID, subscriberID, params.SKU, params.Units)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidUnits) {
			h.replyError(w, r, http.StatusBadRequest, "Invalid purchase", err)
		} else {
			h.replyError(w, r, http.StatusInternalServerError, "Top-up failed", err)
		}
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespPurchase{
		RestAPIBaseResponse: h.successBase(r), Purchase: record,
	})
}

// TopUpHandler Wrapper around TopUp
func (h APIRestOCSHandler) TopUpHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.TopUp(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespBalance response carrying a bundle balance
type APIRestRespBalance struct {
	goutils.RestAPIBaseResponse
	// SubscriberID the subscriber
	SubscriberID string `json:"subscriber_id"`
	// Balance bytes left in the bundle
	Balance int64 `json:"balance"`
}

// ReadBalance godoc
// @Summary Read a bundle balance
// @Description Read the balance after every previously submitted event of the subscriber
// @tags OCS
// @Produce json
// @Param subscriberID path string true "Subscriber ID"
// @Success 200 {object} APIRestRespBalance "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ocs/subscriber/{subscriberID}/balance [get]
func (h APIRestOCSHandler) ReadBalance(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := h.subscriberFromPath(w, r)
	if !ok {
		return
	}
	balance, err := h.events.ReadBalance(r.Context(), subscriberID)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownSubscriber) {
			h.replyError(w, r, http.StatusNotFound, "Unknown subscriber", err)
		} else {
			h.replyError(w, r, http.StatusInternalServerError, "Balance read failed", err)
		}
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespBalance{
		RestAPIBaseResponse: h.successBase(r),
		SubscriberID:        subscriberID,
		Balance:             balance,
	})
}

// ReadBalanceHandler Wrapper around ReadBalance
func (h APIRestOCSHandler) ReadBalanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ReadBalance(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespPurchases response listing purchase records
type APIRestRespPurchases struct {
	goutils.RestAPIBaseResponse
	// Purchases oldest first
	Purchases []ledger.PurchaseRecord `json:"purchases"`
}

// PurchaseHistory godoc
// @Summary List purchases
// @Description List a subscriber's purchases, oldest first
// @tags OCS
// @Produce json
// @Param subscriberID path string true "Subscriber ID"
// @Success 200 {object} APIRestRespPurchases "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ocs/subscriber/{subscriberID}/purchases [get]
func (h APIRestOCSHandler) PurchaseHistory(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := h.subscriberFromPath(w, r)
	if !ok {
		return
	}
	history, err := h.events.PurchaseHistory(r.Context(), subscriberID)
	if err != nil {
		h.replyError(w, r, http.StatusInternalServerError, "Purchase history read failed", err)
		return
	}
	if history == nil {
		history = []ledger.PurchaseRecord{}
	}
	h.reply(w, r, http.StatusOK, APIRestRespPurchases{
		RestAPIBaseResponse: h.successBase(r), Purchases: history,
	})
}

// PurchaseHistoryHandler Wrapper around PurchaseHistory
func (h APIRestOCSHandler) PurchaseHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PurchaseHistory(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For charging backend readiness check
// @Description Will return success if the bus connection is up
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestOCSHandler) Ready(w http.ResponseWriter, r *http.Request) {
	h.ready(w, r, h.responder.Ready)
}

// ReadyHandler Wrapper around Ready
func (h APIRestOCSHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
