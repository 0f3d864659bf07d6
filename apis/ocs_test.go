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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/ledger"
	"github.com/alwitt/ocsgw/pipeline"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

// pipelineResponder credits top-ups straight into the pipeline
type pipelineResponder struct {
	events pipeline.EventPipeline
	ready  bool
}

func (r *pipelineResponder) TopUp(
	ctxt context.Context, purchaseID, subscriberID, sku string, units int64,
) (ledger.PurchaseRecord, error) {
	return r.events.ApplyTopUp(ctxt, purchaseID, subscriberID, sku, units)
}

func (r *pipelineResponder) Ready() bool { return r.ready }

func (r *pipelineResponder) Start() error { return nil }

func (r *pipelineResponder) Stop() error { return nil }

func TestOCSAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()
	wg := sync.WaitGroup{}

	events, err := pipeline.GetEventPipeline(
		utCtxt,
		pipeline.Params{Shards: 2, TaskBuffer: 4, Policy: pipeline.GrantPartial, MinPartialGrant: 1},
		ledger.NewMemoryLedger("ut-api-ocs"), nil, "ut-api-ocs",
	)
	assert.Nil(err)
	assert.Nil(events.Start(&wg))
	defer func() {
		_ = events.Stop()
		wg.Wait()
	}()
	responder := &pipelineResponder{events: events, ready: true}

	uut, err := GetAPIRestOCSHandler(responder, events, &common.HTTPConfig{})
	assert.Nil(err)

	subscriber := uuid.NewString()
	pathVars := map[string]string{"subscriberID": subscriber}

	topUp := func(params APIRestReqTopUp) *httptest.ResponseRecorder {
		body, err := json.Marshal(&params)
		assert.Nil(err)
		req, err := http.NewRequest(
			"POST", fmt.Sprintf("/v1/ocs/subscriber/%s/topup", subscriber), bytes.NewReader(body),
		)
		assert.Nil(err)
		req = mux.SetURLVars(req, pathVars)
		respRecorder := httptest.NewRecorder()
		uut.TopUpHandler().ServeHTTP(respRecorder, req)
		return respRecorder
	}
	readBalance := func() *httptest.ResponseRecorder {
		req, err := http.NewRequest(
			"GET", fmt.Sprintf("/v1/ocs/subscriber/%s/balance", subscriber), nil,
		)
		assert.Nil(err)
		req = mux.SetURLVars(req, pathVars)
		respRecorder := httptest.NewRecorder()
		uut.ReadBalanceHandler().ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: ready
	{
		req, err := http.NewRequest("GET", "/v1/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)

		responder.ready = false
		respRecorder = httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusServiceUnavailable, respRecorder.Code)
		responder.ready = true
	}

	// Case 1: balance of an unknown subscriber
	{
		assert.Equal(http.StatusNotFound, readBalance().Code)
	}

	// Case 2: credit a 3GB purchase
	purchase := APIRestReqTopUp{PurchaseID: uuid.NewString(), SKU: "3GB", Units: 3000000000}
	{
		resp := topUp(purchase)
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespPurchase
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(purchase.PurchaseID, msg.Purchase.PurchaseID)
		assert.Equal(subscriber, msg.Purchase.SubscriberID)
		assert.Equal(int64(3000000000), msg.Purchase.Units)

		resp = readBalance()
		assert.Equal(http.StatusOK, resp.Code)
		var balance APIRestRespBalance
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &balance))
		assert.Equal(subscriber, balance.SubscriberID)
		assert.Equal(int64(3000000000), balance.Balance)
	}

	// Case 3: the same purchase again credits nothing
	{
		resp := topUp(purchase)
		assert.Equal(http.StatusOK, resp.Code)

		resp = readBalance()
		var balance APIRestRespBalance
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &balance))
		assert.Equal(int64(3000000000), balance.Balance)
	}

	// Case 4: invalid purchases
	{
		assert.Equal(
			http.StatusBadRequest,
			topUp(APIRestReqTopUp{PurchaseID: uuid.NewString(), SKU: "0GB", Units: 0}).Code,
		)
		assert.Equal(
			http.StatusBadRequest, topUp(APIRestReqTopUp{SKU: "1GB", Units: 1000}).Code,
		)
	}

	// Case 5: purchase history
	{
		second := APIRestReqTopUp{PurchaseID: uuid.NewString(), SKU: "1GB", Units: 1000000000}
		assert.Equal(http.StatusOK, topUp(second).Code)

		req, err := http.NewRequest(
			"GET", fmt.Sprintf("/v1/ocs/subscriber/%s/purchases", subscriber), nil,
		)
		assert.Nil(err)
		req = mux.SetURLVars(req, pathVars)
		respRecorder := httptest.NewRecorder()
		uut.PurchaseHistoryHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespPurchases
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.Len(msg.Purchases, 2)
		if len(msg.Purchases) == 2 {
			assert.Equal(purchase.PurchaseID, msg.Purchases[0].PurchaseID)
			assert.Equal(second.PurchaseID, msg.Purchases[1].PurchaseID)
		}
	}

	// Case 6: empty history of another subscriber
	{
		other := uuid.NewString()
		req, err := http.NewRequest(
			"GET", fmt.Sprintf("/v1/ocs/subscriber/%s/purchases", other), nil,
		)
		assert.Nil(err)
		req = mux.SetURLVars(req, map[string]string{"subscriberID": other})
		respRecorder := httptest.NewRecorder()
		uut.PurchaseHistoryHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespPurchases
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.NotNil(msg.Purchases)
		assert.Len(msg.Purchases, 0)
	}
}
