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

// Package apis provides the REST APIs of the gateway and the charging backend
package apis

import (
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/ocsgw/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// restHandler base REST handler
type restHandler struct {
	goutils.RestAPIHandler
}

// newRestHandler define the base REST handler from the HTTP logging config
func newRestHandler(logTags log.Fields, httpConfig *common.HTTPConfig) restHandler {
	doNotLog := map[string]bool{}
	for _, header := range httpConfig.Logging.DoNotLogHeaders {
		doNotLog[header] = true
	}
	return restHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders:          doNotLog,
		},
	}
}

// Write logging support for the HTTP access log
func (h restHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// reply write a response, logging any failure
func (h restHandler) reply(w http.ResponseWriter, r *http.Request, respCode int, resp interface{}) {
	if err := h.WriteRESTResponse(w, respCode, resp, nil); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
			"Failed to form response",
		)
	}
}

// successBase the base of a successful response
func (h restHandler) successBase(r *http.Request) goutils.RestAPIBaseResponse {
	return goutils.RestAPIBaseResponse{
		Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
	}
}

// replyError write a standard error response
func (h restHandler) replyError(
	w http.ResponseWriter, r *http.Request, respCode int, msg string, err error,
) {
	detail := msg
	if err != nil {
		detail = err.Error()
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(msg)
	} else {
		log.WithFields(h.GetLogTagsForContext(r.Context())).Error(msg)
	}
	h.reply(w, r, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail))
}

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate the REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h restHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h restHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// ready report readiness based on check
func (h restHandler) ready(w http.ResponseWriter, r *http.Request, check func() bool) {
	if check() {
		h.reply(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
		return
	}
	msg := "not ready"
	h.reply(w, r, http.StatusServiceUnavailable, h.GetStdRESTErrorMsg(
		r.Context(), http.StatusServiceUnavailable, msg, msg,
	))
}
