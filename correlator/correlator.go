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

// Package correlator matches asynchronously arriving charging answers with pending requests
package correlator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/ocsgw/charging"
	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/metrics"
	"github.com/apex/log"
	"github.com/google/uuid"
)

var (
	// ErrDuplicateRequest a request with the same ID is already pending
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrRequestTimedOut no answer arrived within the request timeout
	ErrRequestTimedOut = errors.New("request timed out")
)

// State is the lifecycle state of a pending request
type State string

// Request states. ANSWERED, EXPIRED and PUBLISH_FAILED are terminal.
const (
	StateCreated       State = "CREATED"
	StatePublished     State = "PUBLISHED"
	StateAnswered      State = "ANSWERED"
	StateExpired       State = "EXPIRED"
	StatePublishFailed State = "PUBLISH_FAILED"
)

// Resolution is delivered exactly once per registered request
type Resolution struct {
	State   State
	Context charging.SessionContext
	// Answer is the backend's answer, or the conservative answer issued in its place
	Answer charging.ChargingAnswer
	// Err is the cause of a non ANSWERED resolution
	Err error
}

// ResolutionHandler receives the resolution of a request
type ResolutionHandler func(Resolution)

// PendingRequest is a request awaiting its answer
type PendingRequest struct {
	Context     charging.SessionContext
	SubmittedAt time.Time
	TopicID     string
	State       State
	handler     ResolutionHandler
}

// Params correlator parameters
type Params struct {
	// RequestTimeout is how long a request may stay pending
	RequestTimeout time.Duration `validate:"gt=0"`
	// TimeoutGrantUnits is granted to requests which never got an answer
	TimeoutGrantUnits int64 `validate:"gte=0"`
}

// Correlator tracks pending requests and resolves each one exactly once
type Correlator interface {
	// Register start tracking a request
	//
	// An ID is generated if the context has none. Returns the request ID.
	Register(ctx charging.SessionContext, topicID string, handler ResolutionHandler) (string, error)
	// MarkPublished record that the request reached the bus
	MarkPublished(requestID string) bool
	// Resolve deliver an answer to its pending request
	//
	// Returns false if no request is pending under the answer's ID, or the answer is a
	// keep-alive echo.
	Resolve(answer charging.ChargingAnswer) (*charging.SessionContext, bool)
	// Fail resolve a request whose publish failed
	Fail(requestID string, cause error) bool
	// ExpireStale resolve every request pending longer than the request timeout
	ExpireStale(now time.Time) int
	// Get fetch a copy of a pending request
	Get(requestID string) (PendingRequest, bool)
	// Pending number of pending requests
	Pending() int
}

// correlatorImpl implements Correlator
type correlatorImpl struct {
	common.Component
	params  Params
	lock    sync.Mutex
	pending map[string]*PendingRequest
	now     func() time.Time
}

// GetCorrelator define a new Correlator
func GetCorrelator(params Params, instance string) (Correlator, error) {
	if params.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout %s is invalid", params.RequestTimeout)
	}
	if params.TimeoutGrantUnits < 0 {
		return nil, fmt.Errorf("timeout grant %d is invalid", params.TimeoutGrantUnits)
	}
	logTags := log.Fields{
		"module": "correlator", "component": "correlator", "instance": instance,
	}
	return &correlatorImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		pending:   make(map[string]*PendingRequest),
		now:       time.Now,
	}, nil
}

// Register start tracking a request
func (c *correlatorImpl) Register(
	ctx charging.SessionContext, topicID string, handler ResolutionHandler,
) (string, error) {
	if ctx.RequestID == "" {
		ctx.RequestID = uuid.New().String()
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.pending[ctx.RequestID]; ok {
		log.WithFields(c.LogTags).Warnf("Request %s is already pending", ctx.RequestID)
		return ctx.RequestID, ErrDuplicateRequest
	}
	c.pending[ctx.RequestID] = &PendingRequest{
		Context:     ctx,
		SubmittedAt: c.now(),
		TopicID:     topicID,
		State:       StateCreated,
		handler:     handler,
	}
	metrics.PendingRequests.Set(float64(len(c.pending)))
	log.WithFields(c.LogTags).Debugf("Registered %s", ctx)
	return ctx.RequestID, nil
}

// MarkPublished record that the request reached the bus
func (c *correlatorImpl) MarkPublished(requestID string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.pending[requestID]
	if !ok {
		return false
	}
	if entry.State == StateCreated {
		entry.State = StatePublished
	}
	return true
}

// take remove a pending request. The caller owns the returned entry.
func (c *correlatorImpl) take(requestID string) (*PendingRequest, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.pending[requestID]
	if !ok {
		return nil, false
	}
	delete(c.pending, requestID)
	metrics.PendingRequests.Set(float64(len(c.pending)))
	return entry, true
}

// deliver hand the resolution to the request's handler
func (c *correlatorImpl) deliver(entry *PendingRequest, resolution Resolution) {
	entry.State = resolution.State
	metrics.IncResolution(string(resolution.State))
	if entry.handler != nil {
		entry.handler(resolution)
	}
}

// Resolve deliver an answer to its pending request
func (c *correlatorImpl) Resolve(answer charging.ChargingAnswer) (*charging.SessionContext, bool) {
	if answer.IsKeepAlive() {
		metrics.IncUnmatchedAnswer("keepalive")
		log.WithFields(c.LogTags).Debugf("Dropping keep-alive echo %s", answer.RequestID)
		return nil, false
	}
	entry, ok := c.take(answer.RequestID)
	if !ok {
		metrics.IncUnmatchedAnswer("no_pending_request")
		log.WithFields(c.LogTags).Warnf("Unmatched answer %s", answer)
		return nil, false
	}
	ctx := entry.Context
	c.deliver(entry, Resolution{State: StateAnswered, Context: ctx, Answer: answer})
	return &ctx, true
}

// Fail resolve a request whose publish failed
func (c *correlatorImpl) Fail(requestID string, cause error) bool {
	entry, ok := c.take(requestID)
	if !ok {
		return false
	}
	log.WithError(cause).WithFields(c.LogTags).Warnf("Request %s failed", requestID)
	c.deliver(entry, Resolution{
		State:   StatePublishFailed,
		Context: entry.Context,
		Answer:  charging.DenyAnswer(entry.Context, c.params.TimeoutGrantUnits),
		Err:     cause,
	})
	return true
}

// ExpireStale resolve every request pending longer than the request timeout
func (c *correlatorImpl) ExpireStale(now time.Time) int {
	c.lock.Lock()
	expired := []*PendingRequest{}
	for requestID, entry := range c.pending {
		if now.Sub(entry.SubmittedAt) >= c.params.RequestTimeout {
			expired = append(expired, entry)
			delete(c.pending, requestID)
		}
	}
	metrics.PendingRequests.Set(float64(len(c.pending)))
	c.lock.Unlock()

	for _, entry := range expired {
		log.WithFields(c.LogTags).Warnf(
			"Request %s expired after %s", entry.Context.RequestID, now.Sub(entry.SubmittedAt),
		)
		c.deliver(entry, Resolution{
			State:   StateExpired,
			Context: entry.Context,
			Answer:  charging.DenyAnswer(entry.Context, c.params.TimeoutGrantUnits),
			Err:     ErrRequestTimedOut,
		})
	}
	return len(expired)
}

// Get fetch a copy of a pending request
func (c *correlatorImpl) Get(requestID string) (PendingRequest, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.pending[requestID]
	if !ok {
		return PendingRequest{}, false
	}
	return *entry, true
}

// Pending number of pending requests
func (c *correlatorImpl) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.pending)
}
