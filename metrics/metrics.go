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

// Package metrics holds the prometheus collectors of the gateway and the charging backend
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PendingRequests number of requests awaiting an answer
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocsgw_pending_requests",
		Help: "Number of credit control requests awaiting an answer",
	})

	// RequestResolutions terminal outcomes of correlated requests
	RequestResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocsgw_request_resolutions_total",
		Help: "Credit control requests reaching a terminal state",
	}, []string{"state"})

	// UnmatchedAnswers answers without a pending request
	UnmatchedAnswers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocsgw_unmatched_answers_total",
		Help: "Charging answers which matched no pending request",
	}, []string{"reason"})

	// PublishFailures bus publishes which were not acknowledged
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocsgw_publish_failures_total",
		Help: "Bus publishes which failed, by retry eligibility",
	}, []string{"subject", "retryable"})

	// KeepAlives keep-alive publish outcomes
	KeepAlives = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocsgw_keepalive_total",
		Help: "Keep-alive publishes by outcome",
	}, []string{"outcome"})

	// ChargeOutcomes consumption charge decisions
	ChargeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocsgw_charge_outcomes_total",
		Help: "Consumption charges by outcome",
	}, []string{"outcome"})

	// TopUps purchase top-up results
	TopUps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocsgw_topups_total",
		Help: "Purchase top-ups by result",
	}, []string{"result"})
)

// IncResolution records a request reaching a terminal state
func IncResolution(state string) {
	RequestResolutions.WithLabelValues(state).Inc()
}

// IncUnmatchedAnswer records an answer with no pending request
func IncUnmatchedAnswer(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	UnmatchedAnswers.WithLabelValues(reason).Inc()
}

// IncPublishFailure records a failed bus publish
func IncPublishFailure(subject string, retryable bool) {
	label := "false"
	if retryable {
		label = "true"
	}
	PublishFailures.WithLabelValues(subject, label).Inc()
}

// IncKeepAlive records a keep-alive outcome
func IncKeepAlive(ok bool) {
	if ok {
		KeepAlives.WithLabelValues("success").Inc()
	} else {
		KeepAlives.WithLabelValues("failure").Inc()
	}
}

// IncChargeOutcome records a consumption charge decision
func IncChargeOutcome(outcome string) {
	ChargeOutcomes.WithLabelValues(outcome).Inc()
}

// IncTopUp records a top-up result
func IncTopUp(result string) {
	TopUps.WithLabelValues(result).Inc()
}
