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

// Package dataplane moves charging messages between the gateway and the charging bus
package dataplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// ErrAckTimeout the server did not acknowledge a publish in time
var ErrAckTimeout = errors.New("publish ACK timed out")

// PublishFailure a message could not be handed to the charging bus
type PublishFailure struct {
	Subject   string
	Retryable bool
	Err       error
}

// Error implements error
func (e *PublishFailure) Error() string {
	return fmt.Sprintf("publish to %s failed (retryable=%v): %s", e.Subject, e.Retryable, e.Err)
}

// Unwrap expose the transport error
func (e *PublishFailure) Unwrap() error {
	return e.Err
}

// newPublishFailure wrap a transport error for subject
func newPublishFailure(subject string, err error) *PublishFailure {
	return &PublishFailure{Subject: subject, Retryable: IsRetryable(err), Err: err}
}

// IsRetryable whether a transport error is transient, and the same publish may succeed later
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var failure *PublishFailure
	if errors.As(err, &failure) {
		return failure.Retryable
	}
	for _, transient := range []error{
		ErrAckTimeout,
		context.DeadlineExceeded,
		nats.ErrTimeout,
		nats.ErrNoResponders,
		nats.ErrNoStreamResponse,
		nats.ErrDisconnected,
		nats.ErrConnectionReconnecting,
	} {
		if errors.Is(err, transient) {
			return true
		}
	}
	return false
}

// msgToString helper function for standardizing the printing of nats.Msg
func msgToString(msg *nats.Msg) string {
	if meta, err := msg.Metadata(); err == nil {
		return fmt.Sprintf(
			"%s@%s:MSG[S:%d C:%d D:%d]",
			meta.Consumer,
			meta.Stream,
			meta.Sequence.Stream,
			meta.Sequence.Consumer,
			meta.NumDelivered,
		)
	}
	return msg.Subject
}
