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

package management

import (
	"context"

	"github.com/alwitt/ocsgw/common"
	"github.com/apex/log"
)

// ProvisionChannel make sure the stream and durable consumer of a charging channel exist
//
// The stream also captures the channel's instance subjects "<subject>.>".
func ProvisionChannel(
	ctxt context.Context, ctrl JetStreamController, channel common.BusChannelConfig,
) error {
	maxAge := channel.MaxAge()
	if err := ctrl.EnsureStream(ctxt, JSStreamParam{
		Name:           channel.Stream,
		Subjects:       []string{channel.Subject, channel.Subject + ".>"},
		JSStreamLimits: JSStreamLimits{MaxAge: &maxAge},
	}); err != nil {
		return err
	}
	return ProvisionConsumer(ctxt, ctrl, channel)
}

// ProvisionConsumer make sure the durable consumer of a charging channel exists
//
// The channel's stream must already exist.
func ProvisionConsumer(
	ctxt context.Context, ctrl JetStreamController, channel common.BusChannelConfig,
) error {
	subject := channel.Subject
	return ctrl.EnsureConsumerForStream(ctxt, channel.Stream, JetStreamConsumerParam{
		Name:          channel.Consumer,
		Notes:         "ocsgw charging channel reader",
		MaxInflight:   channel.MaxInflight,
		AckWait:       channel.AckWait(),
		FilterSubject: &subject,
	})
}

// ProvisionChargingBus make sure every charging channel exists on the bus
func ProvisionChargingBus(
	ctxt context.Context, ctrl JetStreamController, bus common.ChargingBusConfig,
) error {
	for _, channel := range []common.BusChannelConfig{bus.Request, bus.Answer, bus.Activation} {
		if err := ProvisionChannel(ctxt, ctrl, channel); err != nil {
			log.WithError(err).Errorf(
				"Failed to provision channel %s on stream %s", channel.Subject, channel.Stream,
			)
			return err
		}
	}
	return nil
}
