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

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/alwitt/ocsgw/common"
	"github.com/alwitt/ocsgw/core"
	"github.com/alwitt/ocsgw/management"
	"github.com/apex/log"
)

// BundleSeed an initial bundle to create
type BundleSeed struct {
	SubscriberID string
	Balance      int64
}

// ParseBundleSeeds parse "subscriberID=balance" bundle seeds
func ParseBundleSeeds(raw []string) ([]BundleSeed, error) {
	seeds := make([]BundleSeed, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("bundle seed %q is not subscriberID=balance", entry)
		}
		balance, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || balance < 0 {
			return nil, fmt.Errorf("bundle seed %q has an invalid balance", entry)
		}
		seeds = append(seeds, BundleSeed{SubscriberID: parts[0], Balance: balance})
	}
	return seeds, nil
}

// RunProvision create the charging channels on the bus, and the seeded bundles in the ledger
//
// Existing streams, consumers and bundles are left untouched.
func RunProvision(
	ctxt context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	seeds []BundleSeed,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "provision",
		"instance":  instance,
	}

	ctrl, err := management.GetJetStreamController(natsClient, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define JetStream controller")
		return err
	}
	if err := management.ProvisionChargingBus(ctxt, ctrl, config.Bus); err != nil {
		return err
	}
	log.WithFields(logTags).Info("Charging channels provisioned")

	if len(seeds) == 0 {
		return nil
	}
	store, err := openLedger(ctxt, config.Ledger, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to open %s ledger", config.Ledger.Driver)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Ledger close failed")
		}
	}()
	for _, seed := range seeds {
		if err := store.EnsureBundle(ctxt, seed.SubscriberID, seed.Balance); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to create bundle of %s", seed.SubscriberID,
			)
			return err
		}
	}
	log.WithFields(logTags).Infof("%d bundles provisioned", len(seeds))
	return nil
}
