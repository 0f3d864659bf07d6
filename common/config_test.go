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

package common

import (
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := NewConfigValidator()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("bus", cfg.Gateway.Mode)
		assert.Equal(time.Second*5, cfg.Gateway.KeepAlive.InitialDelay())
		assert.Equal(time.Second*2, cfg.Gateway.KeepAlive.Interval())
		assert.Equal("partial", cfg.Pipeline.GrantPolicy)
		assert.Equal("ccr.requests", cfg.Bus.Request.Subject)
		assert.Equal(time.Minute*10, cfg.OCS.AnswerRetention())
		assert.Equal(uint16(3001), cfg.OCS.API.HTTPSetting.Server.Port)
	}

	// Case 2: invalid config
	{
		config := []byte(`---
gateway:
  api:
    api_server:
      server_config:
        listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: request timeout must be shorter than the signaling timeout
	{
		config := []byte(`---
gateway:
  correlator:
    request_timeout_ms: 3000
    signaling_timeout_ms: 3000`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))

		// Expiry is only noticed at the next sweep
		config = []byte(`---
gateway:
  correlator:
    request_timeout_ms: 2950
    signaling_timeout_ms: 3000
    sweep_interval_ms: 100`)
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		cfg = SystemConfig{}
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
		cfg.Gateway.Correlator.RequestTimeoutMs = 2850
		assert.Nil(validate.Struct(&cfg))
	}

	// Case 4: redis block list without an address
	{
		config := []byte(`---
blocklist:
  backend: redis`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: unknown grant policy
	{
		config := []byte(`---
pipeline:
  grant_policy: generous`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 6: valid override
	{
		config := []byte(`---
gateway:
  mode: direct
pipeline:
  grant_policy: all_or_nothing
ledger:
  driver: memory
  dsn: ""`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("direct", cfg.Gateway.Mode)
		assert.Equal("memory", cfg.Ledger.Driver)
	}

	// Case 7: bus emulator host override
	{
		t.Setenv(BusEmulatorHostEnv, "127.0.0.1:4333")
		InstallEnvironmentOverrides()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Equal("nats://127.0.0.1:4333", cfg.NATS.ServerURI)
	}
}

func TestChannelForInstance(t *testing.T) {
	assert := assert.New(t)

	base := BusChannelConfig{Stream: "cca", Subject: "cca.answers", Consumer: "gateway-cca"}

	// Case 1: instances get distinct subjects and consumers on the same stream
	{
		one := base.ForInstance("gw-1")
		two := base.ForInstance("gw-2")
		assert.Equal("cca", one.Stream)
		assert.Equal("cca.answers.gw-1", one.Subject)
		assert.Equal("gateway-cca-gw-1", one.Consumer)
		assert.NotEqual(one.Subject, two.Subject)
		assert.NotEqual(one.Consumer, two.Consumer)
	}

	// Case 2: host names are made safe for subjects and consumer names
	{
		one := base.ForInstance("gw.example.com")
		assert.Equal("cca.answers.gw_example_com", one.Subject)
		assert.Equal("gateway-cca-gw_example_com", one.Consumer)
	}

	// Case 3: no instance leaves the channel alone
	{
		assert.Equal(base, base.ForInstance(""))
		assert.Equal(base, base.ReadBy(""))
	}

	// Case 4: broadcast readers keep the subject
	{
		one := base.ReadBy("gw-1")
		assert.Equal("cca.answers", one.Subject)
		assert.Equal("gateway-cca-gw-1", one.Consumer)
	}
}

func TestEmulatorServerURI(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("nats://localhost:4222", EmulatorServerURI("localhost:4222"))
	assert.Equal("tls://bus.local:4222", EmulatorServerURI("tls://bus.local:4222"))
}
