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
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// BusEmulatorHostEnv environment variable which, when set, points the NATS client at a
// local bus instead of the configured server
const BusEmulatorHostEnv = "BUS_EMULATOR_HOST"

// EnvPrefix prefix of environment variables which override config values
const EnvPrefix = "OCSGW"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// Charging Bus Related Config

// BusChannelConfig defines one JetStream backed charging channel
type BusChannelConfig struct {
	// Stream is the JetStream stream holding the channel's messages
	Stream string `mapstructure:"stream" json:"stream" validate:"required"`
	// Subject is the subject messages are published on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// Consumer is the durable consumer name used by the reading side
	Consumer string `mapstructure:"consumer" json:"consumer" validate:"required"`
	// MaxInflight is the max number of un-ACKed messages the consumer may hold
	MaxInflight int `mapstructure:"max_inflight" json:"max_inflight" validate:"gte=1"`
	// AckWaitSec is the duration the server waits for an ACK before redelivery
	AckWaitSec int `mapstructure:"ack_wait_sec" json:"ack_wait_sec" validate:"gte=1"`
	// MaxAgeSec is how long the stream retains a message
	MaxAgeSec int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=1"`
}

// instanceTokenFilter characters not allowed in a subject token or a consumer name
var instanceTokenFilter = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// ForInstance the channel as read by one gateway instance
//
// The instance reads the subject "<subject>.<instance>" through its own durable consumer
// "<consumer>-<instance>". The channel's stream must capture "<subject>.>".
func (c BusChannelConfig) ForInstance(instance string) BusChannelConfig {
	token := instanceTokenFilter.ReplaceAllString(instance, "_")
	if token == "" {
		return c
	}
	c.Subject = fmt.Sprintf("%s.%s", c.Subject, token)
	c.Consumer = fmt.Sprintf("%s-%s", c.Consumer, token)
	return c
}

// ReadBy the channel as read by one gateway instance which must see every message
//
// Only the durable consumer becomes "<consumer>-<instance>", the subject is unchanged.
func (c BusChannelConfig) ReadBy(instance string) BusChannelConfig {
	token := instanceTokenFilter.ReplaceAllString(instance, "_")
	if token == "" {
		return c
	}
	c.Consumer = fmt.Sprintf("%s-%s", c.Consumer, token)
	return c
}

// AckWait helper function to convert AckWaitSec
func (c BusChannelConfig) AckWait() time.Duration {
	return time.Second * time.Duration(c.AckWaitSec)
}

// MaxAge helper function to convert MaxAgeSec
func (c BusChannelConfig) MaxAge() time.Duration {
	return time.Second * time.Duration(c.MaxAgeSec)
}

// ChargingBusConfig defines the channels connecting the gateway with the charging backend
type ChargingBusConfig struct {
	// Request carries credit control requests from gateway to backend
	Request BusChannelConfig `mapstructure:"request" json:"request" validate:"required"`
	// Answer carries charging answers from backend to gateway
	//
	// Each gateway reads its own instance channel of Answer, see BusChannelConfig.ForInstance.
	Answer BusChannelConfig `mapstructure:"answer" json:"answer" validate:"required"`
	// Activation carries subscriber activation records from backend to gateway
	//
	// Every gateway reads all activations through its own consumer, see BusChannelConfig.ReadBy.
	Activation BusChannelConfig `mapstructure:"activation" json:"activation" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for one REST API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
}

// ===============================================================================
// Gateway Related Config

// KeepAliveConfig defines the bus keep-alive parameters
type KeepAliveConfig struct {
	// InitialDelayMs is the delay before the first keep-alive
	InitialDelayMs int `mapstructure:"initial_delay_ms" json:"initial_delay_ms" validate:"gte=0"`
	// IntervalMs is the period between keep-alives
	IntervalMs int `mapstructure:"interval_ms" json:"interval_ms" validate:"gte=1"`
	// FailureThreshold is the number of consecutive failed keep-alives before the bridge
	// reports itself unhealthy
	FailureThreshold int `mapstructure:"failure_threshold" json:"failure_threshold" validate:"gte=1"`
}

// InitialDelay helper function to convert InitialDelayMs
func (c KeepAliveConfig) InitialDelay() time.Duration {
	return time.Millisecond * time.Duration(c.InitialDelayMs)
}

// Interval helper function to convert IntervalMs
func (c KeepAliveConfig) Interval() time.Duration {
	return time.Millisecond * time.Duration(c.IntervalMs)
}

// PublishConfig defines bus publish flow control
type PublishConfig struct {
	// RatePerSec is the sustained publish rate
	RatePerSec float64 `mapstructure:"rate_per_sec" json:"rate_per_sec" validate:"gt=0"`
	// Burst is the publish burst allowance
	Burst int `mapstructure:"burst" json:"burst" validate:"gte=1"`
	// MaxPending is the max number of publishes awaiting a server ACK
	MaxPending int `mapstructure:"max_pending" json:"max_pending" validate:"gte=1"`
	// AckTimeoutMs is how long to wait for a server ACK of a publish
	AckTimeoutMs int `mapstructure:"ack_timeout_ms" json:"ack_timeout_ms" validate:"gte=1"`
}

// AckTimeout helper function to convert AckTimeoutMs
func (c PublishConfig) AckTimeout() time.Duration {
	return time.Millisecond * time.Duration(c.AckTimeoutMs)
}

// CorrelatorConfig defines the request / answer correlation parameters
type CorrelatorConfig struct {
	// RequestTimeoutMs is how long a request may remain unanswered
	RequestTimeoutMs int `mapstructure:"request_timeout_ms" json:"request_timeout_ms" validate:"gte=1,ltfield=SignalingTimeoutMs"`
	// SignalingTimeoutMs is the answer wait of the signaling protocol itself
	//
	// A request may stay pending for up to RequestTimeoutMs + SweepIntervalMs, so this must
	// exceed that sum.
	SignalingTimeoutMs int `mapstructure:"signaling_timeout_ms" json:"signaling_timeout_ms" validate:"gte=1"`
	// SweepIntervalMs is the period of the expiry sweep
	SweepIntervalMs int `mapstructure:"sweep_interval_ms" json:"sweep_interval_ms" validate:"gte=1"`
	// TimeoutGrantUnits is the units granted to a request which expired or failed to publish
	TimeoutGrantUnits int64 `mapstructure:"timeout_grant_units" json:"timeout_grant_units" validate:"gte=0"`
}

// RequestTimeout helper function to convert RequestTimeoutMs
func (c CorrelatorConfig) RequestTimeout() time.Duration {
	return time.Millisecond * time.Duration(c.RequestTimeoutMs)
}

// SweepInterval helper function to convert SweepIntervalMs
func (c CorrelatorConfig) SweepInterval() time.Duration {
	return time.Millisecond * time.Duration(c.SweepIntervalMs)
}

// validateCorrelatorTiming an expired request must be answered before the signaling timeout
func validateCorrelatorTiming(sl validator.StructLevel) {
	c, ok := sl.Current().Interface().(CorrelatorConfig)
	if !ok {
		return
	}
	if c.RequestTimeoutMs+c.SweepIntervalMs >= c.SignalingTimeoutMs {
		sl.ReportError(
			c.SignalingTimeoutMs, "SignalingTimeoutMs", "signaling_timeout_ms", "gtsum", "",
		)
	}
}

// NewConfigValidator define a validator which also checks rules spanning several fields
func NewConfigValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterStructValidation(validateCorrelatorTiming, CorrelatorConfig{})
	return validate
}

// GatewayConfig defines the charging gateway parameters
type GatewayConfig struct {
	// Mode selects how requests reach the charging backend: "direct" or "bus"
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=direct bus"`
	// KeepAlive defines the bus keep-alive
	KeepAlive KeepAliveConfig `mapstructure:"keepalive" json:"keepalive" validate:"required"`
	// Publish defines bus publish flow control
	Publish PublishConfig `mapstructure:"publish" json:"publish" validate:"required"`
	// Correlator defines request / answer correlation
	Correlator CorrelatorConfig `mapstructure:"correlator" json:"correlator" validate:"required"`
	// API is the gateway REST API server config
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required"`
}

// ===============================================================================
// Charging Backend Related Config

// PipelineConfig defines the balance event pipeline
type PipelineConfig struct {
	// Shards is the number of single writer event loops
	Shards int `mapstructure:"shards" json:"shards" validate:"gte=1"`
	// TaskBuffer is the event buffer length of each shard
	TaskBuffer int `mapstructure:"task_buffer" json:"task_buffer" validate:"gte=1"`
	// GrantPolicy selects how a request exceeding the balance is handled
	GrantPolicy string `mapstructure:"grant_policy" json:"grant_policy" validate:"required,oneof=partial all_or_nothing"`
	// MinPartialGrant is the smallest partial grant issued before denying instead
	MinPartialGrant int64 `mapstructure:"min_partial_grant" json:"min_partial_grant" validate:"gte=1"`
}

// LedgerConfig defines the balance ledger storage
type LedgerConfig struct {
	// Driver is the storage driver: "memory", "sqlite" or "pgx"
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=memory sqlite pgx"`
	// DSN is the database connection string
	DSN string `mapstructure:"dsn" json:"dsn" validate:"required_unless=Driver memory"`
	// MaxOpenConns is the database connection pool size
	MaxOpenConns int `mapstructure:"max_open_conns" json:"max_open_conns" validate:"gte=1"`
}

// BlockListConfig defines the blocked subscriber store
type BlockListConfig struct {
	// Backend is the store backend: "memory" or "redis"
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory redis"`
	// RedisAddr is the redis server address
	RedisAddr string `mapstructure:"redis_addr" json:"redis_addr" validate:"required_if=Backend redis"`
	// RedisDB is the redis database index
	RedisDB int `mapstructure:"redis_db" json:"redis_db" validate:"gte=0"`
	// Key is the redis key of the blocked subscriber set
	Key string `mapstructure:"key" json:"key" validate:"required"`
}

// AnalyticsConfig defines the data consumption analytics export
type AnalyticsConfig struct {
	// Enabled whether to export consumption records
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Brokers is the list of Kafka brokers
	Brokers []string `mapstructure:"brokers" json:"brokers" validate:"required_if=Enabled true"`
	// Topic is the Kafka topic consumption records are written to
	Topic string `mapstructure:"topic" json:"topic" validate:"required"`
}

// OCSConfig defines the charging backend server parameters
type OCSConfig struct {
	// API is the backend REST API server config
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required"`
	// Publish defines bus publish flow control for answers and activations
	Publish PublishConfig `mapstructure:"publish" json:"publish" validate:"required"`
	// AnswerRetentionSec is how long an answer is kept to re-answer a redelivered request
	AnswerRetentionSec int `mapstructure:"answer_retention_sec" json:"answer_retention_sec" validate:"gte=1"`
}

// AnswerRetention helper function to convert AnswerRetentionSec
func (c OCSConfig) AnswerRetention() time.Duration {
	return time.Second * time.Duration(c.AnswerRetentionSec)
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the gateway and the charging backend
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Bus are the charging channels on the bus
	Bus ChargingBusConfig `mapstructure:"bus" json:"bus" validate:"required"`
	// Gateway are the charging gateway configs
	Gateway GatewayConfig `mapstructure:"gateway" json:"gateway" validate:"required"`
	// OCS are the charging backend configs
	OCS OCSConfig `mapstructure:"ocs" json:"ocs" validate:"required"`
	// Pipeline are the balance event pipeline configs
	Pipeline PipelineConfig `mapstructure:"pipeline" json:"pipeline" validate:"required"`
	// Ledger are the balance ledger configs
	Ledger LedgerConfig `mapstructure:"ledger" json:"ledger" validate:"required"`
	// BlockList are the blocked subscriber store configs
	BlockList BlockListConfig `mapstructure:"blocklist" json:"blocklist" validate:"required"`
	// Analytics are the consumption analytics configs
	Analytics AnalyticsConfig `mapstructure:"analytics" json:"analytics" validate:"required"`
}

// ===============================================================================

// installAPIServerDefaults install the default REST API server settings under a prefix
func installAPIServerDefaults(prefix string, port int) {
	viper.SetDefault(prefix+".endpoint_config.path_prefix", "/")
	viper.SetDefault(prefix+".api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault(prefix+".api_server.server_config.listen_port", port)
	viper.SetDefault(prefix+".api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault(prefix+".api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault(prefix+".api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(prefix+".api_server.logging_config.request_id_header", "Ocsgw-Request-ID")
	viper.SetDefault(
		prefix+".api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

// installChannelDefaults install the default settings of one charging channel
func installChannelDefaults(channel, stream, subject, consumer string) {
	prefix := "bus." + channel
	viper.SetDefault(prefix+".stream", stream)
	viper.SetDefault(prefix+".subject", subject)
	viper.SetDefault(prefix+".consumer", consumer)
	viper.SetDefault(prefix+".max_inflight", 1024)
	viper.SetDefault(prefix+".ack_wait_sec", 30)
	viper.SetDefault(prefix+".max_age_sec", 3600)
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default charging channels
	installChannelDefaults("request", "ccr", "ccr.requests", "ocs-ccr")
	installChannelDefaults("answer", "cca", "cca.answers", "gateway-cca")
	installChannelDefaults("activation", "activation", "ocs.activations", "gateway-activation")

	// Default gateway settings
	viper.SetDefault("gateway.mode", "bus")
	viper.SetDefault("gateway.keepalive.initial_delay_ms", 5000)
	viper.SetDefault("gateway.keepalive.interval_ms", 2000)
	viper.SetDefault("gateway.keepalive.failure_threshold", 3)
	viper.SetDefault("gateway.publish.rate_per_sec", 5000.0)
	viper.SetDefault("gateway.publish.burst", 500)
	viper.SetDefault("gateway.publish.max_pending", 4096)
	viper.SetDefault("gateway.publish.ack_timeout_ms", 1000)
	viper.SetDefault("gateway.correlator.request_timeout_ms", 2000)
	viper.SetDefault("gateway.correlator.signaling_timeout_ms", 3000)
	viper.SetDefault("gateway.correlator.sweep_interval_ms", 100)
	viper.SetDefault("gateway.correlator.timeout_grant_units", 0)
	installAPIServerDefaults("gateway.api", 3000)

	// Default charging backend settings
	installAPIServerDefaults("ocs.api", 3001)
	viper.SetDefault("ocs.publish.rate_per_sec", 5000.0)
	viper.SetDefault("ocs.publish.burst", 500)
	viper.SetDefault("ocs.publish.max_pending", 4096)
	viper.SetDefault("ocs.publish.ack_timeout_ms", 1000)
	viper.SetDefault("ocs.answer_retention_sec", 600)
	viper.SetDefault("pipeline.shards", 8)
	viper.SetDefault("pipeline.task_buffer", 256)
	viper.SetDefault("pipeline.grant_policy", "partial")
	viper.SetDefault("pipeline.min_partial_grant", 1)
	viper.SetDefault("ledger.driver", "sqlite")
	viper.SetDefault("ledger.dsn", "file:ocsgw-ledger.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	viper.SetDefault("ledger.max_open_conns", 4)
	viper.SetDefault("blocklist.backend", "memory")
	viper.SetDefault("blocklist.redis_addr", "")
	viper.SetDefault("blocklist.redis_db", 0)
	viper.SetDefault("blocklist.key", "ocsgw:blocked")
	viper.SetDefault("analytics.enabled", false)
	viper.SetDefault("analytics.brokers", []string{})
	viper.SetDefault("analytics.topic", "data-traffic")
}

// InstallEnvironmentOverrides allow environment variables to override config values
//
// "gateway.mode" is overridden by OCSGW_GATEWAY_MODE. Setting BUS_EMULATOR_HOST points the
// NATS client at that host instead of "nats.server_uri".
func InstallEnvironmentOverrides() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if emulatorHost := os.Getenv(BusEmulatorHostEnv); emulatorHost != "" {
		viper.Set("nats.server_uri", EmulatorServerURI(emulatorHost))
	}
}

// EmulatorServerURI convert the value of BUS_EMULATOR_HOST into a NATS server URI
func EmulatorServerURI(emulatorHost string) string {
	if strings.Contains(emulatorHost, "://") {
		return emulatorHost
	}
	return fmt.Sprintf("nats://%s", emulatorHost)
}
