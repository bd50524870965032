// Package config holds the connection and client settings shared by the client and the responder.
package config

import (
	"time"

	"emperror.dev/errors"

	"github.com/pgillich/bews-doubler/internal/broker"
)

const (
	PolicyDrop  = "drop"
	PolicyQueue = "queue"

	DefaultExchange = "bews"
	DefaultNatsPort = 4222
	DefaultAmqpPort = 5672
)

var ErrInvalidSettings = errors.NewPlain("invalid settings")

type Settings struct {
	Broker         string `mapstructure:"broker"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Exchange       string `mapstructure:"exchange"`
	ClientIdentity string `mapstructure:"client_identity"`

	HeartbeatIntervalS float64 `mapstructure:"heartbeat_interval_s"`
	TimeoutConnectS    float64 `mapstructure:"timeout_connect_s"`
	TimeoutResponseS   float64 `mapstructure:"timeout_response_s"`
	RetryBackoffS      float64 `mapstructure:"retry_backoff_s"`

	// RequestPolicy tells what happens with requests sent while not connected: drop or queue.
	RequestPolicy string `mapstructure:"request_policy"`
	QueueBound    int    `mapstructure:"queue_bound"`

	LogLevel string `mapstructure:"log_level"`

	ServerQueue string `mapstructure:"server_queue"`
	MaxInFlight int    `mapstructure:"max_in_flight"`
	StatusAddr  string `mapstructure:"status_addr"`
	JaegerURL   string `mapstructure:"jaeger_url"`
	OtlpURL     string `mapstructure:"otlp_url"`
}

// Provider returns the latest persisted settings.
type Provider interface {
	Settings() (Settings, error)
}

// StaticProvider always returns the same settings.
type StaticProvider Settings

func (p StaticProvider) Settings() (Settings, error) {
	return Settings(p).WithDefaults(), nil
}

// Defaults returns the settings used for missing options.
func Defaults() Settings {
	return Settings{
		Broker:             broker.KindNats,
		Host:               "localhost",
		User:               "guest",
		Password:           "guest",
		Exchange:           DefaultExchange,
		HeartbeatIntervalS: 1,
		TimeoutConnectS:    10,
		TimeoutResponseS:   10,
		RetryBackoffS:      1,
		RequestPolicy:      PolicyDrop,
		QueueBound:         16,
		LogLevel:           "info",
		MaxInFlight:        1024,
		StatusAddr:         "localhost:8881",
	}
}

// WithDefaults fills the zero fields from Defaults.
func (s Settings) WithDefaults() Settings {
	d := Defaults()
	if s.Broker == "" {
		s.Broker = d.Broker
	}
	if s.Host == "" {
		s.Host = d.Host
	}
	if s.Port == 0 {
		s.Port = DefaultNatsPort
		if s.Broker == broker.KindAmqp {
			s.Port = DefaultAmqpPort
		}
	}
	if s.Exchange == "" {
		s.Exchange = d.Exchange
	}
	if s.ServerQueue == "" {
		s.ServerQueue = s.Exchange
	}
	if s.HeartbeatIntervalS <= 0 {
		s.HeartbeatIntervalS = d.HeartbeatIntervalS
	}
	if s.TimeoutConnectS <= 0 {
		s.TimeoutConnectS = d.TimeoutConnectS
	}
	if s.TimeoutResponseS <= 0 {
		s.TimeoutResponseS = d.TimeoutResponseS
	}
	if s.RetryBackoffS <= 0 {
		s.RetryBackoffS = d.RetryBackoffS
	}
	if s.RequestPolicy == "" {
		s.RequestPolicy = d.RequestPolicy
	}
	if s.QueueBound <= 0 {
		s.QueueBound = d.QueueBound
	}
	if s.MaxInFlight <= 0 {
		s.MaxInFlight = d.MaxInFlight
	}

	return s
}

func (s Settings) Validate() error {
	if s.RequestPolicy != PolicyDrop && s.RequestPolicy != PolicyQueue {
		return errors.WithDetails(ErrInvalidSettings, "request_policy", s.RequestPolicy)
	}
	if s.Port < 0 || s.Port > 65535 {
		return errors.WithDetails(ErrInvalidSettings, "port", s.Port)
	}
	if s.Broker != broker.KindNats && s.Broker != broker.KindAmqp {
		return errors.WithDetails(ErrInvalidSettings, "broker", s.Broker)
	}

	return nil
}

// Params are the broker connection parameters, named by the client identity.
func (s Settings) Params() broker.Params {
	return broker.Params{
		Host:     s.Host,
		Port:     s.Port,
		User:     s.User,
		Password: s.Password,
		Name:     s.ClientIdentity,
	}
}

// SameConnection reports whether both settings address the same broker session and reply queue.
func (s Settings) SameConnection(other Settings) bool {
	return s.Broker == other.Broker &&
		s.Host == other.Host &&
		s.Port == other.Port &&
		s.User == other.User &&
		s.Password == other.Password &&
		s.Exchange == other.Exchange &&
		s.ClientIdentity == other.ClientIdentity
}

func (s Settings) HeartbeatInterval() time.Duration {
	return seconds(s.HeartbeatIntervalS)
}

// HeartbeatTimeout is twice the heartbeat interval.
func (s Settings) HeartbeatTimeout() time.Duration {
	return 2 * s.HeartbeatInterval()
}

func (s Settings) TimeoutConnect() time.Duration {
	return seconds(s.TimeoutConnectS)
}

func (s Settings) TimeoutResponse() time.Duration {
	return seconds(s.TimeoutResponseS)
}

func (s Settings) RetryBackoff() time.Duration {
	return seconds(s.RetryBackoffS)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
