package eventbridge

import (
	"net"
	"strconv"
	"time"

	"github.com/tianpai/kairos-sub000/internal/config"
)

// Defaults used when the bridge section leaves a value unset.
const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8765
	DefaultMaxBodyBytes int64 = 1 << 20
	DefaultHeartbeat          = 15 * time.Second

	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 15 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// Settings is the resolved bridge configuration. Request handlers use the
// timeouts; event streams clear the write deadline and send a comment every
// Heartbeat instead.
type Settings struct {
	Enabled bool
	Host    string
	Port    int
	// MaxBodyBytes caps the initial context accepted by start requests.
	MaxBodyBytes int64
	Heartbeat    time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SettingsFromConfig resolves the project's bridge section. KAIROS_BRIDGE_*
// variables are already folded into it by config.NewConfig, and config
// validation has rejected malformed heartbeats.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{Enabled: true}
	if cfg != nil {
		bridge := cfg.Project.Bridge
		if bridge.Enabled != nil {
			s.Enabled = *bridge.Enabled
		}
		s.Host = bridge.Host
		s.Port = bridge.Port
		s.MaxBodyBytes = bridge.MaxBodyBytes
		if d, err := time.ParseDuration(bridge.Heartbeat); err == nil {
			s.Heartbeat = d
		}
	}
	return s.withDefaults()
}

// withDefaults fills unset or out-of-range fields. NewServer applies it too,
// so partially filled Settings still serve.
func (s Settings) withDefaults() Settings {
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port <= 0 || s.Port > 65535 {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.Heartbeat <= 0 {
		s.Heartbeat = DefaultHeartbeat
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = defaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = defaultIdleTimeout
	}
	return s
}

// Address returns the bind address in host:port form.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}
