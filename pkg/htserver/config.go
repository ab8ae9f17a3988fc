package htserver

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig is the htmuxd service configuration, loadable from a TOML
// file.
type ServerConfig struct {
	// Host and Port form the main listen address.
	Host string `toml:"host"`
	Port int    `toml:"port"`

	// AdminAddr is the optional admin/stats HTTP listen address
	// ("127.0.0.1:8081"). Empty disables the admin endpoint.
	AdminAddr string `toml:"admin_addr"`

	// AuthFile is an optional JSON user index, hot-reloaded on change.
	AuthFile string `toml:"auth_file"`
	// Auth is an optional single "user:pass" credential.
	Auth string `toml:"auth"`

	// Socks5 enables the CONNECT-to-SOCKS5 tunnel handler.
	Socks5 bool `toml:"socks5"`

	Debug bool `toml:"debug"`

	// IngressTimeoutMs and WriteTimeoutMs override the per-session
	// deadlines; zero keeps the defaults.
	IngressTimeoutMs int `toml:"ingress_timeout_ms"`
	WriteTimeoutMs   int `toml:"write_timeout_ms"`

	// MaxConcurrent is the per-session concurrency ceiling (0 unlimited).
	MaxConcurrent uint32 `toml:"max_concurrent"`

	// DrainTimeoutMs bounds graceful shutdown before connections are cut.
	DrainTimeoutMs int `toml:"drain_timeout_ms"`
}

// DefaultConfig returns a config with service defaults filled in.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Host:           "0.0.0.0",
		Port:           8080,
		DrainTimeoutMs: 15000,
	}
}

// LoadConfig reads a TOML config file over the defaults.
func LoadConfig(path string) (*ServerConfig, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %s", path, err)
	}
	return cfg, nil
}

// ListenAddr renders the main listen address.
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IngressTimeout returns the configured ingress deadline, 0 for default.
func (c *ServerConfig) IngressTimeout() time.Duration {
	return time.Duration(c.IngressTimeoutMs) * time.Millisecond
}

// WriteTimeout returns the configured egress-stall deadline, 0 for default.
func (c *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// DrainTimeout returns the graceful shutdown bound.
func (c *ServerConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}
