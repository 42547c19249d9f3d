package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/swissknife-mcp/internal/domain"
)

// Manager loads the application configuration using Viper
type Manager struct {
	path   string
	v      *viper.Viper
	config *domain.Config
}

// NewManager creates a new configuration manager. An empty path searches the
// default locations for config.yaml.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from file, environment and defaults
func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.path != "" {
		v.SetConfigFile(m.path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/swissknife-mcp/")
	}

	v.SetEnvPrefix("SWISSKNIFE_MCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.v = v
	m.config = config
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.tls_enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.filename", "swissknife-mcp.log")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	v.SetDefault("mcp.server_name", "swissknife-mcp")
	v.SetDefault("mcp.server_version", "1.0.0")
	v.SetDefault("mcp.request_timeout", "30s")
	v.SetDefault("mcp.max_concurrent_tasks", 16)
	v.SetDefault("mcp.transport.type", "websocket")
	v.SetDefault("mcp.transport.endpoint", "ws://localhost:8080/mcp/ws")
	v.SetDefault("mcp.rate_limit.requests_per_second", 0)
	v.SetDefault("mcp.rate_limit.burst", 0)
	v.SetDefault("mcp.libp2p.enabled", false)
	v.SetDefault("mcp.libp2p.listen_addrs", []string{"/ip4/0.0.0.0/tcp/4001"})
	v.SetDefault("mcp.libp2p.protocol_id", "/mcp/1.0.0")
	v.SetDefault("mcp.webrtc.ice_servers", []string{})
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetMCPConfig returns the protocol layer configuration
func (m *Manager) GetMCPConfig() *domain.MCPConfig {
	return &m.config.MCP
}

// ConfigFileUsed reports the file the configuration was read from, if any
func (m *Manager) ConfigFileUsed() string {
	return m.v.ConfigFileUsed()
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.TLSEnabled {
		if config.Server.CertFile == "" || config.Server.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert_file or key_file not specified")
		}
	}

	switch config.Logging.Output {
	case "stdout", "stderr":
	case "file":
		if config.Logging.Filename == "" {
			return fmt.Errorf("logging output is file but no filename specified")
		}
	default:
		return fmt.Errorf("invalid logging output: %s", config.Logging.Output)
	}

	if config.MCP.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative")
	}

	if config.MCP.RateLimit.RequestsPerSecond < 0 || config.MCP.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}

	if config.MCP.Libp2p.Enabled && len(config.MCP.Libp2p.ListenAddrs) == 0 {
		return fmt.Errorf("libp2p enabled but no listen addresses configured")
	}

	return nil
}
