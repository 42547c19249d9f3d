package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	MCP     MCPConfig     `mapstructure:"mcp"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLSEnabled   bool          `mapstructure:"tls_enabled"`
	CertFile     string        `mapstructure:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MCPConfig represents the protocol layer configuration
type MCPConfig struct {
	ServerName         string          `mapstructure:"server_name"`
	ServerVersion      string          `mapstructure:"server_version"`
	RequestTimeout     time.Duration   `mapstructure:"request_timeout"`
	MaxConcurrentTasks int             `mapstructure:"max_concurrent_tasks"`
	Transport          TransportConfig `mapstructure:"transport"`
	RateLimit          RateLimitConfig `mapstructure:"rate_limit"`
	Libp2p             Libp2pConfig    `mapstructure:"libp2p"`
	WebRTC             WebRTCConfig    `mapstructure:"webrtc"`
}

// TransportConfig is the declarative description of one transport instance.
// Options is an opaque per-type bag decoded by the transport factory.
type TransportConfig struct {
	Type     string         `mapstructure:"type"`
	Endpoint string         `mapstructure:"endpoint"`
	Options  map[string]any `mapstructure:"options"`
}

// RateLimitConfig bounds inbound requests per server session
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Libp2pConfig configures the optional libp2p listener
type Libp2pConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	ListenAddrs []string `mapstructure:"listen_addrs"`
	ProtocolID  string   `mapstructure:"protocol_id"`
}

// WebRTCConfig configures the WebRTC answering side
type WebRTCConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
}
