// Package config provides configuration management for the bridge binaries.
// It uses koanf v2 to load configuration from YAML files and supports
// saving updated configuration back to disk.
//
// Configuration is loaded from /etc/rmm-bridge/config.yaml by default.
// The configuration file should have restricted permissions (0600) as it
// may contain the bearer token and the NATS NKey seed.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"

	"github.com/doughall/linuxrmm/bridge/internal/helper"
	"github.com/doughall/linuxrmm/bridge/internal/journal"
	"github.com/doughall/linuxrmm/bridge/internal/monitor"
)

// DefaultConfigPath is the default location for the bridge configuration file.
const DefaultConfigPath = "/etc/rmm-bridge/config.yaml"

// Roles.
const (
	RoleHelper = "helper"
	RoleClient = "client"
)

// Transports.
const (
	TransportUnix      = "unix"
	TransportNATS      = "nats"
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// Visibility policies, matching the host package.
const (
	VisibilityOwner = "owner"
	VisibilityAll   = "all"
)

// Defaults applied by Load.
const (
	DefaultSocketPath  = helper.SocketPath
	DefaultJournalPath = journal.DefaultPath
	DefaultHTTPAddr    = "127.0.0.1:7420"
)

// Config holds the bridge configuration loaded from the YAML config file.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// Role is "helper" for the privileged service or "client" for the CLI.
	// Default: "client".
	Role string `koanf:"role" yaml:"role"`

	// Transport selects how transactions travel: "unix", "nats", "http" or
	// "websocket". The helper always serves the Unix socket and additionally
	// serves the selected remote transport. Default: "unix".
	Transport string `koanf:"transport" yaml:"transport"`

	// SocketPath is the helper's Unix socket.
	SocketPath string `koanf:"socket_path" yaml:"socket_path"`

	// AllowedUIDs may connect to the helper socket in addition to root and
	// the helper's own uid.
	AllowedUIDs []uint32 `koanf:"allowed_uids" yaml:"allowed_uids"`

	// HTTPAddr is where the helper serves the http and websocket transports.
	HTTPAddr string `koanf:"http_addr" yaml:"http_addr"`

	// ServerURL is the helper's base URL as seen by an http or websocket client
	// (e.g., "https://host.example.com:7420").
	ServerURL string `koanf:"server_url" yaml:"server_url"`

	// Token is the bearer token for the http and websocket transports.
	// Required when the helper serves either of them.
	Token string `koanf:"token" yaml:"token"`

	// NATSServers is a comma-separated list of NATS server URLs.
	NATSServers string `koanf:"nats_servers" yaml:"nats_servers"`

	// NATSNKeySeed is the optional NKey seed for NATS authentication.
	NATSNKeySeed string `koanf:"nats_nkey_seed" yaml:"nats_nkey_seed"`

	// NodeID names this helper in NATS subjects. Default: the hostname with
	// dots replaced by dashes.
	NodeID string `koanf:"node_id" yaml:"node_id"`

	// LogLevel controls the verbosity of logging.
	// Valid values: "debug", "info", "warn", "error".
	// Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// JournalPath is the bbolt file of the transaction journal.
	JournalPath string `koanf:"journal_path" yaml:"journal_path"`

	// MetricsAddr serves Prometheus metrics when set (e.g., ":9420").
	MetricsAddr string `koanf:"metrics_addr" yaml:"metrics_addr"`

	// Visibility is "owner" or "all". Default: "owner".
	Visibility string `koanf:"visibility" yaml:"visibility"`

	// MonitorSchedule is the refresh schedule of the "top" command.
	// Default: "@every 1s".
	MonitorSchedule string `koanf:"monitor_schedule" yaml:"monitor_schedule"`
}

// Validation errors returned by Load.
var (
	ErrInvalidRole        = errors.New("role must be helper or client")
	ErrInvalidTransport   = errors.New("transport must be unix, nats, http or websocket")
	ErrInvalidVisibility  = errors.New("visibility must be owner or all")
	ErrNATSServersMissing = errors.New("nats_servers is required for the nats transport")
	ErrServerURLRequired  = errors.New("server_url is required for the http and websocket transports")
	ErrHTTPAddrRequired   = errors.New("http_addr is required for the http and websocket transports")
	ErrNodeIDRequired     = errors.New("node_id is required for the nats transport")
	ErrTokenRequired      = errors.New("token is required for a helper serving the http or websocket transport")
)

// Load reads configuration from the specified YAML file path.
// It applies defaults for optional fields and validates the result.
// Returns an error if the file cannot be read or the configuration is invalid.
func Load(path string) (*Config, error) {
	return load(path, "")
}

// LoadAs reads configuration like Load with the role forced to role, so one
// file can serve both the helper and the CLI on the same host. A missing file
// at DefaultConfigPath yields the defaults for role.
func LoadAs(path, role string) (*Config, error) {
	if path == DefaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := Default(role)
			if err := cfg.validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}
	return load(path, role)
}

func load(path, role string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if role != "" {
		cfg.Role = role
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default(role string) *Config {
	cfg := &Config{Role: role}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for optional configuration fields.
func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = RoleClient
	}
	if c.Transport == "" {
		c.Transport = TransportUnix
	}
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.JournalPath == "" {
		c.JournalPath = DefaultJournalPath
	}
	if c.Visibility == "" {
		c.Visibility = VisibilityOwner
	}
	if c.MonitorSchedule == "" {
		c.MonitorSchedule = monitor.DefaultSchedule
	}
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = strings.ReplaceAll(host, ".", "-")
		}
	}
	if c.Role == RoleHelper && c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
}

// validate checks that the selected role and transport are fully configured.
func (c *Config) validate() error {
	switch c.Role {
	case RoleHelper, RoleClient:
	default:
		return ErrInvalidRole
	}

	switch c.Visibility {
	case VisibilityOwner, VisibilityAll:
	default:
		return ErrInvalidVisibility
	}

	if err := monitor.ValidateSchedule(c.MonitorSchedule); err != nil {
		return fmt.Errorf("invalid monitor_schedule %q: %w", c.MonitorSchedule, err)
	}

	switch c.Transport {
	case TransportUnix:
	case TransportNATS:
		if len(c.NATSServerList()) == 0 {
			return ErrNATSServersMissing
		}
		if c.NodeID == "" {
			return ErrNodeIDRequired
		}
	case TransportHTTP, TransportWebSocket:
		if c.Role == RoleClient && c.ServerURL == "" {
			return ErrServerURLRequired
		}
		if c.Role == RoleHelper && c.HTTPAddr == "" {
			return ErrHTTPAddrRequired
		}
		if c.Role == RoleHelper && c.Token == "" {
			return ErrTokenRequired
		}
	default:
		return ErrInvalidTransport
	}
	return nil
}

// NATSServerList splits NATSServers into trimmed, non-empty URLs.
func (c *Config) NATSServerList() []string {
	var servers []string
	for _, s := range strings.Split(c.NATSServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}

// Save writes the configuration to the specified YAML file path.
// The file is created with 0600 permissions (owner read/write only)
// as it may contain credentials.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	return nil
}
