package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "chorus.yaml"

type Config struct {
	DataDir    string `yaml:"-"`
	DBPath     string `yaml:"-"`
	ConfigPath string `yaml:"-"`

	Node        NodeConfig        `yaml:"node"`
	ACL         ACLConfig         `yaml:"acl"`
	Transports  TransportsConfig  `yaml:"transports"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Replication ReplicationConfig `yaml:"replication"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

type NodeConfig struct {
	Name string `yaml:"name"`
}

type ACLConfig struct {
	// DefaultPolicy is one of allow_all, deny_all, ask.
	DefaultPolicy string `yaml:"default_policy"`
	// AuthorizationTimeout of zero waits for the user indefinitely.
	AuthorizationTimeout time.Duration `yaml:"authorization_timeout"`
}

type TransportsConfig struct {
	LAN         LANConfig         `yaml:"lan"`
	XMPP        XMPPConfig        `yaml:"xmpp"`
	Backchannel BackchannelConfig `yaml:"backchannel"`
}

type LANConfig struct {
	Enabled     bool     `yaml:"enabled"`
	ListenAddrs []string `yaml:"listen_addrs"`
	ServiceTag  string   `yaml:"service_tag"`
	MDNS        bool     `yaml:"mdns"`
}

type XMPPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Server   string `yaml:"server"`
	JID      string `yaml:"jid"`
	Password string `yaml:"password"`
	Resource string `yaml:"resource"`
	NoTLS    bool   `yaml:"no_tls"`
	StartTLS bool   `yaml:"start_tls"`
}

type BackchannelConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Endpoint     string        `yaml:"endpoint"`
	Handle       string        `yaml:"handle"`
	Token        string        `yaml:"token"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

type ReplicationConfig struct {
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file overrides it.
func Default(dataDir string) Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "chorus"
	}
	return Config{
		DataDir:    dataDir,
		DBPath:     filepath.Join(dataDir, "chorus.db"),
		ConfigPath: filepath.Join(dataDir, FileName),
		Node:       NodeConfig{Name: host},
		ACL:        ACLConfig{DefaultPolicy: "ask"},
		Transports: TransportsConfig{
			LAN: LANConfig{
				Enabled:     true,
				ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0", "/ip6/::/tcp/0"},
				ServiceTag:  "chorus-lan",
				MDNS:        true,
			},
			XMPP:        XMPPConfig{Resource: "chorus"},
			Backchannel: BackchannelConfig{PollInterval: 30 * time.Second},
		},
		Reconnect: ReconnectConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     15 * time.Second,
			Multiplier:      2,
		},
		Replication: ReplicationConfig{
			AckTimeout:         30 * time.Second,
			CompactionInterval: 10 * time.Minute,
		},
		Metrics: MetricsConfig{Enabled: true, Listen: "127.0.0.1:0"},
		Log:     LogConfig{Level: "info"},
	}
}

// New loads defaults for dataDir and overlays <dataDir>/chorus.yaml when present.
func New(dataDir string) (Config, error) {
	if strings.TrimSpace(dataDir) == "" {
		return Config{}, fmt.Errorf("data directory is required")
	}
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return Config{}, fmt.Errorf("resolve data directory: %w", err)
	}
	cfg := Default(abs)
	raw, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", cfg.ConfigPath, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.ACL.DefaultPolicy {
	case "allow_all", "deny_all", "ask":
	default:
		return fmt.Errorf("acl.default_policy must be allow_all, deny_all or ask, got %q", c.ACL.DefaultPolicy)
	}
	if c.ACL.AuthorizationTimeout < 0 {
		return fmt.Errorf("acl.authorization_timeout must not be negative")
	}
	if c.Reconnect.InitialInterval <= 0 || c.Reconnect.MaxInterval < c.Reconnect.InitialInterval {
		return fmt.Errorf("reconnect intervals are invalid")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1")
	}
	if c.Replication.AckTimeout <= 0 {
		return fmt.Errorf("replication.ack_timeout must be positive")
	}
	if c.Transports.XMPP.Enabled && (c.Transports.XMPP.JID == "" || c.Transports.XMPP.Server == "") {
		return fmt.Errorf("transports.xmpp requires server and jid")
	}
	if c.Transports.Backchannel.Enabled && (c.Transports.Backchannel.Endpoint == "" || c.Transports.Backchannel.Handle == "") {
		return fmt.Errorf("transports.backchannel requires endpoint and handle")
	}
	return nil
}

// Save writes the configuration back to ConfigPath.
func (c Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.ConfigPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(c.ConfigPath, raw, 0o600)
}
