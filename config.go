package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds all openherd-cow settings.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Peers      PeersConfig      `yaml:"peers"`
	Admin      AdminConfig      `yaml:"admin"`
	Moderation ModerationConfig `yaml:"moderation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port          string        `yaml:"port"`
	TLSCertFile   string        `yaml:"tls_cert_file"`
	TLSKeyFile    string        `yaml:"tls_key_file"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// TLSEnabled reports whether both halves of a certificate pair are configured.
func (s *ServerConfig) TLSEnabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

type StorageConfig struct {
	DataDir    string `yaml:"data_dir"`
	LabelsPath string `yaml:"labels_path"`
	// DataKey seals reporter addresses at rest. Empty leaves them in the clear.
	DataKey string `yaml:"data_key"`
}

// DatabasePath is the sqlite file inside the data directory.
func (s *StorageConfig) DatabasePath() string {
	return filepath.Join(s.DataDir, "openherd.db")
}

type PeersConfig struct {
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	MaxFailures     int           `yaml:"max_failures"`
	SyncTimeout     time.Duration `yaml:"sync_timeout"`
	SyncRetries     int           `yaml:"sync_retries"`
	MaxPushPosts    int           `yaml:"max_push_posts"`
	PublicOnly      bool          `yaml:"public_only"`
}

type AdminConfig struct {
	SessionSecret   string `yaml:"session_secret"`
	MaxCodesPerMint int    `yaml:"max_codes_per_mint"`
}

type ModerationConfig struct {
	ReportsPerMinute float64 `yaml:"reports_per_minute"`
	ReportBurst      int     `yaml:"report_burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Development switches zap to its console encoder.
	Development bool `yaml:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			ShutdownGrace: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:    "./data",
			LabelsPath: "./labels.json",
		},
		Peers: PeersConfig{
			MonitorInterval: 120 * time.Second,
			MaxFailures:     5,
			SyncTimeout:     15 * time.Second,
			SyncRetries:     2,
			MaxPushPosts:    10_000,
		},
		Admin: AdminConfig{
			MaxCodesPerMint: 1000,
		},
		Moderation: ModerationConfig{
			ReportsPerMinute: 30,
			ReportBurst:      10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	str := map[string]*string{
		"PORT":               &c.Server.Port,
		"OPENHERD_TLS_CERT":  &c.Server.TLSCertFile,
		"OPENHERD_TLS_KEY":   &c.Server.TLSKeyFile,
		"OPENHERD_DATA_DIR":  &c.Storage.DataDir,
		"OPENHERD_LABELS":    &c.Storage.LabelsPath,
		"OPENHERD_DB_KEY":    &c.Storage.DataKey,
		"SESSION_SECRET":     &c.Admin.SessionSecret,
		"OPENHERD_LOG_LEVEL": &c.Logging.Level,
	}
	for env, dst := range str {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("OPENHERD_PUBLIC_PEERS_ONLY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OPENHERD_PUBLIC_PEERS_ONLY: %w", err)
		}
		c.Peers.PublicOnly = b
	}
	return nil
}

// addServeFlags registers the flags that may override file and environment.
func addServeFlags(fs *pflag.FlagSet) {
	fs.String("port", "", "TCP port to listen on")
	fs.String("labels", "", "path to the moderation label definitions file")
	fs.String("tls-cert", "", "TLS certificate file; enables HTTPS together with --tls-key")
	fs.String("tls-key", "", "TLS private key file")
	fs.Bool("public-peers-only", false, "refuse outbound peer connections to non-public addresses")
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "YAML config file (default $OPENHERD_CONFIG)")
	fs.String("data-dir", "", "directory holding the node database")
	fs.BoolP("verbose", "v", false, "enable debug logging")
}

// applyFlags copies every flag the user actually set onto c.
func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "port":
			c.Server.Port = f.Value.String()
		case "labels":
			c.Storage.LabelsPath = f.Value.String()
		case "tls-cert":
			c.Server.TLSCertFile = f.Value.String()
		case "tls-key":
			c.Server.TLSKeyFile = f.Value.String()
		case "data-dir":
			c.Storage.DataDir = f.Value.String()
		case "public-peers-only":
			c.Peers.PublicOnly, err = strconv.ParseBool(f.Value.String())
		case "verbose":
			var v bool
			if v, err = strconv.ParseBool(f.Value.String()); err == nil && v {
				c.Logging.Level = "debug"
			}
		}
	})
	return err
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	if _, err := strconv.ParseUint(c.Server.Port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", c.Server.Port)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("tls cert and key must be set together")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.Peers.MonitorInterval <= 0 {
		return fmt.Errorf("peers.monitor_interval must be positive")
	}
	if c.Peers.MaxFailures < 1 {
		return fmt.Errorf("peers.max_failures must be at least 1")
	}
	return nil
}
