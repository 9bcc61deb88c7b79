// Package config holds the node configuration, read from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds all configuration for a feedmesh node.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Logger      LoggerConfig      `yaml:"logger"`
	HTTP        HTTPConfig        `yaml:"http"`
	Reader      ReaderConfig      `yaml:"reader"`
	Replication ReplicationConfig `yaml:"replication"`
	Storage     StorageConfig     `yaml:"storage"`
}

// NodeConfig names this peer and the peer it connects to.
type NodeConfig struct {
	PeerID   string `yaml:"peer_id"`
	RemoteID string `yaml:"remote_id"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type ReaderConfig struct {
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

type ReplicationConfig struct {
	UploadAllowed bool          `yaml:"upload_allowed"`
	Debounce      time.Duration `yaml:"debounce"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

// StorageConfig covers the feed journal and the reader checkpoint.
type StorageConfig struct {
	WALDir     string `yaml:"wal_dir"`
	Checkpoint string `yaml:"checkpoint"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Node: NodeConfig{PeerID: "peer-a", RemoteID: "peer-b"},
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		HTTP:   HTTPConfig{Port: 8080},
		Reader: ReaderConfig{StallTimeout: time.Second},
		Replication: ReplicationConfig{
			UploadAllowed: true,
			Debounce:      50 * time.Millisecond,
			CallTimeout:   5 * time.Second,
		},
		Storage: StorageConfig{
			WALDir:     "./data/wal",
			Checkpoint: "./data/reader.yaml",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields
// Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Node.PeerID == "" {
		errs = append(errs, errors.New("node.peer_id is required"))
	}
	if c.Node.RemoteID == "" {
		errs = append(errs, errors.New("node.remote_id is required"))
	}
	if c.Node.PeerID != "" && c.Node.PeerID == c.Node.RemoteID {
		errs = append(errs, errors.New("node.peer_id and node.remote_id must differ"))
	}
	if _, err := c.Logger.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.Reader.StallTimeout <= 0 {
		errs = append(errs, errors.New("reader.stall_timeout must be positive"))
	}
	if c.Replication.Debounce < 0 {
		errs = append(errs, errors.New("replication.debounce must not be negative"))
	}
	if c.Replication.CallTimeout <= 0 {
		errs = append(errs, errors.New("replication.call_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level, case-insensitively.
func (l LoggerConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logger.level %q is not one of DEBUG, INFO, WARN, ERROR", l.Level)
}
