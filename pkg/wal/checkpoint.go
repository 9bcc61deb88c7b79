package wal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"feedmesh/pkg/timeframe"
)

// Checkpoint persists the read progress of a reader so it can resume after a
// restart. The file holds the timeframe entries as YAML.
type Checkpoint struct {
	path string
}

func NewCheckpoint(path string) *Checkpoint {
	return &Checkpoint{path: filepath.Clean(path)}
}

type checkpointFile struct {
	Timeframe timeframe.Timeframe `yaml:"timeframe"`
}

// Load returns the saved timeframe, or an empty one when nothing was saved.
func (c *Checkpoint) Load() (timeframe.Timeframe, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return timeframe.Timeframe{}, nil
		}
		return timeframe.Timeframe{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var f checkpointFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return timeframe.Timeframe{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return f.Timeframe, nil
}

// Save atomically replaces the checkpoint with tf.
func (c *Checkpoint) Save(tf timeframe.Timeframe) error {
	data, err := yaml.Marshal(checkpointFile{Timeframe: tf})
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}
