// Package config loads ah's settings: a user-level file under
// GetUserConfigDir() merged with a project-level file under
// <project>/.ah/settings.yaml, project values winning ties. Grounded on the
// teacher's internal/config.Manager merge shape and its wing.go
// LoadWingConfig/SaveWingConfig YAML round-trip.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds settings shared by ahd, ah-rec, and ah-replay.
type Config struct {
	// AFSD
	SocketPath      string   `yaml:"socket_path,omitempty"`
	ExportBaseDir   string   `yaml:"export_base_dir,omitempty"`
	Backstore       string   `yaml:"backstore,omitempty"` // "memory" (default), "hostfs", "ramdisk"
	ProviderOrder   []string `yaml:"provider_order,omitempty"`

	// REC
	ScrollbackLines int `yaml:"scrollback_lines,omitempty"`
	BrotliQuality   int `yaml:"brotli_quality,omitempty"`
}

const settingsFileName = "settings.yaml"

// Manager merges a user-level and a project-level Config, project values
// taking precedence on a field-by-field basis.
type Manager struct {
	userConfig    Config
	projectConfig Config
	merged        Config
}

func NewManager() *Manager {
	return &Manager{}
}

// Load reads settings.yaml from userConfigDir and projectDir/.ah, missing
// files are not an error, and merges them into Merged().
func (m *Manager) Load(userConfigDir, projectDir string) error {
	if err := loadYAML(filepath.Join(userConfigDir, settingsFileName), &m.userConfig); err != nil {
		return err
	}
	if err := loadYAML(filepath.Join(projectDir, ".ah", settingsFileName), &m.projectConfig); err != nil {
		return err
	}
	m.merged = mergeConfig(m.userConfig, m.projectConfig)
	return nil
}

// Merged returns the merged configuration, defaulted where both layers left
// a field zero-valued.
func (m *Manager) Merged() Config {
	c := m.merged
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(os.TempDir(), "ah", "agentfs.sock")
	}
	if c.ExportBaseDir == "" {
		c.ExportBaseDir = filepath.Join(os.TempDir(), "ah", "exports")
	}
	if c.Backstore == "" {
		c.Backstore = "memory"
	}
	if len(c.ProviderOrder) == 0 {
		c.ProviderOrder = []string{"agentfs", "zfs", "btrfs", "git"}
	}
	if c.ScrollbackLines == 0 {
		c.ScrollbackLines = 10000
	}
	if c.BrotliQuality == 0 {
		c.BrotliQuality = 6
	}
	return c
}

func mergeConfig(user, project Config) Config {
	out := user
	if project.SocketPath != "" {
		out.SocketPath = project.SocketPath
	}
	if project.ExportBaseDir != "" {
		out.ExportBaseDir = project.ExportBaseDir
	}
	if project.Backstore != "" {
		out.Backstore = project.Backstore
	}
	if len(project.ProviderOrder) > 0 {
		out.ProviderOrder = project.ProviderOrder
	}
	if project.ScrollbackLines != 0 {
		out.ScrollbackLines = project.ScrollbackLines
	}
	if project.BrotliQuality != 0 {
		out.BrotliQuality = project.BrotliQuality
	}
	return out
}

func loadYAML(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Save writes cfg to dir/settings.yaml (dir is either a user config dir or a
// project's .ah directory).
func Save(dir string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, settingsFileName), data, 0o644)
}
