package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Manifest selects which registered features run and carries their settings.
// Features not listed run with defaults; setting enabled to false switches a
// feature off without removing it from the build.
type Manifest struct {
	Features map[string]ManifestEntry `yaml:"features"`
}

// ManifestEntry configures one feature.
type ManifestEntry struct {
	Enabled  *bool          `yaml:"enabled"`
	Settings map[string]any `yaml:"settings"`
}

// LoadManifest reads the manifest file. A missing file is not an error:
// every registered feature then runs with default settings.
func LoadManifest(path string, logger *zap.Logger) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Feature manifest not found, running all registered features",
				zap.String("path", path))
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("failed to read feature manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse feature manifest: %w", err)
	}

	logger.Info("Feature manifest loaded",
		zap.String("path", path),
		zap.Int("features", len(m.Features)))
	return &m, nil
}

// Enabled reports whether the named feature should run. Unlisted features
// and entries without an enabled key default to running.
func (m *Manifest) Enabled(name string) bool {
	entry, ok := m.Features[name]
	if !ok || entry.Enabled == nil {
		return true
	}
	return *entry.Enabled
}

// Settings returns the feature's settings map, never nil.
func (m *Manifest) Settings(name string) map[string]any {
	if entry, ok := m.Features[name]; ok && entry.Settings != nil {
		return entry.Settings
	}
	return map[string]any{}
}
