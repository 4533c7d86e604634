// Package config carries the UCM core's own configuration: storage
// location, SQLite tuning, and the rendering defaults used by
// render_activity_context. Grounded on goclaw's internal/config/config.go
// load/merge shape (defaults struct, file overrides merged with
// dario.cat/mergo, environment fallbacks for secrets), with JSON swapped
// for YAML (gopkg.in/yaml.v3) since a single-file core config has no
// bootstrap-from-a-different-format step the way goclaw.json did.
package config

import (
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	. "github.com/noema/ucm/internal/logging"
)

// StorageConfig locates the on-disk layout described in spec §6.3: a
// SQLite database plus a sharded blob store, both rooted under DataDir
// unless overridden.
type StorageConfig struct {
	DataDir       string `yaml:"data_dir"`
	BlobDir       string `yaml:"blob_dir"`       // default: <data_dir>/blob_storage
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// ResolvedBlobDir returns BlobDir if set, else the conventional location
// under DataDir.
func (s StorageConfig) ResolvedBlobDir() string {
	if s.BlobDir != "" {
		return s.BlobDir
	}
	return filepath.Join(s.DataDir, "blob_storage")
}

// CoreConfig is the UCM core's full configuration surface.
type CoreConfig struct {
	Storage StorageConfig `yaml:"storage"`
	// DefaultTokenBudget bounds render_activity_context's markdown output
	// when a caller doesn't specify one (§4.8).
	DefaultTokenBudget int `yaml:"default_token_budget"`
}

// Default returns the baseline every loaded file is merged over.
func Default() *CoreConfig {
	home, _ := os.UserHomeDir()
	return &CoreConfig{
		Storage: StorageConfig{
			DataDir:       filepath.Join(home, ".local", "share", "ucm"),
			BusyTimeoutMS: 5000,
		},
		DefaultTokenBudget: 2000,
	}
}

// Load reads path as YAML and merges it over Default(). A missing file is
// not an error: the defaults apply as-is, matching goclaw's bootstrap
// behavior of running on defaults until a config file exists.
func Load(path string) (*CoreConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		L_info("config: no file at path, using defaults", "path", path)
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	var file CoreConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	// mergo.Merge(dst, src) without WithOverride only fills zero-valued
	// dst fields from src. With dst=file and src=defaults, every nonzero
	// value in the file wins and the gaps are defaulted. A zero value in
	// the file (e.g. default_token_budget: 0) cannot be told apart from an
	// absent key, so it is replaced by the default as well.
	if err := mergo.Merge(&file, cfg); err != nil {
		return nil, err
	}

	L_info("config: loaded", "path", path, "data_dir", file.Storage.DataDir)
	return &file, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(path string, cfg *CoreConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
