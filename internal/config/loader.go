package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/portguard/internal/brand"
)

// EnvConfigPath overrides the default config file location.
var EnvConfigPath = brand.ConfigEnvPrefix + "_CONFIG"

// ResolvePath picks the config file: the explicit flag, then the
// environment, then the brand default.
func ResolvePath(flag string) (path string, explicit bool) {
	if flag != "" {
		return flag, true
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env, true
	}
	return brand.DefaultConfigPath(), false
}

// Load reads and validates the config at path. A missing file is only an
// error when required is set; otherwise the defaults are returned.
func Load(path string, required bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := LoadBytes(path, data)
	if err != nil {
		return nil, err
	}
	cfg.BackupDir = PathRelativeTo(path, cfg.BackupDir)
	cfg.MetricsTextfile = PathRelativeTo(path, cfg.MetricsTextfile)
	if cfg.HistoryEnabled() {
		cfg.HistoryDB = PathRelativeTo(path, cfg.HistoryDB)
	}
	cfg.Persist.RulesV4 = PathRelativeTo(path, cfg.Persist.RulesV4)
	cfg.Persist.RulesV6 = PathRelativeTo(path, cfg.Persist.RulesV6)
	return cfg, nil
}

// LoadBytes decodes HCL source, fills defaults and validates. The filename
// suffix selects the syntax: .hcl for native HCL, .json for HCL JSON.
func LoadBytes(filename string, data []byte) (*Config, error) {
	switch ext := filepath.Ext(filename); ext {
	case ".hcl", ".json":
	default:
		return nil, fmt.Errorf("config file %s: unsupported extension %q, expected .hcl or .json", filename, ext)
	}

	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
