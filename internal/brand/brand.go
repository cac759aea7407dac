// Package brand provides centralized naming and default path constants.
//
// The identity is loaded from brand.json at compile time via go:embed so that
// packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// identity is the part of brand.json the binary uses. Packaging scripts
// read the remaining keys.
type identity struct {
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	LockName         string `json:"lockName"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
}

func init() {
	var b identity
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	DefaultRunDir = b.DefaultRunDir
	LockName = b.LockName
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
}

var (
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultRunDir    string
	LockName         string
	BinaryName       string
	ConfigFileName   string

	// Version is set at build time via -ldflags
	Version   = "dev"
	GitCommit = "unknown"
)

// VersionString is the version reported by --version.
func VersionString() string {
	return Version + " (" + GitCommit + ")"
}

// GetStateDir returns the state directory, checking env vars first.
// Priority: PORTGUARD_STATE_DIR > PORTGUARD_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_STATE_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "state")
	}
	return DefaultStateDir
}

// GetConfigDir returns the config directory, checking env vars first.
// Priority: PORTGUARD_CONFIG_DIR > PORTGUARD_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "config")
	}
	return DefaultConfigDir
}

// GetRunDir returns the runtime directory holding the session lock.
func GetRunDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_RUN_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "run")
	}
	return DefaultRunDir
}

// DefaultConfigPath is where the deploy command looks for its HCL file.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// DefaultLockPath is the exclusivity marker shared by every session on the host.
func DefaultLockPath() string {
	return filepath.Join(GetRunDir(), LockName)
}

// DefaultBackupDir holds the raw snapshots of an in-flight session.
func DefaultBackupDir() string {
	return filepath.Join(GetStateDir(), "backups")
}

// DefaultHistoryPath is the SQLite database recording finished sessions.
func DefaultHistoryPath() string {
	return filepath.Join(GetStateDir(), "history.db")
}
