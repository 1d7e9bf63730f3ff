package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	Path          string `json:"path"`
	Pages         int    `json:"pages,omitempty"`
	HashTableSize int    `json:"hash_table_size,omitempty"`
	LockTimeout   string `json:"lock_timeout,omitempty"`
	LogLevel      string `json:"log_level,omitempty"`

	// Resolved values (computed, not serialized)
	EffectiveCwd    string        `json:"-"` // Absolute working directory (from -C flag or os.Getwd)
	PathAbs         string        `json:"-"` // Absolute store base path
	LockTimeoutDur  time.Duration `json:"-"`
	LogLevelDecoded slog.Level    `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Path:        filepath.Join(".mmcache", "store"),
		LockTimeout: "10s",
		LogLevel:    "warn",
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = ".mmcache.json"

// getGlobalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/mmcache/config.json if set, otherwise
// ~/.config/mmcache/config.json. Returns empty string if home directory
// cannot be determined.
func getGlobalConfigPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "mmcache", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "mmcache", "config.json")
	}

	return ""
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDirOverride  string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath       string            // -c/--config flag value
	PathOverride     string            // --path flag value; empty means no override
	LogLevelOverride string            // --log-level flag value; empty means no override
	Env              map[string]string // environment variables
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config (~/.config/mmcache/config.json or $XDG_CONFIG_HOME/mmcache/config.json)
// 3. Project config file at default location (.mmcache.json, if exists)
// 4. Explicit config file via configPath (if non-empty)
// 5. CLI overrides.
//
// The store path in the returned Config is resolved to an absolute path.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := DefaultConfig()

	globalCfg, globalPath, err := loadOptionalConfig(getGlobalConfigPath(input.Env))
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	if input.PathOverride != "" {
		cfg.Path = input.PathOverride
	}

	if input.LogLevelOverride != "" {
		cfg.LogLevel = input.LogLevelOverride
	}

	if err := resolveConfig(&cfg); err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	if filepath.IsAbs(cfg.Path) {
		cfg.PathAbs = cfg.Path
	} else {
		cfg.PathAbs = filepath.Join(workDir, cfg.Path)
	}

	return cfg, nil
}

// loadOptionalConfig loads a config file if it exists.
// Returns the config, the path if loaded, and any error.
func loadOptionalConfig(path string) (Config, string, error) {
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil || !loaded {
		return Config{}, "", err
	}

	return cfg, path, nil
}

// loadProjectConfig loads the project config file (.mmcache.json) or an
// explicit config file.
func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	if configPath == "" {
		return loadOptionalConfig(filepath.Join(workDir, ConfigFileName))
	}

	cfgFile := configPath
	if !filepath.IsAbs(cfgFile) {
		cfgFile = filepath.Join(workDir, cfgFile)
	}

	// Check existence first to provide a clear "not found" error
	if _, statErr := os.Stat(cfgFile); statErr != nil {
		return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
	}

	cfg, _, err := loadConfigFile(cfgFile, true)
	if err != nil {
		return Config{}, "", err
	}

	return cfg, cfgFile, nil
}

// loadConfigFile loads a config file. If mustExist is false, missing files
// return zero config. Returns the config, whether the file was loaded, and
// any error.
func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}

	cfg, parseErr := parseConfig(data)
	if parseErr != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, parseErr)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	// An explicit "path": "" is an error, not "use the default"
	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	if val, exists := raw["path"]; exists {
		if str, ok := val.(string); ok && str == "" {
			return Config{}, ErrPathEmpty
		}
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Path != "" {
		base.Path = overlay.Path
	}

	if overlay.Pages != 0 {
		base.Pages = overlay.Pages
	}

	if overlay.HashTableSize != 0 {
		base.HashTableSize = overlay.HashTableSize
	}

	if overlay.LockTimeout != "" {
		base.LockTimeout = overlay.LockTimeout
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	return base
}

// resolveConfig validates cfg and fills the decoded fields.
func resolveConfig(cfg *Config) error {
	if cfg.Path == "" {
		return ErrPathEmpty
	}

	if cfg.Pages < 0 {
		return fmt.Errorf("%w: pages must not be negative", ErrConfigInvalid)
	}

	timeout, err := time.ParseDuration(cfg.LockTimeout)
	if err != nil || timeout < 0 {
		return fmt.Errorf("%w: lock_timeout %q", ErrConfigInvalid, cfg.LockTimeout)
	}

	cfg.LockTimeoutDur = timeout

	if err := cfg.LogLevelDecoded.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrConfigInvalid, cfg.LogLevel)
	}

	return nil
}

// FormatConfig returns the config as formatted JSON.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
