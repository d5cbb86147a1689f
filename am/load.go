package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/teranos/reel/errors"
)

// EnvPrefix is the prefix of environment variables that override config keys.
const EnvPrefix = "REEL"

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper

	// ConfigSources records which file supplied each flattened key during the
	// last load. Keys absent here came from defaults or the environment.
	ConfigSources = map[string]SourceInfo{}

	// loadedFiles lists the config files merged during the last load, lowest
	// precedence first.
	loadedFiles []string
)

// Load reads the reel configuration using Viper
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViperLocked()

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	return initViperLocked()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path on top of defaults
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// Set defaults but don't bind environment variables for this specific load
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config from %s", configPath)
	}
	return config, nil
}

// Reset clears the cached configuration (useful for testing and reloads)
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
	loadedFiles = nil
}

// LoadedFiles returns the config files merged by the last load.
func LoadedFiles() []string {
	mu.Lock()
	defer mu.Unlock()
	out := make([]string, len(loadedFiles))
	copy(out, loadedFiles)
	return out
}

// initViperLocked initializes Viper with configuration sources and defaults.
// Caller holds mu.
func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	// .env values become process env before viper reads it; existing env wins
	_ = godotenv.Load()

	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)

	// Manually merge configs in precedence order: system -> user -> project -> env vars
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig searches for am.toml or config.toml by walking up the directory tree
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		for _, name := range []string{"am.toml", "config.toml"} {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// candidateConfigPaths returns config file locations, lowest precedence first.
func candidateConfigPaths() []ConfigSourcePath {
	paths := []ConfigSourcePath{
		{Path: "/etc/reel/config.toml", Source: SourceSystem},
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, ConfigSourcePath{Path: filepath.Join(homeDir, ".reel", "am.toml"), Source: SourceUser})
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, ConfigSourcePath{Path: project, Source: SourceProject})
	}
	return paths
}

// mergeConfigFiles merges configuration files in precedence order
// (lowest to highest): system < user < project. Env vars sit above all files.
func mergeConfigFiles(v *viper.Viper) {
	for _, candidate := range candidateConfigPaths() {
		if _, err := os.Stat(candidate.Path); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(candidate.Path)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}

		// Merged into the config layer so env vars still take precedence
		if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
			continue
		}
		for _, key := range tempViper.AllKeys() {
			ConfigSources[key] = SourceInfo{Source: candidate.Source, Path: candidate.Path}
		}
		loadedFiles = append(loadedFiles, candidate.Path)
	}
}

// ProjectConfigPath returns the project config file in effect, or "" if none.
func ProjectConfigPath() string {
	return findProjectConfig()
}
