// Package config loads daemon configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultListenAddr = "127.0.0.1:48653"
	DefaultDebounce   = 5 * time.Second
)

// Config holds the daemon's runtime configuration.
type Config struct {
	// ListenAddr is the WebSocket gateway bind address.
	ListenAddr string

	// DataDir holds the encrypted state database, the key file, and
	// the daemon registry.
	DataDir string

	// Debounce is the quiet period for coalesced state saves.
	Debounce time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is honored when present; real environment
// variables win over it.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr: getEnv("TABTIMED_LISTEN", DefaultListenAddr),
		DataDir:    getEnv("TABTIMED_DATA_DIR", defaultDataDir()),
		Debounce:   getDuration("TABTIMED_DEBOUNCE", DefaultDebounce),
	}
	return cfg
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabtimed"
	}
	return filepath.Join(home, ".tabtimed")
}

// getEnv returns the environment variable value or a default if empty.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getDuration parses a duration env var, falling back on empty or
// malformed values.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
