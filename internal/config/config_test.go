package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TABTIMED_LISTEN", "")
	t.Setenv("TABTIMED_DATA_DIR", "")
	t.Setenv("TABTIMED_DEBOUNCE", "")

	cfg := Load()

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, DefaultDebounce, cfg.Debounce)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("TABTIMED_LISTEN", "127.0.0.1:9999")
	t.Setenv("TABTIMED_DATA_DIR", "/tmp/tabtimed-test")
	t.Setenv("TABTIMED_DEBOUNCE", "250ms")

	cfg := Load()

	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, "/tmp/tabtimed-test", cfg.DataDir)
	assert.Equal(t, 250*time.Millisecond, cfg.Debounce)
}

func TestLoad_MalformedDebounceFallsBack(t *testing.T) {
	t.Setenv("TABTIMED_DEBOUNCE", "soon")
	assert.Equal(t, DefaultDebounce, Load().Debounce)

	t.Setenv("TABTIMED_DEBOUNCE", "-5s")
	assert.Equal(t, DefaultDebounce, Load().Debounce)
}
