package infra

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
)

func newTestFileRegistry(t *testing.T) domain.DaemonRegistry {
	t.Helper()
	return NewFileRegistryWithPath(filepath.Join(t.TempDir(), "daemon.json"))
}

func testDaemonInfo() domain.DaemonInfo {
	return domain.DaemonInfo{
		PID:        1234,
		InstanceID: "inst-abc",
		StartedAt:  time.Now(),
		AppVersion: "0.3.0",
	}
}

func TestFileRegistry_RegisterAndGetAll(t *testing.T) {
	reg := newTestFileRegistry(t)

	require.NoError(t, reg.Register(testDaemonInfo()))

	entry, err := reg.GetAll()
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.Version)
	assert.Equal(t, 1234, entry.PID)
	assert.Equal(t, "inst-abc", entry.InstanceID)
	assert.Equal(t, "0.3.0", entry.AppVersion)
	assert.True(t, entry.LastHeartbeat > 0)
}

func TestFileRegistry_GetAllReturnsNilWhenNeverRegistered(t *testing.T) {
	reg := newTestFileRegistry(t)

	entry, err := reg.GetAll()
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestFileRegistry_ReRegisterOverwrites(t *testing.T) {
	reg := newTestFileRegistry(t)

	require.NoError(t, reg.Register(testDaemonInfo()))

	second := testDaemonInfo()
	second.PID = 5678
	second.InstanceID = "inst-def"
	require.NoError(t, reg.Register(second))

	entry, err := reg.GetAll()
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 5678, entry.PID)
	assert.Equal(t, "inst-def", entry.InstanceID)
}

func TestFileRegistry_UpdateHeartbeat(t *testing.T) {
	reg := newTestFileRegistry(t)

	t.Run("errors when not registered", func(t *testing.T) {
		assert.Error(t, reg.UpdateHeartbeat())
	})

	t.Run("bumps timestamp when registered", func(t *testing.T) {
		require.NoError(t, reg.Register(testDaemonInfo()))

		before, err := reg.GetAll()
		require.NoError(t, err)

		require.NoError(t, reg.UpdateHeartbeat())

		after, err := reg.GetAll()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, after.LastHeartbeat, before.LastHeartbeat)
		assert.Equal(t, before.PID, after.PID, "heartbeat must not clobber registration")
	})
}

func TestFileRegistry_Clear(t *testing.T) {
	reg := newTestFileRegistry(t)

	require.NoError(t, reg.Register(testDaemonInfo()))
	require.NoError(t, reg.Clear())

	entry, err := reg.GetAll()
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Clearing an already-clean registry is fine.
	assert.NoError(t, reg.Clear())
}

func TestFileRegistry_GetRegistryPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.json")
	reg := NewFileRegistryWithPath(path)
	assert.Equal(t, path, reg.GetRegistryPath())
}
