package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
)

const registryFileName = "daemon.json"

// FileRegistry implements domain.DaemonRegistry using a JSON file in
// the data directory. Writes are flock-guarded and atomic so a CLI
// status check never reads a half-written entry.
type FileRegistry struct {
	path string
}

// NewFileRegistry creates a file-based daemon registry under dataDir.
func NewFileRegistry(dataDir string) domain.DaemonRegistry {
	return &FileRegistry{
		path: filepath.Join(dataDir, registryFileName),
	}
}

// NewFileRegistryWithPath creates a registry at a specific path (for testing).
func NewFileRegistryWithPath(path string) domain.DaemonRegistry {
	return &FileRegistry{path: path}
}

// GetRegistryPath returns the registry file path.
func (r *FileRegistry) GetRegistryPath() string {
	return r.path
}

// Register saves the current daemon's PID and instance id.
func (r *FileRegistry) Register(info domain.DaemonInfo) error {
	return r.withLock(func() error {
		entry := &domain.RegistryEntry{
			Version:       1,
			PID:           info.PID,
			InstanceID:    info.InstanceID,
			LastHeartbeat: time.Now().Unix(),
			AppVersion:    info.AppVersion,
		}
		return r.atomicWrite(entry)
	})
}

// UpdateHeartbeat updates the timestamp used for liveness checks.
func (r *FileRegistry) UpdateHeartbeat() error {
	return r.withLock(func() error {
		entry, err := r.readEntry()
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("daemon not registered")
		}
		entry.LastHeartbeat = time.Now().Unix()
		return r.atomicWrite(entry)
	})
}

// GetAll returns the registry state, or nil if never registered.
func (r *FileRegistry) GetAll() (*domain.RegistryEntry, error) {
	return r.readEntry()
}

// Clear removes the registry file.
func (r *FileRegistry) Clear() error {
	err := os.Remove(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (r *FileRegistry) readEntry() (*domain.RegistryEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry domain.RegistryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// withLock runs fn holding an exclusive flock on a sibling lock file,
// guarding against a racing daemon start.
func (r *FileRegistry) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	lockPath := r.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	return fn()
}

// atomicWrite writes the entry to file atomically (write + rename).
func (r *FileRegistry) atomicWrite(entry *domain.RegistryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileRegistry implements domain.DaemonRegistry.
var _ domain.DaemonRegistry = (*FileRegistry)(nil)
