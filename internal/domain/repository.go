package domain

import "context"

// StateStore is the opaque asynchronous key-value boundary the
// coordinator persists through. Load failure means "bootstrap from
// empty defaults"; Save failure is logged and skipped, never fatal.
// Implementation: SQLCipher-encrypted SQLite.
type StateStore interface {
	// Load reads the full persisted state.
	Load(ctx context.Context) (*PersistedState, error)

	// Save writes the full persisted state, replacing what is there.
	Save(ctx context.Context, state PersistedState) error

	// Close releases the underlying database connection.
	Close() error
}

// PersistenceGateway is the debounced save boundary in front of a
// StateStore. Schedule coalesces bursts of mutation into one write
// after a quiet period; SaveNow cancels any pending debounce timer
// and writes immediately.
type PersistenceGateway interface {
	Schedule(state PersistedState)
	SaveNow(state PersistedState)
}

// ProcessManager handles OS process liveness checks.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// DaemonRegistry provides daemon discovery for the CLI.
// Implementation: JSON file in the data directory, flock-guarded.
type DaemonRegistry interface {
	// Register saves the current daemon's PID and instance id.
	Register(info DaemonInfo) error

	// UpdateHeartbeat updates the timestamp used for liveness checks.
	UpdateHeartbeat() error

	// GetAll returns the registry state, or nil if never registered.
	GetAll() (*RegistryEntry, error)

	// Clear removes the registry file (for clean restart).
	Clear() error

	// GetRegistryPath returns the registry file path (for tests).
	GetRegistryPath() string
}

// KeyProvider abstracts the source of the state store encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
