// Package infra implements infrastructure concerns (storage, process, registry).
package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
)

const stateDBName = "state.db"

// State keys within the kv table.
const (
	stateKeyRules             = "rules"
	stateKeyBlacklist         = "blacklist"
	stateKeyCompanionOrigin   = "companion_origin"
	stateKeyUserProfile       = "user_profile"
	stateKeyLastProfileUpdate = "last_profile_update"
)

// EncryptedStateStore implements domain.StateStore using a SQLCipher
// encrypted SQLite database. Each state component lives under its own
// key in a kv table so a partially written component never corrupts
// the others.
type EncryptedStateStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStateStore opens (or creates) the encrypted state database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStateStore(dataDir string, key []byte) (*EncryptedStateStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, stateDBName)
	keyHex := hex.EncodeToString(key)

	// Open with SQLCipher key as DSN parameter
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// Verify encryption works by running a query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &EncryptedStateStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *EncryptedStateStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load reads the full persisted state. A database with no state rows
// yields (nil, nil): first run, bootstrap from empty defaults.
func (s *EncryptedStateStore) Load(ctx context.Context) (*domain.PersistedState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM state`)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		kv[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(kv) == 0 {
		return nil, nil
	}

	state := &domain.PersistedState{}
	if raw, ok := kv[stateKeyRules]; ok {
		if err := json.Unmarshal([]byte(raw), &state.Rules); err != nil {
			return nil, fmt.Errorf("corrupt rules entry: %w", err)
		}
	}
	if raw, ok := kv[stateKeyBlacklist]; ok {
		if err := json.Unmarshal([]byte(raw), &state.Blacklist); err != nil {
			return nil, fmt.Errorf("corrupt blacklist entry: %w", err)
		}
	}
	state.CompanionOrigin = kv[stateKeyCompanionOrigin]
	if raw, ok := kv[stateKeyUserProfile]; ok && raw != "" {
		var profile domain.UserProfile
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			return nil, fmt.Errorf("corrupt user profile entry: %w", err)
		}
		state.Profile = &profile
	}
	if raw, ok := kv[stateKeyLastProfileUpdate]; ok {
		state.LastProfileUpdate, _ = strconv.ParseInt(raw, 10, 64)
	}
	return state, nil
}

// Save writes the full persisted state in one transaction.
func (s *EncryptedStateStore) Save(ctx context.Context, state domain.PersistedState) error {
	rules, err := json.Marshal(state.Rules)
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}
	blacklist, err := json.Marshal(state.Blacklist)
	if err != nil {
		return fmt.Errorf("failed to encode blacklist: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}
	defer tx.Rollback()

	put := func(key, value string) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO state (key, value, updated_at)
			VALUES (?, ?, strftime('%s','now'))`, key, value)
		return err
	}

	if err := put(stateKeyRules, string(rules)); err != nil {
		return err
	}
	if err := put(stateKeyBlacklist, string(blacklist)); err != nil {
		return err
	}
	if err := put(stateKeyCompanionOrigin, state.CompanionOrigin); err != nil {
		return err
	}
	profileJSON := ""
	if state.Profile != nil {
		raw, err := json.Marshal(state.Profile)
		if err != nil {
			return fmt.Errorf("failed to encode user profile: %w", err)
		}
		profileJSON = string(raw)
	}
	if err := put(stateKeyUserProfile, profileJSON); err != nil {
		return err
	}
	if err := put(stateKeyLastProfileUpdate, strconv.FormatInt(state.LastProfileUpdate, 10)); err != nil {
		return err
	}

	return tx.Commit()
}

// GetStorePath returns the database file path.
func (s *EncryptedStateStore) GetStorePath() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedStateStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure EncryptedStateStore implements domain.StateStore.
var _ domain.StateStore = (*EncryptedStateStore)(nil)
