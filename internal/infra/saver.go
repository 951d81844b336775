package infra

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
)

// DefaultDebounce is the quiet period before a scheduled save hits disk.
const DefaultDebounce = 5 * time.Second

// DebouncedSaver implements domain.PersistenceGateway in front of a
// StateStore. Schedule coalesces mutation bursts: each call replaces
// the pending snapshot and restarts the timer, so only the last state
// of a burst is written. SaveNow cancels any pending timer and writes
// synchronously. Write failures are logged and dropped; the in-memory
// state remains authoritative and the next save retries the full
// snapshot anyway.
type DebouncedSaver struct {
	store    domain.StateStore
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending *domain.PersistedState
	gen     uint64 // bumped whenever the pending snapshot is superseded

	// writeMu serializes disk writes so a timer flush that has already
	// popped its snapshot cannot commit after a newer immediate save.
	writeMu sync.Mutex
}

// NewDebouncedSaver creates the saver. A zero debounce falls back to
// DefaultDebounce.
func NewDebouncedSaver(store domain.StateStore, debounce time.Duration, logger *zap.Logger) *DebouncedSaver {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &DebouncedSaver{
		store:    store,
		debounce: debounce,
		logger:   logger,
	}
}

// Schedule records the snapshot and (re)starts the debounce timer.
func (s *DebouncedSaver) Schedule(state domain.PersistedState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = &state
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.flush)
}

// SaveNow cancels any pending debounce and writes the given snapshot
// synchronously. The pending snapshot is dropped: the caller's state
// supersedes it, and the generation bump makes an already-popped timer
// flush drop its stale copy instead of committing it afterwards.
func (s *DebouncedSaver) SaveNow(state domain.PersistedState) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.gen++
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.write(state)
}

// Flush writes any pending snapshot immediately. Called on shutdown.
func (s *DebouncedSaver) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.pending
	s.pending = nil
	s.gen++
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if pending != nil {
		s.write(*pending)
	}
}

// flush runs on the timer goroutine. The popped snapshot is written
// only if no Schedule, SaveNow or Flush superseded it while this
// goroutine was waiting for the write lock.
func (s *DebouncedSaver) flush() {
	s.mu.Lock()
	pending := s.pending
	gen := s.gen
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	if pending == nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale {
		return
	}
	s.write(*pending)
}

func (s *DebouncedSaver) write(state domain.PersistedState) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.store.Save(ctx, state); err != nil {
		s.logger.Error("state save failed, keeping in-memory state",
			zap.Int("rules", len(state.Rules)),
			zap.Error(err))
		return
	}
	s.logger.Debug("state saved",
		zap.Int("rules", len(state.Rules)),
		zap.Int("blacklisted", len(state.Blacklist)))
}

// Ensure DebouncedSaver implements domain.PersistenceGateway.
var _ domain.PersistenceGateway = (*DebouncedSaver)(nil)
