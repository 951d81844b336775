// Package session tracks the live channels of the coordinator: at most
// one companion app, zero or more page observers keyed by tab id, any
// number of popup subscribers, and the pending request map used to
// correlate asynchronous rule fetches through the companion.
//
// The registry is touched only by the coordinator's event loop, so it
// carries no locking; channel attach/detach arrives as events like
// everything else.
package session

import (
	"errors"

	"go.uber.org/zap"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
)

// ErrNoCompanion is the distinct, user-actionable failure returned when
// an operation needs the companion app and no channel is connected.
var ErrNoCompanion = errors.New("no companion app connected - open the companion app")

// ErrCompanionAttached is returned when a second companion tries to
// attach while one is live. First registrant wins until disconnect.
var ErrCompanionAttached = errors.New("a companion channel is already attached")

// Registry holds the transient session state. Nothing in here is
// persisted; it is rebuilt from scratch as channels reconnect.
type Registry struct {
	companion       domain.Channel
	companionOrigin string

	observers map[string]domain.Channel // keyed by tab id
	popups    map[string]domain.Channel // keyed by connection key

	// pending maps a caller-supplied request id to the channel waiting
	// for rules from the companion.
	pending map[string]domain.Channel

	logger *zap.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		observers: make(map[string]domain.Channel),
		popups:    make(map[string]domain.Channel),
		pending:   make(map[string]domain.Channel),
		logger:    logger,
	}
}

// AttachCompanion installs the companion channel. A live companion
// rejects newcomers.
func (r *Registry) AttachCompanion(origin string, ch domain.Channel) error {
	if r.companion != nil {
		return ErrCompanionAttached
	}
	r.companion = ch
	r.companionOrigin = origin
	r.logger.Info("companion attached", zap.String("origin", origin))
	return nil
}

// DetachCompanion removes the companion channel. Pending rule requests
// are failed by the caller via FailPending; detach itself never errors.
func (r *Registry) DetachCompanion() {
	if r.companion == nil {
		return
	}
	r.companion = nil
	r.companionOrigin = ""
	r.logger.Info("companion detached")
}

// HasCompanion reports whether a companion channel is live.
func (r *Registry) HasCompanion() bool {
	return r.companion != nil
}

// CompanionOrigin returns the origin the companion announced from.
func (r *Registry) CompanionOrigin() string {
	return r.companionOrigin
}

// SendToCompanion delivers a message to the companion channel.
func (r *Registry) SendToCompanion(v any) error {
	if r.companion == nil {
		return ErrNoCompanion
	}
	return r.companion.Send(v)
}

// AttachObserver installs the channel for a tab, replacing any prior
// channel for the same tab id.
func (r *Registry) AttachObserver(tabID string, ch domain.Channel) {
	if prev, ok := r.observers[tabID]; ok && prev != ch {
		_ = prev.Close()
	}
	r.observers[tabID] = ch
	r.logger.Debug("observer attached", zap.String("tab", tabID))
}

// DetachObserver removes a tab's channel; absent entries are a no-op.
func (r *Registry) DetachObserver(tabID string) {
	if _, ok := r.observers[tabID]; !ok {
		return
	}
	delete(r.observers, tabID)
	r.logger.Debug("observer detached", zap.String("tab", tabID))
}

// Observer returns the channel for a tab id, or nil.
func (r *Registry) Observer(tabID string) domain.Channel {
	return r.observers[tabID]
}

// SendToObserver delivers a message to one tab's channel. A missing or
// dead channel is a transient error for the caller to log and skip.
func (r *Registry) SendToObserver(tabID string, v any) error {
	ch, ok := r.observers[tabID]
	if !ok {
		return errors.New("no observer channel for tab " + tabID)
	}
	return ch.Send(v)
}

// BroadcastToObservers sends a message to every observer channel.
// Individual send failures are logged and skipped.
func (r *Registry) BroadcastToObservers(v any) {
	for tabID, ch := range r.observers {
		if err := ch.Send(v); err != nil {
			r.logger.Warn("observer broadcast failed",
				zap.String("tab", tabID),
				zap.Error(err))
		}
	}
}

// AttachPopup registers a popup subscriber.
func (r *Registry) AttachPopup(key string, ch domain.Channel) {
	r.popups[key] = ch
}

// DetachPopup removes a popup subscriber; absent entries are a no-op.
func (r *Registry) DetachPopup(key string) {
	delete(r.popups, key)
}

// Popup returns the channel for a popup key, or nil.
func (r *Registry) Popup(key string) domain.Channel {
	return r.popups[key]
}

// SendToPopup delivers a message to one popup subscriber.
func (r *Registry) SendToPopup(key string, v any) error {
	ch, ok := r.popups[key]
	if !ok {
		return errors.New("no popup channel for key " + key)
	}
	return ch.Send(v)
}

// BroadcastToPopups pushes a message to every popup subscriber.
// Failures are ignored outright: the popup is usually closed.
func (r *Registry) BroadcastToPopups(v any) {
	for _, ch := range r.popups {
		_ = ch.Send(v)
	}
}

// AddPending records a requester waiting for rules from the companion.
func (r *Registry) AddPending(requestID string, ch domain.Channel) {
	r.pending[requestID] = ch
}

// ResolvePending invokes fn for every pending requester and clears the
// map. Called when the companion answers with a fresh rule list.
func (r *Registry) ResolvePending(fn func(requestID string, ch domain.Channel)) {
	for id, ch := range r.pending {
		fn(id, ch)
	}
	r.pending = make(map[string]domain.Channel)
}

// PendingCount returns the number of outstanding rule requests.
func (r *Registry) PendingCount() int {
	return len(r.pending)
}
