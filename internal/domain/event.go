package domain

import (
	"encoding/json"
	"time"
)

// EventKind identifies one kind of coordinator ingress event.
// The set is closed: the event loop handles every kind exhaustively
// and logs-and-skips anything it does not recognize.
type EventKind string

const (
	// EventTick is the 1-second tracking tick.
	EventTick EventKind = "tick"

	// EventTabFocused means a page observer's tab gained focus.
	// URL is empty when the focused page is not trackable.
	EventTabFocused EventKind = "tab_focused"

	// EventTabBlurred means the observer's tab lost focus.
	EventTabBlurred EventKind = "tab_blurred"

	// EventTabNavigated means the tab's page navigation completed.
	EventTabNavigated EventKind = "tab_navigated"

	// EventTabClosed means the tab is gone (close, crash, or its
	// observer channel disconnected).
	EventTabClosed EventKind = "tab_closed"

	// EventChannelMessage carries one raw inbound wire message.
	EventChannelMessage EventKind = "channel_message"

	// EventObserverConnected / EventCompanionConnected / EventPopupConnected
	// attach a freshly accepted channel to the session registry.
	EventObserverConnected  EventKind = "observer_connected"
	EventCompanionConnected EventKind = "companion_connected"
	EventPopupConnected     EventKind = "popup_connected"

	// EventCompanionDisconnected / EventPopupDisconnected detach a channel.
	// Observer disconnects arrive as EventTabClosed.
	EventCompanionDisconnected EventKind = "companion_disconnected"
	EventPopupDisconnected     EventKind = "popup_disconnected"

	// EventDailyReset is the local-midnight alarm.
	EventDailyReset EventKind = "daily_reset"

	// EventCompanionSync is the periodic usage push to the companion.
	EventCompanionSync EventKind = "companion_sync"

	// EventSuspend signals impending process termination. The handler
	// must flush state synchronously; it is the only durability point.
	EventSuspend EventKind = "suspend"
)

// ChannelKind identifies which protocol a message arrived on.
type ChannelKind string

const (
	ChannelObserver  ChannelKind = "observer"
	ChannelCompanion ChannelKind = "companion"
	ChannelPopup     ChannelKind = "popup"
)

// Channel is an outbound message sink for one connected peer.
// Implementations must be safe for use from the event loop while
// their read pump runs concurrently.
type Channel interface {
	Send(v any) error
	Close() error
}

// Event is the tagged union consumed by the coordinator's event loop.
// Exactly one coordinator processes events, one at a time, in arrival
// order; that single-writer discipline is the whole concurrency story.
type Event struct {
	Kind    EventKind
	TabID   string          // observer tab identity
	Key     string          // popup channel key
	URL     string          // tab focus/navigation target
	Origin  string          // companion origin (from the connect handshake)
	Source  ChannelKind     // which protocol Raw belongs to
	Raw     json.RawMessage // undecoded wire envelope for EventChannelMessage
	Conn    Channel         // the channel being attached, for *Connected kinds
	At      time.Time
}
