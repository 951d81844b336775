// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// RuleAction governs what happens when a rule's budget hits zero.
// The string values are the wire values the companion app sends.
type RuleAction string

const (
	ActionNotifyOnly          RuleAction = "only notify"
	ActionNotifyAndClose      RuleAction = "notify & close"
	ActionNotifyCloseAndBlock RuleAction = "notify, close & block"
)

// RequiresClose reports whether the action asks for the offending tab
// to be closed once the limit is reached.
func (a RuleAction) RequiresClose() bool {
	return a == ActionNotifyAndClose || a == ActionNotifyCloseAndBlock
}

// Rule binds one tracked site or app to a daily time budget.
// JSON tags match the companion app's wire format.
type Rule struct {
	ID                string     `json:"id"`
	TargetName        string     `json:"site_or_app_name"`
	DailyLimitMinutes float64    `json:"minutesDailyLimit"`
	RemainingMinutes  float64    `json:"remainingTimeMin"`
	Action            RuleAction `json:"rule"`
	Category          string     `json:"category"`
}

// UserProfile is a cached snapshot of the companion app's user record.
// Only the fields the coordinator acts on are kept; TimeTrackerActive
// gates the whole tracking loop.
type UserProfile struct {
	Username          string `json:"username"`
	Email             string `json:"email"`
	TimeTrackerActive bool   `json:"timeTrackerActive"`
	Notifications     bool   `json:"notifications"`
	LicenseIsValid    bool   `json:"licenseIsValid"`
}

// PersistedState is the on-disk schema of the coordinator.
// Rules and the blacklist survive restarts; session state
// (channels, active target, pending requests) is never persisted.
type PersistedState struct {
	Rules             []Rule       `json:"rules"`
	Blacklist         []string     `json:"blacklist"`
	CompanionOrigin   string       `json:"companion_origin,omitempty"`
	Profile           *UserProfile `json:"user_profile,omitempty"`
	LastProfileUpdate int64        `json:"last_profile_update,omitempty"`
}

// DaemonInfo describes a running coordinator process.
type DaemonInfo struct {
	PID        int
	InstanceID string
	StartedAt  time.Time
	AppVersion string
}

// RegistryEntry stores the daemon's registration for discovery by the CLI.
// Persisted to a registry file alongside the data directory.
type RegistryEntry struct {
	Version       int    `json:"version"`
	PID           int    `json:"pid"`
	InstanceID    string `json:"instance_id"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	AppVersion    string `json:"app_version,omitempty"`
}
