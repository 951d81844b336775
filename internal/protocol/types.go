// Package protocol defines the wire messages spoken on the observer,
// companion and popup channels. Every message travels as an Envelope;
// payload shapes are closed per-type structs.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
)

// Type tags one wire message.
type Type string

// Observer channel messages.
const (
	TypePageFocused            Type = "PAGE_FOCUSED"
	TypePageBlurred            Type = "PAGE_BLURRED"
	TypePageNavigated          Type = "PAGE_NAVIGATED"
	TypeRequestBlacklistStatus Type = "REQUEST_BLACKLIST_STATUS"
	TypeIsBlacklistedResponse  Type = "IS_BLACKLISTED_RESPONSE"
	TypeSiteBlacklisted        Type = "SITE_BLACKLISTED"
	TypeBlacklistReset         Type = "BLACKLIST_RESET"
)

// Companion channel messages.
const (
	TypeReady                Type = "READY"
	TypeUpdateRules          Type = "UPDATE_RULES"
	TypeRequestRules         Type = "REQUEST_RULES"
	TypeRequestRulesResponse Type = "REQUEST_RULES_RESPONSE"
	TypeAskRulesFromExt      Type = "ASK_RULES_FROM_EXT"
	TypeLimitReached         Type = "LIMIT_REACHED"
	TypeRulesUpdatedFromExt  Type = "RULES_UPDATED_FROM_EXT"
)

// Popup channel messages.
const (
	TypeGetRules     Type = "GET_RULES"
	TypeGetActiveTab Type = "GET_ACTIVE_TAB"
	TypeActiveTab    Type = "ACTIVE_TAB"
	TypeUsageUpdate  Type = "USAGE_UPDATE"
	TypeUserLoggedIn Type = "USER_LOGGED_IN_VIA_PWA"
)

// TypeAck acknowledges a companion request, positively or negatively.
const TypeAck Type = "ACK"

// Envelope is the frame every message travels in.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Decode parses a raw frame into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// NewEnvelope builds an Envelope around a payload value.
// Marshaling a payload struct cannot fail; errors indicate a
// programming mistake and surface as an empty payload.
func NewEnvelope(t Type, payload any) Envelope {
	env := Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			env.Payload = raw
		}
	}
	return env
}

// BlacklistStatusRequest asks whether a URL's target is blocked.
type BlacklistStatusRequest struct {
	URL string `json:"url"`
}

// PageTarget reports the observer tab's current URL on focus or
// navigation.
type PageTarget struct {
	URL string `json:"url"`
}

// BlacklistStatusResponse answers a status request and is also pushed
// unsolicited when the active tab changes.
type BlacklistStatusResponse struct {
	URL              string       `json:"url"`
	IsBlacklisted    bool         `json:"isBlacklisted"`
	Rule             *domain.Rule `json:"rule,omitempty"`
	IsTrackingActive bool         `json:"isTrackingActive"`
}

// SiteBlacklisted is pushed to an observer the moment its target's
// budget runs out. ShouldClose tells the page to close itself after
// CloseAfterMs; the coordinator drops the channel once that elapses.
type SiteBlacklisted struct {
	SiteIdentifier   string      `json:"siteIdentifier"`
	Rule             domain.Rule `json:"rule"`
	IsBlacklisted    bool        `json:"isBlacklisted"`
	IsTrackingActive bool        `json:"isTrackingActive"`
	ShouldClose      bool        `json:"shouldClose"`
	CloseAfterMs     int64       `json:"closeAfterMs,omitempty"`
}

// ReadyPayload announces the companion app, optionally with the user
// profile snapshot.
type ReadyPayload struct {
	Profile *domain.UserProfile `json:"userProfile,omitempty"`
}

// RulesPayload carries a full rule list in either direction.
type RulesPayload struct {
	Rules []domain.Rule `json:"rules"`
}

// RulesResponse answers REQUEST_RULES and GET_RULES. Error is set on
// the distinct "no companion available" failure instead of hanging the
// requester.
type RulesResponse struct {
	Rules []domain.Rule `json:"rules,omitempty"`
	Error string        `json:"error,omitempty"`
}

// LimitReachedPayload carries the exhausted rule to the companion.
type LimitReachedPayload struct {
	Rule domain.Rule `json:"rule"`
}

// ActiveTabPayload answers GET_ACTIVE_TAB.
type ActiveTabPayload struct {
	URL string `json:"activeTabUrl,omitempty"`
}

// UsageUpdate is the snapshot pushed to popup subscribers after saves.
type UsageUpdate struct {
	Rules     []domain.Rule `json:"rules"`
	Blacklist []string      `json:"blacklist"`
}

// UserLoggedIn tells popup subscribers that the companion announced a
// signed-in profile.
type UserLoggedIn struct {
	Profile domain.UserProfile `json:"userProfile"`
}

// Ack reports the outcome of a companion request.
type Ack struct {
	Status string `json:"status"`
}

const (
	AckOK             = "ok"
	AckRulesUpdated   = "rules updated"
	AckInvalidPayload = "invalid payload"
	AckUnknownType    = "unknown message type"
)
