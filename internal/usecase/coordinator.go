// Package usecase contains application business logic.
package usecase

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
	"github.com/gabriele-marsili/tabtimed/internal/ledger"
	"github.com/gabriele-marsili/tabtimed/internal/matcher"
	"github.com/gabriele-marsili/tabtimed/internal/protocol"
	"github.com/gabriele-marsili/tabtimed/internal/session"
)

// CoordinatorConfig holds coordinator tuning knobs.
type CoordinatorConfig struct {
	// CloseDelay is how long a blocked page gets to show its overlay
	// before the coordinator drops its channel (and the page is told to
	// close itself).
	CloseDelay time.Duration

	// UsagePushMinInterval caps how often debounced saves mirror a
	// USAGE_UPDATE to popup subscribers. Immediate saves always push.
	UsagePushMinInterval time.Duration
}

// DefaultCoordinatorConfig returns default coordinator configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		CloseDelay:           3 * time.Second,
		UsagePushMinInterval: 5 * time.Second,
	}
}

// Coordinator is the background state machine: it owns the active
// target, drives the per-second decrement, manages the blacklist
// lifecycle, and routes every channel message. All mutation funnels
// through Dispatch, which the run loop calls from a single goroutine
// in event arrival order - the ledger and session registry therefore
// need no locking.
type Coordinator struct {
	config   CoordinatorConfig
	ledger   *ledger.Ledger
	sessions *session.Registry
	gateway  domain.PersistenceGateway
	logger   *zap.Logger

	activeTabID string
	activeURL   string // empty means no trackable target

	profile           *domain.UserProfile
	companionOrigin   string
	lastProfileUpdate time.Time

	// closeTab re-enters a deferred tab close through the event loop so
	// the delay never mutates state from a timer goroutine. Installed
	// by the run loop; nil in unit tests that don't care.
	closeTab func(tabID string, d time.Duration)

	lastUsagePush time.Time

	now func() time.Time
}

// NewCoordinator creates the coordinator. One instance exists per
// process lifetime.
func NewCoordinator(
	config CoordinatorConfig,
	ldg *ledger.Ledger,
	sessions *session.Registry,
	gateway domain.PersistenceGateway,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		config:   config,
		ledger:   ldg,
		sessions: sessions,
		gateway:  gateway,
		logger:   logger,
		now:      time.Now,
	}
}

// SetTabCloser installs the deferred tab-close scheduler.
func (c *Coordinator) SetTabCloser(fn func(tabID string, d time.Duration)) {
	c.closeTab = fn
}

// Restore seeds coordinator state from the persisted snapshot.
// A nil state means empty-state bootstrap (storage unavailable or
// first run).
func (c *Coordinator) Restore(state *domain.PersistedState) {
	if state == nil {
		c.logger.Info("no persisted state, starting empty")
		return
	}
	c.ledger.Restore(state.Rules, state.Blacklist)
	c.companionOrigin = state.CompanionOrigin
	c.profile = state.Profile
	if state.LastProfileUpdate > 0 {
		c.lastProfileUpdate = time.UnixMilli(state.LastProfileUpdate)
	}
	c.logger.Info("state restored",
		zap.Int("rules", len(state.Rules)),
		zap.Int("blacklisted", len(state.Blacklist)))
}

// Snapshot builds an immutable copy of the persistable state. Taken
// inside the handler turn so the persistence gateway's timer goroutine
// never reads live state.
func (c *Coordinator) Snapshot() domain.PersistedState {
	rules := make([]domain.Rule, len(c.ledger.Rules()))
	copy(rules, c.ledger.Rules())

	state := domain.PersistedState{
		Rules:           rules,
		Blacklist:       c.ledger.Blacklist(),
		CompanionOrigin: c.companionOrigin,
	}
	if c.profile != nil {
		profile := *c.profile
		state.Profile = &profile
		state.LastProfileUpdate = c.lastProfileUpdate.UnixMilli()
	}
	return state
}

// ActiveTarget returns the URL currently being tracked, or "".
func (c *Coordinator) ActiveTarget() string {
	return c.activeURL
}

// Dispatch is the single ingress for every coordinator event.
// Failures inside handlers are logged and skipped; nothing here is
// fatal to the process.
func (c *Coordinator) Dispatch(ev domain.Event) {
	switch ev.Kind {
	case domain.EventTick:
		c.onTick()
	case domain.EventTabFocused:
		c.setActiveTarget(ev.TabID, ev.URL)
	case domain.EventTabBlurred:
		c.clearActiveTarget(ev.TabID)
	case domain.EventTabNavigated:
		c.onTabNavigated(ev.TabID, ev.URL)
	case domain.EventTabClosed:
		c.onTabClosed(ev.TabID, ev.Conn)
	case domain.EventChannelMessage:
		c.onChannelMessage(ev)
	case domain.EventObserverConnected:
		c.sessions.AttachObserver(ev.TabID, ev.Conn)
	case domain.EventCompanionConnected:
		c.onCompanionConnected(ev)
	case domain.EventCompanionDisconnected:
		c.onCompanionDisconnected()
	case domain.EventPopupConnected:
		c.sessions.AttachPopup(ev.Key, ev.Conn)
	case domain.EventPopupDisconnected:
		c.sessions.DetachPopup(ev.Key)
	case domain.EventDailyReset:
		c.onDailyReset()
	case domain.EventCompanionSync:
		c.onCompanionSync()
	case domain.EventSuspend:
		c.onSuspend()
	default:
		c.logger.Warn("unknown event kind", zap.String("kind", string(ev.Kind)))
	}
}

// --- tracking tick ---

func (c *Coordinator) onTick() {
	if c.activeURL == "" || !c.trackingActive() {
		return
	}

	rule := matcher.Match(c.activeURL, c.ledger.Rules())
	if rule == nil {
		return
	}
	if c.ledger.IsBlacklisted(rule.TargetName) {
		// Blocked targets are frozen, not further decremented.
		return
	}

	c.ledger.Decrement(rule, 1)
	if c.ledger.ReachedLimit(rule) {
		c.handleLimitReached(rule)
		return
	}
	c.persist(false)
}

func (c *Coordinator) trackingActive() bool {
	return c.profile == nil || c.profile.TimeTrackerActive
}

func (c *Coordinator) handleLimitReached(rule *domain.Rule) {
	c.logger.Info("daily limit reached",
		zap.String("target", rule.TargetName),
		zap.String("action", string(rule.Action)))

	c.ledger.AddToBlacklist(rule)
	c.persist(true)

	shouldClose := rule.Action.RequiresClose()

	// Notify the owning observer if the active tab is on the blocked
	// target.
	if c.activeTabID != "" && c.activeURL != "" {
		if active := matcher.Match(c.activeURL, c.ledger.Rules()); active != nil && active.TargetName == rule.TargetName {
			payload := protocol.SiteBlacklisted{
				SiteIdentifier:   rule.TargetName,
				Rule:             *rule,
				IsBlacklisted:    true,
				IsTrackingActive: c.trackingActive(),
				ShouldClose:      shouldClose,
			}
			if shouldClose {
				payload.CloseAfterMs = c.config.CloseDelay.Milliseconds()
			}
			if err := c.sessions.SendToObserver(c.activeTabID, protocol.NewEnvelope(protocol.TypeSiteBlacklisted, payload)); err != nil {
				c.logger.Warn("blacklist notification skipped",
					zap.String("tab", c.activeTabID),
					zap.Error(err))
			}
			if shouldClose && c.closeTab != nil {
				c.closeTab(c.activeTabID, c.config.CloseDelay)
			}
		}
	}

	msg := protocol.NewEnvelope(protocol.TypeLimitReached, protocol.LimitReachedPayload{Rule: *rule})
	if err := c.sessions.SendToCompanion(msg); err != nil {
		c.logger.Warn("limit-reached notification skipped", zap.Error(err))
	}
}

// --- tab lifecycle ---

func (c *Coordinator) setActiveTarget(tabID, rawURL string) {
	c.activeTabID = tabID
	c.activeURL = trackableURL(rawURL)
	c.checkAndNotifyBlacklist()
}

func (c *Coordinator) clearActiveTarget(tabID string) {
	if tabID != c.activeTabID {
		return
	}
	c.activeTabID = ""
	c.activeURL = ""
}

func (c *Coordinator) onTabNavigated(tabID, rawURL string) {
	if tabID != c.activeTabID {
		return
	}
	c.activeURL = trackableURL(rawURL)
	c.checkAndNotifyBlacklist()
}

// onTabClosed tears down a tab's channel and tracking state. conn is
// the channel whose read pump saw the close; if the tab id has since
// been taken over by a reconnect, that close is stale and must not
// detach the replacement. A nil conn (deferred close timer) always
// tears down.
func (c *Coordinator) onTabClosed(tabID string, conn domain.Channel) {
	if conn != nil {
		if cur := c.sessions.Observer(tabID); cur != nil && cur != conn {
			c.logger.Debug("ignoring close from replaced observer channel",
				zap.String("tab", tabID))
			return
		}
	}
	c.sessions.DetachObserver(tabID)
	if tabID == c.activeTabID {
		c.activeTabID = ""
		c.activeURL = ""
	}
	c.persist(false)
}

// trackableURL filters out everything that is not an http(s) page.
func trackableURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return ""
}

// checkAndNotifyBlacklist re-evaluates blacklist membership of the
// active target and pushes the result to its observer, if any.
func (c *Coordinator) checkAndNotifyBlacklist() {
	if c.activeTabID == "" || c.activeURL == "" {
		return
	}

	rule := matcher.Match(c.activeURL, c.ledger.Rules())
	resp := protocol.BlacklistStatusResponse{
		URL:              c.activeURL,
		Rule:             copyRule(rule),
		IsBlacklisted:    rule != nil && c.ledger.IsBlacklisted(rule.TargetName),
		IsTrackingActive: c.trackingActive(),
	}
	if err := c.sessions.SendToObserver(c.activeTabID, protocol.NewEnvelope(protocol.TypeIsBlacklistedResponse, resp)); err != nil {
		c.logger.Debug("blacklist status push skipped",
			zap.String("tab", c.activeTabID),
			zap.Error(err))
	}
}

// --- channel messages ---

func (c *Coordinator) onChannelMessage(ev domain.Event) {
	env, err := protocol.Decode(ev.Raw)
	if err != nil {
		c.logger.Warn("dropping malformed message",
			zap.String("source", string(ev.Source)),
			zap.Error(err))
		if ev.Source == domain.ChannelCompanion {
			c.nackCompanion("", protocol.AckInvalidPayload)
		}
		return
	}

	switch ev.Source {
	case domain.ChannelObserver:
		c.handleObserverMessage(ev.TabID, env)
	case domain.ChannelCompanion:
		c.handleCompanionMessage(ev.Origin, env)
	case domain.ChannelPopup:
		c.handlePopupMessage(ev.Key, env)
	default:
		c.logger.Warn("message from unknown channel kind",
			zap.String("source", string(ev.Source)))
	}
}

func (c *Coordinator) handleObserverMessage(tabID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePageFocused:
		var p protocol.PageTarget
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("bad PAGE_FOCUSED payload", zap.String("tab", tabID), zap.Error(err))
			return
		}
		c.setActiveTarget(tabID, p.URL)

	case protocol.TypePageBlurred:
		c.clearActiveTarget(tabID)

	case protocol.TypePageNavigated:
		var p protocol.PageTarget
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("bad PAGE_NAVIGATED payload", zap.String("tab", tabID), zap.Error(err))
			return
		}
		c.onTabNavigated(tabID, p.URL)

	case protocol.TypeRequestBlacklistStatus:
		c.answerBlacklistStatus(tabID, env)

	default:
		c.logger.Warn("unknown observer message",
			zap.String("tab", tabID),
			zap.String("type", string(env.Type)))
	}
}

func (c *Coordinator) answerBlacklistStatus(tabID string, env protocol.Envelope) {
	var req protocol.BlacklistStatusRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		c.logger.Warn("bad blacklist status request", zap.String("tab", tabID), zap.Error(err))
		return
	}

	rule := matcher.Match(req.URL, c.ledger.Rules())

	// Stale blacklist entry from an external top-up: clear it before
	// answering so the page is not blocked with time on the clock.
	if rule != nil && c.ledger.UnblacklistIfToppedUp(rule) {
		c.logger.Info("cleared stale blacklist entry",
			zap.String("target", rule.TargetName),
			zap.Float64("remaining_min", rule.RemainingMinutes))
		c.persist(true)
	}

	resp := protocol.BlacklistStatusResponse{
		URL:              req.URL,
		Rule:             copyRule(rule),
		IsBlacklisted:    rule != nil && c.ledger.IsBlacklisted(rule.TargetName),
		IsTrackingActive: c.trackingActive(),
	}
	if err := c.sessions.SendToObserver(tabID, protocol.NewEnvelope(protocol.TypeIsBlacklistedResponse, resp)); err != nil {
		c.logger.Warn("blacklist status reply skipped",
			zap.String("tab", tabID),
			zap.Error(err))
	}
}

func (c *Coordinator) handleCompanionMessage(origin string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeReady:
		c.onCompanionReady(origin, env)

	case protocol.TypeUpdateRules:
		c.onRulesUpdate(env)

	case protocol.TypeRequestRules:
		resp := protocol.Envelope{
			Type:      protocol.TypeRequestRulesResponse,
			RequestID: env.RequestID,
		}
		resp.Payload, _ = json.Marshal(protocol.RulesResponse{Rules: c.ledger.Rules()})
		if err := c.sessions.SendToCompanion(resp); err != nil {
			c.logger.Warn("rules response skipped", zap.Error(err))
		}

	default:
		c.logger.Warn("unknown companion message", zap.String("type", string(env.Type)))
		c.nackCompanion(env.RequestID, protocol.AckUnknownType)
	}
}

func (c *Coordinator) onCompanionReady(origin string, env protocol.Envelope) {
	c.companionOrigin = origin

	if len(env.Payload) > 0 {
		var p protocol.ReadyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("bad READY payload", zap.Error(err))
			c.nackCompanion(env.RequestID, protocol.AckInvalidPayload)
			return
		}
		if p.Profile != nil {
			c.profile = p.Profile
			c.lastProfileUpdate = c.now()
			c.logger.Info("user profile updated",
				zap.String("username", p.Profile.Username),
				zap.Bool("tracking_active", p.Profile.TimeTrackerActive))
			c.sessions.BroadcastToPopups(protocol.NewEnvelope(protocol.TypeUserLoggedIn,
				protocol.UserLoggedIn{Profile: *p.Profile}))
		}
	}

	c.persist(true)
	c.ackCompanion(env.RequestID, protocol.AckOK)
}

func (c *Coordinator) onRulesUpdate(env protocol.Envelope) {
	var p protocol.RulesPayload
	if len(env.Payload) == 0 || json.Unmarshal(env.Payload, &p) != nil || p.Rules == nil {
		c.logger.Warn("UPDATE_RULES with invalid payload, state unchanged")
		c.nackCompanion(env.RequestID, protocol.AckInvalidPayload)
		return
	}

	c.ledger.MergeIncoming(p.Rules)
	c.logger.Info("rules merged from companion", zap.Int("rules", len(p.Rules)))

	// A merge can top a blocked target back up (raised limit, fresh
	// budget); unfreeze it before the state is saved and re-announced.
	if c.activeURL != "" {
		if rule := matcher.Match(c.activeURL, c.ledger.Rules()); rule != nil && c.ledger.UnblacklistIfToppedUp(rule) {
			c.logger.Info("blacklist entry cleared by rules update",
				zap.String("target", rule.TargetName),
				zap.Float64("remaining_min", rule.RemainingMinutes))
		}
	}

	c.persist(true)

	// The new rule set may change the active target's standing.
	c.checkAndNotifyBlacklist()

	c.resolvePendingWithRules()
	c.ackCompanion(env.RequestID, protocol.AckRulesUpdated)
}

func (c *Coordinator) handlePopupMessage(key string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeGetRules:
		c.onPopupGetRules(key, env)

	case protocol.TypeGetActiveTab:
		msg := protocol.NewEnvelope(protocol.TypeActiveTab, protocol.ActiveTabPayload{URL: c.activeURL})
		msg.RequestID = env.RequestID
		if err := c.sessions.SendToPopup(key, msg); err != nil {
			c.logger.Debug("active tab reply skipped", zap.Error(err))
		}

	default:
		c.logger.Warn("unknown popup message", zap.String("type", string(env.Type)))
	}
}

// onPopupGetRules answers from cache when no request id is supplied;
// otherwise it round-trips through the companion and answers when the
// companion's rule update arrives.
func (c *Coordinator) onPopupGetRules(key string, env protocol.Envelope) {
	if env.RequestID == "" {
		msg := protocol.NewEnvelope(protocol.TypeRequestRulesResponse, protocol.RulesResponse{Rules: c.ledger.Rules()})
		if err := c.sessions.SendToPopup(key, msg); err != nil {
			c.logger.Debug("cached rules reply skipped", zap.Error(err))
		}
		return
	}

	if !c.sessions.HasCompanion() {
		c.replyRulesError(key, env.RequestID, session.ErrNoCompanion.Error())
		return
	}

	popup := c.sessions.Popup(key)
	if popup == nil {
		c.logger.Warn("rules request from unknown popup", zap.String("key", key))
		return
	}
	c.sessions.AddPending(env.RequestID, popup)

	if err := c.sessions.SendToCompanion(protocol.NewEnvelope(protocol.TypeAskRulesFromExt, nil)); err != nil {
		c.logger.Warn("rules ask failed, failing pending request", zap.Error(err))
		c.failPendingRequests()
	}
}

func (c *Coordinator) replyRulesError(key, requestID, errMsg string) {
	msg := protocol.NewEnvelope(protocol.TypeRequestRulesResponse, protocol.RulesResponse{Error: errMsg})
	msg.RequestID = requestID
	if err := c.sessions.SendToPopup(key, msg); err != nil {
		c.logger.Debug("rules error reply skipped", zap.Error(err))
	}
}

// resolvePendingWithRules answers every caller waiting on a companion
// round-trip with the freshly merged rule list.
func (c *Coordinator) resolvePendingWithRules() {
	if c.sessions.PendingCount() == 0 {
		return
	}
	rules := c.ledger.Rules()
	c.sessions.ResolvePending(func(requestID string, ch domain.Channel) {
		msg := protocol.NewEnvelope(protocol.TypeRequestRulesResponse, protocol.RulesResponse{Rules: rules})
		msg.RequestID = requestID
		if err := ch.Send(msg); err != nil {
			c.logger.Warn("pending rules reply skipped",
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	})
}

// failPendingRequests resolves every pending rule request with the
// no-companion error instead of letting callers hang.
func (c *Coordinator) failPendingRequests() {
	if c.sessions.PendingCount() == 0 {
		return
	}
	c.sessions.ResolvePending(func(requestID string, ch domain.Channel) {
		msg := protocol.NewEnvelope(protocol.TypeRequestRulesResponse, protocol.RulesResponse{Error: session.ErrNoCompanion.Error()})
		msg.RequestID = requestID
		_ = ch.Send(msg)
	})
}

func (c *Coordinator) ackCompanion(requestID, status string) {
	msg := protocol.NewEnvelope(protocol.TypeAck, protocol.Ack{Status: status})
	msg.RequestID = requestID
	if err := c.sessions.SendToCompanion(msg); err != nil {
		c.logger.Debug("companion ack skipped", zap.Error(err))
	}
}

func (c *Coordinator) nackCompanion(requestID, status string) {
	c.ackCompanion(requestID, status)
}

// --- channel lifecycle ---

func (c *Coordinator) onCompanionConnected(ev domain.Event) {
	if err := c.sessions.AttachCompanion(ev.Origin, ev.Conn); err != nil {
		c.logger.Warn("rejecting extra companion channel",
			zap.String("origin", ev.Origin),
			zap.Error(err))
		_ = ev.Conn.Send(protocol.NewEnvelope(protocol.TypeAck, protocol.Ack{Status: err.Error()}))
		_ = ev.Conn.Close()
	}
}

func (c *Coordinator) onCompanionDisconnected() {
	c.sessions.DetachCompanion()
	c.failPendingRequests()
}

// --- alarms ---

func (c *Coordinator) onDailyReset() {
	c.logger.Info("daily reset")
	c.ledger.DailyReset()
	c.persist(true)
	c.sessions.BroadcastToObservers(protocol.NewEnvelope(protocol.TypeBlacklistReset, nil))
	if c.sessions.HasCompanion() {
		c.pushUsageToCompanion()
	}
}

// onCompanionSync pushes the rule list to the companion periodically.
// Usage is never broadcast blindly: no companion or no rules means
// no-op.
func (c *Coordinator) onCompanionSync() {
	if !c.sessions.HasCompanion() {
		return
	}
	c.pushUsageToCompanion()
}

func (c *Coordinator) pushUsageToCompanion() {
	rules := c.ledger.Rules()
	if len(rules) == 0 {
		return
	}
	msg := protocol.NewEnvelope(protocol.TypeRulesUpdatedFromExt, protocol.RulesPayload{Rules: rules})
	if err := c.sessions.SendToCompanion(msg); err != nil {
		c.logger.Warn("usage push skipped", zap.Error(err))
	}
}

// onSuspend is the only guaranteed durability point: the host may kill
// the process right after this returns.
func (c *Coordinator) onSuspend() {
	c.logger.Info("suspension signaled, flushing state")
	c.gateway.SaveNow(c.Snapshot())
}

// --- persistence ---

// persist writes state through the gateway (debounced or immediate)
// and mirrors a usage snapshot to popup subscribers.
func (c *Coordinator) persist(immediate bool) {
	snap := c.Snapshot()
	if immediate {
		c.gateway.SaveNow(snap)
	} else {
		c.gateway.Schedule(snap)
	}
	c.pushUsageToPopups(snap, immediate)
}

// pushUsageToPopups keeps the popup stream on the save cadence rather
// than the tick cadence: debounced saves arrive once per tracking
// second, so those pushes are capped to UsagePushMinInterval.
func (c *Coordinator) pushUsageToPopups(snap domain.PersistedState, force bool) {
	now := c.now()
	if !force && now.Sub(c.lastUsagePush) < c.config.UsagePushMinInterval {
		return
	}
	c.lastUsagePush = now
	c.sessions.BroadcastToPopups(protocol.NewEnvelope(protocol.TypeUsageUpdate, protocol.UsageUpdate{
		Rules:     snap.Rules,
		Blacklist: snap.Blacklist,
	}))
}

func copyRule(r *domain.Rule) *domain.Rule {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}
