//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/gabriele-marsili/tabtimed/internal/domain"
	"github.com/gabriele-marsili/tabtimed/internal/infra"
	"github.com/gabriele-marsili/tabtimed/internal/ledger"
	"github.com/gabriele-marsili/tabtimed/internal/protocol"
	"github.com/gabriele-marsili/tabtimed/internal/session"
	"github.com/gabriele-marsili/tabtimed/internal/usecase"
)

// recordingChannel collects everything the coordinator sends on it.
type recordingChannel struct {
	sent []protocol.Envelope
}

func (c *recordingChannel) Send(v any) error {
	if env, ok := v.(protocol.Envelope); ok {
		c.sent = append(c.sent, env)
	}
	return nil
}

func (c *recordingChannel) Close() error { return nil }

func (c *recordingChannel) received(t protocol.Type) bool {
	for _, env := range c.sent {
		if env.Type == t {
			return true
		}
	}
	return false
}

func envelopeEvent(source domain.ChannelKind, tabID string, env protocol.Envelope) domain.Event {
	raw, _ := json.Marshal(env)
	return domain.Event{Kind: domain.EventChannelMessage, Source: source, TabID: tabID, Raw: raw}
}

var _ = Describe("A tracked day", func() {
	var (
		store       *infra.EncryptedStateStore
		saver       *infra.DebouncedSaver
		coordinator *usecase.Coordinator
		observer    *recordingChannel
		companion   *recordingChannel
	)

	BeforeEach(func() {
		dataDir := GinkgoT().TempDir()
		key, err := infra.GenerateKey()
		Expect(err).NotTo(HaveOccurred())

		store, err = infra.NewEncryptedStateStore(dataDir, key)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { store.Close() })

		logger := zap.NewNop()
		saver = infra.NewDebouncedSaver(store, 20*time.Millisecond, logger)
		coordinator = usecase.NewCoordinator(
			usecase.DefaultCoordinatorConfig(),
			ledger.New(),
			session.NewRegistry(logger),
			saver,
			logger,
		)
		coordinator.Restore(nil)

		observer = &recordingChannel{}
		companion = &recordingChannel{}
		coordinator.Dispatch(domain.Event{Kind: domain.EventObserverConnected, TabID: "tab-1", Conn: observer})
		coordinator.Dispatch(domain.Event{Kind: domain.EventCompanionConnected, Origin: "https://app.example", Conn: companion})
	})

	loadRules := func(limitMinutes float64) {
		update := protocol.NewEnvelope(protocol.TypeUpdateRules, protocol.RulesPayload{
			Rules: []domain.Rule{{
				ID:                "r1",
				TargetName:        "youtube.com",
				DailyLimitMinutes: limitMinutes,
				RemainingMinutes:  limitMinutes,
				Action:            domain.ActionNotifyCloseAndBlock,
			}},
		})
		coordinator.Dispatch(envelopeEvent(domain.ChannelCompanion, "", update))
	}

	focusTab := func(url string) {
		page := protocol.NewEnvelope(protocol.TypePageFocused, protocol.PageTarget{URL: url})
		coordinator.Dispatch(envelopeEvent(domain.ChannelObserver, "tab-1", page))
	}

	tick := func(n int) {
		for i := 0; i < n; i++ {
			coordinator.Dispatch(domain.Event{Kind: domain.EventTick})
		}
	}

	Describe("running down a budget", func() {
		It("blocks the site when the budget hits zero and freezes it after", func() {
			loadRules(1) // one minute: 60 ticks
			focusTab("https://youtube.com/watch")

			tick(59)
			Expect(observer.received(protocol.TypeSiteBlacklisted)).To(BeFalse())

			tick(1)
			Expect(observer.received(protocol.TypeSiteBlacklisted)).To(BeTrue())
			Expect(companion.received(protocol.TypeLimitReached)).To(BeTrue())

			// Further ticks change nothing.
			before := coordinator.Snapshot()
			tick(120)
			after := coordinator.Snapshot()
			Expect(after.Rules[0].RemainingMinutes).To(Equal(before.Rules[0].RemainingMinutes))
			Expect(after.Blacklist).To(ConsistOf("youtube.com"))
		})

		It("persists the blocked state through the store", func() {
			loadRules(1)
			focusTab("https://youtube.com/watch")
			tick(60)

			// The limit-reached save is immediate; no debounce wait needed.
			state, err := store.Load(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(state).NotTo(BeNil())
			Expect(state.Blacklist).To(ConsistOf("youtube.com"))
			Expect(state.Rules[0].RemainingMinutes).To(BeZero())
		})
	})

	Describe("debounced saves", func() {
		It("coalesces tick saves into one write", func() {
			loadRules(30)
			focusTab("https://youtube.com/")
			tick(10)

			// The rules-update save is immediate; tick decrements only
			// land once the debounce fires.
			Eventually(func() float64 {
				state, err := store.Load(context.Background())
				Expect(err).NotTo(HaveOccurred())
				if state == nil || len(state.Rules) == 0 {
					return 30
				}
				return state.Rules[0].RemainingMinutes
			}, time.Second, 10*time.Millisecond).Should(BeNumerically("<", 30))
		})
	})

	Describe("the midnight reset", func() {
		It("restores budgets, clears the blacklist and tells every page", func() {
			loadRules(1)
			focusTab("https://youtube.com/")
			tick(60)
			Expect(coordinator.Snapshot().Blacklist).NotTo(BeEmpty())

			coordinator.Dispatch(domain.Event{Kind: domain.EventDailyReset})

			snap := coordinator.Snapshot()
			Expect(snap.Blacklist).To(BeEmpty())
			Expect(snap.Rules[0].RemainingMinutes).To(Equal(1.0))
			Expect(observer.received(protocol.TypeBlacklistReset)).To(BeTrue())

			state, err := store.Load(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Blacklist).To(BeEmpty())
		})
	})

	Describe("a daemon restart", func() {
		It("resumes from the persisted snapshot", func() {
			loadRules(30)
			focusTab("https://youtube.com/")
			tick(60) // one minute consumed
			coordinator.Dispatch(domain.Event{Kind: domain.EventSuspend})

			state, err := store.Load(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(state).NotTo(BeNil())

			logger := zap.NewNop()
			revived := usecase.NewCoordinator(
				usecase.DefaultCoordinatorConfig(),
				ledger.New(),
				session.NewRegistry(logger),
				infra.NewDebouncedSaver(store, 20*time.Millisecond, logger),
				logger,
			)
			revived.Restore(state)

			snap := revived.Snapshot()
			Expect(snap.Rules).To(HaveLen(1))
			Expect(snap.Rules[0].RemainingMinutes).To(BeNumerically("~", 29.0, 0.05))
		})
	})
})
