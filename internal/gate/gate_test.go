package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/starwreckntx/mergeguard/internal/cooldown"
	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
	"github.com/starwreckntx/mergeguard/internal/eventlog"
	"github.com/starwreckntx/mergeguard/internal/policy"
	"github.com/starwreckntx/mergeguard/internal/session"
	"github.com/starwreckntx/mergeguard/internal/store"
	"github.com/starwreckntx/mergeguard/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPresenter returns pre-planned outcomes in order. An optional
// block channel holds every Present call open until it is closed.
type scriptedPresenter struct {
	mu       sync.Mutex
	outcomes []Outcome
	prompts  []Prompt
	calls    int
	block    chan struct{}
}

func (p *scriptedPresenter) Present(ctx context.Context, prompt Prompt) (Outcome, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt)
	idx := p.calls
	p.calls++
	block := p.block
	out := Outcome{Terminal: "aborted"}
	if idx < len(p.outcomes) {
		out = p.outcomes[idx]
	}
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return out, nil
}

func (p *scriptedPresenter) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedPresenter) promptAt(i int) Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts[i]
}

type captureReplayer struct {
	ch  chan Candidate
	err error
}

func (r *captureReplayer) Replay(ctx context.Context, candidate Candidate) error {
	if r.err != nil {
		return r.err
	}
	r.ch <- candidate
	return nil
}

type harness struct {
	gate      *Gate
	presenter *scriptedPresenter
	replayer  *captureReplayer
	sessions  *session.Store
	cooldowns *cooldown.Registry
	vault     *token.Vault
	pending   *token.PendingRegistry
	events    *eventlog.Buffer
}

func setupGate(t *testing.T, presenter *scriptedPresenter) *harness {
	t.Helper()

	worker, err := store.NewWorker(t.TempDir(), store.RuntimeConfig{})
	require.NoError(t, err)
	worker.Start()
	t.Cleanup(worker.Stop)

	policies := policy.NewStore(worker, "")
	policies.Load()

	h := &harness{
		presenter: presenter,
		replayer:  &captureReplayer{ch: make(chan Candidate, 4)},
		sessions:  session.NewStore(worker),
		cooldowns: cooldown.NewRegistry(worker, 4*time.Hour),
		vault:     token.NewVault(worker, 5*time.Second, 2*time.Second),
		pending:   token.NewPendingRegistry(7 * time.Second),
		events:    eventlog.NewBuffer(worker, 100, 500, "test"),
	}
	h.gate = New(policies, h.sessions, h.cooldowns, h.vault, h.pending, h.events, presenter, h.replayer, Config{})
	h.gate.Start()
	t.Cleanup(h.gate.Stop)
	return h
}

func (h *harness) awaitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.gate.CurrentState() == StateIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func (h *harness) awaitReplay(t *testing.T) Candidate {
	t.Helper()
	select {
	case candidate := <-h.replayer.ch:
		return candidate
	case <-time.After(2 * time.Second):
		t.Fatal("replay never happened")
		return Candidate{}
	}
}

func (h *harness) hasEvent(entryType eventlog.EntryType) bool {
	for _, e := range h.events.Entries() {
		if e.Type == entryType {
			return true
		}
	}
	return false
}

func mergeNowCandidate() Candidate {
	return Candidate{
		ResourceID:      "pr-1",
		Label:           "Confirm merge",
		Scope:           true,
		ElementIdentity: "btn-confirm-merge",
	}
}

func tier3Pass() Outcome {
	return Outcome{
		Terminal:       "completed",
		ChecklistAcked: []bool{true, true, true},
		TypedText:      "merge",
	}
}

func TestTriggerInactiveGateAllows(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{})
	h.gate.SetActive(false)

	d, err := h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	assert.Equal(t, Allow, d)
	assert.Equal(t, 0, h.presenter.callCount())
}

func TestTriggerUnclassifiedAllows(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{})

	d, err := h.gate.HandleTrigger(context.Background(), Candidate{
		ResourceID: "pr-1",
		Label:      "Close pull request",
		Scope:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, Allow, d)
	assert.Equal(t, StateIdle, h.gate.CurrentState())
}

func TestTriggerOutOfScopeAllows(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{})

	c := mergeNowCandidate()
	c.Scope = false
	d, err := h.gate.HandleTrigger(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, Allow, d)
}

func TestMergeNowRunsTier3AndReplays(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{tier3Pass()}})

	d, err := h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	assert.Equal(t, Suppress, d)

	replayed := h.awaitReplay(t)
	assert.Equal(t, "pr-1", replayed.ResourceID)
	assert.Equal(t, 3, h.presenter.promptAt(0).Tier)
	assert.Equal(t, policy.KindMergeNow, h.presenter.promptAt(0).Kind)

	h.awaitIdle(t)

	// The replayed trigger passes through on the single-use token.
	d, err = h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	assert.Equal(t, Allow, d)
	assert.False(t, h.pending.IsPending("btn-confirm-merge"))

	assert.True(t, h.hasEvent(eventlog.TypeCheckpointIntercepted))
	assert.True(t, h.hasEvent(eventlog.TypeCheckpointCompleted))
}

func TestReplayTokenSpendsOnce(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{tier3Pass()}})

	_, err := h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	h.awaitReplay(t)
	h.awaitIdle(t)

	d, err := h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	require.Equal(t, Allow, d)
	h.awaitIdle(t)

	// With the token spent, the same action gates again instead of
	// passing through.
	d, err = h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	assert.Equal(t, Suppress, d)
}

func TestSecondTriggerIgnoredWhileSurfaceOpen(t *testing.T) {
	block := make(chan struct{})
	h := setupGate(t, &scriptedPresenter{
		outcomes: []Outcome{{Terminal: "aborted"}},
		block:    block,
	})
	defer close(block)

	d, err := h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	require.Equal(t, Suppress, d)

	require.Eventually(t, func() bool {
		return h.presenter.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	d, err = h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	assert.True(t, errors.Is(err, guardErrors.ErrGateBusy))
	assert.Equal(t, Suppress, d)
	assert.Equal(t, 1, h.presenter.callCount())
}

func TestTier3RepromptsUntilVerified(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{
		{Terminal: "completed", ChecklistAcked: []bool{true, true, false}, TypedText: "merge"},
		{Terminal: "completed", ChecklistAcked: []bool{true, true, true}, TypedText: "mrege"},
		tier3Pass(),
	}})

	_, err := h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)

	h.awaitReplay(t)
	assert.Equal(t, 3, h.presenter.callCount())
}

func TestTier3DismissAborts(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{{Terminal: "aborted"}}})

	_, err := h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	h.awaitIdle(t)

	require.Eventually(t, func() bool {
		return h.hasEvent(eventlog.TypeCheckpointAborted)
	}, 2*time.Second, 10*time.Millisecond)

	st, err := h.sessions.Get("pr-1")
	require.NoError(t, err)
	require.NotEmpty(t, st.CheckpointHistory)
	assert.Equal(t, session.OutcomeAborted, st.CheckpointHistory[len(st.CheckpointHistory)-1].Outcome)

	select {
	case <-h.replayer.ch:
		t.Fatal("aborted flow must not replay")
	default:
	}
}

func TestTier3TypedTextCaseInsensitive(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{{
		Terminal:       "completed",
		ChecklistAcked: []bool{true, true, true},
		TypedText:      "  MERGE  ",
	}}})

	_, err := h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	h.awaitReplay(t)
	assert.Equal(t, 1, h.presenter.callCount())
}

func scheduledCandidate() Candidate {
	return Candidate{
		ResourceID:      "pr-1",
		Label:           "Enable auto-merge",
		Scope:           true,
		ElementIdentity: "btn-auto-merge",
	}
}

func TestScheduledLowReadinessRunsTier2(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{
		{Terminal: "completed", Choice: ChoiceProceed, Justification: "short"},
		{Terminal: "completed", Choice: ChoiceProceed, Justification: "dependency bump, CI green on the PR"},
	}})

	d, err := h.gate.HandleTrigger(context.Background(), scheduledCandidate())
	require.NoError(t, err)
	require.Equal(t, Suppress, d)

	h.awaitReplay(t)
	// The first proceed carried too little justification and re-opened
	// the surface.
	assert.Equal(t, 2, h.presenter.callCount())
	assert.Equal(t, 2, h.presenter.promptAt(0).Tier)
}

func TestScheduledHighReadinessPassesWithoutPrompt(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	h := setupGate(t, &scriptedPresenter{})
	h.sessions.WithClock(func() time.Time { return base })
	h.gate.WithClock(func() time.Time { return base.Add(5 * time.Minute) })

	_, err := h.sessions.Initialize("pr-1")
	require.NoError(t, err)
	h.sessions.RecordSecondaryReviewed("pr-1")
	h.sessions.AccumulateEngagement("pr-1", 75000)
	h.sessions.UpdateEngagementSnapshot("pr-1", 80)
	h.sessions.RecordSectionVisit("pr-1", "files")
	h.sessions.RecordSectionVisit("pr-1", "conversation")

	d, err := h.gate.HandleTrigger(context.Background(), scheduledCandidate())
	require.NoError(t, err)
	require.Equal(t, Suppress, d)

	h.awaitReplay(t)
	assert.Equal(t, 0, h.presenter.callCount())
}

func TestTier2OverrideAcknowledged(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{
		{Terminal: "completed", Choice: ChoiceOverride},
	}})

	_, err := h.gate.HandleTrigger(context.Background(), scheduledCandidate())
	require.NoError(t, err)

	h.awaitReplay(t)
	h.awaitIdle(t)

	st, err := h.sessions.Get("pr-1")
	require.NoError(t, err)
	require.NotEmpty(t, st.CheckpointHistory)
	assert.Equal(t, session.OutcomeOverridden, st.CheckpointHistory[len(st.CheckpointHistory)-1].Outcome)
	assert.True(t, h.hasEvent(eventlog.TypeOverrideAcknowledged))
}

func TestTier2CancelAborts(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{
		{Terminal: "completed", Choice: ChoiceCancel},
	}})

	_, err := h.gate.HandleTrigger(context.Background(), scheduledCandidate())
	require.NoError(t, err)
	h.awaitIdle(t)

	require.Eventually(t, func() bool {
		return h.hasEvent(eventlog.TypeCheckpointAborted)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTier2EscalateReachesTier3(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{
		{Terminal: "completed", Choice: ChoiceEscalate},
		tier3Pass(),
	}})

	_, err := h.gate.HandleTrigger(context.Background(), scheduledCandidate())
	require.NoError(t, err)

	h.awaitReplay(t)
	require.Equal(t, 2, h.presenter.callCount())
	assert.Equal(t, 2, h.presenter.promptAt(0).Tier)
	assert.Equal(t, 3, h.presenter.promptAt(1).Tier)
}

func TestTier2CooldownSuppressed(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{})

	// A recent dismissal with no review since keeps the modal closed and
	// the action suppressed.
	h.cooldowns.Record("pr-1", cooldown.ClassPremerge, nil)

	d, err := h.gate.HandleTrigger(context.Background(), scheduledCandidate())
	require.NoError(t, err)
	require.Equal(t, Suppress, d)
	h.awaitIdle(t)

	require.Eventually(t, func() bool {
		return h.hasEvent(eventlog.TypeCheckpointAborted)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.presenter.callCount())
}

func TestHandleSectionViewed(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{})
	h.cooldowns.Record("pr-1", cooldown.ClassProactive, nil) // keep the nudge quiet

	h.gate.HandleResourceViewed(context.Background(), "pr-1")
	h.gate.HandleSectionViewed("pr-1", "files")

	st, err := h.sessions.Get("pr-1")
	require.NoError(t, err)
	assert.True(t, st.HasVisited("files"))
	assert.True(t, h.hasEvent(eventlog.TypeSectionViewed))
}

func TestHandleEngagement(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{})
	h.cooldowns.Record("pr-1", cooldown.ClassProactive, nil)

	h.gate.HandleResourceViewed(context.Background(), "pr-1")
	h.gate.HandleEngagement("pr-1", 1500, 40)
	h.gate.HandleEngagement("pr-1", 500, 30)

	st, err := h.sessions.Get("pr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), st.Engagement.ActiveTimeMs)
	assert.Equal(t, float64(40), st.Engagement.MaxScrollPct)
}

func TestProactiveNudgeShownOncePerWindow(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{
		{Terminal: "completed"},
	}})

	h.gate.HandleResourceViewed(context.Background(), "pr-1")

	require.Eventually(t, func() bool {
		return h.presenter.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.presenter.promptAt(0).Proactive)
	assert.Equal(t, 1, h.presenter.promptAt(0).Tier)

	h.awaitIdle(t)
	h.gate.HandleResourceViewed(context.Background(), "pr-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.presenter.callCount())
}

func TestVerifyTier3(t *testing.T) {
	tpl := policy.Template{
		Checklist:    []string{"a", "b", "c"},
		ExpectedText: "merge",
	}

	assert.True(t, VerifyTier3(tpl, tier3Pass()))
	assert.False(t, VerifyTier3(tpl, Outcome{
		Terminal:       "completed",
		ChecklistAcked: []bool{true, true},
		TypedText:      "merge",
	}))
	assert.False(t, VerifyTier3(tpl, Outcome{
		Terminal:       "completed",
		ChecklistAcked: []bool{true, true, false},
		TypedText:      "merge",
	}))
	assert.False(t, VerifyTier3(tpl, Outcome{
		Terminal:       "completed",
		ChecklistAcked: []bool{true, true, true},
		TypedText:      "",
	}))
	assert.True(t, VerifyTier3(tpl, Outcome{
		Terminal:       "completed",
		ChecklistAcked: []bool{true, true, true},
		TypedText:      "MERGE",
	}))
}

func TestReplayFailureClearsPending(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{tier3Pass()}})
	h.replayer.err = errors.New("observer gone")

	_, err := h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	h.awaitIdle(t)

	require.Eventually(t, func() bool {
		return !h.pending.IsPending("btn-confirm-merge")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFlowSurvivesTriggerContextCancel(t *testing.T) {
	block := make(chan struct{})
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{tier3Pass()}, block: block})

	ctx, cancel := context.WithCancel(context.Background())
	d, err := h.gate.HandleTrigger(ctx, mergeNowCandidate())
	require.NoError(t, err)
	require.Equal(t, Suppress, d)

	require.Eventually(t, func() bool {
		return h.presenter.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The trigger's context dies as soon as the caller's turn ends (an
	// HTTP handler writing its response); the open surface must not.
	cancel()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateAwaitingTier3, h.gate.CurrentState())
	assert.False(t, h.hasEvent(eventlog.TypeCheckpointAborted))

	close(block)
	replayed := h.awaitReplay(t)
	assert.Equal(t, "pr-1", replayed.ResourceID)
}

func TestStalePendingMarkExpiresAndRegates(t *testing.T) {
	h := setupGate(t, &scriptedPresenter{outcomes: []Outcome{tier3Pass(), tier3Pass()}})

	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	h.vault.WithClock(func() time.Time { return base })
	h.pending.WithClock(func() time.Time { return base })

	_, err := h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	h.awaitReplay(t)
	h.awaitIdle(t)

	// The observer never re-issues the queued replay. Once the token
	// window passes, the mark must not keep the element suppressed.
	later := base.Add(10 * time.Second)
	h.vault.WithClock(func() time.Time { return later })
	h.pending.WithClock(func() time.Time { return later })

	d, err := h.gate.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	assert.Equal(t, Suppress, d)
	h.awaitReplay(t)
	h.awaitIdle(t)
	assert.Equal(t, 2, h.presenter.callCount())
}

func TestTriggerQueueFullAbortsAndReturnsIdle(t *testing.T) {
	worker, err := store.NewWorker(t.TempDir(), store.RuntimeConfig{})
	require.NoError(t, err)
	worker.Start()
	t.Cleanup(worker.Stop)

	policies := policy.NewStore(worker, "")
	policies.Load()
	events := eventlog.NewBuffer(worker, 100, 500, "test")

	// The loop is deliberately not started, so the single queue slot
	// stays occupied.
	g := New(policies, session.NewStore(worker), cooldown.NewRegistry(worker, 4*time.Hour),
		token.NewVault(worker, 5*time.Second, 2*time.Second), token.NewPendingRegistry(7*time.Second),
		events, &scriptedPresenter{}, &captureReplayer{ch: make(chan Candidate, 1)}, Config{QueueSize: 1})
	g.flows <- flowRequest{}

	d, err := g.HandleTrigger(context.Background(), mergeNowCandidate())
	require.NoError(t, err)
	assert.Equal(t, Suppress, d)
	assert.Equal(t, StateIdle, g.CurrentState())

	aborted := false
	for _, e := range events.Entries() {
		if e.Type == eventlog.TypeCheckpointAborted && e.Payload["reason"] == "queue_full" {
			aborted = true
		}
	}
	assert.True(t, aborted)
}
