// Package gate implements the checkpoint orchestrator: it classifies
// trigger events, suppresses classified actions, drives the tiered
// confirmation flow and re-issues the original action exactly once.
package gate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/starwreckntx/mergeguard/internal/cooldown"
	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
	"github.com/starwreckntx/mergeguard/internal/eventlog"
	"github.com/starwreckntx/mergeguard/internal/logger"
	"github.com/starwreckntx/mergeguard/internal/policy"
	"github.com/starwreckntx/mergeguard/internal/readiness"
	"github.com/starwreckntx/mergeguard/internal/session"
	"github.com/starwreckntx/mergeguard/internal/token"

	"github.com/oklog/ulid/v2"
)

type Config struct {
	QueueSize           int
	MinJustificationLen int
	// MaxPrompts bounds re-presentation of an unsatisfied surface before
	// the flow aborts.
	MaxPrompts int
}

type flowRequest struct {
	ctx            context.Context
	candidate      Candidate
	classification policy.Classification
	doc            *policy.Document
	traceID        string
}

// Gate is one checkpoint orchestrator per workspace. Trigger handling is
// split in two: HandleTrigger runs synchronously in the caller's turn and
// decides suppression before returning; the confirmation flow then runs on
// the gate's single flow goroutine, so at most one surface is ever open.
type Gate struct {
	policies  *policy.Store
	sessions  *session.Store
	cooldowns *cooldown.Registry
	vault     *token.Vault
	pending   *token.PendingRegistry
	events    *eventlog.Buffer
	presenter Presenter
	replayer  Replayer
	cfg       Config
	now       func() time.Time

	mu     sync.Mutex
	state  State
	active bool

	flows chan flowRequest
	quit  chan struct{}
	wg    sync.WaitGroup
}

func New(
	policies *policy.Store,
	sessions *session.Store,
	cooldowns *cooldown.Registry,
	vault *token.Vault,
	pending *token.PendingRegistry,
	events *eventlog.Buffer,
	presenter Presenter,
	replayer Replayer,
	cfg Config,
) *Gate {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.MinJustificationLen <= 0 {
		cfg.MinJustificationLen = 10
	}
	if cfg.MaxPrompts <= 0 {
		cfg.MaxPrompts = 5
	}
	return &Gate{
		policies:  policies,
		sessions:  sessions,
		cooldowns: cooldowns,
		vault:     vault,
		pending:   pending,
		events:    events,
		presenter: presenter,
		replayer:  replayer,
		cfg:       cfg,
		now:       time.Now,
		state:     StateIdle,
		active:    true,
		flows:     make(chan flowRequest, cfg.QueueSize),
		quit:      make(chan struct{}),
	}
}

// WithClock overrides the clock, for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) Start() {
	g.wg.Add(1)
	go g.loop()
}

func (g *Gate) Stop() {
	close(g.quit)
	g.wg.Wait()
}

// SetActive is the global kill switch. An inactive gate classifies nothing
// and every trigger proceeds natively.
func (g *Gate) SetActive(active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = active
}

func (g *Gate) CurrentState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// HandleTrigger is the synchronous trigger turn. Classification and the
// suppression decision complete before it returns; only then does the
// confirmation flow continue asynchronously. The token lookup is a bounded
// round-trip on the store worker, not a wait on the user, so the replay
// pass-through is also resolved inside this turn.
func (g *Gate) HandleTrigger(ctx context.Context, candidate Candidate) (Disposition, error) {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return Allow, nil
	}
	busy := g.state != StateIdle
	if !busy {
		g.state = StateClassifying
	}
	g.mu.Unlock()

	doc := g.policies.Active()
	cls := doc.Classify(candidate.Label, candidate.Scope)
	if cls == nil {
		// Not a checkpoint action; default handling proceeds untouched.
		g.setStateIfNotBusy(busy, StateIdle)
		return Allow, nil
	}

	if busy {
		// One surface at a time: a second classified trigger is ignored,
		// not queued, and stays suppressed.
		slog.Debug("Trigger ignored, confirmation surface open",
			"resource", candidate.ResourceID, "label", candidate.Label)
		return Suppress, guardErrors.ErrGateBusy
	}

	// Replay pass-through: a valid token spends exactly once.
	if err := g.vault.Consume(candidate.ResourceID, candidate.ElementIdentity); err == nil {
		g.pending.ClearPending(candidate.ElementIdentity)
		g.setState(StateIdle)
		slog.Info("Replay pass-through", "resource", candidate.ResourceID, "element", candidate.ElementIdentity)
		return Allow, nil
	}

	if g.pending.IsPending(candidate.ElementIdentity) {
		// A replay for this action is still in flight; suppress the
		// duplicate rather than opening a second flow.
		g.setState(StateIdle)
		return Suppress, guardErrors.ErrGateBusy
	}

	traceID := ulid.Make().String()
	g.events.Append(eventlog.TypeCheckpointIntercepted, doc.PolicyVersion, map[string]any{
		"trace_id":    traceID,
		"resource_id": candidate.ResourceID,
		"label":       candidate.Label,
		"kind":        string(cls.Kind),
		"variant":     cls.MergeVariant,
		"timing":      string(cls.Timing),
	})
	slog.Info("Checkpoint intercepted",
		"trace_id", traceID,
		"resource", candidate.ResourceID,
		"kind", cls.Kind,
		"variant", cls.MergeVariant,
	)

	g.setState(StateGating)
	select {
	case g.flows <- flowRequest{
		// The trigger's context dies with the caller's turn (an HTTP
		// response, typically); the flow waits on the user and must
		// outlive it. Values carry over, cancellation does not.
		ctx:            logger.WithTraceID(context.WithoutCancel(ctx), traceID),
		candidate:      candidate,
		classification: *cls,
		doc:            doc,
		traceID:        traceID,
	}:
	default:
		// Queue full should be impossible with the state guard; abort the
		// intercept rather than leave the action suppressed forever.
		slog.Error("Gate flow queue full, aborting intercept", "trace_id", traceID)
		g.abort(candidate, *cls, doc, traceID, "queue_full")
		g.setState(StateIdle)
	}

	return Suppress, nil
}

// HandleResourceViewed starts (or restarts) the session for a resource and
// may raise the proactive nudge.
func (g *Gate) HandleResourceViewed(ctx context.Context, resourceID string) {
	doc := g.policies.Active()
	if _, err := g.sessions.Initialize(resourceID); err != nil {
		slog.Warn("Session initialize failed", "resource", resourceID, "error", err)
	}
	g.events.Append(eventlog.TypeResourceViewed, doc.PolicyVersion, map[string]any{
		"resource_id": resourceID,
	})

	if !g.cooldowns.ShouldShow(resourceID, cooldown.ClassProactive) {
		return
	}

	g.mu.Lock()
	if g.state != StateIdle {
		g.mu.Unlock()
		return
	}
	g.state = StateGating
	g.mu.Unlock()

	select {
	case g.flows <- flowRequest{
		ctx:       context.WithoutCancel(ctx),
		candidate: Candidate{ResourceID: resourceID},
		traceID:   ulid.Make().String(),
	}:
	default:
		g.setState(StateIdle)
	}
}

// HandleResourceChanged supersedes the previous session: the watcher
// reports a new resource key and the gate starts fresh state for it.
func (g *Gate) HandleResourceChanged(ctx context.Context, resourceID string) {
	g.HandleResourceViewed(ctx, resourceID)
}

// HandleSectionViewed records a section visit. Visiting the files section
// counts as meaningful review for the pre-merge cooldown reset.
func (g *Gate) HandleSectionViewed(resourceID, sectionID string) {
	g.sessions.RecordSectionVisit(resourceID, sectionID)
	if sectionID == "files" {
		g.cooldowns.RecordReview(resourceID)
	}
	g.events.Append(eventlog.TypeSectionViewed, g.policies.Active().PolicyVersion, map[string]any{
		"resource_id": resourceID,
		"section_id":  sectionID,
	})
}

// HandleReviewMarked records an explicit secondary-review event.
func (g *Gate) HandleReviewMarked(resourceID string) {
	g.sessions.RecordSecondaryReviewed(resourceID)
	g.cooldowns.RecordReview(resourceID)
}

// HandleEngagement folds an engagement report into the session.
func (g *Gate) HandleEngagement(resourceID string, activeMs int64, scrollPct float64) {
	g.sessions.AccumulateEngagement(resourceID, activeMs)
	g.sessions.UpdateEngagementSnapshot(resourceID, scrollPct)
	g.events.Append(eventlog.TypeEngagementMetrics, g.policies.Active().PolicyVersion, map[string]any{
		"resource_id": resourceID,
		"active_ms":   activeMs,
		"scroll_pct":  scrollPct,
	})
}

func (g *Gate) loop() {
	defer g.wg.Done()
	for {
		select {
		case req := <-g.flows:
			if req.classification.Kind == "" {
				g.runProactive(req)
			} else {
				g.runFlow(req)
			}
			g.setState(StateIdle)
		case <-g.quit:
			return
		}
	}
}

// runFlow drives one intercepted action through its confirmation tiers.
func (g *Gate) runFlow(req flowRequest) {
	candidate := req.candidate
	cls := req.classification
	doc := req.doc

	res := g.scoreSafely(candidate.ResourceID, doc)

	// Immediate actions are non-overridable regardless of readiness.
	tier := 3
	if cls.Timing == policy.TimingScheduled {
		tier = res.Tier
	}

	slog.Info("Friction tier selected",
		"trace_id", req.traceID,
		"tier", tier,
		"score", res.DisplayScore,
		"contributing", res.ContributingSignals,
		"missing", res.MissingSignals,
	)

	switch tier {
	case 0:
		g.complete(req, session.OutcomeCompleted, "")
	case 1:
		g.runTier1(req, res)
	case 2:
		g.runTier2(req, res)
	default:
		g.runTier3(req, res)
	}
}

// runTier1 shows the advisory banner. It never blocks the action: cooldown
// suppression and every banner outcome proceed onward.
func (g *Gate) runTier1(req flowRequest, res readiness.Result) {
	if !g.cooldowns.ShouldShow(req.candidate.ResourceID, cooldown.ClassPremerge) {
		g.complete(req, session.OutcomeCompleted, "")
		return
	}

	g.setState(StateAwaitingTier1)
	prompt := g.buildPrompt(req, 1, res)
	g.cooldowns.Record(req.candidate.ResourceID, cooldown.ClassPremerge, map[string]string{"tier": "1"})
	g.events.Append(eventlog.TypeNudgeShown, req.doc.PolicyVersion, map[string]any{
		"trace_id":    req.traceID,
		"resource_id": req.candidate.ResourceID,
		"tier":        1,
	})

	outcome, err := g.presenter.Present(req.ctx, prompt)
	if err != nil {
		slog.Warn("Tier-1 presenter failed, proceeding (advisory only)", "trace_id", req.traceID, "error", err)
	} else {
		g.events.Append(eventlog.TypeNudgeAction, req.doc.PolicyVersion, map[string]any{
			"trace_id": req.traceID,
			"tier":     1,
			"choice":   outcome.Choice,
		})
	}
	g.complete(req, session.OutcomeCompleted, "")
}

// runTier2 shows the blocking-but-overridable modal. A dismissal within
// the cooldown window (no review since the last show) stays suppressed
// without re-opening the modal.
func (g *Gate) runTier2(req flowRequest, res readiness.Result) {
	if !g.cooldowns.ShouldShow(req.candidate.ResourceID, cooldown.ClassPremerge) {
		g.abort(req.candidate, req.classification, req.doc, req.traceID, "suppressed_by_cooldown")
		return
	}

	g.setState(StateAwaitingTier2)
	prompt := g.buildPrompt(req, 2, res)
	g.cooldowns.Record(req.candidate.ResourceID, cooldown.ClassPremerge, map[string]string{"tier": "2"})
	g.events.Append(eventlog.TypeNudgeShown, req.doc.PolicyVersion, map[string]any{
		"trace_id":    req.traceID,
		"resource_id": req.candidate.ResourceID,
		"tier":        2,
	})

	for attempt := 0; attempt < g.cfg.MaxPrompts; attempt++ {
		outcome, err := g.presenter.Present(req.ctx, prompt)
		if err != nil || outcome.Terminal == "aborted" {
			g.abort(req.candidate, req.classification, req.doc, req.traceID, "dismissed")
			return
		}

		switch outcome.Choice {
		case ChoiceProceed:
			if len(strings.TrimSpace(outcome.Justification)) < g.cfg.MinJustificationLen {
				// Insufficient justification keeps the surface open.
				continue
			}
			g.events.Append(eventlog.TypeNudgeAction, req.doc.PolicyVersion, map[string]any{
				"trace_id":      req.traceID,
				"tier":          2,
				"choice":        ChoiceProceed,
				"justification": outcome.Justification,
			})
			g.complete(req, session.OutcomeCompleted, outcome.Justification)
			return
		case ChoiceOverride:
			g.events.Append(eventlog.TypeOverrideAcknowledged, req.doc.PolicyVersion, map[string]any{
				"trace_id":    req.traceID,
				"resource_id": req.candidate.ResourceID,
				"kind":        string(req.classification.Kind),
			})
			g.complete(req, session.OutcomeOverridden, "")
			return
		case ChoiceEscalate:
			g.runTier3(req, res)
			return
		default:
			g.abort(req.candidate, req.classification, req.doc, req.traceID, "cancelled")
			return
		}
	}

	g.abort(req.candidate, req.classification, req.doc, req.traceID, "max_prompts")
}

// runTier3 is the non-overridable surface: every checklist item must be
// acknowledged and the typed text must match before the flow completes.
func (g *Gate) runTier3(req flowRequest, res readiness.Result) {
	g.setState(StateAwaitingTier3)
	prompt := g.buildPrompt(req, 3, res)

	for attempt := 0; attempt < g.cfg.MaxPrompts; attempt++ {
		outcome, err := g.presenter.Present(req.ctx, prompt)
		if err != nil || outcome.Terminal == "aborted" || outcome.Choice == ChoiceCancel {
			g.abort(req.candidate, req.classification, req.doc, req.traceID, "dismissed")
			return
		}
		if VerifyTier3(prompt.Template, outcome) {
			g.complete(req, session.OutcomeCompleted, "")
			return
		}
		// Unmet checklist or mismatched text keeps the surface open.
	}

	g.abort(req.candidate, req.classification, req.doc, req.traceID, "max_prompts")
}

// VerifyTier3 enforces the tier-3 exit condition in the core rather than
// trusting the presenter: all checklist items acknowledged and the typed
// confirmation equal to the expected text, case-insensitively.
func VerifyTier3(tpl policy.Template, outcome Outcome) bool {
	if len(outcome.ChecklistAcked) != len(tpl.Checklist) {
		return false
	}
	for _, acked := range outcome.ChecklistAcked {
		if !acked {
			return false
		}
	}
	typed := strings.TrimSpace(outcome.TypedText)
	return typed != "" && strings.EqualFold(typed, tpl.ExpectedText)
}

// complete issues the allow token, marks the action pending and instructs
// the replayer. The replayed action surfaces as a fresh trigger that the
// vault recognizes.
func (g *Gate) complete(req flowRequest, outcome session.CheckpointOutcome, justification string) {
	candidate := req.candidate
	cls := req.classification

	g.sessions.RecordCheckpoint(candidate.ResourceID, string(cls.Kind), outcome)
	g.events.Append(eventlog.TypeCheckpointCompleted, req.doc.PolicyVersion, map[string]any{
		"trace_id":    req.traceID,
		"resource_id": candidate.ResourceID,
		"kind":        string(cls.Kind),
		"outcome":     string(outcome),
	})

	g.setState(StateReplaying)
	if err := g.vault.Issue(candidate.ResourceID, candidate.ElementIdentity); err != nil {
		slog.Error("Failed to issue allow token, not replaying", "trace_id", req.traceID, "error", err)
		return
	}
	g.pending.MarkPending(candidate.ElementIdentity)
	if err := g.replayer.Replay(req.ctx, candidate); err != nil {
		slog.Error("Replay failed", "trace_id", req.traceID, "error", err)
		g.pending.ClearPending(candidate.ElementIdentity)
	}
}

func (g *Gate) abort(candidate Candidate, cls policy.Classification, doc *policy.Document, traceID, reason string) {
	g.sessions.RecordCheckpoint(candidate.ResourceID, string(cls.Kind), session.OutcomeAborted)
	g.events.Append(eventlog.TypeCheckpointAborted, doc.PolicyVersion, map[string]any{
		"trace_id":    traceID,
		"resource_id": candidate.ResourceID,
		"kind":        string(cls.Kind),
		"reason":      reason,
	})
	slog.Info("Checkpoint aborted", "trace_id", traceID, "resource", candidate.ResourceID, "reason", reason)
}

// runProactive shows the early advisory nudge outside any intercept.
func (g *Gate) runProactive(req flowRequest) {
	doc := g.policies.Active()
	kind := policy.KindMergeNow
	tpl, ok := doc.Template(1, kind)
	if !ok {
		return
	}

	g.setState(StateAwaitingTier1)
	g.cooldowns.Record(req.candidate.ResourceID, cooldown.ClassProactive, nil)
	g.events.Append(eventlog.TypeNudgeShown, doc.PolicyVersion, map[string]any{
		"trace_id":    req.traceID,
		"resource_id": req.candidate.ResourceID,
		"class":       string(cooldown.ClassProactive),
		"tier":        1,
	})

	outcome, err := g.presenter.Present(req.ctx, Prompt{
		TraceID:    req.traceID,
		Tier:       1,
		Kind:       kind,
		Proactive:  true,
		Template:   tpl,
		ResourceID: req.candidate.ResourceID,
	})
	if err != nil {
		return
	}
	g.events.Append(eventlog.TypeNudgeAction, doc.PolicyVersion, map[string]any{
		"trace_id": req.traceID,
		"class":    string(cooldown.ClassProactive),
		"choice":   outcome.Choice,
	})
}

// scoreSafely computes readiness, resolving any internal failure to the
// most-friction tier rather than letting a dangerous action through.
func (g *Gate) scoreSafely(resourceID string, doc *policy.Document) (res readiness.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Readiness scoring panicked, failing closed", "resource", resourceID, "panic", r)
			res = readiness.Result{Tier: 2}
		}
	}()

	st, err := g.sessions.Get(resourceID)
	if err != nil {
		st, err = g.sessions.Initialize(resourceID)
		if err != nil || st == nil {
			return readiness.Result{Tier: 2}
		}
	}
	return readiness.Calculate(st, doc, g.now())
}

func (g *Gate) buildPrompt(req flowRequest, tier int, res readiness.Result) Prompt {
	tpl, _ := req.doc.Template(tier, req.classification.Kind)
	return Prompt{
		TraceID:      req.traceID,
		Tier:         tier,
		Kind:         req.classification.Kind,
		Template:     tpl,
		Readiness:    res,
		ResourceID:   req.candidate.ResourceID,
		MergeVariant: req.classification.MergeVariant,
	}
}

func (g *Gate) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *Gate) setStateIfNotBusy(busy bool, s State) {
	if busy {
		return
	}
	g.setState(s)
}
