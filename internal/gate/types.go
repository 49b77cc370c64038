package gate

import (
	"context"

	"github.com/starwreckntx/mergeguard/internal/policy"
	"github.com/starwreckntx/mergeguard/internal/readiness"
)

// Candidate is an already-located action descriptor handed over by the
// page-observation layer. ElementIdentity is stable across repeated
// observations of the same control; token and pending lookups depend on it.
type Candidate struct {
	ResourceID      string `json:"resource_id"`
	Label           string `json:"label"`
	Scope           bool   `json:"scope"`
	ElementIdentity string `json:"element_identity"`
	FormLike        bool   `json:"form_like"`
}

// Disposition is the synchronous answer to a trigger: either the native
// default effect proceeds, or it is suppressed while the gate takes over.
type Disposition int

const (
	Allow Disposition = iota
	Suppress
)

func (d Disposition) String() string {
	if d == Suppress {
		return "suppress"
	}
	return "allow"
}

// State names the gate's position in the checkpoint flow, for logging.
type State string

const (
	StateIdle          State = "idle"
	StateClassifying   State = "classifying"
	StateGating        State = "gating"
	StateAwaitingTier1 State = "awaiting_tier1"
	StateAwaitingTier2 State = "awaiting_tier2"
	StateAwaitingTier3 State = "awaiting_tier3"
	StateReplaying     State = "replaying"
)

// Prompt is the contextual payload handed to the presentation layer.
type Prompt struct {
	TraceID      string           `json:"trace_id"`
	Tier         int              `json:"tier"`
	Kind         policy.KindID    `json:"kind"`
	Proactive    bool             `json:"proactive,omitempty"`
	Template     policy.Template  `json:"template"`
	Readiness    readiness.Result `json:"readiness"`
	ResourceID   string           `json:"resource_id"`
	MergeVariant string           `json:"merge_variant,omitempty"`
}

// Choice values a presenter may return from a tier-2 surface.
const (
	ChoiceProceed  = "proceed"
	ChoiceOverride = "override"
	ChoiceEscalate = "escalate"
	ChoiceCancel   = "cancel"
)

// Outcome is the terminal result of one presentation of a surface. The
// gate, not the presenter, decides whether it satisfies the tier.
type Outcome struct {
	// Terminal is "completed" or "aborted". Overlay dismissal and escape
	// both arrive as "aborted".
	Terminal string `json:"terminal"`
	// Choice refines a tier-2 completion: proceed, override, escalate or cancel.
	Choice string `json:"choice,omitempty"`
	// Justification is the tier-2 free-text reason.
	Justification string `json:"justification,omitempty"`
	// ChecklistAcked mirrors the tier-3 checklist, one flag per item.
	ChecklistAcked []bool `json:"checklist_acked,omitempty"`
	// TypedText is the tier-3 typed confirmation.
	TypedText string `json:"typed_text,omitempty"`
}

// Presenter paints a confirmation surface and blocks until the user
// produces a terminal outcome. There is no timeout on the surface itself;
// ctx cancellation maps to an aborted flow.
type Presenter interface {
	Present(ctx context.Context, prompt Prompt) (Outcome, error)
}

// Replayer re-issues the original action against its original target.
// The re-issued action surfaces as a fresh trigger that the vault
// recognizes and passes through.
type Replayer interface {
	Replay(ctx context.Context, candidate Candidate) error
}
