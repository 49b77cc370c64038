package policy

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"

	guardErrors "github.com/starwreckntx/mergeguard/internal/errors"
)

type KindID string

const (
	// KindMergeNow is the immediate-merge kind. It always routes to the
	// non-overridable tier-3 surface regardless of readiness.
	KindMergeNow KindID = "merge_now"
	// KindMergeScheduled covers deferred variants (auto-merge, merge queue).
	KindMergeScheduled KindID = "merge_scheduled"
)

type Timing string

const (
	TimingImmediate Timing = "immediate"
	TimingScheduled Timing = "scheduled"
)

// Document is one loaded policy snapshot. It is immutable after Load; an
// operator edit replaces the whole snapshot and dependents re-read.
type Document struct {
	PolicyVersion string    `koanf:"policy_version" json:"policy_version" yaml:"policy_version"`
	Matchers      Matchers  `koanf:"checkpoint_matchers" json:"checkpoint_matchers" yaml:"checkpoint_matchers"`
	Thresholds    Scoring   `koanf:"nudge_thresholds" json:"nudge_thresholds" yaml:"nudge_thresholds"`
	Cooldowns     Cooldowns `koanf:"cooldowns" json:"cooldowns" yaml:"cooldowns"`
	Templates     Templates `koanf:"ui_templates" json:"ui_templates" yaml:"ui_templates"`

	compileOnce sync.Once
	compiled    []compiledKind
}

type Matchers struct {
	ScopeRule string `koanf:"scope_rule" json:"scope_rule" yaml:"scope_rule"`
	// Kinds is ordered: declaration order is the classification tie-break,
	// so the document keeps a list rather than a map.
	Kinds []Kind `koanf:"kinds" json:"kinds" yaml:"kinds"`
}

type Kind struct {
	ID          KindID   `koanf:"id" json:"id" yaml:"id"`
	Description string   `koanf:"description" json:"description" yaml:"description"`
	Timing      Timing   `koanf:"timing" json:"timing" yaml:"timing"`
	Patterns    []string `koanf:"patterns" json:"patterns" yaml:"patterns"`
}

type Scoring struct {
	Signals  map[string]float64 `koanf:"signals" json:"signals" yaml:"signals"`
	Targets  Targets            `koanf:"targets" json:"targets" yaml:"targets"`
	Tier1Min float64            `koanf:"tier1_min" json:"tier1_min" yaml:"tier1_min"`
	Tier2Min float64            `koanf:"tier2_min" json:"tier2_min" yaml:"tier2_min"`
}

type Targets struct {
	EngagementMs       int64   `koanf:"engagement_ms" json:"engagement_ms" yaml:"engagement_ms"`
	ScrollPct          float64 `koanf:"scroll_pct" json:"scroll_pct" yaml:"scroll_pct"`
	MinElapsedMs       int64   `koanf:"min_elapsed_ms" json:"min_elapsed_ms" yaml:"min_elapsed_ms"`
	MaxCountedSections int     `koanf:"max_counted_sections" json:"max_counted_sections" yaml:"max_counted_sections"`
}

type Cooldowns struct {
	ProactiveMs     int64 `koanf:"proactive_ms" json:"proactive_ms" yaml:"proactive_ms"`
	PremergeResetMs int64 `koanf:"premerge_reset_ms" json:"premerge_reset_ms" yaml:"premerge_reset_ms"`
	TokenTTLMs      int64 `koanf:"token_ttl_ms" json:"token_ttl_ms" yaml:"token_ttl_ms"`
}

// Templates maps tier -> kind -> confirmation template, mirroring the
// ui_templates.tier1/tier2/tier3[kind] document layout.
type Templates struct {
	Tier1 map[KindID]Template `koanf:"tier1" json:"tier1" yaml:"tier1"`
	Tier2 map[KindID]Template `koanf:"tier2" json:"tier2" yaml:"tier2"`
	Tier3 map[KindID]Template `koanf:"tier3" json:"tier3" yaml:"tier3"`
}

type Template struct {
	Title        string   `koanf:"title" json:"title" yaml:"title"`
	Body         string   `koanf:"body" json:"body" yaml:"body"`
	Checklist    []string `koanf:"checklist" json:"checklist" yaml:"checklist"`
	ExpectedText string   `koanf:"expected_text" json:"expected_text" yaml:"expected_text"`
}

type Classification struct {
	Kind         KindID `json:"kind"`
	MergeVariant string `json:"merge_variant"`
	Timing       Timing `json:"timing"`
}

// Signal weight keys. The too-soon penalty is configured alongside the
// positive weights but subtracts.
const (
	SignalSecondaryReviewed = "secondary_reviewed"
	SignalEngagementTime    = "engagement_time"
	SignalScrollDepth       = "scroll_depth"
	SignalSectionVisited    = "section_visited"
	SignalTooSoonPenalty    = "too_soon_penalty"
)

type compiledKind struct {
	kind     Kind
	patterns []*regexp.Regexp
}

// Validate performs the structural check that decides whether a loaded
// document is usable or the store must fall back.
func (d *Document) Validate() error {
	var problems []string

	if strings.TrimSpace(d.PolicyVersion) == "" {
		problems = append(problems, "policy_version is required")
	}
	if len(d.Matchers.Kinds) == 0 {
		problems = append(problems, "checkpoint_matchers.kinds must declare at least one kind")
	}
	for _, k := range d.Matchers.Kinds {
		if strings.TrimSpace(string(k.ID)) == "" {
			problems = append(problems, "kind with empty id")
		}
		if len(k.Patterns) == 0 {
			problems = append(problems, fmt.Sprintf("kind %s has no patterns", k.ID))
		}
	}
	if len(d.Thresholds.Signals) == 0 {
		problems = append(problems, "nudge_thresholds.signals is required")
	}
	for _, bound := range []struct {
		name  string
		value float64
	}{
		{"tier1_min", d.Thresholds.Tier1Min},
		{"tier2_min", d.Thresholds.Tier2Min},
	} {
		if math.IsNaN(bound.value) || math.IsInf(bound.value, 0) || bound.value < 0 || bound.value > 1 {
			problems = append(problems, fmt.Sprintf("%s must be a finite number in [0,1]", bound.name))
		}
	}
	if d.Thresholds.Tier2Min > d.Thresholds.Tier1Min {
		problems = append(problems, "tier2_min must not exceed tier1_min")
	}
	if len(d.Templates.Tier3) == 0 {
		problems = append(problems, "ui_templates.tier3 is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(problems, "; "), guardErrors.ErrPolicyInvalid)
	}
	return nil
}

// compile turns every pattern into a case-insensitive matcher. An invalid
// pattern is skipped with a warning, never fatal.
func (d *Document) compile() {
	d.compiled = make([]compiledKind, 0, len(d.Matchers.Kinds))
	for _, k := range d.Matchers.Kinds {
		ck := compiledKind{kind: k}
		for _, p := range k.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				slog.Warn("Skipping invalid classification pattern",
					"kind", k.ID, "pattern", p, "error", err)
				continue
			}
			ck.patterns = append(ck.patterns, re)
		}
		d.compiled = append(d.compiled, ck)
	}
}

// Classify tests an accessible label against the declared kinds. First
// matching kind wins; declaration order is the tie-break. Out-of-scope
// candidates never classify.
func (d *Document) Classify(label string, scope bool) *Classification {
	if !scope {
		return nil
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return nil
	}

	d.compileOnce.Do(d.compile)

	for _, ck := range d.compiled {
		for _, re := range ck.patterns {
			if re.MatchString(label) {
				return &Classification{
					Kind:         ck.kind.ID,
					MergeVariant: mergeVariant(label),
					Timing:       kindTiming(ck.kind),
				}
			}
		}
	}
	return nil
}

// Template resolves the confirmation template for a tier and kind.
func (d *Document) Template(tier int, kind KindID) (Template, bool) {
	var m map[KindID]Template
	switch tier {
	case 1:
		m = d.Templates.Tier1
	case 2:
		m = d.Templates.Tier2
	case 3:
		m = d.Templates.Tier3
	default:
		return Template{}, false
	}
	t, ok := m[kind]
	return t, ok
}

func kindTiming(k Kind) Timing {
	if k.Timing == TimingScheduled {
		return TimingScheduled
	}
	return TimingImmediate
}

func mergeVariant(label string) string {
	lower := strings.ToLower(label)
	switch {
	case strings.Contains(lower, "squash"):
		return "squash"
	case strings.Contains(lower, "rebase"):
		return "rebase"
	default:
		return "merge"
	}
}
