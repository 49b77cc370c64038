package store

import "fmt"

// Key layout for the persisted state file. Every record lives under a
// namespaced key so exports and sweeps can select by prefix.
const (
	KeyCustomPolicy = "custom_policy"
	KeyEventBuffer  = "event_buffer"

	PrefixSession   = "state:"
	PrefixToken     = "allow_token_"
	PrefixReview    = "review_"
	PrefixProactive = "nudge_proactive_"
	PrefixPremerge  = "nudge_premerge_"
)

func SessionKey(resourceID string) string {
	return PrefixSession + resourceID
}

func TokenKey(resourceID, elementIdentity string) string {
	return fmt.Sprintf("%s%s_%s", PrefixToken, resourceID, elementIdentity)
}

func ReviewKey(resourceID string) string {
	return PrefixReview + resourceID
}

func NudgeKey(class, resourceID string) string {
	return fmt.Sprintf("nudge_%s_%s", class, resourceID)
}
