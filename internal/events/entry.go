// Package events holds the session history: immutable, sequence-ordered
// entries and the in-memory replay window that viewers catch up from.
package events

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/MRamiBalles/KeeperTable/internal/domain/rules"
)

// ActorType identifies who produced an entry.
type ActorType string

const (
	ActorPlayer ActorType = "player"
	ActorKeeper ActorType = "keeper"
	ActorSystem ActorType = "system"
)

// ActionType defines the category of a history entry.
type ActionType string

const (
	ActionPlayer         ActionType = "player_action"
	ActionNarration      ActionType = "keeper_narration"
	ActionDiceRoll       ActionType = "dice_roll"
	ActionRuleResolution ActionType = "rule_resolution"
	ActionStateUpdate    ActionType = "state_update"
	ActionDiagnostic     ActionType = "diagnostic"
)

// Audience is the coarse visibility of an entry.
type Audience string

const (
	AudienceAll   Audience = "all"
	AudienceOwner Audience = "owner"
	AudienceHost  Audience = "host"
)

// Scope says who may see an entry. Owner scope lists the players allowed.
type Scope struct {
	Audience Audience `json:"audience"`
	Owners   []string `json:"owners,omitempty"`
}

// Public is visible to everyone in the room.
func Public() Scope { return Scope{Audience: AudienceAll} }

// OwnerOnly is visible to the listed players and the host.
func OwnerOnly(ids ...string) Scope {
	return Scope{Audience: AudienceOwner, Owners: slices.Clone(ids)}
}

// HostOnly is visible to the host alone.
func HostOnly() Scope { return Scope{Audience: AudienceHost} }

// Includes reports whether the player id is a listed owner.
func (s Scope) Includes(playerID string) bool {
	return slices.Contains(s.Owners, playerID)
}

// Text is bilingual content.
type Text struct {
	ZH string `json:"zh,omitempty"`
	EN string `json:"en,omitempty"`
}

// IsZero reports whether both languages are empty.
func (t Text) IsZero() bool { return t.ZH == "" && t.EN == "" }

var textMatcher = language.NewMatcher([]language.Tag{language.Chinese, language.English})

// Pick returns the text in the language closest to tag, falling back to
// whichever language is present.
func (t Text) Pick(tag language.Tag) string {
	_, idx, _ := textMatcher.Match(tag)
	primary, secondary := t.ZH, t.EN
	if idx == 1 {
		primary, secondary = t.EN, t.ZH
	}
	if primary != "" {
		return primary
	}
	return secondary
}

// Both builds a Text with the same content in both languages.
func Both(s string) Text { return Text{ZH: s, EN: s} }

// HistoryEntry is an immutable record of one narrative or mechanical event.
type HistoryEntry struct {
	Seq         uint64                  `json:"seq"`
	ID          string                  `json:"id"`
	Timestamp   time.Time               `json:"timestamp"`
	SessionID   string                  `json:"session_id"`
	RoundID     string                  `json:"round_id"`
	ActorType   ActorType               `json:"actor_type"`
	ActorID     string                  `json:"actor_id"`
	ActionType  ActionType              `json:"action_type"`
	Scope       Scope                   `json:"scope"`
	Text        Text                    `json:"content"`
	Check       *rules.Result           `json:"check,omitempty"`
	Opposed     *rules.Opposed          `json:"opposed,omitempty"`
	Roll        *rules.ExpressionResult `json:"roll,omitempty"`
	Changes     []string                `json:"changes,omitempty"`
	Diagnostics []string                `json:"diagnostics,omitempty"`
}

// NewEntryID creates a unique entry identifier.
func NewEntryID() string {
	return uuid.NewString()
}
