// Package ai - prompts.go
// Keeper system prompt and the per-turn context the model reasons over.
package ai

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"

	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
)

// KeeperSystemPrompt describes the Keeper's role and the exact reply
// envelope the parser accepts.
const KeeperSystemPrompt = `
# ROLE: KEEPER

You are the Keeper of a horror investigation tabletop session. You narrate
and adjudicate, but the server owns the game state: you never change
numbers in prose, you request changes through actions and the server
rolls every die.

## REPLY FORMAT

Always reply with ONE JSON object and nothing else:

{
  "message_type": "public" | "secret" | "system",
  "visible_to": ["all"] | ["<player_id>", ...] | ["host"],
  "content": {"zh": "中文叙述", "en": "English narration"},
  "actions": [{"function_name": "...", "parameters": {...}}],
  "notes": "private notes for the host"
}

- public messages use visible_to ["all"].
- secret messages list the player ids (or "host") and never "all".

## FUNCTIONS

- roll_dice {player_id, skill_name | target, difficulty: regular|hard|extreme,
  bonus_dice, penalty_dice, reason, on_success: [actions], on_failure: [actions]}
  or {dice_expression: "NdM+K", reason}
- oppose_check {attacker: {player_id, skill_name}, defender: {player_id | name, skill_name | target}, reason}
- apply_damage {player_id, amount: int | "1d6", source}
- apply_sanity_change {player_id, amount: int | "1d6" (a dice string is a loss), source}
- update_player_attribute {player_id, attribute, delta: int}
- add_status / remove_status {player_id, status, public}
- add_clue {player_id, clue | clues} ; add_item {player_id, item | items}
- add_note {player_id, note}
- set_flag {key, value, host_only} ; set_clock {key, value, max, host_only}
- set_scene_note {key, text, host_only}
- end_module {ending_id, description}

When you request a check, narrate only the attempt. The server returns the
result and asks you to continue.
`

// labels for one prompt language.
type labels struct {
	module, state, history, system, player, secret string
}

var (
	labelsZH = labels{"模组", "当前状态", "历史", "系统", "玩家", "（秘密）"}
	labelsEN = labels{"Module", "Current state", "History", "System", "Player", " (secret)"}
)

var contextMatcher = language.NewMatcher([]language.Tag{language.Chinese, language.English})

func labelsFor(tag language.Tag) labels {
	_, idx, _ := contextMatcher.Match(tag)
	if idx == 1 {
		return labelsEN
	}
	return labelsZH
}

// BuildContext renders the module, every investigator's HP/SAN and the
// given history lines in the requested language.
func BuildContext(s *state.Canonical, history []events.HistoryEntry, tag language.Tag) string {
	l := labelsFor(tag)
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s: %s\n", l.module, s.Module)
	fmt.Fprintf(&sb, "%s:\n", l.state)
	for _, id := range s.PlayerIDs() {
		p := s.Players[id]
		fmt.Fprintf(&sb, "%s: HP %d/%d, SAN %d/%d\n", p.Name, p.Stats.HP, p.Stats.HPMax, p.Stats.SAN, p.Stats.SANMax)
	}
	fmt.Fprintf(&sb, "%s:\n", l.history)
	for _, e := range history {
		text := e.Text.Pick(tag)
		if text == "" {
			continue
		}
		secret := ""
		if e.Scope.Audience != events.AudienceAll {
			secret = l.secret
		}
		fmt.Fprintf(&sb, "%s%s: %s\n", actorLabel(s, e, l), secret, text)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func actorLabel(s *state.Canonical, e events.HistoryEntry, l labels) string {
	switch e.ActorType {
	case events.ActorPlayer:
		if p, ok := s.Player(e.ActorID); ok && p.Name != "" {
			return p.Name
		}
		return l.player
	case events.ActorKeeper:
		return "Keeper"
	default:
		return l.system
	}
}

// PlayerTurnPrompt is the user message for a player's action.
func PlayerTurnPrompt(context, playerID, text string) string {
	return fmt.Sprintf("[Context]\n%s\n\n[Player %s]\n%s", context, playerID, text)
}

// FollowupPrompt asks the Keeper to continue after the server resolved checks.
func FollowupPrompt(context string, results []string) string {
	return fmt.Sprintf("[Context]\n%s\n\n[Check results]\n%s\n\nContinue the narration from these results.",
		context, strings.Join(results, "\n"))
}

// RetryPrompt asks the Keeper to resend a reply that could not be parsed.
func RetryPrompt(cause error) string {
	return fmt.Sprintf("Your previous reply could not be used (%v). Reply again with exactly one JSON object in the required format, without code fences or commentary.", cause)
}
