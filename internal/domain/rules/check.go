// Package rules contains the pure calculation logic for percentile checks.
// This package is PURE and must NOT import any infrastructure packages.
package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSkillValue is returned when a check target lies outside [0,100].
	ErrInvalidSkillValue = errors.New("rules: skill value out of range")
	// ErrInvalidDiceMode is returned for a negative extra-die count or an unknown mode.
	ErrInvalidDiceMode = errors.New("rules: invalid dice mode")
	// ErrInvalidTier is returned for an unknown difficulty tier.
	ErrInvalidTier = errors.New("rules: invalid difficulty tier")
)

// Tier is the difficulty a check must clear.
type Tier string

const (
	TierRegular Tier = "regular"
	TierHard    Tier = "hard"
	TierExtreme Tier = "extreme"
)

// ParseTier maps a difficulty name to a Tier. Empty means regular.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "", TierRegular:
		return TierRegular, nil
	case TierHard, TierExtreme:
		return Tier(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
}

// DiceMode selects how extra tens dice are kept.
type DiceMode string

const (
	ModeNone    DiceMode = "none"
	ModeBonus   DiceMode = "bonus"
	ModePenalty DiceMode = "penalty"
)

// NetMode cancels bonus dice against penalty dice one for one.
func NetMode(bonus, penalty int) (DiceMode, int, error) {
	if bonus < 0 || penalty < 0 {
		return "", 0, ErrInvalidDiceMode
	}
	switch net := bonus - penalty; {
	case net > 0:
		return ModeBonus, net, nil
	case net < 0:
		return ModePenalty, -net, nil
	default:
		return ModeNone, 0, nil
	}
}

// Level is the degree of success a roll achieved. Higher is better.
type Level int

const (
	LevelFumble Level = iota
	LevelFailure
	LevelRegular
	LevelHard
	LevelExtreme
	LevelCritical
)

var levelNames = map[Level]string{
	LevelFumble:   "fumble",
	LevelFailure:  "failure",
	LevelRegular:  "regular_success",
	LevelHard:     "hard_success",
	LevelExtreme:  "extreme_success",
	LevelCritical: "critical",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	for level, name := range levelNames {
		if name == string(b) {
			*l = level
			return nil
		}
	}
	return fmt.Errorf("rules: unknown level %q", string(b))
}

// Meets reports whether the level clears the given tier.
func (l Level) Meets(t Tier) bool {
	switch t {
	case TierHard:
		return l >= LevelHard
	case TierExtreme:
		return l >= LevelExtreme
	default:
		return l >= LevelRegular
	}
}

// Policy names a critical/fumble rule variant.
type Policy string

const (
	// PolicyStandard treats only a roll of 1 as critical.
	PolicyStandard Policy = "standard"
	// PolicyWideCritical also treats rolls of 5 or less as critical when the target is 50+.
	PolicyWideCritical Policy = "wide_critical"
)

// ParsePolicy resolves a configured policy name. Empty means standard.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(name) {
	case "", PolicyStandard:
		return PolicyStandard, nil
	case PolicyWideCritical:
		return PolicyWideCritical, nil
	}
	return "", fmt.Errorf("rules: unknown check policy %q", name)
}

// Evaluate classifies roll (1..100) against target value V.
// Critical is checked first, then fumble, then the success bands.
func (p Policy) Evaluate(value, roll int) Level {
	if roll == 1 || (p == PolicyWideCritical && value >= 50 && roll <= 5) {
		return LevelCritical
	}
	if roll == 100 || (value < 50 && roll >= 96) {
		return LevelFumble
	}
	switch {
	case roll <= value/5:
		return LevelExtreme
	case roll <= value/2:
		return LevelHard
	case roll <= value:
		return LevelRegular
	}
	return LevelFailure
}

// Evaluate classifies a roll under the standard policy.
func Evaluate(value, roll int) Level {
	return PolicyStandard.Evaluate(value, roll)
}

// Result is the outcome of a single percentile check.
type Result struct {
	Skill   string   `json:"skill,omitempty"`
	Target  int      `json:"target"`
	Tier    Tier     `json:"difficulty"`
	Mode    DiceMode `json:"dice_mode"`
	Count   int      `json:"dice_count,omitempty"`
	Unit    int      `json:"unit"`
	Tens    []int    `json:"tens_rolls"`
	Roll    int      `json:"total"`
	Level   Level    `json:"success_level"`
	Success bool     `json:"is_success"`
}
