package engine

import (
	"fmt"
	"strings"

	"github.com/MRamiBalles/KeeperTable/internal/domain/investigator"
	"github.com/MRamiBalles/KeeperTable/internal/domain/rules"
	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
	apperrors "github.com/MRamiBalles/KeeperTable/internal/platform/errors"
)

// Action is one unit of work for the pipeline. Text, when present, is
// recorded first; Op, when present, is validated and applied after it.
// An action with no Op is narration only.
type Action struct {
	ActorType events.ActorType
	ActorID   string
	// TextType overrides the entry type used for Text.
	TextType events.ActionType
	Scope    events.Scope
	Text     events.Text
	Op       Op
}

// Op is a typed state mutation or check request.
type Op interface {
	// Name is the Keeper function name the op corresponds to.
	Name() string
	// Validate checks the op against s without mutating it.
	Validate(s *state.Canonical) error
	apply(tx *txn) error
}

func invalid(format string, args ...any) error {
	return apperrors.New(apperrors.CodeValidation, fmt.Sprintf(format, args...))
}

func requirePlayer(s *state.Canonical, id string) (*investigator.Investigator, error) {
	if id == "" {
		return nil, invalid("player_id is required")
	}
	p, ok := s.Player(id)
	if !ok {
		return nil, invalid("player %q not found", id)
	}
	return p, nil
}

func validSecrecy(sec state.Secrecy) error {
	switch sec {
	case "", state.SecrecyPublic, state.SecrecyHostOnly:
		return nil
	}
	return invalid("unknown secrecy %q", sec)
}

// Contestant is one side of a check. Target, when set, overrides the
// value looked up from the player's sheet.
type Contestant struct {
	PlayerID string
	Label    string
	Skill    string
	Target   *int
	Tier     rules.Tier
	Bonus    int
	Penalty  int
}

func (c Contestant) resolveTarget(s *state.Canonical) (int, error) {
	if c.PlayerID != "" {
		p, err := requirePlayer(s, c.PlayerID)
		if err != nil {
			return 0, err
		}
		if c.Target == nil {
			v, ok := p.Value(c.Skill)
			if !ok {
				return 0, invalid("player %q has no skill or attribute %q", c.PlayerID, c.Skill)
			}
			return v, nil
		}
	}
	if c.Target == nil {
		return 0, invalid("check needs a player skill or an explicit target")
	}
	if *c.Target < 0 || *c.Target > 100 {
		return 0, invalid("target %d outside [0,100]", *c.Target)
	}
	return *c.Target, nil
}

func (c Contestant) validate(s *state.Canonical) error {
	if _, err := c.resolveTarget(s); err != nil {
		return err
	}
	if _, err := rules.ParseTier(string(c.Tier)); err != nil {
		return invalid("%v", err)
	}
	if _, _, err := rules.NetMode(c.Bonus, c.Penalty); err != nil {
		return invalid("bonus and penalty dice must be non-negative")
	}
	return nil
}

// Check is a skill or attribute check with consequences applied in the
// same commit as the roll.
type Check struct {
	Contestant
	Reason    string
	OnSuccess []Op
	OnFailure []Op
}

func (Check) Name() string { return "roll_dice" }

func (c Check) Validate(s *state.Canonical) error {
	if err := c.Contestant.validate(s); err != nil {
		return err
	}
	for _, op := range append(append([]Op{}, c.OnSuccess...), c.OnFailure...) {
		if _, nested := op.(Check); nested {
			return invalid("consequences cannot contain further checks")
		}
		if err := op.Validate(s); err != nil {
			return err
		}
	}
	return nil
}

// Roll rolls a dice expression such as 1d6+1.
type Roll struct {
	PlayerID   string
	Expression string
	Reason     string
}

func (Roll) Name() string { return "roll_dice" }

func (r Roll) Validate(s *state.Canonical) error {
	if r.PlayerID != "" {
		if _, err := requirePlayer(s, r.PlayerID); err != nil {
			return err
		}
	}
	if _, err := rules.ParseExpression(r.Expression); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// Oppose rolls two contestants against each other.
type Oppose struct {
	Attacker Contestant
	Defender Contestant
	Reason   string
}

func (Oppose) Name() string { return "oppose_check" }

func (o Oppose) Validate(s *state.Canonical) error {
	if err := o.Attacker.validate(s); err != nil {
		return fmt.Errorf("attacker: %w", err)
	}
	if err := o.Defender.validate(s); err != nil {
		return fmt.Errorf("defender: %w", err)
	}
	return nil
}

// Amount is a fixed integer or a dice expression rolled at apply time.
type Amount struct {
	Value      int
	Expression string
}

func (a Amount) validate() error {
	if a.Expression == "" {
		return nil
	}
	if _, err := rules.ParseExpression(a.Expression); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// Damage lowers HP by Amount. Healing goes through AdjustAttribute.
type Damage struct {
	PlayerID string
	Amount   Amount
	Source   string
}

func (Damage) Name() string { return "apply_damage" }

func (d Damage) Validate(s *state.Canonical) error {
	if _, err := requirePlayer(s, d.PlayerID); err != nil {
		return err
	}
	if d.Amount.Expression == "" && d.Amount.Value < 0 {
		return invalid("damage amount must not be negative, got %d", d.Amount.Value)
	}
	return d.Amount.validate()
}

// SanityChange adds a signed amount to SAN. Losses are negative.
type SanityChange struct {
	PlayerID string
	Amount   Amount
	// Loss negates a rolled expression so "1d6" reads as a loss.
	Loss   bool
	Source string
}

func (SanityChange) Name() string { return "apply_sanity_change" }

func (c SanityChange) Validate(s *state.Canonical) error {
	if _, err := requirePlayer(s, c.PlayerID); err != nil {
		return err
	}
	return c.Amount.validate()
}

// AdjustAttribute adds Delta to an attribute, a stat or "skills.<name>".
type AdjustAttribute struct {
	PlayerID  string
	Attribute string
	Delta     int
}

func (AdjustAttribute) Name() string { return "update_player_attribute" }

func (a AdjustAttribute) Validate(s *state.Canonical) error {
	p, err := requirePlayer(s, a.PlayerID)
	if err != nil {
		return err
	}
	if _, err := p.Clone().Adjust(a.Attribute, a.Delta, 0); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// AddStatus adds a condition tag.
type AddStatus struct {
	PlayerID string
	Tag      string
	Public   bool
}

func (AddStatus) Name() string { return "add_status" }

func (a AddStatus) Validate(s *state.Canonical) error {
	if _, err := requirePlayer(s, a.PlayerID); err != nil {
		return err
	}
	if strings.TrimSpace(a.Tag) == "" {
		return invalid("status is required")
	}
	return nil
}

// RemoveStatus removes a condition tag.
type RemoveStatus struct {
	PlayerID string
	Tag      string
}

func (RemoveStatus) Name() string { return "remove_status" }

func (r RemoveStatus) Validate(s *state.Canonical) error {
	if _, err := requirePlayer(s, r.PlayerID); err != nil {
		return err
	}
	if strings.TrimSpace(r.Tag) == "" {
		return invalid("status is required")
	}
	return nil
}

// FindingKind selects the secret list a finding is merged into.
type FindingKind string

const (
	FindingClue FindingKind = "clue"
	FindingItem FindingKind = "item"
)

// AddFindings merges clues or items into a player's secrets.
type AddFindings struct {
	PlayerID string
	Kind     FindingKind
	Findings []investigator.Finding
}

func (a AddFindings) Name() string { return "add_" + string(a.Kind) }

func (a AddFindings) Validate(s *state.Canonical) error {
	if _, err := requirePlayer(s, a.PlayerID); err != nil {
		return err
	}
	if a.Kind != FindingClue && a.Kind != FindingItem {
		return invalid("unknown finding kind %q", a.Kind)
	}
	for _, f := range a.Findings {
		if f.Description != "" {
			return nil
		}
	}
	return invalid("%s needs at least one description", a.Name())
}

// AddNote appends a private note to a player's secrets.
type AddNote struct {
	PlayerID string
	Note     string
}

func (AddNote) Name() string { return "add_note" }

func (a AddNote) Validate(s *state.Canonical) error {
	if _, err := requirePlayer(s, a.PlayerID); err != nil {
		return err
	}
	if strings.TrimSpace(a.Note) == "" {
		return invalid("note is required")
	}
	return nil
}

// SetFlag sets a boolean world flag.
type SetFlag struct {
	Key     string
	Value   bool
	Secrecy state.Secrecy
}

func (SetFlag) Name() string { return "set_flag" }

func (f SetFlag) Validate(*state.Canonical) error {
	if strings.TrimSpace(f.Key) == "" {
		return invalid("flag key is required")
	}
	return validSecrecy(f.Secrecy)
}

// SetClock sets a progress clock. Values are clamped to [0, Max] when Max > 0.
type SetClock struct {
	Key     string
	Value   int
	Max     int
	Secrecy state.Secrecy
}

func (SetClock) Name() string { return "set_clock" }

func (c SetClock) Validate(*state.Canonical) error {
	if strings.TrimSpace(c.Key) == "" {
		return invalid("clock key is required")
	}
	if c.Max < 0 {
		return invalid("clock max must be non-negative")
	}
	return validSecrecy(c.Secrecy)
}

// SetSceneNote sets or, with empty text, removes a scene note.
type SetSceneNote struct {
	Key     string
	Text    string
	Secrecy state.Secrecy
}

func (SetSceneNote) Name() string { return "set_scene_note" }

func (n SetSceneNote) Validate(*state.Canonical) error {
	if strings.TrimSpace(n.Key) == "" {
		return invalid("note key is required")
	}
	return validSecrecy(n.Secrecy)
}

// EndModule ends the running module.
type EndModule struct {
	EndingID    string
	Description string
}

func (EndModule) Name() string { return "end_module" }

func (e EndModule) Validate(s *state.Canonical) error {
	if e.EndingID == "" || e.Description == "" {
		return invalid("end_module requires ending_id and description")
	}
	if s.Status != state.StatusActive {
		return invalid("module is not running")
	}
	return nil
}

// CreateCharacter adds a new investigator to the room.
type CreateCharacter struct {
	Investigator *investigator.Investigator
	MaxPlayers   int
}

func (CreateCharacter) Name() string { return "create_character" }

func (c CreateCharacter) Validate(s *state.Canonical) error {
	inv := c.Investigator
	if inv == nil || strings.TrimSpace(inv.ID) == "" {
		return invalid("player_id is required")
	}
	if strings.TrimSpace(inv.Name) == "" {
		return invalid("name is required")
	}
	if _, exists := s.Players[inv.ID]; exists {
		return apperrors.New(apperrors.CodeConflict, fmt.Sprintf("player %q already exists", inv.ID))
	}
	if c.MaxPlayers > 0 && len(s.Players) >= c.MaxPlayers {
		return apperrors.New(apperrors.CodeRoomFull, fmt.Sprintf("room is full (max %d players)", c.MaxPlayers))
	}
	return nil
}

// ClaimPlayer binds an investigator to a client device. A later claim
// rebinds it.
type ClaimPlayer struct {
	PlayerID  string
	MachineID string
}

func (ClaimPlayer) Name() string { return "claim_player" }

func (c ClaimPlayer) Validate(s *state.Canonical) error {
	if strings.TrimSpace(c.PlayerID) == "" || strings.TrimSpace(c.MachineID) == "" {
		return invalid("player_id and machine_id are required")
	}
	if _, ok := s.Player(c.PlayerID); !ok {
		return apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("player %q not found", c.PlayerID))
	}
	return nil
}

// StartModule moves the session into the active phase.
type StartModule struct {
	Module string
}

func (StartModule) Name() string { return "start_module" }

func (m StartModule) Validate(s *state.Canonical) error {
	if s.Status == state.StatusActive {
		return apperrors.New(apperrors.CodeConflict, "module already running")
	}
	if m.Module == "" && s.Module == "" {
		return invalid("module is required")
	}
	return nil
}

// Diagnostic records rejected input for the host without touching state.
type Diagnostic struct {
	Messages []string
}

func (Diagnostic) Name() string { return "diagnostic" }

func (Diagnostic) Validate(*state.Canonical) error { return nil }
