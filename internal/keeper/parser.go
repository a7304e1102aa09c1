// Package keeper turns raw Keeper model output into typed pipeline actions
// and drives one Keeper turn: model call, bounded re-asks, submission and
// follow-ups after checks.
package keeper

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/MRamiBalles/KeeperTable/internal/domain/investigator"
	"github.com/MRamiBalles/KeeperTable/internal/domain/rules"
	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/engine"
	"github.com/MRamiBalles/KeeperTable/internal/events"
	apperrors "github.com/MRamiBalles/KeeperTable/internal/platform/errors"
)

// ActorID is the actor id stamped on Keeper entries.
const ActorID = "keeper"

// Message types.
const (
	MessagePublic = "public"
	MessageSecret = "secret"
	MessageSystem = "system"
)

const audienceAll = "all"

// Envelope is the JSON object the Keeper replies with.
type Envelope struct {
	MessageType string       `json:"message_type"`
	VisibleTo   []string     `json:"visible_to"`
	Content     *events.Text `json:"content"`
	Actions     []Call       `json:"actions"`
	Notes       string       `json:"notes,omitempty"`
}

// Call is one requested function.
type Call struct {
	FunctionName string          `json:"function_name"`
	Parameters   json.RawMessage `json:"parameters"`
}

// Batch is a parsed envelope ready for the pipeline.
type Batch struct {
	Envelope    Envelope
	Scope       events.Scope
	Actions     []engine.Action
	Diagnostics []string
	// Checks counts roll and opposed requests; a turn with checks gets a follow-up.
	Checks int
}

// All returns the batch as one pipeline submission: requested actions,
// then the narration, then a host-only diagnostic for dropped calls.
func (b *Batch) All() []engine.Action {
	out := slices.Clone(b.Actions)
	if len(b.Diagnostics) > 0 {
		out = append(out, engine.Action{
			ActorType: events.ActorSystem,
			ActorID:   "system",
			Scope:     events.HostOnly(),
			Op:        engine.Diagnostic{Messages: b.Diagnostics},
		})
	}
	return out
}

// RetryError asks the caller to re-prompt the model. It matches
// apperrors.ErrNeedsRetry.
type RetryError struct {
	Remaining int
	Cause     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("keeper output unusable (%d retries left): %v", e.Remaining, e.Cause)
}

func (e *RetryError) Unwrap() []error {
	return []error{apperrors.ErrNeedsRetry, e.Cause}
}

// Parse decodes raw model output against the current state. A malformed
// reply yields a *RetryError while budget > 0 and a ParseExhausted error
// once the budget is spent. Individual bad calls never fail the parse;
// they land in Batch.Diagnostics.
func Parse(raw string, budget int, current *state.Canonical) (*Batch, error) {
	env, err := Decode(raw)
	if err != nil {
		if budget <= 0 {
			return nil, apperrors.Wrap(apperrors.CodeParseExhausted, "keeper output unparseable", err)
		}
		return nil, &RetryError{Remaining: budget - 1, Cause: err}
	}
	return Build(env, current), nil
}

// Decode extracts and validates the envelope without touching state.
func Decode(raw string) (Envelope, error) {
	doc, ok := extract(raw)
	if !ok {
		return Envelope{}, errors.New("no JSON object found")
	}
	var env Envelope
	if err := json.Unmarshal([]byte(doc), &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validate() error {
	switch e.MessageType {
	case MessagePublic:
		if len(e.VisibleTo) != 1 || e.VisibleTo[0] != audienceAll {
			return errors.New("public message must have visible_to = [\"all\"]")
		}
	case MessageSecret:
		if len(e.VisibleTo) == 0 {
			return errors.New("secret message must have visible_to")
		}
		if slices.Contains(e.VisibleTo, audienceAll) {
			return errors.New("secret message cannot include \"all\" in visible_to")
		}
	case MessageSystem:
		if len(e.VisibleTo) == 0 {
			return errors.New("system message must have visible_to")
		}
	default:
		return fmt.Errorf("unknown message_type %q", e.MessageType)
	}
	if e.Content == nil {
		return errors.New("content is required")
	}
	return nil
}

// scope maps visible_to onto an entry scope. "host" and "keeper" name the
// host; a list with no players left is host-only.
func (e Envelope) scope() events.Scope {
	if slices.Contains(e.VisibleTo, audienceAll) {
		return events.Public()
	}
	var owners []string
	for _, id := range e.VisibleTo {
		if id == "host" || id == ActorID || id == "" {
			continue
		}
		owners = append(owners, id)
	}
	if len(owners) == 0 {
		return events.HostOnly()
	}
	return events.OwnerOnly(owners...)
}

// Build validates every call against current and assembles the batch.
func Build(env Envelope, current *state.Canonical) *Batch {
	b := &Batch{Envelope: env, Scope: env.scope()}
	for i, call := range env.Actions {
		op, err := buildOp(call, 0)
		if err == nil {
			err = op.Validate(current)
		}
		if err != nil {
			b.Diagnostics = append(b.Diagnostics, fmt.Sprintf("actions[%d] %s: %v", i, call.FunctionName, err))
			continue
		}
		switch op.(type) {
		case engine.Check, engine.Oppose, engine.Roll:
			b.Checks++
		}
		b.Actions = append(b.Actions, engine.Action{
			ActorType: events.ActorKeeper,
			ActorID:   ActorID,
			Scope:     b.Scope,
			Op:        op,
		})
	}
	if env.Content != nil && !env.Content.IsZero() {
		b.Actions = append(b.Actions, engine.Action{
			ActorType: events.ActorKeeper,
			ActorID:   ActorID,
			TextType:  events.ActionNarration,
			Scope:     b.Scope,
			Text:      *env.Content,
		})
	}
	if notes := strings.TrimSpace(env.Notes); notes != "" {
		b.Actions = append(b.Actions, engine.Action{
			ActorType: events.ActorKeeper,
			ActorID:   ActorID,
			TextType:  events.ActionNarration,
			Scope:     events.HostOnly(),
			Text:      events.Both(notes),
		})
	}
	return b
}

// params reads loosely typed call parameters.
type params struct {
	r gjson.Result
}

func newParams(raw json.RawMessage) (params, error) {
	if len(raw) == 0 {
		return params{}, nil
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return params{}, errors.New("parameters must be an object")
	}
	return params{r: r}, nil
}

func (p params) has(key string) bool {
	return p.r.Get(escape(key)).Exists()
}

// str returns the first non-empty string among keys.
func (p params) str(keys ...string) string {
	for _, k := range keys {
		v := p.r.Get(escape(k))
		if v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return strings.TrimSpace(v.Str)
		}
	}
	return ""
}

func (p params) integer(key string) (int, bool, error) {
	v := p.r.Get(escape(key))
	if !v.Exists() || v.Type == gjson.Null {
		return 0, false, nil
	}
	if v.Type != gjson.Number || v.Num != float64(int64(v.Num)) {
		return 0, true, fmt.Errorf("%s must be an integer", key)
	}
	return int(v.Int()), true, nil
}

func (p params) requireInt(key string) (int, error) {
	n, ok, err := p.integer(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	return n, nil
}

func (p params) boolean(key string, def bool) bool {
	v := p.r.Get(escape(key))
	switch v.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	}
	return def
}

// amount accepts an integer or a dice expression string.
func (p params) amount(key string) (engine.Amount, error) {
	v := p.r.Get(escape(key))
	switch v.Type {
	case gjson.Number:
		n, _, err := p.integer(key)
		if err != nil {
			return engine.Amount{}, err
		}
		return engine.Amount{Value: n}, nil
	case gjson.String:
		if _, err := rules.ParseExpression(v.Str); err != nil {
			return engine.Amount{}, fmt.Errorf("%s must be an integer or dice expression", key)
		}
		return engine.Amount{Expression: strings.TrimSpace(v.Str)}, nil
	}
	return engine.Amount{}, fmt.Errorf("%s is required", key)
}

// secrecy is empty when the call does not say, so an update keeps the
// field's current secrecy.
func (p params) secrecy() state.Secrecy {
	named := p.str("secrecy", "visibility")
	switch {
	case p.boolean("host_only", false) || named == string(state.SecrecyHostOnly):
		return state.SecrecyHostOnly
	case p.has("host_only") || named == string(state.SecrecyPublic):
		return state.SecrecyPublic
	}
	return ""
}

func (p params) sub(key string) params {
	return params{r: p.r.Get(escape(key))}
}

func escape(key string) string {
	return strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`).Replace(key)
}

func buildOp(call Call, depth int) (engine.Op, error) {
	p, err := newParams(call.Parameters)
	if err != nil {
		return nil, err
	}
	playerID := p.str("player_id", "actor_id", "target_id")

	switch call.FunctionName {
	case "roll_dice":
		return buildRoll(p, depth)

	case "oppose_check":
		if depth > 0 {
			return nil, errors.New("consequences cannot contain checks")
		}
		attacker, err := contestant(p.sub("attacker"))
		if err != nil {
			return nil, fmt.Errorf("attacker: %w", err)
		}
		defender, err := contestant(p.sub("defender"))
		if err != nil {
			return nil, fmt.Errorf("defender: %w", err)
		}
		return engine.Oppose{Attacker: attacker, Defender: defender, Reason: p.str("reason")}, nil

	case "apply_damage":
		amt, err := p.amount("amount")
		if err != nil {
			return nil, err
		}
		return engine.Damage{PlayerID: playerID, Amount: amt, Source: p.str("source", "reason")}, nil

	case "apply_sanity_change":
		amt, err := p.amount("amount")
		if err != nil {
			return nil, err
		}
		return engine.SanityChange{
			PlayerID: playerID,
			Amount:   amt,
			Loss:     amt.Expression != "" && !strings.HasPrefix(amt.Expression, "+"),
			Source:   p.str("source", "reason"),
		}, nil

	case "update_player_attribute":
		delta, err := p.requireInt("delta")
		if err != nil {
			return nil, err
		}
		return engine.AdjustAttribute{PlayerID: playerID, Attribute: p.str("attribute", "attribute_name", "stat"), Delta: delta}, nil

	case "add_status":
		return engine.AddStatus{PlayerID: playerID, Tag: p.str("status", "tag"), Public: p.boolean("public", true)}, nil

	case "remove_status":
		return engine.RemoveStatus{PlayerID: playerID, Tag: p.str("status", "tag")}, nil

	case "add_clue":
		return engine.AddFindings{PlayerID: playerID, Kind: engine.FindingClue, Findings: findings(p, "clue")}, nil

	case "add_item":
		return engine.AddFindings{PlayerID: playerID, Kind: engine.FindingItem, Findings: findings(p, "item")}, nil

	case "add_note":
		return engine.AddNote{PlayerID: playerID, Note: p.str("note", "text", "content")}, nil

	case "set_flag":
		return engine.SetFlag{Key: p.str("key", "flag", "name"), Value: p.boolean("value", true), Secrecy: p.secrecy()}, nil

	case "set_clock":
		value, err := p.requireInt("value")
		if err != nil {
			return nil, err
		}
		limit, _, err := p.integer("max")
		if err != nil {
			return nil, err
		}
		return engine.SetClock{Key: p.str("key", "clock", "name"), Value: value, Max: limit, Secrecy: p.secrecy()}, nil

	case "set_scene_note":
		return engine.SetSceneNote{Key: p.str("key", "scene", "name"), Text: p.str("text", "note", "content"), Secrecy: p.secrecy()}, nil

	case "end_module":
		if !p.has("ending_id") || !p.has("description") {
			return nil, errors.New("end_module requires ending_id and description")
		}
		return engine.EndModule{EndingID: p.str("ending_id"), Description: p.str("description")}, nil

	case "":
		return nil, errors.New("function_name is required")
	}
	return nil, fmt.Errorf("unknown function %q", call.FunctionName)
}

func buildRoll(p params, depth int) (engine.Op, error) {
	if depth > 0 {
		return nil, errors.New("consequences cannot contain checks")
	}
	if expr := p.str("dice_expression", "expression"); expr != "" && !p.has("skill_name") && !p.has("target") {
		return engine.Roll{PlayerID: p.str("player_id", "actor_id"), Expression: expr, Reason: p.str("reason")}, nil
	}
	c, err := contestant(p)
	if err != nil {
		return nil, err
	}
	check := engine.Check{Contestant: c, Reason: p.str("reason")}
	if check.OnSuccess, err = consequences(p.r.Get("on_success")); err != nil {
		return nil, fmt.Errorf("on_success: %w", err)
	}
	if check.OnFailure, err = consequences(p.r.Get("on_failure")); err != nil {
		return nil, fmt.Errorf("on_failure: %w", err)
	}
	return check, nil
}

func contestant(p params) (engine.Contestant, error) {
	c := engine.Contestant{
		PlayerID: p.str("player_id", "actor_id"),
		Label:    p.str("name", "label"),
		Skill:    p.str("skill_name", "skill", "attribute"),
		Tier:     rules.Tier(strings.ToLower(p.str("difficulty", "tier"))),
	}
	target, ok, err := p.integer("target")
	if err != nil {
		return c, err
	}
	if ok {
		c.Target = &target
	}
	if c.Bonus, _, err = p.integer("bonus_dice"); err != nil {
		return c, err
	}
	if c.Penalty, _, err = p.integer("penalty_dice"); err != nil {
		return c, err
	}
	return c, nil
}

func consequences(list gjson.Result) ([]engine.Op, error) {
	if !list.Exists() || list.Type == gjson.Null {
		return nil, nil
	}
	if !list.IsArray() {
		return nil, errors.New("must be a list of actions")
	}
	var ops []engine.Op
	for i, item := range list.Array() {
		call := Call{
			FunctionName: item.Get("function_name").String(),
			Parameters:   json.RawMessage(item.Get("parameters").Raw),
		}
		op, err := buildOp(call, 1)
		if err != nil {
			return nil, fmt.Errorf("[%d] %s: %w", i, call.FunctionName, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// findings accepts "clue", "clues", or a bare description on the call.
func findings(p params, key string) []investigator.Finding {
	var raw []gjson.Result
	raw = append(raw, p.r.Get(key+"s").Array()...)
	if v := p.r.Get(key); v.Exists() {
		raw = append(raw, v)
	}
	if len(raw) == 0 && (p.has("description") || p.has("name")) {
		raw = append(raw, p.r)
	}
	var out []investigator.Finding
	for _, r := range raw {
		f := normalizeFinding(r)
		if f.Description != "" {
			out = append(out, f)
		}
	}
	return out
}

func normalizeFinding(r gjson.Result) investigator.Finding {
	if r.Type == gjson.String {
		return investigator.Finding{Description: strings.TrimSpace(r.Str)}
	}
	if !r.IsObject() {
		return investigator.Finding{}
	}
	f := investigator.Finding{Reveal: r.Get("reveal").String(), Effect: r.Get("effect").String()}
	for _, k := range []string{"description", "name", "clue_id", "item_id", "id"} {
		if s := strings.TrimSpace(r.Get(k).String()); s != "" {
			f.Description = s
			break
		}
	}
	return f
}
