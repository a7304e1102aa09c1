package engine

import (
	"fmt"
	"strings"

	"github.com/MRamiBalles/KeeperTable/internal/domain/investigator"
	"github.com/MRamiBalles/KeeperTable/internal/domain/rules"
	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
)

// txn applies one action to a private clone of the state.
type txn struct {
	state    *state.Canonical
	roller   *rules.Roller
	skillMax int
	action   *Action
	entries  []events.HistoryEntry
}

func (tx *txn) run() error {
	a := tx.action
	if !a.Text.IsZero() {
		tx.entries = append(tx.entries, events.HistoryEntry{
			ActorType:  a.ActorType,
			ActorID:    a.ActorID,
			ActionType: textType(a),
			Scope:      a.Scope,
			Text:       a.Text,
		})
	}
	if a.Op == nil {
		return nil
	}
	if err := a.Op.Validate(tx.state); err != nil {
		return err
	}
	return a.Op.apply(tx)
}

func textType(a *Action) events.ActionType {
	if a.TextType != "" {
		return a.TextType
	}
	switch a.ActorType {
	case events.ActorPlayer:
		return events.ActionPlayer
	case events.ActorSystem:
		return events.ActionRuleResolution
	default:
		return events.ActionNarration
	}
}

// record emits a system entry for a mutation, listing the paths fn changed.
func (tx *txn) record(kind events.ActionType, scope events.Scope, text events.Text, fn func() error) error {
	before := tx.state.Clone()
	if err := fn(); err != nil {
		return err
	}
	changes, err := state.Diff(before, tx.state)
	if err != nil {
		return err
	}
	tx.entries = append(tx.entries, events.HistoryEntry{
		ActorType:  events.ActorSystem,
		ActorID:    "system",
		ActionType: kind,
		Scope:      scope,
		Text:       text,
		Changes:    state.Paths(changes),
	})
	return nil
}

// private narrows the action's scope to the owner of a secret field.
func (tx *txn) private(playerID string) events.Scope {
	s := tx.action.Scope
	switch s.Audience {
	case events.AudienceHost:
		return s
	case events.AudienceOwner:
		if s.Includes(playerID) {
			return s
		}
		return events.OwnerOnly(append(append([]string{}, s.Owners...), playerID)...)
	}
	return events.OwnerOnly(playerID)
}

func (tx *txn) secrecyScope(sec state.Secrecy) events.Scope {
	if sec == state.SecrecyHostOnly {
		return events.HostOnly()
	}
	return tx.action.Scope
}

func (tx *txn) label(playerID string) string {
	if p, ok := tx.state.Player(playerID); ok && p.Name != "" {
		return p.Name
	}
	return playerID
}

func (tx *txn) amount(a Amount) (int, *rules.ExpressionResult, error) {
	if a.Expression == "" {
		return a.Value, nil, nil
	}
	res, err := tx.roller.RollExpression(a.Expression)
	if err != nil {
		return 0, nil, invalid("%v", err)
	}
	return res.Total, &res, nil
}

func (tx *txn) resolve(c Contestant) (rules.Result, error) {
	target, err := c.resolveTarget(tx.state)
	if err != nil {
		return rules.Result{}, err
	}
	mode, n, err := rules.NetMode(c.Bonus, c.Penalty)
	if err != nil {
		return rules.Result{}, invalid("%v", err)
	}
	tier := c.Tier
	if tier == "" {
		tier = rules.TierRegular
	}
	res, err := tx.roller.Resolve(target, tier, mode, n)
	if err != nil {
		return rules.Result{}, invalid("%v", err)
	}
	res.Skill = c.Skill
	return res, nil
}

func (c Contestant) name(tx *txn) string {
	switch {
	case c.Label != "":
		return c.Label
	case c.PlayerID != "":
		return tx.label(c.PlayerID)
	}
	return "?"
}

var levelZH = map[rules.Level]string{
	rules.LevelCritical: "大成功",
	rules.LevelExtreme:  "极难成功",
	rules.LevelHard:     "困难成功",
	rules.LevelRegular:  "成功",
	rules.LevelFailure:  "失败",
	rules.LevelFumble:   "大失败",
}

func (c Check) apply(tx *txn) error {
	res, err := tx.resolve(c.Contestant)
	if err != nil {
		return err
	}
	who, skill := c.name(tx), c.Skill
	if skill == "" {
		skill = "check"
	}
	text := events.Text{
		ZH: fmt.Sprintf("%s 进行 %s 检定（%s）：%d/%d，%s。%s", who, skill, res.Tier, res.Roll, res.Target, levelZH[res.Level], c.Reason),
		EN: fmt.Sprintf("%s rolls %s (%s): %d vs %d, %s. %s", who, skill, res.Tier, res.Roll, res.Target, res.Level, c.Reason),
	}
	tx.entries = append(tx.entries, events.HistoryEntry{
		ActorType:  events.ActorSystem,
		ActorID:    "system",
		ActionType: events.ActionDiceRoll,
		Scope:      tx.action.Scope,
		Text:       trimText(text),
		Check:      &res,
	})

	consequences := c.OnFailure
	if res.Success {
		consequences = c.OnSuccess
	}
	for _, op := range consequences {
		if err := op.Validate(tx.state); err != nil {
			return fmt.Errorf("%s consequence: %w", op.Name(), err)
		}
		if err := op.apply(tx); err != nil {
			return fmt.Errorf("%s consequence: %w", op.Name(), err)
		}
	}
	return nil
}

func (r Roll) apply(tx *txn) error {
	res, err := tx.roller.RollExpression(r.Expression)
	if err != nil {
		return invalid("%v", err)
	}
	text := events.Text{
		ZH: fmt.Sprintf("掷骰 %s，结果 %d。%s", res.Expression, res.Total, r.Reason),
		EN: fmt.Sprintf("Rolled %s, result %d. %s", res.Expression, res.Total, r.Reason),
	}
	tx.entries = append(tx.entries, events.HistoryEntry{
		ActorType:  events.ActorSystem,
		ActorID:    "system",
		ActionType: events.ActionDiceRoll,
		Scope:      tx.action.Scope,
		Text:       trimText(text),
		Roll:       &res,
	})
	return nil
}

func (o Oppose) apply(tx *txn) error {
	a, err := tx.resolve(o.Attacker)
	if err != nil {
		return fmt.Errorf("attacker: %w", err)
	}
	d, err := tx.resolve(o.Defender)
	if err != nil {
		return fmt.Errorf("defender: %w", err)
	}
	out := rules.Oppose(a, d)
	winnerZH, winnerEN := "平局", "tie"
	switch out.Winner {
	case rules.WinnerAttacker:
		winnerZH, winnerEN = o.Attacker.name(tx), o.Attacker.name(tx)
	case rules.WinnerDefender:
		winnerZH, winnerEN = o.Defender.name(tx), o.Defender.name(tx)
	}
	text := events.Text{
		ZH: fmt.Sprintf("对抗检定：%s %d/%d 对 %s %d/%d，胜者 %s。%s", o.Attacker.name(tx), a.Roll, a.Target, o.Defender.name(tx), d.Roll, d.Target, winnerZH, o.Reason),
		EN: fmt.Sprintf("Opposed check: %s %d vs %d against %s %d vs %d, winner %s. %s", o.Attacker.name(tx), a.Roll, a.Target, o.Defender.name(tx), d.Roll, d.Target, winnerEN, o.Reason),
	}
	tx.entries = append(tx.entries, events.HistoryEntry{
		ActorType:  events.ActorSystem,
		ActorID:    "system",
		ActionType: events.ActionRuleResolution,
		Scope:      tx.action.Scope,
		Text:       trimText(text),
		Opposed:    &out,
	})
	return nil
}

func (d Damage) apply(tx *txn) error {
	amount, roll, err := tx.amount(d.Amount)
	if err != nil {
		return err
	}
	// A rolled expression with a negative modifier can dip below zero.
	amount = max(amount, 0)
	text := events.Text{
		ZH: fmt.Sprintf("%s 受到 %d 点伤害。", tx.label(d.PlayerID), amount),
		EN: fmt.Sprintf("%s takes %d damage.", tx.label(d.PlayerID), amount),
	}
	err = tx.record(events.ActionStateUpdate, tx.action.Scope, text, func() error {
		p := tx.state.Players[d.PlayerID]
		p.Stats.HP -= amount
		p.Clamp(tx.skillMax)
		return nil
	})
	tx.attachRoll(roll)
	return err
}

func (c SanityChange) apply(tx *txn) error {
	amount, roll, err := tx.amount(c.Amount)
	if err != nil {
		return err
	}
	if c.Loss && amount > 0 {
		amount = -amount
	}
	text := events.Text{
		ZH: fmt.Sprintf("%s 理智变化 %+d。", tx.label(c.PlayerID), amount),
		EN: fmt.Sprintf("%s sanity changes by %+d.", tx.label(c.PlayerID), amount),
	}
	err = tx.record(events.ActionStateUpdate, tx.action.Scope, text, func() error {
		p := tx.state.Players[c.PlayerID]
		p.Stats.SAN += amount
		p.Clamp(tx.skillMax)
		return nil
	})
	tx.attachRoll(roll)
	return err
}

// attachRoll folds a rolled amount into the entry just recorded.
func (tx *txn) attachRoll(roll *rules.ExpressionResult) {
	if roll != nil && len(tx.entries) > 0 {
		tx.entries[len(tx.entries)-1].Roll = roll
	}
}

func (a AdjustAttribute) apply(tx *txn) error {
	text := events.Text{
		ZH: fmt.Sprintf("%s 的 %s 变化 %+d。", tx.label(a.PlayerID), a.Attribute, a.Delta),
		EN: fmt.Sprintf("%s's %s changes by %+d.", tx.label(a.PlayerID), a.Attribute, a.Delta),
	}
	scope := tx.action.Scope
	return tx.record(events.ActionStateUpdate, scope, text, func() error {
		_, err := tx.state.Players[a.PlayerID].Adjust(a.Attribute, a.Delta, tx.skillMax)
		if err != nil {
			return invalid("%v", err)
		}
		return nil
	})
}

func (a AddStatus) apply(tx *txn) error {
	scope := tx.action.Scope
	if !a.Public {
		scope = tx.private(a.PlayerID)
	}
	text := events.Text{
		ZH: fmt.Sprintf("%s 获得状态：%s。", tx.label(a.PlayerID), a.Tag),
		EN: fmt.Sprintf("%s gains status: %s.", tx.label(a.PlayerID), a.Tag),
	}
	return tx.record(events.ActionStateUpdate, scope, text, func() error {
		tx.state.Players[a.PlayerID].AddCondition(strings.TrimSpace(a.Tag), a.Public)
		return nil
	})
}

func (r RemoveStatus) apply(tx *txn) error {
	scope := tx.action.Scope
	if p := tx.state.Players[r.PlayerID]; p.HasCondition(r.Tag) {
		for _, c := range p.Conditions {
			if c.Tag == r.Tag && !c.Public {
				scope = tx.private(r.PlayerID)
			}
		}
	}
	text := events.Text{
		ZH: fmt.Sprintf("%s 移除状态：%s。", tx.label(r.PlayerID), r.Tag),
		EN: fmt.Sprintf("%s loses status: %s.", tx.label(r.PlayerID), r.Tag),
	}
	return tx.record(events.ActionStateUpdate, scope, text, func() error {
		tx.state.Players[r.PlayerID].RemoveCondition(r.Tag)
		return nil
	})
}

func (a AddFindings) apply(tx *txn) error {
	descriptions := make([]string, 0, len(a.Findings))
	for _, f := range a.Findings {
		if f.Description != "" {
			descriptions = append(descriptions, f.Description)
		}
	}
	kindZH := "线索"
	if a.Kind == FindingItem {
		kindZH = "物品"
	}
	text := events.Text{
		ZH: fmt.Sprintf("%s 获得%s：%s。", tx.label(a.PlayerID), kindZH, strings.Join(descriptions, "；")),
		EN: fmt.Sprintf("%s gains %s: %s.", tx.label(a.PlayerID), a.Kind, strings.Join(descriptions, "; ")),
	}
	return tx.record(events.ActionStateUpdate, tx.private(a.PlayerID), text, func() error {
		secrets := &tx.state.Players[a.PlayerID].Secrets
		if a.Kind == FindingItem {
			secrets.Items, _ = investigator.MergeFindings(secrets.Items, a.Findings)
		} else {
			secrets.Clues, _ = investigator.MergeFindings(secrets.Clues, a.Findings)
		}
		return nil
	})
}

func (a AddNote) apply(tx *txn) error {
	text := events.Text{
		ZH: fmt.Sprintf("%s 记下：%s", tx.label(a.PlayerID), a.Note),
		EN: fmt.Sprintf("%s notes: %s", tx.label(a.PlayerID), a.Note),
	}
	return tx.record(events.ActionStateUpdate, tx.private(a.PlayerID), text, func() error {
		p := tx.state.Players[a.PlayerID]
		p.Secrets.Notes = append(p.Secrets.Notes, a.Note)
		return nil
	})
}

// resolveSecrecy keeps the current secrecy of an existing field when the
// action does not name one. New fields default to public.
func resolveSecrecy(want, current state.Secrecy, exists bool) state.Secrecy {
	switch {
	case want != "":
		return want
	case exists && current != "":
		return current
	}
	return state.SecrecyPublic
}

func (f SetFlag) apply(tx *txn) error {
	old, exists := tx.state.World.Flags[f.Key]
	sec := resolveSecrecy(f.Secrecy, old.Secrecy, exists)
	text := events.Text{
		ZH: fmt.Sprintf("世界标记 %s = %t。", f.Key, f.Value),
		EN: fmt.Sprintf("World flag %s = %t.", f.Key, f.Value),
	}
	return tx.record(events.ActionStateUpdate, tx.secrecyScope(sec), text, func() error {
		tx.state.World.Flags[f.Key] = state.Flag{Value: f.Value, Secrecy: sec}
		return nil
	})
}

func (c SetClock) apply(tx *txn) error {
	v := max(0, c.Value)
	if c.Max > 0 {
		v = min(v, c.Max)
	}
	old, exists := tx.state.World.Clocks[c.Key]
	sec := resolveSecrecy(c.Secrecy, old.Secrecy, exists)
	text := events.Text{
		ZH: fmt.Sprintf("进度 %s：%d。", c.Key, v),
		EN: fmt.Sprintf("Clock %s: %d.", c.Key, v),
	}
	return tx.record(events.ActionStateUpdate, tx.secrecyScope(sec), text, func() error {
		tx.state.World.Clocks[c.Key] = state.Clock{Value: v, Max: c.Max, Secrecy: sec}
		return nil
	})
}

func (n SetSceneNote) apply(tx *txn) error {
	text := events.Text{
		ZH: fmt.Sprintf("场景记录 %s 已更新。", n.Key),
		EN: fmt.Sprintf("Scene note %s updated.", n.Key),
	}
	old, exists := tx.state.World.Notes[n.Key]
	sec := resolveSecrecy(n.Secrecy, old.Secrecy, exists)
	scope := tx.secrecyScope(sec)
	if exists && old.Secrecy == state.SecrecyHostOnly {
		scope = events.HostOnly()
	}
	return tx.record(events.ActionStateUpdate, scope, text, func() error {
		if n.Text == "" {
			delete(tx.state.World.Notes, n.Key)
			return nil
		}
		tx.state.World.Notes[n.Key] = state.Note{Text: n.Text, Secrecy: sec}
		return nil
	})
}

func (e EndModule) apply(tx *txn) error {
	text := events.Text{
		ZH: fmt.Sprintf("模组结束（%s）：%s", e.EndingID, e.Description),
		EN: fmt.Sprintf("Module ended (%s): %s", e.EndingID, e.Description),
	}
	return tx.record(events.ActionRuleResolution, events.Public(), text, func() error {
		tx.state.Status = state.StatusEnded
		return nil
	})
}

func (c CreateCharacter) apply(tx *txn) error {
	inv := c.Investigator.Clone()
	inv.Clamp(tx.skillMax)
	text := events.Text{
		ZH: fmt.Sprintf("%s 加入了调查。", inv.Name),
		EN: fmt.Sprintf("%s joined the investigation.", inv.Name),
	}
	return tx.record(events.ActionStateUpdate, events.Public(), text, func() error {
		tx.state.Players[inv.ID] = inv
		return nil
	})
}

func (c ClaimPlayer) apply(tx *txn) error {
	text := events.Text{
		ZH: fmt.Sprintf("%s 已绑定到设备 %s。", tx.label(c.PlayerID), c.MachineID),
		EN: fmt.Sprintf("%s is now bound to device %s.", tx.label(c.PlayerID), c.MachineID),
	}
	return tx.record(events.ActionStateUpdate, events.HostOnly(), text, func() error {
		tx.state.Players[c.PlayerID].MachineID = c.MachineID
		return nil
	})
}

func (m StartModule) apply(tx *txn) error {
	text := events.Text{
		ZH: "调查开始。",
		EN: "The investigation begins.",
	}
	return tx.record(events.ActionRuleResolution, events.Public(), text, func() error {
		if m.Module != "" {
			tx.state.Module = m.Module
		}
		tx.state.Status = state.StatusActive
		return nil
	})
}

func (d Diagnostic) apply(tx *txn) error {
	tx.entries = append(tx.entries, diagnosticEntry(d.Messages))
	return nil
}

func diagnosticEntry(messages []string) events.HistoryEntry {
	return events.HistoryEntry{
		ActorType:  events.ActorSystem,
		ActorID:    "system",
		ActionType: events.ActionDiagnostic,
		Scope:      events.HostOnly(),
		Text: events.Text{
			ZH: "已拒绝无效动作：" + strings.Join(messages, "；"),
			EN: "Rejected invalid action: " + strings.Join(messages, "; "),
		},
		Diagnostics: messages,
	}
}

func trimText(t events.Text) events.Text {
	return events.Text{ZH: strings.TrimSpace(t.ZH), EN: strings.TrimSpace(t.EN)}
}
