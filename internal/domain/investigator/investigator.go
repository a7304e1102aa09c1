// Package investigator defines the player-character entity of a session.
// This package is PURE and must NOT import any infrastructure packages (network, events, platform).
package investigator

import (
	"fmt"
	"slices"
	"strings"
)

// DefaultSkillMax is the skill ceiling when none is configured.
const DefaultSkillMax = 99

// Domain maxima for bounded stats.
const (
	maxSanity = 99
	maxLuck   = 99
)

// Attributes are the eight characteristics, each 0..100+.
type Attributes struct {
	Str int `json:"str"`
	Dex int `json:"dex"`
	Int int `json:"int"`
	Con int `json:"con"`
	App int `json:"app"`
	Pow int `json:"pow"`
	Siz int `json:"siz"`
	Edu int `json:"edu"`
}

// AttributeNames lists the characteristic keys in sheet order.
var AttributeNames = []string{"str", "dex", "int", "con", "app", "pow", "siz", "edu"}

func (a *Attributes) field(name string) *int {
	switch name {
	case "str":
		return &a.Str
	case "dex":
		return &a.Dex
	case "int":
		return &a.Int
	case "con":
		return &a.Con
	case "app":
		return &a.App
	case "pow":
		return &a.Pow
	case "siz":
		return &a.Siz
	case "edu":
		return &a.Edu
	}
	return nil
}

// Stats are the derived pools. All are non-negative.
type Stats struct {
	HP     int `json:"hp"`
	HPMax  int `json:"hp_max"`
	SAN    int `json:"san"`
	SANMax int `json:"san_max"`
	MP     int `json:"mp"`
	Luck   int `json:"luck"`
}

// StatNames lists the stat keys.
var StatNames = []string{"hp", "hp_max", "san", "san_max", "mp", "luck"}

func (s *Stats) field(name string) *int {
	switch name {
	case "hp":
		return &s.HP
	case "hp_max":
		return &s.HPMax
	case "san":
		return &s.SAN
	case "san_max":
		return &s.SANMax
	case "mp":
		return &s.MP
	case "luck":
		return &s.Luck
	}
	return nil
}

// Condition is a status tag. Private conditions are hidden from other players.
type Condition struct {
	Tag    string `json:"tag"`
	Public bool   `json:"public"`
}

// Finding is a clue or an item discovered by an investigator.
type Finding struct {
	Description string `json:"description"`
	Reveal      string `json:"reveal,omitempty"`
	Effect      string `json:"effect,omitempty"`
}

// Secrets are visible only to the owner and the host.
type Secrets struct {
	Clues []Finding `json:"clues,omitempty"`
	Items []Finding `json:"items,omitempty"`
	Notes []string  `json:"notes,omitempty"`
}

// IsZero reports whether there is nothing secret.
func (s Secrets) IsZero() bool {
	return len(s.Clues) == 0 && len(s.Items) == 0 && len(s.Notes) == 0
}

// Investigator represents a player's character in the session.
type Investigator struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Gender     string         `json:"gender"`
	Color      string         `json:"color"`
	Profession string         `json:"profession"`
	Background string         `json:"background,omitempty"`
	MachineID  string         `json:"machine_id,omitempty"`
	Attributes Attributes     `json:"attributes"`
	Stats      Stats          `json:"stats"`
	Skills     map[string]int `json:"skills"`
	Conditions []Condition    `json:"conditions"`
	Secrets    Secrets        `json:"secrets"`
}

// New creates an investigator with default characteristics and the
// profession's skill preset. Unknown professions get no skills.
func New(id, name, profession string) *Investigator {
	inv := &Investigator{
		ID:         id,
		Name:       name,
		Profession: profession,
		Attributes: Attributes{50, 50, 50, 50, 50, 50, 50, 50},
		Stats:      Stats{HP: 10, HPMax: 10, SAN: 60, SANMax: 60, MP: 10, Luck: 50},
		Skills:     make(map[string]int),
		Conditions: []Condition{},
	}
	if p, ok := LookupProfession(profession); ok {
		for skill, v := range p.Skills {
			inv.Skills[skill] = v
		}
	}
	return inv
}

// ClaimableBy reports whether a device should be offered this investigator:
// it is bound to machineID, or unbound when includeUnbound is set.
func (inv *Investigator) ClaimableBy(machineID string, includeUnbound bool) bool {
	if inv.MachineID == machineID {
		return true
	}
	return includeUnbound && inv.MachineID == ""
}

// Clone returns a deep copy.
func (inv *Investigator) Clone() *Investigator {
	if inv == nil {
		return nil
	}
	c := *inv
	c.Skills = make(map[string]int, len(inv.Skills))
	for k, v := range inv.Skills {
		c.Skills[k] = v
	}
	c.Conditions = slices.Clone(inv.Conditions)
	if c.Conditions == nil {
		c.Conditions = []Condition{}
	}
	c.Secrets = Secrets{
		Clues: slices.Clone(inv.Secrets.Clues),
		Items: slices.Clone(inv.Secrets.Items),
		Notes: slices.Clone(inv.Secrets.Notes),
	}
	return &c
}

// Clamp forces every numeric field into its domain bounds.
func (inv *Investigator) Clamp(skillMax int) {
	if skillMax <= 0 {
		skillMax = DefaultSkillMax
	}
	for _, name := range AttributeNames {
		p := inv.Attributes.field(name)
		*p = max(0, *p)
	}
	s := &inv.Stats
	s.HPMax = max(1, s.HPMax)
	s.SANMax = clamp(s.SANMax, 1, maxSanity)
	s.HP = clamp(s.HP, 0, s.HPMax)
	s.SAN = clamp(s.SAN, 0, s.SANMax)
	s.MP = max(0, s.MP)
	s.Luck = clamp(s.Luck, 0, maxLuck)
	for k, v := range inv.Skills {
		inv.Skills[k] = clamp(v, 0, skillMax)
	}
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// Value resolves a check target by name: skill first, then attribute, then stat.
func (inv *Investigator) Value(name string) (int, bool) {
	key := normalize(name)
	if v, ok := inv.Skills[key]; ok {
		return v, true
	}
	if p := inv.Attributes.field(key); p != nil {
		return *p, true
	}
	if p := inv.Stats.field(key); p != nil {
		return *p, true
	}
	return 0, false
}

// Adjust adds delta to a named attribute, stat or "skills.<name>" entry
// and clamps the sheet. It returns the resulting value.
func (inv *Investigator) Adjust(name string, delta, skillMax int) (int, error) {
	key := normalize(name)
	var p *int
	switch {
	case strings.HasPrefix(key, "skills."):
		skill := strings.TrimPrefix(key, "skills.")
		if skill == "" {
			return 0, fmt.Errorf("empty skill name")
		}
		if inv.Skills == nil {
			inv.Skills = make(map[string]int)
		}
		v := inv.Skills[skill] + delta
		inv.Skills[skill] = v
		inv.Clamp(skillMax)
		return inv.Skills[skill], nil
	case inv.Attributes.field(key) != nil:
		p = inv.Attributes.field(key)
	case inv.Stats.field(key) != nil:
		p = inv.Stats.field(key)
	default:
		return 0, fmt.Errorf("unknown attribute %q", name)
	}
	*p += delta
	inv.Clamp(skillMax)
	return *p, nil
}

// IsIncapacitated reports a dead or permanently insane investigator.
func (inv *Investigator) IsIncapacitated() bool {
	return inv.Stats.HP <= 0 || inv.Stats.SAN <= 0
}

// HasCondition reports whether the tag is present.
func (inv *Investigator) HasCondition(tag string) bool {
	return slices.ContainsFunc(inv.Conditions, func(c Condition) bool { return c.Tag == tag })
}

// AddCondition adds a tag; an existing tag only has its visibility updated.
// It reports whether anything changed.
func (inv *Investigator) AddCondition(tag string, public bool) bool {
	for i, c := range inv.Conditions {
		if c.Tag == tag {
			if c.Public == public {
				return false
			}
			inv.Conditions[i].Public = public
			return true
		}
	}
	inv.Conditions = append(inv.Conditions, Condition{Tag: tag, Public: public})
	return true
}

// RemoveCondition removes a tag and reports whether it was present.
func (inv *Investigator) RemoveCondition(tag string) bool {
	before := len(inv.Conditions)
	inv.Conditions = slices.DeleteFunc(inv.Conditions, func(c Condition) bool { return c.Tag == tag })
	return len(inv.Conditions) != before
}

// PublicConditions returns only the conditions other players may see.
func (inv *Investigator) PublicConditions() []Condition {
	out := []Condition{}
	for _, c := range inv.Conditions {
		if c.Public {
			out = append(out, c)
		}
	}
	return out
}

// MergeFindings appends incoming findings whose description is new.
// It returns the merged list and how many were added.
func MergeFindings(existing, incoming []Finding) ([]Finding, int) {
	known := make(map[string]bool, len(existing))
	for _, f := range existing {
		known[f.Description] = true
	}
	added := 0
	for _, f := range incoming {
		if f.Description == "" || known[f.Description] {
			continue
		}
		existing = append(existing, f)
		known[f.Description] = true
		added++
	}
	return existing, added
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
