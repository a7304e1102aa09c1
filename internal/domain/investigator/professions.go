package investigator

import "sort"

// Profession is a character-creation preset.
type Profession struct {
	Key     string         `json:"key"`
	Label   string         `json:"label"`
	LabelZH string         `json:"label_zh"`
	Skills  map[string]int `json:"skills"`
}

var professions = map[string]Profession{
	"retired_soldier":   {"retired_soldier", "Retired Soldier", "退役士兵", map[string]int{"firearms": 60, "survival": 45, "intimidation": 50, "first_aid": 30, "spot_hidden": 35, "brawl": 55}},
	"police":            {"police", "Police", "警察", map[string]int{"law": 55, "spot_hidden": 55, "firearms": 50, "psychology": 35, "fast_talk": 30, "brawl": 45}},
	"doctor":            {"doctor", "Doctor", "医生", map[string]int{"medicine": 70, "first_aid": 60, "psychology": 40, "research": 40, "spot_hidden": 25, "persuade": 30}},
	"professor":         {"professor", "Professor", "大学教授", map[string]int{"library_use": 65, "history": 55, "research": 55, "occult": 25, "psychology": 20, "persuade": 30}},
	"private_detective": {"private_detective", "Private Detective", "私人侦探", map[string]int{"psychology": 45, "spot_hidden": 65, "law": 40, "fast_talk": 45, "sneak": 40, "firearms": 40}},
	"journalist":        {"journalist", "Journalist", "记者", map[string]int{"persuade": 55, "research": 60, "fast_talk": 45, "psychology": 30, "spot_hidden": 35, "photography": 30}},
	"occult_researcher": {"occult_researcher", "Occult Researcher", "神秘学研究者", map[string]int{"occult": 75, "mythos": 25, "history": 45, "library_use": 45, "research": 40, "psychology": 25}},
	"engineer":          {"engineer", "Engineer", "工程师", map[string]int{"mechanical_repair": 65, "electrical_repair": 55, "research": 40, "spot_hidden": 30, "navigate": 25, "survival": 20}},
	"archaeologist":     {"archaeologist", "Archaeologist", "考古学家", map[string]int{"archaeology": 65, "history": 55, "spot_hidden": 40, "navigate": 30, "library_use": 35, "persuade": 25}},
	"lawyer":            {"lawyer", "Lawyer", "律师", map[string]int{"law": 75, "persuade": 50, "credit_rating": 55, "psychology": 30, "fast_talk": 35, "research": 35}},
	"nurse":             {"nurse", "Nurse", "护士", map[string]int{"first_aid": 70, "medicine": 45, "psychology": 40, "persuade": 30, "spot_hidden": 25, "fast_talk": 20}},
	"photojournalist":   {"photojournalist", "Photojournalist", "摄影记者", map[string]int{"photography": 75, "spot_hidden": 45, "sneak": 40, "persuade": 35, "research": 35, "fast_talk": 30}},
	"librarian":         {"librarian", "Librarian", "图书馆员", map[string]int{"library_use": 75, "research": 55, "history": 40, "occult": 20, "spot_hidden": 25, "persuade": 25}},
	"antiquarian":       {"antiquarian", "Antiquarian", "古董商", map[string]int{"credit_rating": 60, "appraisal": 60, "history": 45, "persuade": 35, "occult": 30, "spot_hidden": 25}},
	"stage_magician":    {"stage_magician", "Stage Magician", "舞台魔术师", map[string]int{"sleight_of_hand": 70, "fast_talk": 55, "psychology": 35, "spot_hidden": 30, "persuade": 30, "sneak": 25}},
	"pilot":             {"pilot", "Pilot", "飞行员", map[string]int{"pilot": 75, "navigate": 55, "mechanical_repair": 45, "spot_hidden": 30, "survival": 30, "firearms": 20}},
	"dockworker":        {"dockworker", "Dockworker", "码头工人", map[string]int{"brawl": 65, "intimidation": 45, "spot_hidden": 35, "survival": 30, "mechanical_repair": 25, "sneak": 20}},
	"chemist":           {"chemist", "Chemist", "化学师", map[string]int{"chemistry": 75, "medicine": 35, "research": 45, "occult": 20, "spot_hidden": 25, "library_use": 30}},
}

// LookupProfession returns a copy of the preset.
func LookupProfession(key string) (Profession, bool) {
	p, ok := professions[key]
	if !ok {
		return Profession{}, false
	}
	skills := make(map[string]int, len(p.Skills))
	for k, v := range p.Skills {
		skills[k] = v
	}
	p.Skills = skills
	return p, true
}

// Professions lists every preset sorted by key.
func Professions() []Profession {
	keys := make([]string, 0, len(professions))
	for k := range professions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Profession, 0, len(keys))
	for _, k := range keys {
		p, _ := LookupProfession(k)
		out = append(out, p)
	}
	return out
}
