package investigator

import (
	"reflect"
	"testing"
)

func TestNewAppliesProfession(t *testing.T) {
	inv := New("p1", "Ada", "doctor")
	if inv.Skills["medicine"] != 70 {
		t.Fatalf("expected medicine 70, got %d", inv.Skills["medicine"])
	}
	if inv.Stats.SAN != 60 || inv.Stats.HP != 10 {
		t.Fatalf("unexpected default stats %+v", inv.Stats)
	}

	inv.Skills["medicine"] = 1
	if p, _ := LookupProfession("doctor"); p.Skills["medicine"] != 70 {
		t.Fatal("mutating an investigator leaked into the preset")
	}
}

func TestProfessionsSorted(t *testing.T) {
	list := Professions()
	if len(list) != 18 {
		t.Fatalf("expected 18 professions, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Key >= list[i].Key {
			t.Fatalf("professions not sorted at %d", i)
		}
	}
}

func TestClamp(t *testing.T) {
	inv := New("p1", "Ada", "")
	inv.Stats = Stats{HP: 20, HPMax: 0, SAN: -5, SANMax: 150, MP: -1, Luck: 120}
	inv.Skills["occult"] = 130
	inv.Skills["dodge"] = -3
	inv.Attributes.Str = -10

	inv.Clamp(90)

	want := Stats{HP: 1, HPMax: 1, SAN: 0, SANMax: 99, MP: 0, Luck: 99}
	if inv.Stats != want {
		t.Fatalf("got %+v, want %+v", inv.Stats, want)
	}
	if inv.Skills["occult"] != 90 || inv.Skills["dodge"] != 0 {
		t.Fatalf("skills not clamped: %v", inv.Skills)
	}
	if inv.Attributes.Str != 0 {
		t.Fatalf("attribute not clamped: %d", inv.Attributes.Str)
	}
}

func TestValueResolutionOrder(t *testing.T) {
	inv := New("p1", "Ada", "")
	inv.Skills["pow"] = 12
	inv.Attributes.Pow = 65

	if v, ok := inv.Value("POW"); !ok || v != 12 {
		t.Fatalf("skill should shadow attribute, got %d %v", v, ok)
	}
	if v, ok := inv.Value("dex"); !ok || v != 50 {
		t.Fatalf("attribute lookup: %d %v", v, ok)
	}
	if v, ok := inv.Value("san"); !ok || v != 60 {
		t.Fatalf("stat lookup: %d %v", v, ok)
	}
	if _, ok := inv.Value("cthulhu_mythos_mastery"); ok {
		t.Fatal("unknown name must not resolve")
	}
}

func TestAdjust(t *testing.T) {
	inv := New("p1", "Ada", "")
	if v, err := inv.Adjust("hp", -30, 99); err != nil || v != 0 {
		t.Fatalf("hp adjust: %d %v", v, err)
	}
	if v, err := inv.Adjust("skills.spot_hidden", 40, 99); err != nil || v != 40 {
		t.Fatalf("skill adjust: %d %v", v, err)
	}
	if v, err := inv.Adjust("san_max", -70, 99); err != nil || v != 1 || inv.Stats.SAN != 1 {
		t.Fatalf("san_max adjust: %d san=%d %v", v, inv.Stats.SAN, err)
	}
	if _, err := inv.Adjust("charisma", 1, 99); err == nil {
		t.Fatal("expected unknown attribute error")
	}
	if !inv.IsIncapacitated() {
		t.Fatal("hp 0 should incapacitate")
	}
}

func TestConditions(t *testing.T) {
	inv := New("p1", "Ada", "")
	if !inv.AddCondition("shaken", true) || !inv.AddCondition("cursed", false) {
		t.Fatal("expected conditions to be added")
	}
	if inv.AddCondition("shaken", true) {
		t.Fatal("duplicate add must be a no-op")
	}
	pub := inv.PublicConditions()
	if len(pub) != 1 || pub[0].Tag != "shaken" {
		t.Fatalf("unexpected public conditions %v", pub)
	}
	if !inv.RemoveCondition("cursed") || inv.HasCondition("cursed") {
		t.Fatal("remove failed")
	}
}

func TestCloneIsDeep(t *testing.T) {
	inv := New("p1", "Ada", "police")
	inv.Secrets.Clues = []Finding{{Description: "a torn letter"}}
	inv.AddCondition("shaken", true)

	c := inv.Clone()
	if !reflect.DeepEqual(inv, c) {
		t.Fatal("clone differs from original")
	}
	c.Skills["law"] = 1
	c.Secrets.Clues[0].Description = "changed"
	c.Conditions[0].Public = false
	if inv.Skills["law"] == 1 || inv.Secrets.Clues[0].Description == "changed" || !inv.Conditions[0].Public {
		t.Fatal("clone shares memory with original")
	}
}

func TestMergeFindings(t *testing.T) {
	existing := []Finding{{Description: "key"}}
	merged, added := MergeFindings(existing, []Finding{{Description: "key"}, {Description: ""}, {Description: "map"}})
	if added != 1 || len(merged) != 2 || merged[1].Description != "map" {
		t.Fatalf("unexpected merge %v (%d)", merged, added)
	}
}

func TestClaimableBy(t *testing.T) {
	bound := New("p1", "Ada", "doctor")
	bound.MachineID = "m1"
	free := New("p2", "Bo", "")

	cases := []struct {
		inv            *Investigator
		machine        string
		includeUnbound bool
		want           bool
	}{
		{bound, "m1", false, true},
		{bound, "m2", true, false},
		{free, "m1", false, false},
		{free, "m1", true, true},
	}
	for i, c := range cases {
		if got := c.inv.ClaimableBy(c.machine, c.includeUnbound); got != c.want {
			t.Errorf("case %d: got %v, want %v", i, got, c.want)
		}
	}
}
