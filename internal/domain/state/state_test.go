package state

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/MRamiBalles/KeeperTable/internal/domain/investigator"
)

func sample() *Canonical {
	c := New("haunting")
	c.Players["p1"] = investigator.New("p1", "Ada", "doctor")
	c.World.Flags["door_open"] = Flag{Value: true, Secrecy: SecrecyPublic}
	c.World.Notes["truth"] = Note{Text: "the priest lies", Secrecy: SecrecyHostOnly}
	return c
}

func TestCloneIsIndependent(t *testing.T) {
	c := sample()
	d := c.Clone()
	if !reflect.DeepEqual(c, d) {
		t.Fatal("clone differs")
	}
	d.Players["p1"].Stats.HP = 1
	d.World.Flags["door_open"] = Flag{Value: false}
	d.Players["p2"] = investigator.New("p2", "Bo", "")
	if c.Players["p1"].Stats.HP == 1 || !c.World.Flags["door_open"].Value || len(c.Players) != 1 {
		t.Fatal("mutating the clone changed the original")
	}
}

func TestFlattenEscapesDots(t *testing.T) {
	c := New("m")
	c.World.Flags["a.b"] = Flag{Value: true, Secrecy: SecrecyPublic}
	flat, err := Flatten(c)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := flat[`world.flags.a\.b.value`]; !ok {
		t.Fatalf("expected escaped path, got %v", flat)
	}
}

func TestDiff(t *testing.T) {
	before := sample()
	after := before.Clone()
	after.Version++
	after.Players["p1"].Stats.SAN = 55
	delete(after.World.Notes, "truth")
	after.Players["p1"].AddCondition("shaken", true)

	changes, err := Diff(before, after)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]Change{}
	for _, c := range changes {
		got[c.Path] = c
	}
	if c, ok := got["players.p1.stats.san"]; !ok || string(c.Value) != "55" {
		t.Fatalf("missing san change: %+v", changes)
	}
	if c, ok := got["world.notes.truth.text"]; !ok || !c.Removed {
		t.Fatalf("missing removal: %+v", changes)
	}
	if _, ok := got["players.p1.conditions"]; !ok {
		t.Fatalf("arrays should diff as leaves: %+v", changes)
	}
	if _, ok := got["players.p1.stats.hp"]; ok {
		t.Fatal("unchanged path reported")
	}
	if _, ok := got["version"]; !ok {
		t.Fatal("version change missing")
	}
}

func TestDiffIdentical(t *testing.T) {
	c := sample()
	changes, err := Diff(c, c.Clone())
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes, got %+v", changes)
	}
}

func TestCanonicalJSONStable(t *testing.T) {
	c := sample()
	a, _ := json.Marshal(c)
	var back Canonical
	if err := json.Unmarshal(a, &back); err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(&back)
	if string(a) != string(b) {
		t.Fatalf("round trip not byte-equal:\n%s\n%s", a, b)
	}
}
