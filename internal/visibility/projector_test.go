package visibility

import (
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/MRamiBalles/KeeperTable/internal/domain/investigator"
	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
)

func secretState() *state.Canonical {
	s := state.New("haunting")
	for _, id := range []string{"a", "b", "c"} {
		p := investigator.New(id, strings.ToUpper(id), "journalist")
		p.Secrets = investigator.Secrets{
			Clues: []investigator.Finding{{Description: "clue-of-" + id}},
			Items: []investigator.Finding{{Description: "item-of-" + id}},
			Notes: []string{"note-of-" + id},
		}
		p.AddCondition("wounded", true)
		p.AddCondition("haunted-"+id, false)
		s.Players[id] = p
	}
	s.World.Flags["door"] = state.Flag{Value: true, Secrecy: state.SecrecyPublic}
	s.World.Flags["cult_aware"] = state.Flag{Value: true, Secrecy: state.SecrecyHostOnly}
	s.World.Clocks["ritual"] = state.Clock{Value: 2, Max: 6, Secrecy: state.SecrecyHostOnly}
	s.World.Notes["truth"] = state.Note{Text: "the-butler", Secrecy: state.SecrecyHostOnly}
	return s
}

func TestHostSeesEverything(t *testing.T) {
	s := secretState()
	got := Project(s, Host())
	if !reflect.DeepEqual(got, s) {
		t.Fatal("host projection differs from canonical state")
	}
	got.Players["a"].Stats.HP = 0
	if s.Players["a"].Stats.HP == 0 {
		t.Fatal("projection shares memory with canonical state")
	}
}

func TestPlayerNeverSeesOtherSecrets(t *testing.T) {
	s := secretState()
	for _, viewer := range []string{"a", "b", "c"} {
		view := Project(s, Player(viewer))
		flat, err := state.Flatten(view)
		if err != nil {
			t.Fatal(err)
		}
		for _, other := range []string{"a", "b", "c"} {
			if other == viewer {
				continue
			}
			for path, raw := range flat {
				if strings.Contains(raw, "-of-"+other) || strings.Contains(raw, "haunted-"+other) {
					t.Errorf("viewer %s sees %s at %s", viewer, raw, path)
				}
			}
			if !view.Players[other].Secrets.IsZero() {
				t.Errorf("viewer %s sees secrets of %s", viewer, other)
			}
			if len(view.Players[other].Conditions) != 1 {
				t.Errorf("viewer %s should see only public conditions of %s", viewer, other)
			}
		}
		own := view.Players[viewer]
		if own.Secrets.IsZero() || len(own.Conditions) != 2 {
			t.Errorf("viewer %s should see own sheet in full", viewer)
		}
		if _, ok := view.World.Flags["cult_aware"]; ok {
			t.Error("host-only flag leaked")
		}
		if len(view.World.Clocks) != 0 || len(view.World.Notes) != 0 {
			t.Error("host-only world fields leaked")
		}
		if _, ok := view.World.Flags["door"]; !ok {
			t.Error("public flag missing")
		}
	}
	if s.Players["b"].Secrets.IsZero() {
		t.Fatal("projection mutated canonical state")
	}
}

func TestProjectDiffHidesSecretPaths(t *testing.T) {
	before := secretState()
	after := before.Clone()
	after.Players["b"].Secrets.Clues = append(after.Players["b"].Secrets.Clues, investigator.Finding{Description: "new"})
	after.Players["b"].Stats.HP = 5
	after.World.Notes["truth"] = state.Note{Text: "the-gardener", Secrecy: state.SecrecyHostOnly}

	changes, err := ProjectDiff(before, after, Player("a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].Path != "players.b.stats.hp" {
		t.Fatalf("player a should only see b's hp change, got %+v", changes)
	}

	hostChanges, err := ProjectDiff(before, after, Host())
	if err != nil {
		t.Fatal(err)
	}
	if len(hostChanges) != 3 {
		t.Fatalf("host should see all three changes, got %+v", hostChanges)
	}
}

func TestHistoryFiltering(t *testing.T) {
	entries := []events.HistoryEntry{
		{Seq: 1, Scope: events.Public()},
		{Seq: 2, Scope: events.OwnerOnly("a")},
		{Seq: 3, Scope: events.HostOnly()},
		{Seq: 4, Scope: events.OwnerOnly("b", "c")},
	}
	cases := map[string]struct {
		viewer Viewer
		want   []uint64
	}{
		"host": {Host(), []uint64{1, 2, 3, 4}},
		"a":    {Player("a"), []uint64{1, 2}},
		"c":    {Player("c"), []uint64{1, 4}},
	}
	for name, tc := range cases {
		got := FilterHistory(entries, tc.viewer)
		var seqs []uint64
		for _, e := range got {
			seqs = append(seqs, e.Seq)
		}
		if !reflect.DeepEqual(seqs, tc.want) {
			t.Errorf("%s: got %v, want %v", name, seqs, tc.want)
		}
	}
}

func TestProjectConcurrentReads(t *testing.T) {
	s := secretState()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := Player([]string{"a", "b", "c"}[i%3])
			if i%4 == 0 {
				v = Host()
			}
			_ = Project(s, v)
		}(i)
	}
	wg.Wait()
}
