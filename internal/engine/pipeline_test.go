package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/MRamiBalles/KeeperTable/internal/domain/investigator"
	"github.com/MRamiBalles/KeeperTable/internal/domain/rules"
	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
	apperrors "github.com/MRamiBalles/KeeperTable/internal/platform/errors"
	"github.com/MRamiBalles/KeeperTable/internal/platform/logger"
	"github.com/MRamiBalles/KeeperTable/internal/visibility"
)

type fakeStore struct {
	mu      sync.Mutex
	fail    error
	commits int
	entries []events.HistoryEntry
	lastSeq map[uint64]uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{lastSeq: make(map[uint64]uint64)}
}

func (f *fakeStore) Commit(_ context.Context, meta state.Meta, _ *state.Canonical, entries []events.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	last := f.lastSeq[meta.Epoch]
	for _, e := range entries {
		if e.Seq <= last {
			return apperrors.Wrap(apperrors.CodeCorrupted, "history not monotonic", nil)
		}
		last = e.Seq
	}
	f.lastSeq[meta.Epoch] = last
	f.commits++
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeStore) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func testState() *state.Canonical {
	s := state.New("haunting")
	s.Status = state.StatusActive
	s.Players["p1"] = investigator.New("p1", "Ada", "doctor")
	s.Players["p2"] = investigator.New("p2", "Bo", "police")
	return s
}

func startPipeline(t *testing.T, store Store, src rules.Source) *Pipeline {
	t.Helper()
	meta := state.Meta{SessionID: "s1", RoundID: "r1", Epoch: 1}
	p := NewPipeline(store, rules.NewRoller(src, rules.PolicyStandard), logger.NewNop(), meta, testState(), Options{SkillMax: 99})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return p
}

func keeper(op Op) Action {
	return Action{ActorType: events.ActorKeeper, ActorID: "keeper", Op: op}
}

func intPtr(v int) *int { return &v }

func TestSubmitDamageClampsAndStamps(t *testing.T) {
	store := newFakeStore()
	p := startPipeline(t, store, rules.Rolls(50))

	commit, err := p.Submit(context.Background(), keeper(Damage{PlayerID: "p1", Amount: Amount{Value: 25}}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := commit.After.Players["p1"].Stats.HP; got != 0 {
		t.Fatalf("expected hp clamped to 0, got %d", got)
	}
	if len(commit.Entries) != 1 || commit.Entries[0].Seq != 1 || commit.Entries[0].RoundID != "r1" {
		t.Fatalf("unexpected entries %+v", commit.Entries)
	}
	if commit.Entries[0].Changes[0] != "players.p1.stats.hp" {
		t.Fatalf("unexpected changes %v", commit.Entries[0].Changes)
	}
	if commit.Before.Players["p1"].Stats.HP != 10 {
		t.Fatal("committed state was mutated in place")
	}
	cur, meta := p.Current()
	if cur.Version != 1 || meta.LastSeq != 1 {
		t.Fatalf("unexpected version %d / last seq %d", cur.Version, meta.LastSeq)
	}
}

func TestExtremeSanityCheckDoesNotImplyLoss(t *testing.T) {
	store := newFakeStore()
	p := startPipeline(t, store, rules.Rolls(40))

	check := Check{Contestant: Contestant{PlayerID: "p1", Skill: "san", Tier: rules.TierExtreme}}
	commit, err := p.Submit(context.Background(), keeper(check))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res := commit.Entries[0].Check
	if res == nil || res.Target != 60 || res.Roll != 40 || res.Success {
		t.Fatalf("unexpected check result %+v", res)
	}
	after := commit.After.Players["p1"].Stats
	if after.SAN != 60 || after.HP != 10 {
		t.Fatalf("check alone must not change stats, got %+v", after)
	}

	loss, err := p.Submit(context.Background(), keeper(SanityChange{PlayerID: "p1", Amount: Amount{Value: -3}}))
	if err != nil {
		t.Fatalf("submit loss: %v", err)
	}
	if loss.After.Players["p1"].Stats.SAN != 57 || loss.Meta.LastSeq != 2 {
		t.Fatalf("loss should be its own commit: san=%d seq=%d", loss.After.Players["p1"].Stats.SAN, loss.Meta.LastSeq)
	}
	if store.commits != 2 {
		t.Fatalf("expected two commits, got %d", store.commits)
	}
}

func TestCheckConsequencesShareCommit(t *testing.T) {
	store := newFakeStore()
	p := startPipeline(t, store, rules.Rolls(95))

	check := Check{
		Contestant: Contestant{PlayerID: "p1", Skill: "spot_hidden"},
		OnSuccess:  []Op{AddFindings{PlayerID: "p1", Kind: FindingClue, Findings: []investigator.Finding{{Description: "a key"}}}},
		OnFailure:  []Op{SanityChange{PlayerID: "p1", Amount: Amount{Value: 2}, Loss: true}},
	}
	commit, err := p.Submit(context.Background(), keeper(check))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(commit.Entries) != 2 || commit.Entries[0].ActionType != events.ActionDiceRoll || commit.Entries[1].ActionType != events.ActionStateUpdate {
		t.Fatalf("unexpected entries %+v", commit.Entries)
	}
	if commit.After.Players["p1"].Stats.SAN != 58 {
		t.Fatalf("failure consequence not applied, san=%d", commit.After.Players["p1"].Stats.SAN)
	}
	if len(commit.After.Players["p1"].Secrets.Clues) != 0 {
		t.Fatal("success consequence applied on failure")
	}
	if store.commits != 1 {
		t.Fatalf("check and consequence split across %d commits", store.commits)
	}
}

func TestInvalidActionBecomesDiagnostic(t *testing.T) {
	p := startPipeline(t, newFakeStore(), rules.Rolls(50))

	commit, err := p.SubmitBatch(context.Background(), []Action{
		keeper(Damage{PlayerID: "ghost", Amount: Amount{Value: 3}}),
		keeper(AddStatus{PlayerID: "p2", Tag: "shaken", Public: true}),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(commit.Entries) != 2 {
		t.Fatalf("expected diagnostic + status entries, got %d", len(commit.Entries))
	}
	diag := commit.Entries[0]
	if diag.ActionType != events.ActionDiagnostic || diag.Scope.Audience != events.AudienceHost || len(diag.Diagnostics) != 1 {
		t.Fatalf("unexpected diagnostic %+v", diag)
	}
	if len(commit.Rejected) != 1 || commit.Rejected[0].Index != 0 || !errors.Is(commit.Err(), apperrors.ErrValidation) {
		t.Fatalf("unexpected rejections %+v", commit.Rejected)
	}
	if !commit.After.Players["p2"].HasCondition("shaken") {
		t.Fatal("valid action after a rejected one was not applied")
	}
}

func TestPrivateMutationsScopedToOwner(t *testing.T) {
	p := startPipeline(t, newFakeStore(), rules.Rolls(50))

	commit, err := p.SubmitBatch(context.Background(), []Action{
		keeper(AddFindings{PlayerID: "p1", Kind: FindingItem, Findings: []investigator.Finding{{Description: "revolver"}}}),
		keeper(AddStatus{PlayerID: "p1", Tag: "cursed"}),
		keeper(SetFlag{Key: "cult_knows", Value: true, Secrecy: state.SecrecyHostOnly}),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i, want := range []events.Audience{events.AudienceOwner, events.AudienceOwner, events.AudienceHost} {
		if got := commit.Entries[i].Scope.Audience; got != want {
			t.Errorf("entry %d audience %q, want %q", i, got, want)
		}
	}
	if !commit.Entries[0].Scope.Includes("p1") {
		t.Fatal("owner scope must include the player")
	}
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	store := newFakeStore()
	p := startPipeline(t, store, rules.Rolls(50))

	store.setFail(errors.New("disk unavailable"))
	_, err := p.Submit(context.Background(), keeper(Damage{PlayerID: "p1", Amount: Amount{Value: 3}}))
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	cur, meta := p.Current()
	if cur.Players["p1"].Stats.HP != 10 || meta.LastSeq != 0 || cur.Version != 0 {
		t.Fatalf("failed commit leaked into state: hp=%d seq=%d", cur.Players["p1"].Stats.HP, meta.LastSeq)
	}
	if p.Phase() != PhaseIdle {
		t.Fatalf("pipeline stuck in %v", p.Phase())
	}

	store.setFail(nil)
	commit, err := p.Submit(context.Background(), keeper(Damage{PlayerID: "p1", Amount: Amount{Value: 3}}))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if commit.Entries[0].Seq != 1 {
		t.Fatalf("sequence advanced by failed commit: %d", commit.Entries[0].Seq)
	}
}

func TestCorruptionFencesPipeline(t *testing.T) {
	store := newFakeStore()
	store.lastSeq[1] = 100
	p := startPipeline(t, store, rules.Rolls(50))

	_, err := p.Submit(context.Background(), keeper(SetFlag{Key: "a", Value: true}))
	if !errors.Is(err, apperrors.ErrCorrupted) {
		t.Fatalf("expected corruption, got %v", err)
	}
	if !p.Fenced() {
		t.Fatal("pipeline should be fenced")
	}
	if _, err := p.Submit(context.Background(), keeper(SetFlag{Key: "b", Value: true})); !errors.Is(err, ErrFenced) {
		t.Fatalf("expected ErrFenced, got %v", err)
	}
}

func TestConcurrentSubmitsAreTotallyOrdered(t *testing.T) {
	store := newFakeStore()
	p := startPipeline(t, store, rules.NewSeededSource(1))

	var (
		mu   sync.Mutex
		seen []uint64
	)
	p.OnCommit(func(c Commit) {
		mu.Lock()
		for _, e := range c.Entries {
			seen = append(seen, e.Seq)
		}
		mu.Unlock()
	})

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := Action{
				ActorType: events.ActorPlayer,
				ActorID:   "p1",
				Text:      events.Both(fmt.Sprintf("action %d", i)),
			}
			if i%2 == 0 {
				a.Op = Check{Contestant: Contestant{PlayerID: "p2", Skill: "law"}}
			}
			if _, err := p.Submit(context.Background(), a); err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != workers+workers/2 {
		t.Fatalf("expected %d entries, got %d", workers+workers/2, len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] != seen[i-1]+1 {
			t.Fatalf("sequence gap or reorder at %d: %d after %d", i, seen[i], seen[i-1])
		}
	}
}

func TestRestoreAndReset(t *testing.T) {
	store := newFakeStore()
	p := startPipeline(t, store, rules.Rolls(50))
	ctx := context.Background()

	first, err := p.Submit(ctx, keeper(Damage{PlayerID: "p1", Amount: Amount{Value: 4}}))
	if err != nil {
		t.Fatal(err)
	}
	_, meta := p.Current()
	snap := state.Snapshot{ID: "snap", Name: "run1", Meta: meta, State: first.After.Clone(), History: first.Entries}

	if _, err := p.Submit(ctx, keeper(Damage{PlayerID: "p1", Amount: Amount{Value: 4}})); err != nil {
		t.Fatal(err)
	}

	restored, err := p.Restore(ctx, snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Kind != CommitRestore || restored.After.Players["p1"].Stats.HP != 6 {
		t.Fatalf("unexpected restore commit %+v", restored.After.Players["p1"].Stats)
	}
	if restored.Meta.Epoch != 2 || restored.Meta.LastSeq != 1 {
		t.Fatalf("unexpected restore meta %+v", restored.Meta)
	}

	next, err := p.Submit(ctx, keeper(SetFlag{Key: "door", Value: true}))
	if err != nil {
		t.Fatalf("submit after restore: %v", err)
	}
	if next.Entries[0].Seq != 2 {
		t.Fatalf("sequence should resume from the snapshot, got %d", next.Entries[0].Seq)
	}

	reset, err := p.Reset(ctx, "")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.After.Status != state.StatusLobby || reset.Meta.RoundID == restored.Meta.RoundID || reset.Meta.Epoch != 3 {
		t.Fatalf("unexpected reset result %+v", reset.Meta)
	}
	if len(reset.After.Players) != 2 {
		t.Fatal("reset must keep the investigators")
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	meta := state.Meta{SessionID: "s1", RoundID: "r1", Epoch: 1}
	p := NewPipeline(newFakeStore(), rules.NewRoller(rules.Rolls(1), ""), logger.NewNop(), meta, testState(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, err := p.Submit(context.Background(), keeper(SetFlag{Key: "a"}))
	if !errors.Is(err, apperrors.ErrSessionClosed) {
		t.Fatalf("expected session closed, got %v", err)
	}
}

func TestCreateCharacterAndStartModule(t *testing.T) {
	p := startPipeline(t, newFakeStore(), rules.Rolls(50))
	ctx := context.Background()

	_, _ = p.Reset(ctx, "")
	commit, err := p.Submit(ctx, Action{ActorType: events.ActorSystem, ActorID: "system", Op: CreateCharacter{Investigator: investigator.New("p1", "Dup", ""), MaxPlayers: 12}})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(commit.Err(), apperrors.ErrConflict) {
		t.Fatalf("expected conflict for duplicate id, got %v", commit.Err())
	}

	commit, err = p.Submit(ctx, Action{ActorType: events.ActorSystem, ActorID: "system", Op: CreateCharacter{Investigator: investigator.New("p3", "Cy", ""), MaxPlayers: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(commit.Err(), apperrors.ErrRoomFull) {
		t.Fatalf("expected room full, got %v", commit.Err())
	}

	commit, err = p.Submit(ctx, Action{ActorType: events.ActorSystem, ActorID: "system", Op: StartModule{}})
	if err != nil || commit.Err() != nil {
		t.Fatalf("start: %v %v", err, commit.Err())
	}
	if commit.After.Status != state.StatusActive {
		t.Fatalf("expected active status, got %v", commit.After.Status)
	}
}

func TestOpposedCheck(t *testing.T) {
	// attacker rolls 20, defender rolls 70
	p := startPipeline(t, newFakeStore(), rules.Rolls(20, 70))
	commit, err := p.Submit(context.Background(), keeper(Oppose{
		Attacker: Contestant{PlayerID: "p2", Skill: "brawl"},
		Defender: Contestant{Label: "Cultist", Target: intPtr(40)},
	}))
	if err != nil {
		t.Fatal(err)
	}
	out := commit.Entries[0].Opposed
	if out == nil || out.Winner != rules.WinnerAttacker {
		t.Fatalf("unexpected opposed outcome %+v", out)
	}
}

// blockingStore holds every Commit until release is closed.
type blockingStore struct {
	*fakeStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Commit(ctx context.Context, meta state.Meta, s *state.Canonical, entries []events.HistoryEntry) error {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeStore.Commit(ctx, meta, s, entries)
}

func TestCancelledCallerStillGetsCommit(t *testing.T) {
	store := &blockingStore{fakeStore: newFakeStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := startPipeline(t, store, rules.Rolls(50))

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		commit Commit
		err    error
	}
	res := make(chan outcome, 1)
	go func() {
		c, err := p.Submit(ctx, keeper(Damage{PlayerID: "p1", Amount: Amount{Value: 3}}))
		res <- outcome{c, err}
	}()

	<-store.entered
	cancel()
	close(store.release)

	got := <-res
	if got.err != nil {
		t.Fatalf("caller told the commit failed: %v", got.err)
	}
	if got.commit.After.Players["p1"].Stats.HP != 7 || got.commit.Meta.LastSeq != 1 {
		t.Fatalf("unexpected commit: hp=%d seq=%d", got.commit.After.Players["p1"].Stats.HP, got.commit.Meta.LastSeq)
	}
	if store.commits != 1 {
		t.Fatalf("expected one durable commit, got %d", store.commits)
	}
}

func TestCancelledBeforeHandlingCommitsNothing(t *testing.T) {
	store := &blockingStore{fakeStore: newFakeStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := startPipeline(t, store, rules.Rolls(50))

	// The first submit occupies the writer so the second waits in the queue.
	first := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), keeper(SetFlag{Key: "a"}))
		first <- err
	}()
	<-store.entered

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := p.Submit(ctx, keeper(SetFlag{Key: "b"}))
		second <- err
	}()
	for len(p.queue) == 0 {
		runtime.Gosched()
	}
	cancel()
	close(store.release)

	if err := <-first; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := <-second; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if store.commits != 1 {
		t.Fatalf("cancelled request must not commit, got %d commits", store.commits)
	}
	if cur, _ := p.Current(); func() bool { _, ok := cur.World.Flags["b"]; return ok }() {
		t.Fatal("flag b committed")
	}
}

func TestUpdateWithoutSecrecyKeepsHostOnlyFields(t *testing.T) {
	p := startPipeline(t, newFakeStore(), rules.Rolls(50))
	ctx := context.Background()

	if _, err := p.SubmitBatch(ctx, []Action{
		keeper(SetSceneNote{Key: "cellar", Text: "a cultist waits", Secrecy: state.SecrecyHostOnly}),
		keeper(SetFlag{Key: "cult_knows", Value: false, Secrecy: state.SecrecyHostOnly}),
		keeper(SetClock{Key: "ritual", Value: 1, Max: 6, Secrecy: state.SecrecyHostOnly}),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	commit, err := p.SubmitBatch(ctx, []Action{
		keeper(SetSceneNote{Key: "cellar", Text: "the cultist is now armed"}),
		keeper(SetFlag{Key: "cult_knows", Value: true}),
		keeper(SetClock{Key: "ritual", Value: 2, Max: 6}),
		keeper(SetFlag{Key: "door_open", Value: true}),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	world := commit.After.World
	if world.Notes["cellar"].Secrecy != state.SecrecyHostOnly ||
		world.Flags["cult_knows"].Secrecy != state.SecrecyHostOnly ||
		world.Clocks["ritual"].Secrecy != state.SecrecyHostOnly {
		t.Fatalf("omitted secrecy declassified a field: %+v", world)
	}
	if world.Flags["door_open"].Secrecy != state.SecrecyPublic {
		t.Fatalf("new fields default to public: %+v", world.Flags["door_open"])
	}
	for i, e := range commit.Entries[:3] {
		if e.Scope.Audience != events.AudienceHost {
			t.Errorf("entry %d leaked with audience %q", i, e.Scope.Audience)
		}
	}

	player := visibility.Player("p2")
	seen := visibility.Project(commit.After, player)
	if _, ok := seen.World.Notes["cellar"]; ok {
		t.Fatal("player sees the host-only note")
	}
	changes, err := visibility.ProjectDiff(commit.Before, commit.After, player)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	for _, c := range changes {
		if c.Path != "version" && !strings.HasPrefix(c.Path, "world.flags.door_open") {
			t.Fatalf("player diff carries a host-only path: %+v", c)
		}
	}

	// Naming public explicitly still declassifies.
	commit, err = p.Submit(ctx, keeper(SetSceneNote{Key: "cellar", Text: "the cellar is empty", Secrecy: state.SecrecyPublic}))
	if err != nil {
		t.Fatalf("declassify: %v", err)
	}
	if commit.After.World.Notes["cellar"].Secrecy != state.SecrecyPublic {
		t.Fatal("explicit public secrecy was ignored")
	}
}

func TestNegativeDamageIsRejected(t *testing.T) {
	p := startPipeline(t, newFakeStore(), rules.Rolls(50))

	commit, err := p.Submit(context.Background(), keeper(Damage{PlayerID: "p1", Amount: Amount{Value: -5}}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !errors.Is(commit.Err(), apperrors.ErrValidation) {
		t.Fatalf("expected a validation rejection, got %v", commit.Err())
	}
	if cur, _ := p.Current(); cur.Players["p1"].Stats.HP != 10 {
		t.Fatalf("negative damage healed: hp=%d", cur.Players["p1"].Stats.HP)
	}
}
