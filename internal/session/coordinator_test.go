package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MRamiBalles/KeeperTable/internal/domain/investigator"
	"github.com/MRamiBalles/KeeperTable/internal/domain/rules"
	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/engine"
	"github.com/MRamiBalles/KeeperTable/internal/events"
	"github.com/MRamiBalles/KeeperTable/internal/infra/cache"
	"github.com/MRamiBalles/KeeperTable/internal/infra/storage"
	"github.com/MRamiBalles/KeeperTable/internal/keeper"
	apperrors "github.com/MRamiBalles/KeeperTable/internal/platform/errors"
	"github.com/MRamiBalles/KeeperTable/internal/platform/logger"
	"github.com/MRamiBalles/KeeperTable/internal/visibility"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Send(m Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return true
}

func (r *recorder) take() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

func ofType(msgs []Message, typ string) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// blockingKeeper records turns and holds each one until its context ends
// or release is closed.
type blockingKeeper struct {
	calls   chan string
	release chan struct{}
	ended   chan error
}

func newBlockingKeeper() *blockingKeeper {
	return &blockingKeeper{
		calls:   make(chan string, 8),
		release: make(chan struct{}),
		ended:   make(chan error, 8),
	}
}

func (k *blockingKeeper) PlayerTurn(ctx context.Context, playerID string, text events.Text) (keeper.Result, error) {
	k.calls <- playerID + ": " + text.EN
	select {
	case <-ctx.Done():
		k.ended <- ctx.Err()
		return keeper.Result{}, ctx.Err()
	case <-k.release:
		k.ended <- nil
		return keeper.Result{}, nil
	}
}

type fixture struct {
	coord  *Coordinator
	store  *storage.MemoryStore
	keeper *blockingKeeper
}

func newFixture(t *testing.T, status state.Status) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: storage.NewMemoryStore(), keeper: newBlockingKeeper()}

	initial := state.New("haunted-house")
	initial.Status = status
	a := investigator.New("a", "Ada", "doctor")
	a.Secrets.Notes = []string{"hides a revolver"}
	initial.Players["a"] = a
	initial.Players["b"] = investigator.New("b", "Bo", "journalist")
	meta := state.Meta{SessionID: "s1", RoundID: "r1", Epoch: 1}
	if err := f.store.Commit(ctx, meta, initial, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	log := logger.NewNop()
	window := events.NewLog(50)
	meta, cur, err := Recover(ctx, f.store, window, 50, "haunted-house", log)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	pipeline := engine.NewPipeline(f.store, rules.NewRoller(rules.Rolls(10), rules.PolicyStandard), log, meta, cur, engine.Options{SkillMax: 99})
	views, _ := cache.NewProjectionCache(32)
	f.coord = New(Deps{
		Pipeline: pipeline,
		Store:    f.store,
		Window:   window,
		Views:    views,
		Keeper:   f.keeper,
		Logger:   log,
	}, Options{MaxPlayers: 3})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = pipeline.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		close(f.keeper.release)
		f.coord.Close()
		cancel()
		<-done
	})
	return f
}

func (f *fixture) join(t *testing.T, v visibility.Viewer) (*Conn, *recorder) {
	t.Helper()
	rec := &recorder{}
	conn, err := f.coord.Join(v, rec)
	if err != nil {
		t.Fatalf("join %+v: %v", v, err)
	}
	return conn, rec
}

func TestJoinSendsProjectionAndPresence(t *testing.T) {
	f := newFixture(t, state.StatusActive)
	_, host := f.join(t, visibility.Host())
	_, b := f.join(t, visibility.Player("b"))

	msgs := b.take()
	if len(msgs) == 0 || msgs[0].Type != MsgSessionState {
		t.Fatalf("first message should be the session state: %+v", msgs)
	}
	st := msgs[0].Payload.(SessionState)
	if st.SessionID != "s1" || st.Module != "haunted-house" || st.Status != state.StatusActive {
		t.Fatalf("unexpected session state: %+v", st)
	}
	if len(st.VisibleState.Players["a"].Secrets.Notes) != 0 {
		t.Fatal("player b must not see a's secrets")
	}
	if len(st.OnlinePlayerIDs) != 1 || st.OnlinePlayerIDs[0] != "b" {
		t.Fatalf("unexpected online ids: %v", st.OnlinePlayerIDs)
	}

	presence := ofType(host.take(), MsgStateDiff)
	if len(presence) == 0 {
		t.Fatal("host should hear about b joining")
	}
	if ids := presence[len(presence)-1].Payload.(StateDiff).OnlinePlayerIDs; len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("unexpected presence: %v", ids)
	}
}

func TestJoinRejectsBadViewer(t *testing.T) {
	f := newFixture(t, state.StatusActive)
	if _, err := f.coord.Join(visibility.Viewer{Role: "spectator", ID: "x"}, &recorder{}); apperrors.GetCode(err) != apperrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := f.coord.Join(visibility.Player(" "), &recorder{}); apperrors.GetCode(err) != apperrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestOnlineIDsAreRefCounted(t *testing.T) {
	f := newFixture(t, state.StatusActive)
	first, _ := f.join(t, visibility.Player("a"))
	second, _ := f.join(t, visibility.Player("a"))
	first.Leave()
	if ids := f.coord.OnlinePlayerIDs(); len(ids) != 1 {
		t.Fatalf("a still has a connection: %v", ids)
	}
	second.Leave()
	second.Leave()
	if ids := f.coord.OnlinePlayerIDs(); len(ids) != 0 {
		t.Fatalf("expected nobody online, got %v", ids)
	}
}

const secretClue = `{
  "message_type": "secret",
  "visible_to": ["a"],
  "content": {"zh": "你在抽屉里发现一封信。", "en": "You find a letter in the drawer."},
  "actions": [{"function_name": "add_clue", "parameters": {"player_id": "a", "clue": "letter from the cult"}}]
}`

func TestFanOutRespectsVisibility(t *testing.T) {
	f := newFixture(t, state.StatusActive)
	_, host := f.join(t, visibility.Host())
	_, a := f.join(t, visibility.Player("a"))
	_, b := f.join(t, visibility.Player("b"))
	host.take()
	a.take()
	b.take()

	if _, err := f.coord.HostMessage(context.Background(), secretClue); err != nil {
		t.Fatalf("host message: %v", err)
	}

	aMsgs := a.take()
	if len(ofType(aMsgs, MsgHistoryAppend)) != 2 {
		t.Fatalf("a should see the clue update and the narration: %+v", aMsgs)
	}
	diffs := ofType(aMsgs, MsgStateDiff)
	if len(diffs) != 1 || !hasPath(diffs[0].Payload.(StateDiff).Changes, "players.a.secrets") {
		t.Fatalf("a should receive the secrets diff: %+v", diffs)
	}

	bMsgs := b.take()
	if len(ofType(bMsgs, MsgHistoryAppend)) != 0 {
		t.Fatalf("b must not see secret entries: %+v", bMsgs)
	}
	for _, m := range ofType(bMsgs, MsgStateDiff) {
		if hasPath(m.Payload.(StateDiff).Changes, "players.a.secrets") {
			t.Fatal("b received a path under a's secrets")
		}
	}

	if len(ofType(host.take(), MsgHistoryAppend)) != 2 {
		t.Fatal("host should see every entry")
	}
}

func hasPath(changes []state.Change, prefix string) bool {
	for _, c := range changes {
		if strings.HasPrefix(c.Path, prefix) {
			return true
		}
	}
	return false
}

func TestHostMessageRejectsBadEnvelope(t *testing.T) {
	f := newFixture(t, state.StatusActive)
	_, err := f.coord.HostMessage(context.Background(), `{"message_type": "public", "visible_to": ["a"]}`)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPlayerActionBeforeStartIsPrivate(t *testing.T) {
	f := newFixture(t, state.StatusLobby)
	_, a := f.join(t, visibility.Player("a"))
	_, b := f.join(t, visibility.Player("b"))
	a.take()
	b.take()

	commit, err := f.coord.PlayerAction(context.Background(), "a", events.Both("I open the door"))
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	if len(commit.Entries) != 1 || commit.Entries[0].Text.EN != notStartedText.EN {
		t.Fatalf("expected the not-started notice: %+v", commit.Entries)
	}
	if len(ofType(a.take(), MsgHistoryAppend)) != 1 {
		t.Fatal("a should get the notice")
	}
	if len(ofType(b.take(), MsgHistoryAppend)) != 0 {
		t.Fatal("the notice is private to a")
	}
	select {
	case call := <-f.keeper.calls:
		t.Fatalf("keeper should not run before the module starts: %s", call)
	default:
	}
}

func TestPlayerActionRejectsIncapacitated(t *testing.T) {
	f := newFixture(t, state.StatusActive)
	ctx := context.Background()
	if _, err := f.coord.HostMessage(ctx, `{"message_type":"public","visible_to":["all"],"content":{"zh":"","en":""},
		"actions":[{"function_name":"apply_damage","parameters":{"player_id":"b","amount":50}}]}`); err != nil {
		t.Fatalf("damage: %v", err)
	}
	commit, err := f.coord.PlayerAction(ctx, "b", events.Both("I crawl away"))
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	if len(commit.Entries) != 1 || commit.Entries[0].Text.EN != incapacitatedText.EN ||
		!commit.Entries[0].Scope.Includes("b") || commit.Entries[0].Scope.Audience != events.AudienceOwner {
		t.Fatalf("expected a private incapacitated notice: %+v", commit.Entries)
	}
}

func TestPlayerActionStartsKeeperTurn(t *testing.T) {
	f := newFixture(t, state.StatusActive)
	commit, err := f.coord.PlayerAction(context.Background(), "a", events.Both("I read the letter"))
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	if len(commit.Entries) != 1 || commit.Entries[0].ActionType != events.ActionPlayer {
		t.Fatalf("expected the player entry: %+v", commit.Entries)
	}
	select {
	case call := <-f.keeper.calls:
		if call != "a: I read the letter" {
			t.Fatalf("unexpected keeper call %q", call)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keeper turn never started")
	}

	if _, err := f.coord.PlayerAction(context.Background(), "ghost", events.Both("boo")); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("unknown player should be not found, got %v", err)
	}
}

func TestResetCancelsTurnAndArchivesRound(t *testing.T) {
	f := newFixture(t, state.StatusActive)
	ctx := context.Background()
	_, host := f.join(t, visibility.Host())

	if _, err := f.coord.PlayerAction(ctx, "a", events.Both("I chant")); err != nil {
		t.Fatalf("action: %v", err)
	}
	<-f.keeper.calls
	host.take()

	commit, err := f.coord.Reset(ctx, "")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	select {
	case err := <-f.keeper.ended:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("pending turn should be cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending turn was not cancelled")
	}

	if commit.Meta.RoundID == "r1" || commit.After.Status != state.StatusLobby {
		t.Fatalf("expected a new lobby round: %+v", commit.Meta)
	}
	if len(commit.After.Players) != 2 {
		t.Fatal("players survive a reset")
	}
	if history := f.coord.History(visibility.Host(), ""); len(history) != 1 {
		t.Fatalf("replay window should hold only the new-round entry, got %d", len(history))
	}
	if len(ofType(host.take(), MsgSessionState)) != 1 {
		t.Fatal("viewers should get a fresh session state")
	}
	if _, err := f.store.LoadSnapshot(ctx, "round-r1"); err != nil {
		t.Fatalf("previous round should be archived: %v", err)
	}
}

func TestSnapshotSaveAndLoad(t *testing.T) {
	f := newFixture(t, state.StatusActive)
	ctx := context.Background()
	if _, err := f.coord.HostMessage(ctx, secretClue); err != nil {
		t.Fatalf("host message: %v", err)
	}
	info, err := f.coord.SaveSnapshot(ctx, "before-cellar", false)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if info.Entries != 2 {
		t.Fatalf("expected 2 entries in the snapshot, got %d", info.Entries)
	}
	if _, err := f.coord.SaveSnapshot(ctx, "before-cellar", false); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := f.coord.Reset(ctx, ""); err != nil {
		t.Fatalf("reset: %v", err)
	}
	_, viewer := f.join(t, visibility.Player("a"))
	viewer.take()

	commit, err := f.coord.LoadSnapshot(ctx, "before-cellar")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if commit.After.Status != state.StatusActive || len(commit.After.Players["a"].Secrets.Clues) != 1 {
		t.Fatalf("restored state differs: %+v", commit.After.Players["a"].Secrets)
	}
	states := ofType(viewer.take(), MsgSessionState)
	if len(states) != 1 || len(states[0].Payload.(SessionState).LatestHistory) != 2 {
		t.Fatalf("viewer should get the restored replay: %+v", states)
	}

	infos, err := f.coord.ListSnapshots(ctx)
	if err != nil || len(infos) != 2 {
		t.Fatalf("expected the save and the round archive, got %v (%v)", infos, err)
	}
}

func TestCreateCharacterRespectsCapacity(t *testing.T) {
	f := newFixture(t, state.StatusLobby)
	ctx := context.Background()
	commit, err := f.coord.CreateCharacter(ctx, NewCharacter{PlayerID: "c", Name: "Cy", Profession: "professor", Skills: map[string]int{"occult": 45}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cy := commit.After.Players["c"]
	if cy == nil || cy.Skills["library_use"] != 65 || cy.Skills["occult"] != 45 {
		t.Fatalf("profession preset and override not applied: %+v", cy)
	}
	if _, err := f.coord.CreateCharacter(ctx, NewCharacter{PlayerID: "d", Name: "Di"}); !errors.Is(err, apperrors.ErrRoomFull) {
		t.Fatalf("expected room full, got %v", err)
	}
	if _, err := f.coord.CreateCharacter(ctx, NewCharacter{PlayerID: "a", Name: "Ada again"}); err == nil {
		t.Fatal("duplicate player id must be rejected")
	}
}

func TestStartModule(t *testing.T) {
	f := newFixture(t, state.StatusLobby)
	commit, err := f.coord.StartModule(context.Background(), "", events.Both("Rain hammers the manor."))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if commit.After.Status != state.StatusActive || len(commit.Entries) != 2 {
		t.Fatalf("expected active session with start + opening entries: %+v", commit.Entries)
	}
	if _, err := f.coord.StartModule(context.Background(), "", events.Text{}); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("starting twice should conflict, got %v", err)
	}
}

func TestClaimPlayerBindsDevice(t *testing.T) {
	f := newFixture(t, state.StatusLobby)
	ctx := context.Background()
	_, host := f.join(t, visibility.Host())
	_, b := f.join(t, visibility.Player("b"))
	host.take()
	b.take()

	commit, err := f.coord.ClaimPlayer(ctx, "a", "laptop-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if commit.After.Players["a"].MachineID != "laptop-1" || commit.Entries[0].Scope.Audience != events.AudienceHost {
		t.Fatalf("unexpected claim commit: %+v", commit.Entries)
	}
	if len(ofType(b.take(), MsgHistoryAppend)) != 0 {
		t.Fatal("device bindings are not narrated to players")
	}
	if len(ofType(host.take(), MsgHistoryAppend)) != 1 {
		t.Fatal("host should see the binding")
	}

	ids := func(list []*investigator.Investigator) string {
		var out []string
		for _, inv := range list {
			out = append(out, inv.ID)
		}
		return strings.Join(out, ",")
	}
	if got := ids(f.coord.Players("laptop-1", false)); got != "a" {
		t.Fatalf("bound only: %q", got)
	}
	if got := ids(f.coord.Players("laptop-1", true)); got != "a,b" {
		t.Fatalf("bound or unbound: %q", got)
	}
	if got := ids(f.coord.Players("phone-9", false)); got != "" {
		t.Fatalf("unknown device: %q", got)
	}
	if got := ids(f.coord.Players("", false)); got != "a,b" {
		t.Fatalf("no filter: %q", got)
	}
	if len(f.coord.Players("", false)[0].Secrets.Notes) != 0 {
		t.Fatal("listing must not expose secrets")
	}

	// Rebinding moves the investigator to the new device.
	if _, err := f.coord.ClaimPlayer(ctx, "a", "phone-2"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if got := ids(f.coord.Players("laptop-1", false)); got != "" {
		t.Fatalf("old device still bound: %q", got)
	}

	if _, err := f.coord.ClaimPlayer(ctx, "zed", "laptop-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.coord.ClaimPlayer(ctx, "a", " "); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHistoryByActor(t *testing.T) {
	f := newFixture(t, state.StatusActive)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "a"} {
		if _, err := f.coord.PlayerAction(ctx, id, events.Both("I search the "+id+" room")); err != nil {
			t.Fatalf("action: %v", err)
		}
	}
	mine := f.coord.History(visibility.Host(), "a")
	if len(mine) != 2 {
		t.Fatalf("expected a's two actions, got %+v", mine)
	}
	for _, e := range mine {
		if e.ActorID != "a" {
			t.Fatalf("unexpected actor in filtered history: %+v", e)
		}
	}
	if all := f.coord.History(visibility.Host(), ""); len(all) < 3 {
		t.Fatalf("unfiltered history lost entries: %d", len(all))
	}
	if none := f.coord.History(visibility.Host(), "nobody"); len(none) != 0 {
		t.Fatalf("unknown actor should match nothing: %+v", none)
	}
}
