// Package session owns the single room: viewers joining and leaving,
// per-viewer fan-out of every commit, and the requests that feed the
// action pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MRamiBalles/KeeperTable/internal/domain/investigator"
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

var (
	notStartedText = events.Text{
		ZH: "调查尚未开始，请等待主持人开启模组。",
		EN: "Investigation has not started. Please wait for the host.",
	}
	incapacitatedText = events.Text{
		ZH: "你的角色已死亡或疯狂，无法再行动。",
		EN: "Your character is dead or insane and cannot act.",
	}
)

// Keeper runs a Keeper turn in response to a player action.
type Keeper interface {
	PlayerTurn(ctx context.Context, playerID string, text events.Text) (keeper.Result, error)
}

// Pipeline is the slice of the action pipeline the coordinator drives.
type Pipeline interface {
	SubmitBatch(ctx context.Context, actions []engine.Action) (engine.Commit, error)
	Restore(ctx context.Context, snap state.Snapshot) (engine.Commit, error)
	Reset(ctx context.Context, module string) (engine.Commit, error)
	Current() (*state.Canonical, state.Meta)
	OnCommit(fn func(engine.Commit))
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Pipeline Pipeline
	Store    storage.Store
	Window   *events.Log
	Views    *cache.ProjectionCache
	Keeper   Keeper
	Logger   *logger.Logger
}

// Options tune the coordinator.
type Options struct {
	MaxPlayers int
}

type viewer struct {
	id      visibility.Viewer
	sink    Sink
	version uint64
}

// Coordinator serializes inbound requests into the pipeline and fans
// every commit out to connected viewers.
type Coordinator struct {
	pipeline Pipeline
	store    storage.Store
	window   *events.Log
	views    *cache.ProjectionCache
	keeper   Keeper
	logger   *logger.Logger
	opts     Options

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	online  map[string]int

	turnMu     sync.Mutex
	turnCtx    context.Context
	turnCancel context.CancelFunc
	turns      sync.WaitGroup
}

// New creates a coordinator and registers its commit hook on the pipeline.
// It must be called before the pipeline starts running.
func New(deps Deps, opts Options) *Coordinator {
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = 12
	}
	c := &Coordinator{
		pipeline: deps.Pipeline,
		store:    deps.Store,
		window:   deps.Window,
		views:    deps.Views,
		keeper:   deps.Keeper,
		logger:   deps.Logger,
		opts:     opts,
		viewers:  make(map[*viewer]struct{}),
		online:   make(map[string]int),
	}
	c.turnCtx, c.turnCancel = context.WithCancel(context.Background())
	c.pipeline.OnCommit(c.fanOut)
	return c
}

// Close abandons pending Keeper turns and waits for them to return.
func (c *Coordinator) Close() {
	c.turnMu.Lock()
	c.turnCancel()
	c.turnMu.Unlock()
	c.turns.Wait()
}

// Conn is a joined viewer.
type Conn struct {
	c *Coordinator
	v *viewer
}

// Viewer returns who joined.
func (conn *Conn) Viewer() visibility.Viewer { return conn.v.id }

// Join registers a viewer, sends its initial projection with the visible
// part of the replay window, and tells everyone who is online.
func (c *Coordinator) Join(v visibility.Viewer, sink Sink) (*Conn, error) {
	switch v.Role {
	case visibility.RoleHost:
		if v.ID == "" {
			v.ID = visibility.Host().ID
		}
	case visibility.RolePlayer:
		if strings.TrimSpace(v.ID) == "" {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, "player_id is required")
		}
	default:
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown role %q", v.Role))
	}

	vw := &viewer{id: v, sink: sink}
	c.mu.Lock()
	c.viewers[vw] = struct{}{}
	if v.Role == visibility.RolePlayer {
		c.online[v.ID]++
	}
	c.sendState(vw)
	c.broadcastPresence()
	c.mu.Unlock()

	c.logger.Event("VIEWER_JOINED", v.ID, string(v.Role))
	return &Conn{c: c, v: vw}, nil
}

// Leave unregisters the viewer. Calling it twice is harmless.
func (conn *Conn) Leave() {
	c := conn.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.viewers[conn.v]; !ok {
		return
	}
	delete(c.viewers, conn.v)
	if id := conn.v.id; id.Role == visibility.RolePlayer {
		if c.online[id.ID]--; c.online[id.ID] <= 0 {
			delete(c.online, id.ID)
		}
	}
	c.broadcastPresence()
	c.logger.Event("VIEWER_LEFT", conn.v.id.ID, string(conn.v.id.Role))
}

// History sends the viewer's part of the replay window again.
func (conn *Conn) History() {
	c := conn.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range visibility.FilterHistory(c.window.Latest(0), conn.v.id) {
		conn.v.sink.Send(Message{Type: MsgHistoryAppend, Payload: HistoryAppend{Entry: e}})
	}
}

// PlayerAction submits the viewer's action. Only players may act.
func (conn *Conn) PlayerAction(ctx context.Context, text events.Text) (engine.Commit, error) {
	if conn.v.id.Role != visibility.RolePlayer {
		return engine.Commit{}, apperrors.New(apperrors.CodeInvalidArgument, "only players can act")
	}
	return conn.c.PlayerAction(ctx, conn.v.id.ID, text)
}

// Fail reports an error to this connection only.
func (conn *Conn) Fail(err error) {
	conn.v.sink.Send(errorMessage(err))
}

// OnlinePlayerIDs lists players with at least one open connection.
func (c *Coordinator) OnlinePlayerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onlineIDs()
}

// Current returns the committed state and metadata.
func (c *Coordinator) Current() (*state.Canonical, state.Meta) {
	return c.pipeline.Current()
}

// History returns the replay window as seen by v.
// An empty actorID returns every entry in the window.
func (c *Coordinator) History(v visibility.Viewer, actorID string) []events.HistoryEntry {
	entries := c.window.Latest(0)
	if actorID != "" {
		entries = c.window.ByActor(actorID)
	}
	return visibility.FilterHistory(entries, v)
}

// PlayerAction records a player's action and starts a Keeper turn for it.
// When the session is not running or the investigator can no longer act,
// the player gets a private system entry instead.
func (c *Coordinator) PlayerAction(ctx context.Context, playerID string, text events.Text) (engine.Commit, error) {
	if text.IsZero() {
		return engine.Commit{}, apperrors.New(apperrors.CodeInvalidArgument, "action_text is required")
	}
	cur, _ := c.pipeline.Current()
	inv, ok := cur.Player(playerID)
	if !ok {
		return engine.Commit{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("player %q not found", playerID))
	}
	switch {
	case cur.Status != state.StatusActive:
		return c.tellPlayer(ctx, playerID, notStartedText)
	case inv.IsIncapacitated():
		return c.tellPlayer(ctx, playerID, incapacitatedText)
	}

	commit, err := c.pipeline.SubmitBatch(ctx, []engine.Action{{
		ActorType: events.ActorPlayer,
		ActorID:   playerID,
		Scope:     events.Public(),
		Text:      text,
	}})
	if err != nil {
		return commit, err
	}
	c.startTurn(playerID, text)
	return commit, nil
}

func (c *Coordinator) tellPlayer(ctx context.Context, playerID string, text events.Text) (engine.Commit, error) {
	return c.pipeline.SubmitBatch(ctx, []engine.Action{{
		ActorType: events.ActorSystem,
		ActorID:   "system",
		TextType:  events.ActionRuleResolution,
		Scope:     events.OwnerOnly(playerID),
		Text:      text,
	}})
}

func (c *Coordinator) startTurn(playerID string, text events.Text) {
	if c.keeper == nil {
		return
	}
	c.turnMu.Lock()
	ctx := c.turnCtx
	c.turns.Add(1)
	c.turnMu.Unlock()

	go func() {
		defer c.turns.Done()
		res, err := c.keeper.PlayerTurn(ctx, playerID, text)
		switch {
		case err == nil:
			c.logger.Debug("keeper turn finished",
				logger.String("player", playerID),
				logger.Int("commits", len(res.Commits)),
				logger.Int("retries", res.Retries),
				logger.Int("followups", res.Followups),
			)
		case errors.Is(err, context.Canceled):
			c.logger.Info("keeper turn abandoned", logger.String("player", playerID))
		default:
			c.logger.Warn("keeper turn failed", logger.String("player", playerID), logger.Err(err))
			if !errors.Is(err, apperrors.ErrParseExhausted) {
				c.notify(playerID, err)
			}
		}
	}()
}

// cancelTurns abandons pending Keeper turns; later turns get a fresh context.
func (c *Coordinator) cancelTurns() {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	c.turnCancel()
	c.turnCtx, c.turnCancel = context.WithCancel(context.Background())
}

// NewCharacter is a character-creation request. Zero-valued blocks keep
// the defaults; Skills entries override the profession preset.
type NewCharacter struct {
	PlayerID   string                   `json:"player_id"`
	Name       string                   `json:"name"`
	Gender     string                   `json:"gender"`
	Color      string                   `json:"color"`
	Profession string                   `json:"profession"`
	Background string                   `json:"background"`
	MachineID  string                   `json:"machine_id"`
	Attributes *investigator.Attributes `json:"attributes,omitempty"`
	Stats      *investigator.Stats      `json:"stats,omitempty"`
	Skills     map[string]int           `json:"skills,omitempty"`
}

// CreateCharacter adds an investigator to the room.
func (c *Coordinator) CreateCharacter(ctx context.Context, req NewCharacter) (engine.Commit, error) {
	id := strings.TrimSpace(req.PlayerID)
	if id == "" {
		id = uuid.NewString()
	}
	inv := investigator.New(id, strings.TrimSpace(req.Name), req.Profession)
	inv.Gender = req.Gender
	inv.Color = req.Color
	inv.Background = req.Background
	inv.MachineID = strings.TrimSpace(req.MachineID)
	if req.Attributes != nil {
		inv.Attributes = *req.Attributes
	}
	if req.Stats != nil {
		inv.Stats = *req.Stats
	}
	for skill, v := range req.Skills {
		inv.Skills[skill] = v
	}
	return c.submitOne(ctx, engine.Action{
		ActorType: events.ActorSystem,
		ActorID:   "system",
		Op:        engine.CreateCharacter{Investigator: inv, MaxPlayers: c.opts.MaxPlayers},
	})
}

// ClaimPlayer binds an investigator to the device a client runs on, so a
// reconnecting client can find its character again.
func (c *Coordinator) ClaimPlayer(ctx context.Context, playerID, machineID string) (engine.Commit, error) {
	return c.submitOne(ctx, engine.Action{
		ActorType: events.ActorSystem,
		ActorID:   "system",
		Op:        engine.ClaimPlayer{PlayerID: strings.TrimSpace(playerID), MachineID: strings.TrimSpace(machineID)},
	})
}

// Players lists investigators as an outsider sees them, ordered by id.
// A non-empty machineID keeps those bound to it and, with includeUnbound,
// those bound to no device.
func (c *Coordinator) Players(machineID string, includeUnbound bool) []*investigator.Investigator {
	cur, meta := c.pipeline.Current()
	public := c.views.Project(meta.Epoch, cur, visibility.Player(""))
	out := make([]*investigator.Investigator, 0, len(public.Players))
	for _, id := range public.PlayerIDs() {
		inv := public.Players[id]
		if machineID != "" && !inv.ClaimableBy(machineID, includeUnbound) {
			continue
		}
		out = append(out, inv)
	}
	return out
}

// StartModule activates the session. A non-empty narration is recorded
// as the Keeper's opening.
func (c *Coordinator) StartModule(ctx context.Context, module string, narration events.Text) (engine.Commit, error) {
	commit, err := c.submitOne(ctx, engine.Action{
		ActorType: events.ActorSystem,
		ActorID:   "system",
		Op:        engine.StartModule{Module: strings.TrimSpace(module)},
	})
	if err != nil || narration.IsZero() {
		return commit, err
	}
	opening, err := c.pipeline.SubmitBatch(ctx, []engine.Action{{
		ActorType: events.ActorKeeper,
		ActorID:   keeper.ActorID,
		Scope:     events.Public(),
		Text:      narration,
	}})
	if err != nil {
		return commit, err
	}
	commit.Entries = append(commit.Entries, opening.Entries...)
	commit.After = opening.After
	commit.Meta = opening.Meta
	commit.Diff = append(commit.Diff, opening.Diff...)
	return commit, nil
}

// submitOne submits a single action and turns its rejection into an error.
func (c *Coordinator) submitOne(ctx context.Context, a engine.Action) (engine.Commit, error) {
	commit, err := c.pipeline.SubmitBatch(ctx, []engine.Action{a})
	if err != nil {
		return commit, err
	}
	return commit, commit.Err()
}

// HostMessage applies a Keeper envelope written by the host. It gets no
// retries; a malformed envelope is a validation error.
func (c *Coordinator) HostMessage(ctx context.Context, raw string) (engine.Commit, error) {
	env, err := keeper.Decode(raw)
	if err != nil {
		return engine.Commit{}, apperrors.Wrap(apperrors.CodeValidation, "invalid keeper message", err)
	}
	cur, _ := c.pipeline.Current()
	batch := keeper.Build(env, cur)
	return c.pipeline.SubmitBatch(ctx, batch.All())
}

// SaveSnapshot stores the live session under name.
func (c *Coordinator) SaveSnapshot(ctx context.Context, name string, overwrite bool) (state.SnapshotInfo, error) {
	snap, err := c.store.SaveSnapshot(ctx, name, overwrite)
	if err != nil {
		return state.SnapshotInfo{}, err
	}
	c.logger.Event("SNAPSHOT_SAVED", "host", snap.Name)
	return snap.Info(), nil
}

// ListSnapshots lists stored snapshots, oldest first.
func (c *Coordinator) ListSnapshots(ctx context.Context) ([]state.SnapshotInfo, error) {
	return c.store.ListSnapshots(ctx)
}

// LoadSnapshot replaces the live session with a stored snapshot. Pending
// Keeper turns are abandoned first.
func (c *Coordinator) LoadSnapshot(ctx context.Context, idOrName string) (engine.Commit, error) {
	snap, err := c.store.LoadSnapshot(ctx, idOrName)
	if err != nil {
		return engine.Commit{}, err
	}
	c.cancelTurns()
	commit, err := c.pipeline.Restore(ctx, snap)
	if err != nil {
		return commit, err
	}
	c.logger.Event("SNAPSHOT_LOADED", "host", snap.Name)
	return commit, nil
}

// Reset archives the current round as a snapshot, then starts a new round
// with the same players. The durable log is kept.
func (c *Coordinator) Reset(ctx context.Context, module string) (engine.Commit, error) {
	c.cancelTurns()
	_, meta := c.pipeline.Current()
	if c.window.Len() > 0 {
		name := "round-" + meta.RoundID
		if _, err := c.store.SaveSnapshot(ctx, name, true); err != nil {
			c.logger.Warn("round archive failed", logger.String("name", name), logger.Err(err))
		}
	}
	commit, err := c.pipeline.Reset(ctx, strings.TrimSpace(module))
	if err != nil {
		return commit, err
	}
	c.logger.Event("SESSION_RESET", "host", commit.Meta.RoundID)
	return commit, nil
}

// fanOut runs on the pipeline's writer goroutine after each commit.
func (c *Coordinator) fanOut(commit engine.Commit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if commit.Kind != engine.CommitActions {
		c.window.Reset(commit.Entries, commit.Meta.LastSeq)
		c.views.Purge()
		for vw := range c.viewers {
			c.sendState(vw)
		}
		return
	}

	if err := c.window.Append(commit.Entries...); err != nil {
		c.logger.Error("replay window out of order", logger.Err(err))
	}
	online := c.onlineIDs()
	epoch := commit.Meta.Epoch
	for vw := range c.viewers {
		for _, e := range visibility.FilterHistory(commit.Entries, vw.id) {
			vw.sink.Send(Message{Type: MsgHistoryAppend, Payload: HistoryAppend{Entry: e}})
		}
		if vw.version >= commit.After.Version {
			continue
		}
		before := c.views.Project(epoch, commit.Before, vw.id)
		after := c.views.Project(epoch, commit.After, vw.id)
		changes, err := state.Diff(before, after)
		if err != nil {
			c.logger.Error("projection diff failed", logger.String("viewer", vw.id.ID), logger.Err(err))
			continue
		}
		vw.version = commit.After.Version
		if len(changes) == 0 {
			continue
		}
		vw.sink.Send(Message{Type: MsgStateDiff, Payload: StateDiff{
			Version:         commit.After.Version,
			Changes:         changes,
			OnlinePlayerIDs: online,
		}})
	}
}

// sendState sends the full projection. Callers hold c.mu.
func (c *Coordinator) sendState(vw *viewer) {
	cur, meta := c.pipeline.Current()
	vw.version = cur.Version
	vw.sink.Send(Message{Type: MsgSessionState, Payload: SessionState{
		SessionID:       meta.SessionID,
		RoundID:         meta.RoundID,
		Module:          cur.Module,
		Status:          cur.Status,
		Viewer:          vw.id,
		VisibleState:    c.views.Project(meta.Epoch, cur, vw.id),
		LatestHistory:   visibility.FilterHistory(c.window.Latest(0), vw.id),
		OnlinePlayerIDs: c.onlineIDs(),
	}})
}

// broadcastPresence sends the online list as an empty diff. Callers hold c.mu.
func (c *Coordinator) broadcastPresence() {
	cur, _ := c.pipeline.Current()
	msg := Message{Type: MsgStateDiff, Payload: StateDiff{
		Version:         cur.Version,
		Changes:         []state.Change{},
		OnlinePlayerIDs: c.onlineIDs(),
	}}
	for vw := range c.viewers {
		vw.sink.Send(msg)
	}
}

// notify sends an error to every connection of one player.
func (c *Coordinator) notify(playerID string, err error) {
	msg := errorMessage(err)
	c.mu.Lock()
	defer c.mu.Unlock()
	for vw := range c.viewers {
		if vw.id.Role == visibility.RolePlayer && vw.id.ID == playerID {
			vw.sink.Send(msg)
		}
	}
}

func (c *Coordinator) onlineIDs() []string {
	ids := make([]string, 0, len(c.online))
	for id := range c.online {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func errorMessage(err error) Message {
	return Message{Type: MsgError, Payload: ErrorPayload{
		Code:    string(apperrors.GetCode(err)),
		Message: err.Error(),
	}}
}
