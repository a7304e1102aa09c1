package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MRamiBalles/KeeperTable/internal/domain/rules"
	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
	apperrors "github.com/MRamiBalles/KeeperTable/internal/platform/errors"
	"github.com/MRamiBalles/KeeperTable/internal/platform/logger"
	"github.com/MRamiBalles/KeeperTable/internal/platform/metrics"
)

// Store durably records a commit: the entries are appended to the live
// log and the session row is replaced, in one transaction. A store that
// finds the log out of order must return an error matching
// apperrors.ErrCorrupted.
type Store interface {
	Commit(ctx context.Context, meta state.Meta, s *state.Canonical, entries []events.HistoryEntry) error
}

// Phase is the writer's position in the commit cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseApplying
	PhaseCommitted
)

func (p Phase) String() string {
	switch p {
	case PhaseApplying:
		return "applying"
	case PhaseCommitted:
		return "committed"
	default:
		return "idle"
	}
}

// CommitKind distinguishes ordinary action commits from wholesale replacements.
type CommitKind string

const (
	CommitActions CommitKind = "actions"
	CommitRestore CommitKind = "restore"
	CommitReset   CommitKind = "reset"
)

// Rejection is an action that failed validation and was recorded as a diagnostic.
type Rejection struct {
	Index int
	Err   error
}

// Commit is the published result of one pipeline request.
type Commit struct {
	Kind     CommitKind
	Entries  []events.HistoryEntry
	Before   *state.Canonical
	After    *state.Canonical
	Meta     state.Meta
	Diff     []state.Change
	Rejected []Rejection
}

// Err returns the first rejection, if any.
func (c Commit) Err() error {
	if len(c.Rejected) == 0 {
		return nil
	}
	return c.Rejected[0].Err
}

// ErrFenced is returned once the store reported corruption.
var ErrFenced = apperrors.New(apperrors.CodeCorrupted, "session refuses writes after store corruption")

// Options tune the pipeline.
type Options struct {
	SkillMax       int
	QueueDepth     int
	PersistTimeout time.Duration
	Clock          func() time.Time
}

type snapshot struct {
	meta  state.Meta
	state *state.Canonical
}

type requestKind int

const (
	reqActions requestKind = iota
	reqRestore
	reqReset
)

type request struct {
	ctx      context.Context
	kind     requestKind
	actions  []Action
	snapshot *state.Snapshot
	module   string
	reply    chan response
}

type response struct {
	commit Commit
	err    error
}

// Pipeline serializes every state mutation through one goroutine.
// Readers call Current and never see a partially applied action.
type Pipeline struct {
	store  Store
	roller *rules.Roller
	logger *logger.Logger
	opts   Options

	current  atomic.Pointer[snapshot]
	phase    atomic.Int32
	fenced   atomic.Bool
	queue    chan *request
	done     chan struct{}
	onCommit func(Commit)
}

// NewPipeline creates a pipeline over an initial committed state.
func NewPipeline(store Store, roller *rules.Roller, log *logger.Logger, meta state.Meta, initial *state.Canonical, opts Options) *Pipeline {
	if opts.QueueDepth < 1 {
		opts.QueueDepth = 64
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	p := &Pipeline{
		store:  store,
		roller: roller,
		logger: log,
		opts:   opts,
		queue:  make(chan *request, opts.QueueDepth),
		done:   make(chan struct{}),
	}
	p.current.Store(&snapshot{meta: meta, state: initial})
	return p
}

// OnCommit registers a hook run on the writer goroutine after every
// successful commit, in commit order. Register before Run.
func (p *Pipeline) OnCommit(fn func(Commit)) {
	p.onCommit = fn
}

// Current returns the latest committed state and metadata. The state must
// not be mutated.
func (p *Pipeline) Current() (*state.Canonical, state.Meta) {
	s := p.current.Load()
	return s.state, s.meta
}

// Phase reports the writer's current phase.
func (p *Pipeline) Phase() Phase {
	return Phase(p.phase.Load())
}

// Fenced reports whether the pipeline stopped accepting writes.
func (p *Pipeline) Fenced() bool {
	return p.fenced.Load()
}

// Run consumes the queue until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.done)
	p.logger.Info("action pipeline started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("action pipeline stopped")
			return ctx.Err()
		case req := <-p.queue:
			req.reply <- p.handle(req)
		}
	}
}

// Submit applies one action.
func (p *Pipeline) Submit(ctx context.Context, a Action) (Commit, error) {
	return p.SubmitBatch(ctx, []Action{a})
}

// SubmitBatch applies actions in order as a single commit. Invalid actions
// are replaced by diagnostic entries and leave the state untouched.
func (p *Pipeline) SubmitBatch(ctx context.Context, actions []Action) (Commit, error) {
	return p.enqueue(ctx, &request{kind: reqActions, actions: actions})
}

// Restore replaces the live session with a snapshot.
func (p *Pipeline) Restore(ctx context.Context, snap state.Snapshot) (Commit, error) {
	if snap.State == nil {
		return Commit{}, apperrors.New(apperrors.CodeInvalidArgument, "snapshot has no state")
	}
	return p.enqueue(ctx, &request{kind: reqRestore, snapshot: &snap})
}

// Reset starts a new round: the replay history is cleared, players are
// kept and the session returns to the lobby. The durable log is kept.
func (p *Pipeline) Reset(ctx context.Context, module string) (Commit, error) {
	return p.enqueue(ctx, &request{kind: reqReset, module: module})
}

func (p *Pipeline) enqueue(ctx context.Context, req *request) (Commit, error) {
	if p.fenced.Load() {
		return Commit{}, ErrFenced
	}
	req.ctx = ctx
	req.reply = make(chan response, 1)

	select {
	case p.queue <- req:
	case <-ctx.Done():
		return Commit{}, ctx.Err()
	case <-p.done:
		return Commit{}, apperrors.ErrSessionClosed
	}

	// Once queued the request is owned by the writer. A cancelled caller
	// still waits for the outcome, since the commit may already be durable.
	select {
	case res := <-req.reply:
		return res.commit, res.err
	case <-p.done:
		select {
		case res := <-req.reply:
			return res.commit, res.err
		default:
			return Commit{}, apperrors.ErrSessionClosed
		}
	}
}

func (p *Pipeline) handle(req *request) response {
	if err := req.ctx.Err(); err != nil {
		return response{err: err}
	}
	if p.fenced.Load() {
		return response{err: ErrFenced}
	}

	p.phase.Store(int32(PhaseApplying))
	defer p.phase.Store(int32(PhaseIdle))

	cur := p.current.Load()
	var (
		next     snapshot
		entries  []events.HistoryEntry
		rejected []Rejection
		kind     CommitKind
	)
	switch req.kind {
	case reqActions:
		kind = CommitActions
		next.state, entries, rejected = p.applyActions(cur.state, req.actions)
		if len(entries) == 0 {
			return response{commit: Commit{Kind: kind, Before: cur.state, After: cur.state, Meta: cur.meta}}
		}
		next.state.Version = cur.state.Version + 1
		next.meta = cur.meta
		p.stamp(&next.meta, entries)
	case reqRestore:
		kind = CommitRestore
		snap := req.snapshot
		next.state = snap.State.Clone()
		next.meta = state.Meta{
			SessionID: cur.meta.SessionID,
			RoundID:   snap.Meta.RoundID,
			Epoch:     cur.meta.Epoch + 1,
			LastSeq:   snap.Meta.LastSeq,
			CreatedAt: cur.meta.CreatedAt,
		}
		entries = append([]events.HistoryEntry(nil), snap.History...)
	case reqReset:
		kind = CommitReset
		next.state = cur.state.Clone()
		next.state.Version = cur.state.Version + 1
		next.state.Status = state.StatusLobby
		if req.module != "" {
			next.state.Module = req.module
		}
		next.meta = cur.meta
		next.meta.RoundID = uuid.NewString()
		next.meta.Epoch = cur.meta.Epoch + 1
		entries = []events.HistoryEntry{{
			ActorType:  events.ActorSystem,
			ActorID:    "system",
			ActionType: events.ActionRuleResolution,
			Scope:      events.Public(),
			Text:       events.Text{ZH: "新一轮调查已准备就绪。", EN: "A new round is ready."},
		}}
		p.stamp(&next.meta, entries)
	}

	start := time.Now()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(req.ctx), p.opts.PersistTimeout)
	err := p.store.Commit(pctx, next.meta, next.state, entries)
	cancel()
	metrics.Get().RecordCommit(time.Since(start), len(entries), err)
	if err != nil {
		if errors.Is(err, apperrors.ErrCorrupted) {
			p.fenced.Store(true)
			p.logger.Error("store corruption detected, fencing session", logger.Err(err))
			return response{err: apperrors.Wrap(apperrors.CodeCorrupted, "commit refused", err)}
		}
		p.logger.Warn("commit not persisted", logger.Err(err), logger.String("kind", string(kind)))
		return response{err: apperrors.Wrap(apperrors.CodePersistence, "commit not persisted, retry later", err)}
	}

	p.current.Store(&next)
	p.phase.Store(int32(PhaseCommitted))

	diff, err := state.Diff(cur.state, next.state)
	if err != nil {
		p.logger.Error("diff failed", logger.Err(err))
	}
	commit := Commit{
		Kind:     kind,
		Entries:  entries,
		Before:   cur.state,
		After:    next.state,
		Meta:     next.meta,
		Diff:     diff,
		Rejected: rejected,
	}
	p.logger.Debug("commit",
		logger.String("kind", string(kind)),
		logger.Uint64("last_seq", next.meta.LastSeq),
		logger.Int("entries", len(entries)),
		logger.Int("changes", len(diff)),
	)
	if p.onCommit != nil {
		p.onCommit(commit)
	}
	return response{commit: commit}
}

// applyActions applies each action to its own clone, so a rejected
// action leaves no trace besides its diagnostic entry.
func (p *Pipeline) applyActions(base *state.Canonical, actions []Action) (*state.Canonical, []events.HistoryEntry, []Rejection) {
	working := base.Clone()
	var (
		entries  []events.HistoryEntry
		rejected []Rejection
	)
	for i := range actions {
		a := actions[i]
		if a.Scope.Audience == "" {
			a.Scope = events.Public()
		}
		tx := &txn{state: working.Clone(), roller: p.roller, skillMax: p.opts.SkillMax, action: &a}
		if err := tx.run(); err != nil {
			opName := "narration"
			if a.Op != nil {
				opName = a.Op.Name()
			}
			p.logger.Event("ACTION_REJECTED", a.ActorID, opName+": "+err.Error())
			metrics.Get().RecordDiagnostic()
			entries = append(entries, diagnosticEntry([]string{opName + ": " + err.Error()}))
			rejected = append(rejected, Rejection{Index: i, Err: err})
			continue
		}
		working = tx.state
		entries = append(entries, tx.entries...)
	}
	return working, entries, rejected
}

// stamp assigns identity and sequence numbers, advancing meta.LastSeq.
func (p *Pipeline) stamp(meta *state.Meta, entries []events.HistoryEntry) {
	now := p.opts.Clock().UTC()
	for i := range entries {
		meta.LastSeq++
		e := &entries[i]
		e.Seq = meta.LastSeq
		e.ID = events.NewEntryID()
		e.Timestamp = now
		e.SessionID = meta.SessionID
		e.RoundID = meta.RoundID
		if e.Scope.Audience == "" {
			e.Scope = events.Public()
		}
	}
}
