package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
	"github.com/MRamiBalles/KeeperTable/internal/infra/storage"
	"github.com/MRamiBalles/KeeperTable/internal/platform/logger"
)

// Recover loads the live session from the store and fills the replay
// window with its newest entries. An empty store gets a fresh lobby
// session, committed before anything else can happen.
func Recover(ctx context.Context, store storage.Store, window *events.Log, historyCount int, module string, log *logger.Logger) (state.Meta, *state.Canonical, error) {
	sess, err := store.LoadSession(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		meta := state.Meta{
			SessionID: uuid.NewString(),
			RoundID:   uuid.NewString(),
			Epoch:     1,
			CreatedAt: time.Now().UTC(),
		}
		fresh := state.New(module)
		if err := store.Commit(ctx, meta, fresh, nil); err != nil {
			return state.Meta{}, nil, fmt.Errorf("create session: %w", err)
		}
		log.Info("created new session", logger.String("session_id", meta.SessionID))
		window.Reset(nil, 0)
		return meta, fresh, nil
	}
	if err != nil {
		return state.Meta{}, nil, fmt.Errorf("load session: %w", err)
	}

	history, err := store.LoadHistory(ctx, historyCount)
	if err != nil {
		return state.Meta{}, nil, fmt.Errorf("load history: %w", err)
	}
	window.Reset(history, sess.Meta.LastSeq)
	log.Info("recovered session",
		logger.String("session_id", sess.Meta.SessionID),
		logger.Uint64("epoch", sess.Meta.Epoch),
		logger.Uint64("last_seq", sess.Meta.LastSeq),
		logger.Int("replayed", len(history)),
	)
	return sess.Meta, sess.State, nil
}
