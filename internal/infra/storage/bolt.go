package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
)

const (
	sessionBucket  = "session"
	historyBucket  = "history"   // nested bucket per epoch, keyed by seq
	snapshotBucket = "snapshots" // id -> snapshot JSON
	nameBucket     = "snapshot_names"
)

var liveKey = []byte("live")

// BoltStore provides a BoltDB-backed session store.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens a BoltDB-backed store at the provided path.
func OpenBolt(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &BoltStore{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) Commit(ctx context.Context, meta state.Meta, st *state.Canonical, entries []events.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(Session{Meta: meta, State: st})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		epoch, err := tx.Bucket([]byte(historyBucket)).CreateBucketIfNotExists(u64(meta.Epoch))
		if err != nil {
			return fmt.Errorf("create epoch bucket: %w", err)
		}
		var last uint64
		if k, _ := epoch.Cursor().Last(); k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		if _, err := checkSequence(last, entries); err != nil {
			return err
		}
		for _, e := range entries {
			raw, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal entry %d: %w", e.Seq, err)
			}
			if err := epoch.Put(u64(e.Seq), raw); err != nil {
				return fmt.Errorf("append entry %d: %w", e.Seq, err)
			}
		}
		return tx.Bucket([]byte(sessionBucket)).Put(liveKey, payload)
	})
}

func (s *BoltStore) LoadSession(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	var sess Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		sess, err = boltSession(tx)
		return err
	})
	return sess, err
}

func (s *BoltStore) LoadHistory(ctx context.Context, limit int) ([]events.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []events.HistoryEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		sess, err := boltSession(tx)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = boltEpoch(tx, sess.Meta.Epoch, limit)
		return err
	})
	return out, err
}

func (s *BoltStore) SaveSnapshot(ctx context.Context, name string, overwrite bool) (state.Snapshot, error) {
	name = strings.TrimSpace(name)
	if err := validName(name); err != nil {
		return state.Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return state.Snapshot{}, err
	}

	var snap state.Snapshot
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sess, err := boltSession(tx)
		if err != nil {
			return err
		}
		names := tx.Bucket([]byte(nameBucket))
		snaps := tx.Bucket([]byte(snapshotBucket))
		existing := names.Get([]byte(name))
		if existing != nil && !overwrite {
			return ErrExists
		}
		history, err := boltEpoch(tx, sess.Meta.Epoch, 0)
		if err != nil {
			return err
		}
		snap = newSnapshot(name, sess, history)
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		if existing != nil {
			if err := snaps.Delete(slices.Clone(existing)); err != nil {
				return fmt.Errorf("replace snapshot: %w", err)
			}
		}
		if err := snaps.Put([]byte(snap.ID), payload); err != nil {
			return fmt.Errorf("put snapshot: %w", err)
		}
		return names.Put([]byte(name), []byte(snap.ID))
	})
	return snap, err
}

func (s *BoltStore) LoadSnapshot(ctx context.Context, idOrName string) (state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return state.Snapshot{}, err
	}
	var snap state.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		snaps := tx.Bucket([]byte(snapshotBucket))
		payload := snaps.Get([]byte(idOrName))
		if payload == nil {
			if id := tx.Bucket([]byte(nameBucket)).Get([]byte(idOrName)); id != nil {
				payload = snaps.Get(id)
			}
		}
		if payload == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(payload, &snap); err != nil {
			return fmt.Errorf("unmarshal snapshot: %w", err)
		}
		return nil
	})
	return snap, err
}

func (s *BoltStore) ListSnapshots(ctx context.Context) ([]state.SnapshotInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos := []state.SnapshotInfo{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(snapshotBucket)).ForEach(func(k, v []byte) error {
			var snap state.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("unmarshal snapshot %s: %w", k, err)
			}
			infos = append(infos, snap.Info())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Keys are random ids; order by creation.
	slices.SortStableFunc(infos, func(a, b state.SnapshotInfo) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return infos, nil
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{sessionBucket, historyBucket, snapshotBucket, nameBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func boltSession(tx *bbolt.Tx) (Session, error) {
	payload := tx.Bucket([]byte(sessionBucket)).Get(liveKey)
	if payload == nil {
		return Session{}, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

func boltEpoch(tx *bbolt.Tx, epoch uint64, limit int) ([]events.HistoryEntry, error) {
	entries := []events.HistoryEntry{}
	bucket := tx.Bucket([]byte(historyBucket)).Bucket(u64(epoch))
	if bucket == nil {
		return entries, nil
	}
	c := bucket.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		if limit > 0 && len(entries) == limit {
			break
		}
		var e events.HistoryEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry %d: %w", binary.BigEndian.Uint64(k), err)
		}
		entries = append(entries, e)
	}
	slices.Reverse(entries)
	return entries, nil
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
