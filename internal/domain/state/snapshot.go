package state

import (
	"time"

	"github.com/MRamiBalles/KeeperTable/internal/events"
)

// Snapshot is a named point-in-time copy of the whole session.
type Snapshot struct {
	ID        string                `json:"id"`
	Name      string                `json:"name"`
	CreatedAt time.Time             `json:"created_at"`
	Meta      Meta                  `json:"meta"`
	State     *Canonical            `json:"state"`
	History   []events.HistoryEntry `json:"history"`
}

// SnapshotInfo is the listing form of a snapshot.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Module    string    `json:"module"`
	CreatedAt time.Time `json:"created_at"`
	Entries   int       `json:"entries"`
}

// Info summarizes the snapshot for listings.
func (s Snapshot) Info() SnapshotInfo {
	info := SnapshotInfo{ID: s.ID, Name: s.Name, CreatedAt: s.CreatedAt, Entries: len(s.History)}
	if s.State != nil {
		info.Module = s.State.Module
	}
	return info
}
