// Package state holds the canonical session state and its snapshots.
// Canonical values are copy-on-write: a committed *Canonical is never
// mutated again; writers clone, mutate the clone and publish it.
package state

import (
	"sort"
	"time"

	"github.com/MRamiBalles/KeeperTable/internal/domain/investigator"
)

// Status is the session lifecycle phase.
type Status string

const (
	StatusLobby  Status = "lobby"
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Secrecy tags a world field.
type Secrecy string

const (
	SecrecyPublic   Secrecy = "public"
	SecrecyHostOnly Secrecy = "host_only"
)

// Flag is a boolean world fact.
type Flag struct {
	Value   bool    `json:"value"`
	Secrecy Secrecy `json:"secrecy"`
}

// Clock is a progress counter such as "ritual 3/6".
type Clock struct {
	Value   int     `json:"value"`
	Max     int     `json:"max,omitempty"`
	Secrecy Secrecy `json:"secrecy"`
}

// Note is free-form scene text.
type Note struct {
	Text    string  `json:"text"`
	Secrecy Secrecy `json:"secrecy"`
}

// World holds the room-scoped fields.
type World struct {
	Flags  map[string]Flag  `json:"flags"`
	Clocks map[string]Clock `json:"clocks"`
	Notes  map[string]Note  `json:"notes"`
}

// Canonical is the authoritative session state.
type Canonical struct {
	Version uint64                                `json:"version"`
	Module  string                                `json:"module"`
	Status  Status                                `json:"status"`
	Players map[string]*investigator.Investigator `json:"players"`
	World   World                                 `json:"world"`
}

// New returns an empty lobby state.
func New(module string) *Canonical {
	return &Canonical{
		Module:  module,
		Status:  StatusLobby,
		Players: make(map[string]*investigator.Investigator),
		World: World{
			Flags:  make(map[string]Flag),
			Clocks: make(map[string]Clock),
			Notes:  make(map[string]Note),
		},
	}
}

// Clone returns a deep copy safe to mutate.
func (c *Canonical) Clone() *Canonical {
	out := &Canonical{
		Version: c.Version,
		Module:  c.Module,
		Status:  c.Status,
		Players: make(map[string]*investigator.Investigator, len(c.Players)),
		World: World{
			Flags:  make(map[string]Flag, len(c.World.Flags)),
			Clocks: make(map[string]Clock, len(c.World.Clocks)),
			Notes:  make(map[string]Note, len(c.World.Notes)),
		},
	}
	for id, p := range c.Players {
		out.Players[id] = p.Clone()
	}
	for k, v := range c.World.Flags {
		out.World.Flags[k] = v
	}
	for k, v := range c.World.Clocks {
		out.World.Clocks[k] = v
	}
	for k, v := range c.World.Notes {
		out.World.Notes[k] = v
	}
	return out
}

// Player returns the investigator with the given id.
func (c *Canonical) Player(id string) (*investigator.Investigator, bool) {
	p, ok := c.Players[id]
	return p, ok
}

// PlayerIDs returns player ids in sorted order.
func (c *Canonical) PlayerIDs() []string {
	ids := make([]string, 0, len(c.Players))
	for id := range c.Players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Meta is the session bookkeeping persisted next to the state.
// Epoch selects the live slice of the durable log; it changes whenever
// the live history is replaced (reset or snapshot load).
type Meta struct {
	SessionID string    `json:"session_id"`
	RoundID   string    `json:"round_id"`
	Epoch     uint64    `json:"epoch"`
	LastSeq   uint64    `json:"last_seq"`
	CreatedAt time.Time `json:"created_at"`
}
