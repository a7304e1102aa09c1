// Package visibility derives per-viewer views of the session. Every
// function here is pure: inputs are never mutated and outputs share no
// memory with them.
package visibility

import (
	"github.com/MRamiBalles/KeeperTable/internal/domain/investigator"
	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/events"
)

// Role is a viewer's role in the room.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// Viewer identifies who is looking.
type Viewer struct {
	Role Role   `json:"role"`
	ID   string `json:"id"`
}

// Host returns the host viewer.
func Host() Viewer { return Viewer{Role: RoleHost, ID: "host"} }

// Player returns a player viewer.
func Player(id string) Viewer { return Viewer{Role: RolePlayer, ID: id} }

// Project returns the part of s the viewer may see. The host gets a full
// copy; a player gets their own investigator in full, other investigators
// without secrets or private conditions, and no host-only world fields.
func Project(s *state.Canonical, v Viewer) *state.Canonical {
	out := s.Clone()
	if v.Role == RoleHost {
		return out
	}
	for id, p := range out.Players {
		if id == v.ID {
			continue
		}
		out.Players[id] = redact(p)
	}
	for k, f := range out.World.Flags {
		if f.Secrecy == state.SecrecyHostOnly {
			delete(out.World.Flags, k)
		}
	}
	for k, c := range out.World.Clocks {
		if c.Secrecy == state.SecrecyHostOnly {
			delete(out.World.Clocks, k)
		}
	}
	for k, n := range out.World.Notes {
		if n.Secrecy == state.SecrecyHostOnly {
			delete(out.World.Notes, k)
		}
	}
	return out
}

func redact(p *investigator.Investigator) *investigator.Investigator {
	p.Secrets = investigator.Secrets{}
	p.Conditions = p.PublicConditions()
	return p
}

// ProjectDiff returns the changes between two states as seen by v. Paths
// the viewer cannot see in either state never appear.
func ProjectDiff(before, after *state.Canonical, v Viewer) ([]state.Change, error) {
	return state.Diff(Project(before, v), Project(after, v))
}

// Visible reports whether the viewer may see the entry.
func Visible(e events.HistoryEntry, v Viewer) bool {
	if v.Role == RoleHost {
		return true
	}
	switch e.Scope.Audience {
	case events.AudienceAll, "":
		return true
	case events.AudienceOwner:
		return e.Scope.Includes(v.ID)
	default:
		return false
	}
}

// FilterHistory returns the entries the viewer may see, in order.
func FilterHistory(entries []events.HistoryEntry, v Viewer) []events.HistoryEntry {
	out := make([]events.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if Visible(e, v) {
			out = append(out, e)
		}
	}
	return out
}
