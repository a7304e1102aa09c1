// Package network exposes the session over WebSocket and a small HTTP API.
package network

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MRamiBalles/KeeperTable/internal/domain/investigator"
	"github.com/MRamiBalles/KeeperTable/internal/engine"
	"github.com/MRamiBalles/KeeperTable/internal/events"
	apperrors "github.com/MRamiBalles/KeeperTable/internal/platform/errors"
	"github.com/MRamiBalles/KeeperTable/internal/platform/logger"
	"github.com/MRamiBalles/KeeperTable/internal/platform/metrics"
	"github.com/MRamiBalles/KeeperTable/internal/session"
	"github.com/MRamiBalles/KeeperTable/internal/visibility"
)

const (
	requestTimeout = 15 * time.Second
	maxBodySize    = 64 * 1024
)

// API provides the HTTP endpoints of the room.
type API struct {
	coord  *session.Coordinator
	hub    *Hub
	logger *logger.Logger
}

// NewAPI creates the HTTP API.
func NewAPI(coord *session.Coordinator, hub *Hub, log *logger.Logger) *API {
	return &API{coord: coord, hub: hub, logger: log}
}

// RegisterRoutes sets up every route, the websocket endpoint included.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", a.hub.ServeWS)

	mux.HandleFunc("POST /api/players", a.HandleCreatePlayer)
	mux.HandleFunc("GET /api/players", a.HandleListPlayers)
	mux.HandleFunc("POST /api/players/claim", a.HandleClaimPlayer)
	mux.HandleFunc("GET /api/professions", a.HandleProfessions)
	mux.HandleFunc("POST /api/session/start", a.HandleStart)
	mux.HandleFunc("POST /api/session/reset", a.HandleReset)
	mux.HandleFunc("POST /api/host/message", a.HandleHostMessage)
	mux.HandleFunc("GET /api/history", a.HandleHistory)
	mux.HandleFunc("GET /api/snapshots", a.HandleListSnapshots)
	mux.HandleFunc("POST /api/snapshots", a.HandleSaveSnapshot)
	mux.HandleFunc("POST /api/snapshots/load", a.HandleLoadSnapshot)

	mux.HandleFunc("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /metrics/prometheus", metrics.PrometheusHandler())
	mux.HandleFunc("GET /health", a.HandleHealth)
}

// CommitResponse summarizes a commit for HTTP callers.
type CommitResponse struct {
	OK       bool     `json:"ok"`
	Version  uint64   `json:"version"`
	LastSeq  uint64   `json:"last_seq"`
	RoundID  string   `json:"round_id"`
	Entries  int      `json:"entries"`
	Rejected []string `json:"rejected,omitempty"`
}

func commitResponse(c engine.Commit) CommitResponse {
	resp := CommitResponse{OK: true, LastSeq: c.Meta.LastSeq, RoundID: c.Meta.RoundID, Entries: len(c.Entries)}
	if c.After != nil {
		resp.Version = c.After.Version
	}
	for _, r := range c.Rejected {
		resp.Rejected = append(resp.Rejected, r.Err.Error())
	}
	return resp
}

// HandleCreatePlayer creates an investigator.
// POST /api/players
func (a *API) HandleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req session.NewCharacter
	if !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	commit, err := a.coord.CreateCharacter(ctx, req)
	if err != nil {
		a.fail(w, err)
		return
	}
	var playerID string
	for id := range commit.After.Players {
		if _, existed := commit.Before.Players[id]; !existed {
			playerID = id
		}
	}
	a.logger.Event("PLAYER_CREATED", playerID, req.Profession)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "player_id": playerID})
}

// HandleListPlayers lists investigators as any outsider sees them.
// GET /api/players?machine_id=XXX&include_unbound=true
func (a *API) HandleListPlayers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeUnbound, _ := strconv.ParseBool(q.Get("include_unbound"))
	writeJSON(w, http.StatusOK, map[string]any{
		"players":           a.coord.Players(strings.TrimSpace(q.Get("machine_id")), includeUnbound),
		"online_player_ids": a.coord.OnlinePlayerIDs(),
	})
}

// ClaimRequest is the body of POST /api/players/claim.
type ClaimRequest struct {
	PlayerID  string `json:"player_id"`
	MachineID string `json:"machine_id"`
}

// HandleClaimPlayer binds an investigator to the caller's device.
// POST /api/players/claim
func (a *API) HandleClaimPlayer(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if _, err := a.coord.ClaimPlayer(ctx, req.PlayerID, req.MachineID); err != nil {
		a.fail(w, err)
		return
	}
	a.logger.Event("PLAYER_CLAIMED", req.PlayerID, req.MachineID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleProfessions lists the character-creation presets.
// GET /api/professions
func (a *API) HandleProfessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"professions": investigator.Professions()})
}

// StartRequest is the body of POST /api/session/start.
type StartRequest struct {
	ModuleName string      `json:"module_name"`
	Narration  events.Text `json:"narration"`
}

// HandleStart starts the module.
// POST /api/session/start
func (a *API) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	commit, err := a.coord.StartModule(ctx, req.ModuleName, req.Narration)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitResponse(commit))
}

// ResetRequest is the body of POST /api/session/reset.
type ResetRequest struct {
	ModuleName string `json:"module_name"`
}

// HandleReset starts a new round.
// POST /api/session/reset
func (a *API) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	commit, err := a.coord.Reset(ctx, req.ModuleName)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitResponse(commit))
}

// HandleHostMessage applies a Keeper envelope typed by the host.
// POST /api/host/message
func (a *API) HandleHostMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		a.fail(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "failed to read body", err))
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	commit, err := a.coord.HostMessage(ctx, string(body))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitResponse(commit))
}

// HandleHistory returns the replay window for a viewer.
// GET /api/history?role=host or ?player_id=XXX; neither gives the public view.
// actor_id=XXX narrows the window to one actor's entries.
func (a *API) HandleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v := visibility.Player(strings.TrimSpace(q.Get("player_id")))
	if visibility.Role(q.Get("role")) == visibility.RoleHost {
		v = visibility.Host()
	}
	history := a.coord.History(v, strings.TrimSpace(q.Get("actor_id")))
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// HandleListSnapshots lists stored snapshots.
// GET /api/snapshots
func (a *API) HandleListSnapshots(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	infos, err := a.coord.ListSnapshots(ctx)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": infos})
}

// SaveRequest is the body of POST /api/snapshots.
type SaveRequest struct {
	Name      string `json:"name"`
	Overwrite bool   `json:"overwrite"`
}

// HandleSaveSnapshot saves the live session. An existing name answers 409
// unless overwrite is set.
// POST /api/snapshots
func (a *API) HandleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SaveRequest
	if !a.decode(w, r, &req) {
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	info, err := a.coord.SaveSnapshot(ctx, req.Name, req.Overwrite)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "snapshot": info})
}

// LoadRequest is the body of POST /api/snapshots/load.
type LoadRequest struct {
	ID string `json:"id"`
}

// HandleLoadSnapshot replaces the live session with a snapshot.
// POST /api/snapshots/load
func (a *API) HandleLoadSnapshot(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if !a.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		a.fail(w, apperrors.New(apperrors.CodeInvalidArgument, "id is required"))
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	commit, err := a.coord.LoadSnapshot(ctx, req.ID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitResponse(commit))
}

// HandleHealth reports liveness.
// GET /health
func (a *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	cur, meta := a.coord.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session_id": meta.SessionID,
		"module":     cur.Module,
		"phase":      cur.Status,
		"clients":    a.hub.Count(),
	})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		a.fail(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid payload", err))
		return false
	}
	return true
}

func (a *API) fail(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", logger.String("code", string(code)), logger.Err(err))
	}
	writeJSON(w, status, map[string]any{"ok": false, "code": code, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}
