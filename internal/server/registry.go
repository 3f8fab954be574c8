package server

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type CreateRoomSettings struct {
	Name           string
	IsPublic       bool
	SelectedSetIDs []uint
	MaxPlayers     int
	Nickname       string
	TargetScore    int
}

type SettingsPatch struct {
	Name           *string
	IsPublic       *bool
	SelectedSetIDs []uint
	MaxPlayers     *int
}

// Registry owns every room, the identity-token maps and the AFK timers. All
// mutation entry points serialize on one mutex, so each action, timer callback
// and sweep runs as a discrete step.
type Registry struct {
	mu           sync.Mutex
	rooms        map[string]*Room
	playerRooms  map[string]string // identity token -> room code
	tokenPlayers map[string]string // identity token -> player id
	engines      map[string]*Engine

	afkGrace  time.Duration
	afkMu     sync.Mutex
	afkTimers map[string]*time.Timer

	// OnAfkFlagged runs on the timer goroutine, outside the registry lock,
	// after a disconnected player has been marked AFK.
	OnAfkFlagged func(code string)
	// OnTeardown cancels a room's phase timers when the room goes away or its
	// game is torn down. It must not call back into the registry.
	OnTeardown func(code string)
}

func NewRegistry(afkGrace time.Duration) *Registry {
	return &Registry{
		rooms:        make(map[string]*Room),
		playerRooms:  make(map[string]string),
		tokenPlayers: make(map[string]string),
		engines:      make(map[string]*Engine),
		afkGrace:     afkGrace,
		afkTimers:    make(map[string]*time.Timer),
	}
}

// CreateRoom makes a new room with the caller as host and returns the host's
// identity token.
func (r *Registry) CreateRoom(settings CreateRoomSettings) (*Room, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := newRoomCode()
	for _, taken := r.rooms[code]; taken; _, taken = r.rooms[code] {
		code = newRoomCode()
	}

	playerID := uuid.NewString()
	token := uuid.NewString()
	host := &Player{ID: playerID, Nickname: settings.Nickname}
	room := &Room{
		Code:           code,
		Status:         statusLobby,
		HostID:         playerID,
		Name:           settings.Name,
		IsPublic:       settings.IsPublic,
		SelectedSetIDs: settings.SelectedSetIDs,
		MaxPlayers:     settings.MaxPlayers,
		TargetScore:    settings.TargetScore,
		Players:        []*Player{host},
		LastActivityAt: timeNowUTC(),
	}

	r.rooms[code] = room
	r.playerRooms[token] = code
	r.tokenPlayers[token] = playerID
	return room, token
}

// JoinRoom adds a player to a lobby, or restores an existing player when the
// supplied token resolves to this room (reconnect). A token that does not
// resolve is ignored, never an error.
func (r *Registry) JoinRoom(code, nickname, token string) (room *Room, playerToken string, wasReconnect bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[code]
	if !ok {
		return nil, "", false, errors.New("room not found")
	}

	if token != "" && r.playerRooms[token] == code {
		if restored := r.reconnectLocked(token, nil); restored != nil {
			return restored, token, true, nil
		}
	}

	if room.Status != statusLobby {
		return nil, "", false, errors.New("game already started")
	}
	if len(room.Players) >= room.MaxPlayers {
		return nil, "", false, errors.New("room is full")
	}
	for _, p := range room.Players {
		if strings.EqualFold(p.Nickname, nickname) {
			return nil, "", false, errors.New("nickname already taken")
		}
	}

	playerID := uuid.NewString()
	newToken := uuid.NewString()
	room.Players = append(room.Players, &Player{ID: playerID, Nickname: nickname})
	r.playerRooms[newToken] = code
	r.tokenPlayers[newToken] = playerID
	return room, newToken, false, nil
}

// Reconnect restores the connection handle for the token's player, clears the
// AFK flag and cancels any pending AFK timer. Returns nil when the token no
// longer resolves.
func (r *Registry) Reconnect(token string, conn *websocket.Conn) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnectLocked(token, conn)
}

func (r *Registry) reconnectLocked(token string, conn *websocket.Conn) *Room {
	code, ok := r.playerRooms[token]
	if !ok {
		return nil
	}
	room, ok := r.rooms[code]
	if !ok {
		return nil
	}
	player := room.player(r.tokenPlayers[token])
	if player == nil {
		return nil
	}
	r.cancelAfkTimer(token)
	player.Conn = conn
	player.IsAfk = false
	return room
}

// HandleDisconnect clears the player's connection handle and arms the AFK
// grace timer. A re-disconnect replaces the pending timer.
func (r *Registry) HandleDisconnect(token string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, ok := r.playerRooms[token]
	if !ok {
		return nil
	}
	room, ok := r.rooms[code]
	if !ok {
		return nil
	}
	player := room.player(r.tokenPlayers[token])
	if player == nil {
		return nil
	}
	player.Conn = nil

	r.afkMu.Lock()
	if existing, ok := r.afkTimers[token]; ok {
		existing.Stop()
	}
	r.afkTimers[token] = time.AfterFunc(r.afkGrace, func() {
		r.flagAfk(token)
	})
	r.afkMu.Unlock()
	return room
}

func (r *Registry) flagAfk(token string) {
	r.afkMu.Lock()
	delete(r.afkTimers, token)
	r.afkMu.Unlock()

	r.mu.Lock()
	code, ok := r.playerRooms[token]
	if !ok {
		r.mu.Unlock()
		return
	}
	room, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return
	}
	player := room.player(r.tokenPlayers[token])
	flagged := false
	if player != nil && player.Conn == nil {
		player.IsAfk = true
		flagged = true
	}
	r.mu.Unlock()

	if flagged && r.OnAfkFlagged != nil {
		r.OnAfkFlagged(code)
	}
}

func (r *Registry) cancelAfkTimer(token string) {
	r.afkMu.Lock()
	defer r.afkMu.Unlock()
	if timer, ok := r.afkTimers[token]; ok {
		timer.Stop()
		delete(r.afkTimers, token)
	}
}

// LeaveRoom removes the token's player. Returns the surviving room (nil when
// the room was deleted) and the room code.
func (r *Registry) LeaveRoom(token string) (*Room, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, ok := r.playerRooms[token]
	if !ok {
		return nil, ""
	}
	room, ok := r.rooms[code]
	if !ok {
		return nil, ""
	}
	r.removePlayerLocked(token, room)
	return r.rooms[code], code
}

// KickPlayer removes the target player on the host's behalf and returns the
// invalidated token so the transport can notify the kicked connection.
func (r *Registry) KickPlayer(hostToken, targetPlayerID string) (*Room, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.hostRoomLocked(hostToken, "only the host can kick players")
	if err != nil {
		return nil, "", err
	}

	kickedToken := ""
	for token, pid := range r.tokenPlayers {
		if pid == targetPlayerID && r.playerRooms[token] == room.Code {
			kickedToken = token
			break
		}
	}
	if kickedToken == "" {
		return nil, "", errors.New("player not found")
	}
	r.removePlayerLocked(kickedToken, room)
	return room, kickedToken, nil
}

// UpdateSettings applies a host-only settings patch.
func (r *Registry) UpdateSettings(hostToken string, patch SettingsPatch) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.hostRoomLocked(hostToken, "only the host can change settings")
	if err != nil {
		return nil, err
	}
	if patch.MaxPlayers != nil && *patch.MaxPlayers < len(room.Players) {
		return nil, errors.New("max players cannot be below the current player count")
	}
	if patch.Name != nil {
		room.Name = *patch.Name
	}
	if patch.IsPublic != nil {
		room.IsPublic = *patch.IsPublic
	}
	if patch.SelectedSetIDs != nil {
		room.SelectedSetIDs = patch.SelectedSetIDs
	}
	if patch.MaxPlayers != nil {
		room.MaxPlayers = *patch.MaxPlayers
	}
	return room, nil
}

// StartGame validates the lobby and moves the room to SELECTION. Engine
// construction and the first round are the orchestrator's job.
func (r *Registry) StartGame(hostToken string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.hostRoomLocked(hostToken, "only the host can start the game")
	if err != nil {
		return nil, err
	}
	if len(room.activePlayers()) < 3 {
		return nil, errors.New("at least 3 active players are required")
	}
	if len(room.SelectedSetIDs) == 0 {
		return nil, errors.New("at least one card set must be selected")
	}
	room.Status = statusSelection
	return room, nil
}

// EndGame is the host's administrative stop: engine and timers are dropped and
// the room parks in FINISHED.
func (r *Registry) EndGame(hostToken string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.hostRoomLocked(hostToken, "only the host can end the game")
	if err != nil {
		return nil, err
	}
	if room.Status == statusLobby || room.Status == statusFinished {
		return nil, errors.New("no game in progress")
	}
	r.teardownGameLocked(room.Code)
	room.Status = statusFinished
	room.RoundDeadline = nil
	return room, nil
}

// ReturnToLobby resets a FINISHED room for another game.
func (r *Registry) ReturnToLobby(hostToken string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.hostRoomLocked(hostToken, "only the host can return the game to the lobby")
	if err != nil {
		return nil, err
	}
	if room.Status != statusFinished {
		return nil, errors.New("the game is not finished")
	}
	r.resetRoomLocked(room)
	return room, nil
}

// FinishGame tears the game down after a target-score win: the final ranking
// is captured, every non-host player is removed and their tokens invalidated,
// and the room returns to LOBBY with only the host.
func (r *Registry) FinishGame(code string) (*Room, *GameOverPayload, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[code]
	if !ok {
		return nil, nil, nil, errors.New("room not found")
	}
	r.teardownGameLocked(code)

	payload := finalRanking(room)

	var kickedTokens []string
	for token, pid := range r.tokenPlayers {
		if r.playerRooms[token] == code && pid != room.HostID {
			kickedTokens = append(kickedTokens, token)
		}
	}
	for _, token := range kickedTokens {
		r.cancelAfkTimer(token)
		delete(r.playerRooms, token)
		delete(r.tokenPlayers, token)
	}
	host := room.player(room.HostID)
	if host != nil {
		room.Players = []*Player{host}
	} else {
		room.Players = nil
	}

	r.resetRoomLocked(room)
	room.LastActivityAt = timeNowUTC()
	return room, payload, kickedTokens, nil
}

func (r *Registry) resetRoomLocked(room *Room) {
	room.Status = statusLobby
	room.RoundDeadline = nil
	room.CurrentBlackCard = nil
	room.RoundNumber = 0
	for _, p := range room.Players {
		p.Score = 0
		p.IsCardCzar = false
		p.HasPlayed = false
		// A disconnected player stays AFK until they reconnect.
		if p.Conn != nil {
			p.IsAfk = false
		}
	}
}

// RoomPreview builds the pre-join summary of a single room.
func (r *Registry) RoomPreview(code string) (*RoomPreview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[code]
	if !ok {
		return nil, errors.New("room not found")
	}
	preview := &RoomPreview{
		Code:           room.Code,
		Name:           room.Name,
		Status:         room.Status,
		PlayerCount:    len(room.Players),
		MaxPlayers:     room.MaxPlayers,
		Players:        make([]RoomPreviewPlayer, 0, len(room.Players)),
		SelectedSetIDs: append([]uint(nil), room.SelectedSetIDs...),
	}
	for _, p := range room.Players {
		preview.Players = append(preview.Players, RoomPreviewPlayer{
			Nickname: p.Nickname,
			IsAfk:    p.IsAfk,
		})
	}
	return preview, nil
}

// PublicRooms lists joinable public lobbies without any player identities.
func (r *Registry) PublicRooms() []PublicRoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]PublicRoomSummary, 0)
	for _, room := range r.rooms {
		if room.IsPublic && room.Status == statusLobby {
			result = append(result, PublicRoomSummary{
				Code:           room.Code,
				Name:           room.Name,
				PlayerCount:    len(room.Players),
				MaxPlayers:     room.MaxPlayers,
				SelectedSetIDs: room.SelectedSetIDs,
			})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result
}

// WithRoom runs fn with the room and its engine under the registry lock.
func (r *Registry) WithRoom(code string, fn func(room *Room, eng *Engine) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[code]
	if !ok {
		return errors.New("room not found")
	}
	return fn(room, r.engines[code])
}

// WithRoomByToken resolves the caller's token and runs fn under the lock.
func (r *Registry) WithRoomByToken(token string, fn func(room *Room, eng *Engine, playerID string) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, ok := r.playerRooms[token]
	if !ok {
		return errors.New("you are not in a room")
	}
	room, ok := r.rooms[code]
	if !ok {
		return errors.New("room not found")
	}
	return fn(room, r.engines[code], r.tokenPlayers[token])
}

func (r *Registry) SetEngine(code string, eng *Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[code] = eng
}

func (r *Registry) RoomCodeByToken(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.playerRooms[token]
	return code, ok
}

func (r *Registry) PlayerIDByToken(token string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.tokenPlayers[token]
	return id, ok
}

// UpdateActivity stamps the room for the idle sweeper.
func (r *Registry) UpdateActivity(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[code]; ok {
		room.LastActivityAt = timeNowUTC()
	}
}

// ExpiredRooms returns the codes of rooms idle past their phase-dependent
// threshold. In-progress games get the longer budget.
func (r *Registry) ExpiredRooms(now time.Time, lobbyIdle, gameIdle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for code, room := range r.rooms {
		idle := now.Sub(room.LastActivityAt)
		if room.Status == statusLobby || room.Status == statusFinished {
			if idle > lobbyIdle {
				expired = append(expired, code)
			}
		} else if room.inProgress() && idle > gameIdle {
			expired = append(expired, code)
		}
	}
	return expired
}

// DeleteRoom drops the room, its engine, all player tokens and pending timers.
func (r *Registry) DeleteRoom(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteRoomLocked(code)
}

func (r *Registry) deleteRoomLocked(code string) {
	if _, ok := r.rooms[code]; !ok {
		return
	}
	for token, roomCode := range r.playerRooms {
		if roomCode == code {
			r.cancelAfkTimer(token)
			delete(r.playerRooms, token)
			delete(r.tokenPlayers, token)
		}
	}
	r.teardownGameLocked(code)
	delete(r.rooms, code)
}

func (r *Registry) teardownGameLocked(code string) {
	delete(r.engines, code)
	if r.OnTeardown != nil {
		r.OnTeardown(code)
	}
}

func (r *Registry) hostRoomLocked(hostToken, denied string) (*Room, error) {
	code, ok := r.playerRooms[hostToken]
	if !ok {
		return nil, errors.New("you are not in a room")
	}
	room, ok := r.rooms[code]
	if !ok {
		return nil, errors.New("room not found")
	}
	if r.tokenPlayers[hostToken] != room.HostID {
		return nil, errors.New(denied)
	}
	return room, nil
}

func (r *Registry) removePlayerLocked(token string, room *Room) {
	r.cancelAfkTimer(token)
	playerID := r.tokenPlayers[token]

	if playerID != "" {
		kept := room.Players[:0]
		for _, p := range room.Players {
			if p.ID != playerID {
				kept = append(kept, p)
			}
		}
		room.Players = kept
	}
	delete(r.playerRooms, token)
	delete(r.tokenPlayers, token)

	if len(room.Players) == 0 {
		r.deleteRoomLocked(room.Code)
		return
	}

	if room.HostID == playerID {
		next := room.Players[0]
		for _, p := range room.Players {
			if p.Conn != nil && !p.IsAfk {
				next = p
				break
			}
		}
		room.HostID = next.ID
	}
}
