package server

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	statusLobby     = "LOBBY"
	statusSelection = "SELECTION"
	statusJudging   = "JUDGING"
	statusResults   = "RESULTS"
	statusFinished  = "FINISHED"
)

const handSize = 10

type BlackCard struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
	Pick int    `json:"pick"`
}

type WhiteCard struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// Player is owned by its Room. The round engine mutates score and round flags
// through this shared record, never through a private copy.
type Player struct {
	ID         string
	Conn       *websocket.Conn
	Nickname   string
	Score      int
	IsCardCzar bool
	HasPlayed  bool
	IsAfk      bool
}

type Room struct {
	Code             string
	Status           string
	HostID           string
	Name             string
	IsPublic         bool
	SelectedSetIDs   []uint
	MaxPlayers       int
	TargetScore      int
	Players          []*Player
	CurrentBlackCard *BlackCard
	RoundNumber      int
	// RoundDeadline is set while a player-facing phase timer (selection or
	// judging) is armed, and nil otherwise.
	RoundDeadline  *time.Time
	LastActivityAt time.Time
}

type RoomPreviewPlayer struct {
	Nickname string `json:"nickname"`
	IsAfk    bool   `json:"isAfk"`
}

// RoomPreview is the pre-join view of a room: enough to decide whether to
// join, nothing private.
type RoomPreview struct {
	Code           string              `json:"code"`
	Name           string              `json:"name"`
	Status         string              `json:"status"`
	PlayerCount    int                 `json:"playerCount"`
	MaxPlayers     int                 `json:"maxPlayers"`
	Players        []RoomPreviewPlayer `json:"players"`
	SelectedSetIDs []uint              `json:"selectedSetIds"`
}

type PublicRoomSummary struct {
	Code           string `json:"code"`
	Name           string `json:"name"`
	PlayerCount    int    `json:"playerCount"`
	MaxPlayers     int    `json:"maxPlayers"`
	SelectedSetIDs []uint `json:"selectedSetIds"`
}

type AnonymousSubmission struct {
	SubmissionID string      `json:"submissionId"`
	Cards        []WhiteCard `json:"cards"`
}

type RoundResult struct {
	WinnerID       string         `json:"winnerId"`
	WinnerNickname string         `json:"winnerNickname"`
	WinningCards   []WhiteCard    `json:"winningCards"`
	Scores         map[string]int `json:"scores"`
}

type FinalScore struct {
	PlayerID string `json:"playerId"`
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
}

type GameOverPayload struct {
	RoomCode    string       `json:"roomCode"`
	FinalScores []FinalScore `json:"finalScores"`
}

type RoundStartPayload struct {
	BlackCard   BlackCard   `json:"blackCard"`
	Hand        []WhiteCard `json:"hand"`
	CzarID      string      `json:"czarId"`
	RoundNumber int         `json:"roundNumber"`
}

func (r *Room) player(id string) *Player {
	for _, p := range r.Players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (r *Room) activePlayers() []*Player {
	active := make([]*Player, 0, len(r.Players))
	for _, p := range r.Players {
		if !p.IsAfk {
			active = append(active, p)
		}
	}
	return active
}

func (r *Room) inProgress() bool {
	switch r.Status {
	case statusSelection, statusJudging, statusResults:
		return true
	}
	return false
}

func timeNowUTC() time.Time {
	return time.Now().UTC()
}
