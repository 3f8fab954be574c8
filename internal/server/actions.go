package server

import (
	"encoding/json"
	"log"
	"strings"
)

type createRoomRequest struct {
	Name           string `json:"name"`
	IsPublic       bool   `json:"isPublic"`
	SelectedSetIDs []uint `json:"selectedSetIds"`
	MaxPlayers     int    `json:"maxPlayers"`
	Nickname       string `json:"nickname"`
	TargetScore    int    `json:"targetScore"`
}

type joinRoomRequest struct {
	Code        string `json:"code"`
	Nickname    string `json:"nickname"`
	PlayerToken string `json:"playerToken"`
}

type kickRequest struct {
	TargetID string `json:"targetId"`
}

type updateSettingsRequest struct {
	Name           *string `json:"name"`
	IsPublic       *bool   `json:"isPublic"`
	SelectedSetIDs []uint  `json:"selectedSetIds"`
	MaxPlayers     *int    `json:"maxPlayers"`
}

type playCardsRequest struct {
	CardIDs []int `json:"cardIds"`
}

type judgeSelectRequest struct {
	SubmissionID string `json:"submissionId"`
}

// handleAction dispatches one inbound transport message. Every action answers
// with either a success event or a single error event; errors never mutate
// room state.
func (s *Server) handleAction(sess *wsSession, msg wsAction) {
	switch msg.Action {
	case "createRoom":
		s.actionCreateRoom(sess, msg.Data)
	case "joinRoom":
		s.actionJoinRoom(sess, msg.Data)
	case "leaveRoom":
		s.actionLeaveRoom(sess)
	case "kickPlayer":
		s.actionKickPlayer(sess, msg.Data)
	case "updateSettings":
		s.actionUpdateSettings(sess, msg.Data)
	case "startGame":
		s.actionStartGame(sess)
	case "endGame":
		s.actionEndGame(sess)
	case "returnToLobby":
		s.actionReturnToLobby(sess)
	case "playCards":
		var req playCardsRequest
		if !decode(s, sess, msg.Data, &req) {
			return
		}
		s.touchActivity(sess)
		s.playCards(sess, req.CardIDs)
	case "retractCards":
		s.touchActivity(sess)
		s.retractCards(sess)
	case "judgeSelect":
		var req judgeSelectRequest
		if !decode(s, sess, msg.Data, &req) {
			return
		}
		s.touchActivity(sess)
		s.judgeSelect(sess, req.SubmissionID)
	case "czarForceAdvance":
		s.touchActivity(sess)
		s.czarForceAdvance(sess)
	case "skipCzarJudging":
		s.touchActivity(sess)
		s.skipCzarJudging(sess)
	case "subscribePublicRooms":
		s.ws.JoinLobby(sess.conn)
		s.ws.Send(sess.conn, wsEvent{Event: "publicRooms", Data: s.registry.PublicRooms()})
	case "unsubscribePublic":
		s.ws.LeaveLobby(sess.conn)
	default:
		s.sendError(sess.conn, "unknown action")
	}
}

func decode(s *Server, sess *wsSession, data json.RawMessage, target any) bool {
	if err := json.Unmarshal(data, target); err != nil {
		s.sendError(sess.conn, "malformed message")
		return false
	}
	return true
}

func (s *Server) touchActivity(sess *wsSession) {
	if sess.token == "" {
		return
	}
	if code, ok := s.registry.RoomCodeByToken(sess.token); ok {
		s.registry.UpdateActivity(code)
	}
}

func (s *Server) actionCreateRoom(sess *wsSession, data json.RawMessage) {
	var req createRoomRequest
	if !decode(s, sess, data, &req) {
		return
	}
	if strings.TrimSpace(req.Nickname) == "" {
		s.sendError(sess.conn, "nickname is required")
		return
	}
	room, token := s.registry.CreateRoom(CreateRoomSettings{
		Name:           req.Name,
		IsPublic:       req.IsPublic,
		SelectedSetIDs: req.SelectedSetIDs,
		MaxPlayers:     req.MaxPlayers,
		Nickname:       req.Nickname,
		TargetScore:    req.TargetScore,
	})
	code := room.Code
	s.attachSession(sess, token, code)
	playerID, _ := s.registry.PlayerIDByToken(token)

	var (
		snap     map[string]any
		name     string
		isPublic bool
	)
	if err := s.registry.WithRoom(code, func(rm *Room, _ *Engine) error {
		snap = roomSnapshot(rm)
		name = rm.Name
		isPublic = rm.IsPublic
		return nil
	}); err != nil {
		s.sendError(sess.conn, err.Error())
		return
	}
	log.Printf("room created room=%s host=%s public=%t", code, playerID, isPublic)
	s.logEvent(code, "room_created", map[string]any{"name": name, "public": isPublic})

	s.ws.Send(sess.conn, wsEvent{Event: "joined", Data: map[string]any{
		"room":         snap,
		"playerToken":  token,
		"playerId":     playerID,
		"wasReconnect": false,
	}})
	s.broadcastPublicRooms()
}

func (s *Server) actionJoinRoom(sess *wsSession, data json.RawMessage) {
	var req joinRoomRequest
	if !decode(s, sess, data, &req) {
		return
	}
	room, token, wasReconnect, err := s.registry.JoinRoom(req.Code, req.Nickname, req.PlayerToken)
	if err != nil {
		s.sendError(sess.conn, err.Error())
		return
	}
	code := room.Code
	s.attachSession(sess, token, code)
	s.registry.UpdateActivity(code)
	playerID, _ := s.registry.PlayerIDByToken(token)

	var snap map[string]any
	if err := s.registry.WithRoom(code, func(rm *Room, _ *Engine) error {
		snap = roomSnapshot(rm)
		return nil
	}); err != nil {
		s.sendError(sess.conn, err.Error())
		return
	}
	log.Printf("player joined room=%s player=%s reconnect=%t", code, playerID, wasReconnect)

	s.ws.Send(sess.conn, wsEvent{Event: "joined", Data: map[string]any{
		"room":         snap,
		"playerToken":  token,
		"playerId":     playerID,
		"wasReconnect": wasReconnect,
	}})
	s.ws.Broadcast(code, wsEvent{Event: "roomState", Data: snap})
	s.broadcastPublicRooms()
}

// attachSession binds the connection to the identity token and restores the
// player's connection handle.
func (s *Server) attachSession(sess *wsSession, token, code string) {
	sess.token = token
	s.ws.Bind(token, sess.conn)
	s.ws.JoinRoom(code, sess.conn)
	s.ws.LeaveLobby(sess.conn)
	s.registry.Reconnect(token, sess.conn)
}

func (s *Server) actionLeaveRoom(sess *wsSession) {
	if sess.token == "" {
		s.sendError(sess.conn, "you are not in a room")
		return
	}
	room, code := s.registry.LeaveRoom(sess.token)
	s.ws.Unbind(sess.token, sess.conn)
	sess.token = ""
	if code != "" {
		s.ws.LeaveRoom(code, sess.conn)
	}
	if room != nil {
		s.broadcastRoom(code)
	}
	s.broadcastPublicRooms()
}

func (s *Server) actionKickPlayer(sess *wsSession, data json.RawMessage) {
	var req kickRequest
	if !decode(s, sess, data, &req) {
		return
	}
	room, kickedToken, err := s.registry.KickPlayer(sess.token, req.TargetID)
	if err != nil {
		s.sendError(sess.conn, err.Error())
		return
	}
	if conn := s.ws.ConnForToken(kickedToken); conn != nil {
		s.ws.Send(conn, wsEvent{Event: "kicked"})
		s.ws.LeaveRoom(room.Code, conn)
		s.ws.Unbind(kickedToken, conn)
	}
	s.registry.UpdateActivity(room.Code)
	s.broadcastRoom(room.Code)
	s.broadcastPublicRooms()
}

func (s *Server) actionUpdateSettings(sess *wsSession, data json.RawMessage) {
	var req updateSettingsRequest
	if !decode(s, sess, data, &req) {
		return
	}
	room, err := s.registry.UpdateSettings(sess.token, SettingsPatch{
		Name:           req.Name,
		IsPublic:       req.IsPublic,
		SelectedSetIDs: req.SelectedSetIDs,
		MaxPlayers:     req.MaxPlayers,
	})
	if err != nil {
		s.sendError(sess.conn, err.Error())
		return
	}
	s.registry.UpdateActivity(room.Code)
	s.broadcastRoom(room.Code)
	s.broadcastPublicRooms()
}

func (s *Server) actionStartGame(sess *wsSession) {
	s.touchActivity(sess)
	if err := s.startGame(sess.token); err != nil {
		s.sendError(sess.conn, err.Error())
	}
}

func (s *Server) actionEndGame(sess *wsSession) {
	room, err := s.registry.EndGame(sess.token)
	if err != nil {
		s.sendError(sess.conn, err.Error())
		return
	}
	code := room.Code
	s.registry.UpdateActivity(code)

	var (
		snap    map[string]any
		ranking *GameOverPayload
	)
	if err := s.registry.WithRoom(code, func(rm *Room, _ *Engine) error {
		snap = roomSnapshot(rm)
		ranking = finalRanking(rm)
		return nil
	}); err != nil {
		return
	}
	log.Printf("game ended room=%s reason=host", code)
	s.ws.Broadcast(code, wsEvent{Event: "roomState", Data: snap})
	s.ws.Broadcast(code, wsEvent{Event: "gameOver", Data: ranking})
}

func (s *Server) actionReturnToLobby(sess *wsSession) {
	room, err := s.registry.ReturnToLobby(sess.token)
	if err != nil {
		s.sendError(sess.conn, err.Error())
		return
	}
	s.registry.UpdateActivity(room.Code)
	s.broadcastRoom(room.Code)
	s.broadcastPublicRooms()
}
