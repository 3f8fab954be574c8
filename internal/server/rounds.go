package server

import (
	"errors"
	"log"
)

// startGame validates the lobby, loads the selected card sets and kicks off
// round one. The card-set lookup happens here, once, outside the per-round
// path.
func (s *Server) startGame(token string) error {
	room, err := s.registry.StartGame(token)
	if err != nil {
		return err
	}
	code := room.Code

	var (
		setIDs      []uint
		playerCount int
	)
	if err := s.registry.WithRoom(code, func(rm *Room, _ *Engine) error {
		setIDs = append([]uint(nil), rm.SelectedSetIDs...)
		playerCount = len(rm.Players)
		return nil
	}); err != nil {
		return err
	}

	if s.cards == nil {
		s.revertToLobby(code)
		return errors.New("card sets are unavailable")
	}
	black, white, err := s.cards.CardsForSets(setIDs)
	if err != nil {
		s.revertToLobby(code)
		log.Printf("card set lookup failed room=%s error=%v", code, err)
		return errors.New("card sets could not be loaded")
	}
	if len(black) == 0 || len(white) == 0 {
		s.revertToLobby(code)
		return errors.New("the selected card sets are empty")
	}

	err = s.registry.WithRoom(code, func(rm *Room, _ *Engine) error {
		s.registry.engines[code] = NewEngine(rm, black, white)
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("game started room=%s sets=%d black=%d white=%d", code, len(setIDs), len(black), len(white))
	s.logEvent(code, "game_started", map[string]any{
		"players": playerCount,
		"sets":    setIDs,
	})
	s.startNewRound(code)
	s.broadcastPublicRooms()
	return nil
}

func (s *Server) revertToLobby(code string) {
	_ = s.registry.WithRoom(code, func(rm *Room, _ *Engine) error {
		rm.Status = statusLobby
		return nil
	})
}

// startNewRound drives the SELECTION entry: connected players lose their AFK
// flag, the engine starts the round, each player privately receives their hand
// and the selection deadline is armed. A fatal engine error is reported to the
// room and leaves it in its last phase for the host to resolve.
func (s *Server) startNewRound(code string) {
	var (
		snap     map[string]any
		outbound []privateSend
		fatal    error
		round    int
	)
	err := s.registry.WithRoom(code, func(room *Room, eng *Engine) error {
		if eng == nil {
			return errors.New("game engine not found")
		}
		if room.Status == statusLobby || room.Status == statusFinished {
			return errors.New("game no longer running")
		}

		for _, p := range room.Players {
			if p.IsAfk && p.Conn != nil {
				p.IsAfk = false
			}
		}

		czarID, err := eng.StartRound()
		if err != nil {
			fatal = err
			return nil
		}

		room.Status = statusSelection
		room.CurrentBlackCard = eng.CurrentBlackCard()
		room.RoundNumber = eng.RoundNumber()
		deadline := timeNowUTC().Add(s.selectionTimeout())
		room.RoundDeadline = &deadline
		round = eng.RoundNumber()

		snap = roomSnapshot(room)
		for _, p := range room.Players {
			if p.Conn == nil {
				continue
			}
			outbound = append(outbound, privateSend{conn: p.Conn, event: wsEvent{
				Event: "roundStart",
				Data: RoundStartPayload{
					BlackCard:   *eng.CurrentBlackCard(),
					Hand:        eng.PlayerHand(p.ID),
					CzarID:      czarID,
					RoundNumber: eng.RoundNumber(),
				},
			}})
		}
		return nil
	})
	if err != nil {
		return
	}
	if fatal != nil {
		log.Printf("round start failed room=%s error=%v", code, fatal)
		s.ws.Broadcast(code, wsEvent{Event: "error", Data: "the round could not start: " + fatal.Error()})
		return
	}

	s.cancelJudgingTimer(code)
	s.ws.Broadcast(code, wsEvent{Event: "roomState", Data: snap})
	for _, out := range outbound {
		s.ws.Send(out.conn, out.event)
	}
	s.armRoundTimer(code, s.selectionTimeout(), func() {
		s.onSelectionTimeout(code, round)
	})
}

// playCards submits a player's white cards; the round moves to JUDGING once
// every required player has played.
func (s *Server) playCards(sess *wsSession, cardIDs []int) {
	var (
		snap       map[string]any
		hand       []WhiteCard
		toJudging  bool
		judgeState judgingState
		code       string
	)
	err := s.registry.WithRoomByToken(sess.token, func(room *Room, eng *Engine, playerID string) error {
		if room.Status != statusSelection {
			return errors.New("the game is not in the selection phase")
		}
		if eng == nil {
			return errors.New("game engine not found")
		}
		allSubmitted, err := eng.SubmitCards(playerID, cardIDs)
		if err != nil {
			return err
		}
		code = room.Code
		hand = eng.PlayerHand(playerID)
		if allSubmitted {
			toJudging = true
			judgeState = s.enterJudgingLocked(room, eng)
		}
		snap = roomSnapshot(room)
		return nil
	})
	if err != nil {
		s.sendError(sess.conn, err.Error())
		return
	}

	s.ws.Send(sess.conn, wsEvent{Event: "handUpdate", Data: hand})
	s.ws.Broadcast(code, wsEvent{Event: "roomState", Data: snap})
	if toJudging {
		s.finishJudgingEntry(code, judgeState)
	}
}

// retractCards takes back a submission during SELECTION so the player can pick
// again.
func (s *Server) retractCards(sess *wsSession) {
	var (
		snap map[string]any
		hand []WhiteCard
		code string
	)
	err := s.registry.WithRoomByToken(sess.token, func(room *Room, eng *Engine, playerID string) error {
		if room.Status != statusSelection {
			return errors.New("the game is not in the selection phase")
		}
		if eng == nil {
			return errors.New("game engine not found")
		}
		if err := eng.RetractCards(playerID); err != nil {
			return err
		}
		code = room.Code
		hand = eng.PlayerHand(playerID)
		snap = roomSnapshot(room)
		return nil
	})
	if err != nil {
		s.sendError(sess.conn, err.Error())
		return
	}
	s.ws.Send(sess.conn, wsEvent{Event: "handUpdate", Data: hand})
	s.ws.Broadcast(code, wsEvent{Event: "roomState", Data: snap})
}

type judgingState struct {
	snap        map[string]any
	submissions []AnonymousSubmission
	round       int
}

// enterJudgingLocked flips the room to JUDGING and prepares the anonymized
// submissions. Runs under the registry lock; the caller broadcasts and arms
// the judging timer afterwards.
func (s *Server) enterJudgingLocked(room *Room, eng *Engine) judgingState {
	room.Status = statusJudging
	deadline := timeNowUTC().Add(s.judgingTimeout())
	room.RoundDeadline = &deadline
	return judgingState{
		snap:        roomSnapshot(room),
		submissions: eng.AnonymousSubmissions(),
		round:       eng.RoundNumber(),
	}
}

func (s *Server) finishJudgingEntry(code string, state judgingState) {
	s.cancelRoundTimer(code)
	s.ws.Broadcast(code, wsEvent{Event: "roomState", Data: state.snap})
	s.ws.Broadcast(code, wsEvent{Event: "judging", Data: state.submissions})
	s.armJudgingTimer(code, s.judgingTimeout(), func() {
		s.onJudgingTimeout(code, state.round)
	})
}

// judgeSelect records the czar's verdict, broadcasts the round outcome and
// either finishes the game on a target-score win or schedules the next round.
func (s *Server) judgeSelect(sess *wsSession, submissionID string) {
	var (
		snap   map[string]any
		result *RoundResult
		won    bool
		code   string
	)
	err := s.registry.WithRoomByToken(sess.token, func(room *Room, eng *Engine, playerID string) error {
		if room.Status != statusJudging {
			return errors.New("the game is not in the judging phase")
		}
		if eng == nil {
			return errors.New("game engine not found")
		}
		res, err := eng.SelectWinner(playerID, submissionID)
		if err != nil {
			return err
		}
		code = room.Code
		result = res
		room.Status = statusResults
		room.RoundDeadline = nil
		won = room.TargetScore > 0 && res.Scores[res.WinnerID] >= room.TargetScore
		snap = roomSnapshot(room)
		return nil
	})
	if err != nil {
		s.sendError(sess.conn, err.Error())
		return
	}

	s.cancelJudgingTimer(code)
	s.ws.Broadcast(code, wsEvent{Event: "roomState", Data: snap})
	s.ws.Broadcast(code, wsEvent{Event: "roundEnd", Data: result})
	log.Printf("round judged room=%s winner=%s score=%d", code, result.WinnerID, result.Scores[result.WinnerID])

	if won {
		s.finishGame(code)
		return
	}
	s.armRestartTimer(code, s.resultsDelay(), func() {
		s.onNextRoundDelay(code)
	})
}

// finishGame force-ends a won game: final ranking out, non-host players
// removed, room back to LOBBY.
func (s *Server) finishGame(code string) {
	room, payload, kickedTokens, err := s.registry.FinishGame(code)
	if err != nil {
		return
	}
	s.ws.Broadcast(code, wsEvent{Event: "gameOver", Data: payload})
	for _, token := range kickedTokens {
		if conn := s.ws.ConnForToken(token); conn != nil {
			s.ws.Send(conn, wsEvent{Event: "kicked"})
			s.ws.LeaveRoom(code, conn)
			s.ws.Unbind(token, conn)
		}
	}
	s.broadcastRoom(room.Code)
	s.broadcastPublicRooms()
	log.Printf("game finished room=%s players_ranked=%d", code, len(payload.FinalScores))
	s.logEvent(code, "game_finished", map[string]any{"finalScores": payload.FinalScores})
}

// onNextRoundDelay fires after the RESULTS pause. The next round starts only
// if the room still exists and the host has not ended the game meanwhile.
func (s *Server) onNextRoundDelay(code string) {
	stale := true
	_ = s.registry.WithRoom(code, func(room *Room, eng *Engine) error {
		stale = eng == nil || room.Status != statusResults
		return nil
	})
	if stale {
		return
	}
	s.startNewRound(code)
}

// onSelectionTimeout escalates a stalled SELECTION phase. The callback may
// race a player action that already exited the phase, so room, phase, round
// and deadline are all re-checked before anything mutates.
func (s *Server) onSelectionTimeout(code string, round int) {
	var (
		toJudging  bool
		judgeState judgingState
		skipped    bool
		snap       map[string]any
	)
	err := s.registry.WithRoom(code, func(room *Room, eng *Engine) error {
		if eng == nil || room.Status != statusSelection || eng.RoundNumber() != round {
			return errors.New("phase changed")
		}
		if !deadlineElapsed(room) {
			return errors.New("deadline replaced")
		}
		toJudging, judgeState, skipped, snap = s.escalateSelectionLocked(room, eng)
		return nil
	})
	if err != nil {
		return
	}
	s.afterSelectionEscalation(code, toJudging, judgeState, skipped, snap)
}

// escalateSelectionLocked marks the stragglers AFK and decides whether the
// round can be judged or has to be skipped.
func (s *Server) escalateSelectionLocked(room *Room, eng *Engine) (toJudging bool, state judgingState, skipped bool, snap map[string]any) {
	for _, p := range room.Players {
		if p.Conn != nil && !p.IsCardCzar && !p.HasPlayed {
			p.IsAfk = true
		}
	}
	if eng.SubmissionCount() > 0 {
		return true, s.enterJudgingLocked(room, eng), false, nil
	}
	room.RoundDeadline = nil
	return false, judgingState{}, true, roomSnapshot(room)
}

func (s *Server) afterSelectionEscalation(code string, toJudging bool, state judgingState, skipped bool, snap map[string]any) {
	if toJudging {
		log.Printf("selection timed out room=%s advancing=judging", code)
		s.finishJudgingEntry(code, state)
		return
	}
	if skipped {
		log.Printf("selection timed out room=%s round skipped", code)
		s.cancelRoundTimer(code)
		s.ws.Broadcast(code, wsEvent{Event: "roomState", Data: snap})
		s.ws.Broadcast(code, wsEvent{Event: "roundSkipped"})
		s.armRestartTimer(code, s.skipRestartDelay(), func() {
			s.startNewRound(code)
		})
	}
}

// onJudgingTimeout escalates a stalled JUDGING phase: the absent czar goes
// AFK, the round's submissions are discarded unjudged and a fresh round is
// scheduled.
func (s *Server) onJudgingTimeout(code string, round int) {
	var snap map[string]any
	err := s.registry.WithRoom(code, func(room *Room, eng *Engine) error {
		if eng == nil || room.Status != statusJudging || eng.RoundNumber() != round {
			return errors.New("phase changed")
		}
		if !deadlineElapsed(room) {
			return errors.New("deadline replaced")
		}
		snap = s.escalateJudgingLocked(room)
		return nil
	})
	if err != nil {
		return
	}
	s.afterJudgingEscalation(code, snap)
}

func (s *Server) escalateJudgingLocked(room *Room) map[string]any {
	for _, p := range room.Players {
		if p.IsCardCzar {
			p.IsAfk = true
		}
	}
	room.RoundDeadline = nil
	return roomSnapshot(room)
}

func (s *Server) afterJudgingEscalation(code string, snap map[string]any) {
	log.Printf("judging timed out room=%s round skipped", code)
	s.cancelJudgingTimer(code)
	s.ws.Broadcast(code, wsEvent{Event: "roomState", Data: snap})
	s.ws.Broadcast(code, wsEvent{Event: "roundSkipped"})
	s.armRestartTimer(code, s.skipRestartDelay(), func() {
		s.startNewRound(code)
	})
}

// czarForceAdvance lets the czar push a stalled SELECTION forward, but only
// once the deadline has actually passed.
func (s *Server) czarForceAdvance(sess *wsSession) {
	var (
		toJudging  bool
		judgeState judgingState
		skipped    bool
		snap       map[string]any
		code       string
	)
	err := s.registry.WithRoomByToken(sess.token, func(room *Room, eng *Engine, playerID string) error {
		if room.Status != statusSelection {
			return errors.New("the game is not in the selection phase")
		}
		if eng == nil {
			return errors.New("game engine not found")
		}
		player := room.player(playerID)
		if player == nil || !player.IsCardCzar {
			return errors.New("only the card czar can force the round forward")
		}
		if !deadlineElapsed(room) {
			return errors.New("the deadline has not elapsed yet")
		}
		code = room.Code
		toJudging, judgeState, skipped, snap = s.escalateSelectionLocked(room, eng)
		return nil
	})
	if err != nil {
		s.sendError(sess.conn, err.Error())
		return
	}
	s.afterSelectionEscalation(code, toJudging, judgeState, skipped, snap)
}

// skipCzarJudging lets any non-czar player skip a czar who never judged, once
// the judging deadline has passed.
func (s *Server) skipCzarJudging(sess *wsSession) {
	var (
		snap map[string]any
		code string
	)
	err := s.registry.WithRoomByToken(sess.token, func(room *Room, eng *Engine, playerID string) error {
		if room.Status != statusJudging {
			return errors.New("the game is not in the judging phase")
		}
		if eng == nil {
			return errors.New("game engine not found")
		}
		player := room.player(playerID)
		if player == nil || player.IsCardCzar {
			return errors.New("the card czar cannot skip their own judging")
		}
		if !deadlineElapsed(room) {
			return errors.New("the deadline has not elapsed yet")
		}
		code = room.Code
		snap = s.escalateJudgingLocked(room)
		return nil
	})
	if err != nil {
		s.sendError(sess.conn, err.Error())
		return
	}
	s.afterJudgingEscalation(code, snap)
}

func deadlineElapsed(room *Room) bool {
	return room.RoundDeadline != nil && !timeNowUTC().Before(*room.RoundDeadline)
}
