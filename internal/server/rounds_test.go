package server

import (
	"errors"
	"testing"
	"time"

	"kpl-server/internal/config"

	"github.com/gorilla/websocket"
)

type stubCardSource struct {
	black []BlackCard
	white []WhiteCard
	err   error
}

func (s *stubCardSource) CardsForSets(setIDs []uint) ([]BlackCard, []WhiteCard, error) {
	return s.black, s.white, s.err
}

func newGameServer(t *testing.T, targetScore int) (*Server, *Room, map[string]string) {
	t.Helper()
	srv := New(nil, config.Default())
	srv.cards = &stubCardSource{black: makeBlackDeck(20, 1), white: makeWhiteDeck(200)}

	settings := testSettings("Ada")
	settings.TargetScore = targetScore
	room, hostToken := srv.registry.CreateRoom(settings)
	tokens := map[string]string{"Ada": hostToken}
	for _, name := range []string{"Ben", "Cleo"} {
		_, token, _, err := srv.registry.JoinRoom(room.Code, name, "")
		if err != nil {
			t.Fatalf("join %s: %v", name, err)
		}
		tokens[name] = token
	}
	t.Cleanup(func() { srv.cancelGameTimers(room.Code) })
	return srv, room, tokens
}

func czarToken(t *testing.T, srv *Server, room *Room, tokens map[string]string) string {
	t.Helper()
	for _, token := range tokens {
		id, _ := srv.registry.PlayerIDByToken(token)
		if p := room.player(id); p != nil && p.IsCardCzar {
			return token
		}
	}
	t.Fatalf("no czar token found")
	return ""
}

func expireDeadline(srv *Server, code string) {
	_ = srv.registry.WithRoom(code, func(room *Room, _ *Engine) error {
		past := timeNowUTC().Add(-time.Second)
		room.RoundDeadline = &past
		return nil
	})
}

// enterJudging plays the first card of every non-czar player, which moves the
// round to JUDGING through the regular submission path.
func enterJudging(t *testing.T, srv *Server, room *Room, tokens map[string]string) {
	t.Helper()
	for _, token := range tokens {
		playerID, _ := srv.registry.PlayerIDByToken(token)
		isCzar := false
		cardID := 0
		err := srv.registry.WithRoom(room.Code, func(rm *Room, eng *Engine) error {
			player := rm.player(playerID)
			if player == nil {
				return errors.New("player missing")
			}
			isCzar = player.IsCardCzar
			if !isCzar {
				cardID = eng.PlayerHand(playerID)[0].ID
			}
			return nil
		})
		if err != nil {
			t.Fatalf("inspect player: %v", err)
		}
		if isCzar {
			continue
		}
		srv.playCards(&wsSession{token: token}, []int{cardID})
	}
	if room.Status != statusJudging {
		t.Fatalf("status after all submissions = %s, want %s", room.Status, statusJudging)
	}
}

func firstSubmissionID(t *testing.T, srv *Server, code string) string {
	t.Helper()
	id := ""
	err := srv.registry.WithRoom(code, func(_ *Room, eng *Engine) error {
		subs := eng.AnonymousSubmissions()
		if len(subs) == 0 {
			return errors.New("no submissions")
		}
		id = subs[0].SubmissionID
		return nil
	})
	if err != nil {
		t.Fatalf("read submissions: %v", err)
	}
	return id
}

func TestStartGameLaunchesFirstRound(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}
	if room.Status != statusSelection {
		t.Fatalf("status = %s, want %s", room.Status, statusSelection)
	}
	if room.RoundNumber != 1 || room.CurrentBlackCard == nil {
		t.Fatalf("round not started: number=%d card=%v", room.RoundNumber, room.CurrentBlackCard)
	}
	if room.RoundDeadline == nil {
		t.Fatalf("selection deadline not armed")
	}
	err := srv.registry.WithRoom(room.Code, func(rm *Room, eng *Engine) error {
		for _, p := range rm.Players {
			if len(eng.PlayerHand(p.ID)) != handSize {
				t.Fatalf("player %s dealt %d cards", p.Nickname, len(eng.PlayerHand(p.ID)))
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inspect engine: %v", err)
	}
}

func TestStartGameEmptySetsRevertsToLobby(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	srv.cards = &stubCardSource{}
	if err := srv.startGame(tokens["Ada"]); err == nil {
		t.Fatalf("start accepted with empty card sets")
	}
	if room.Status != statusLobby {
		t.Fatalf("status = %s, want %s after revert", room.Status, statusLobby)
	}

	srv.cards = &stubCardSource{err: errors.New("db down")}
	if err := srv.startGame(tokens["Ada"]); err == nil {
		t.Fatalf("start accepted with failing card lookup")
	}
	if room.Status != statusLobby {
		t.Fatalf("status = %s, want %s after lookup failure", room.Status, statusLobby)
	}
}

func TestPlayCardsAdvancesToJudging(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}
	enterJudging(t, srv, room, tokens)
	if room.RoundDeadline == nil {
		t.Fatalf("judging deadline not armed")
	}
}

func TestSelectionTimeoutWithoutSubmissionsSkips(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}
	expireDeadline(srv, room.Code)
	srv.onSelectionTimeout(room.Code, 1)

	if room.Status != statusSelection {
		t.Fatalf("status = %s after skip", room.Status)
	}
	if room.RoundDeadline != nil {
		t.Fatalf("deadline survived the skip")
	}
	for _, p := range room.Players {
		if p.Score != 0 {
			t.Fatalf("points awarded on a skipped round")
		}
	}
}

func TestSelectionTimeoutFlagsConnectedStragglersThenRestarts(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	srv.cfg.SkipRestartSeconds = 1
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}

	// Give the non-czar players live connection handles: connected players who
	// never submit are the ones the escalation must flag.
	var stragglers []string
	err := srv.registry.WithRoom(room.Code, func(rm *Room, _ *Engine) error {
		for _, p := range rm.Players {
			if !p.IsCardCzar {
				p.Conn = &websocket.Conn{}
				stragglers = append(stragglers, p.ID)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("attach conns: %v", err)
	}

	expireDeadline(srv, room.Code)
	srv.onSelectionTimeout(room.Code, 1)

	err = srv.registry.WithRoom(room.Code, func(rm *Room, _ *Engine) error {
		for _, id := range stragglers {
			p := rm.player(id)
			if !p.IsAfk {
				t.Fatalf("connected straggler %s not flagged AFK", p.Nickname)
			}
			p.Conn = nil
		}
		if czar := currentCzar(rm); czar == nil || czar.IsAfk {
			t.Fatalf("czar flagged AFK by the selection escalation")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inspect room: %v", err)
	}

	// The skip arms a restart timer; a fresh round must follow on its own.
	deadline := time.After(3 * time.Second)
	for {
		round, status := 0, ""
		_ = srv.registry.WithRoom(room.Code, func(rm *Room, _ *Engine) error {
			round, status = rm.RoundNumber, rm.Status
			return nil
		})
		if round == 2 && status == statusSelection {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("round 2 never started after the skip: round=%d status=%s", round, status)
		default:
			time.Sleep(25 * time.Millisecond)
		}
	}

	_ = srv.registry.WithRoom(room.Code, func(rm *Room, _ *Engine) error {
		for _, id := range stragglers {
			if !rm.player(id).IsAfk {
				t.Fatalf("disconnected straggler un-flagged by the restart")
			}
		}
		for _, p := range rm.Players {
			if p.Score != 0 {
				t.Fatalf("points awarded across a skipped round")
			}
		}
		return nil
	})
}

func TestSelectionTimeoutWithSubmissionsJudges(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}
	for _, token := range tokens {
		playerID, _ := srv.registry.PlayerIDByToken(token)
		if room.player(playerID).IsCardCzar {
			continue
		}
		cardID := 0
		srv.registry.WithRoom(room.Code, func(_ *Room, eng *Engine) error {
			cardID = eng.PlayerHand(playerID)[0].ID
			return nil
		})
		srv.playCards(&wsSession{token: token}, []int{cardID})
		break
	}

	expireDeadline(srv, room.Code)
	srv.onSelectionTimeout(room.Code, 1)
	if room.Status != statusJudging {
		t.Fatalf("status = %s, want %s", room.Status, statusJudging)
	}
}

func TestSelectionTimeoutStaleRoundIgnored(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}
	deadline := *room.RoundDeadline

	srv.onSelectionTimeout(room.Code, 7)
	if room.Status != statusSelection || room.RoundDeadline == nil || !room.RoundDeadline.Equal(deadline) {
		t.Fatalf("stale timeout mutated the round")
	}

	// Same round number but the deadline has not elapsed: a replaced timer.
	srv.onSelectionTimeout(room.Code, 1)
	if room.Status != statusSelection || room.RoundDeadline == nil {
		t.Fatalf("early timeout mutated the round")
	}
}

func TestCzarForceAdvance(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}
	czar := czarToken(t, srv, room, tokens)

	srv.czarForceAdvance(&wsSession{token: czar})
	if room.RoundDeadline == nil {
		t.Fatalf("force advance accepted before the deadline")
	}

	expireDeadline(srv, room.Code)
	for _, token := range tokens {
		if token != czar {
			srv.czarForceAdvance(&wsSession{token: token})
			break
		}
	}
	if room.RoundDeadline == nil {
		t.Fatalf("non-czar forced the round forward")
	}

	srv.czarForceAdvance(&wsSession{token: czar})
	if room.RoundDeadline != nil {
		t.Fatalf("czar force advance after the deadline did nothing")
	}
}

func TestJudgingTimeoutFlagsCzar(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}
	enterJudging(t, srv, room, tokens)
	czar := currentCzar(room)

	expireDeadline(srv, room.Code)
	srv.onJudgingTimeout(room.Code, 1)
	if !czar.IsAfk {
		t.Fatalf("czar not AFK after judging timeout")
	}
	if room.RoundDeadline != nil {
		t.Fatalf("deadline survived the judging timeout")
	}
	for _, p := range room.Players {
		if p.Score != 0 {
			t.Fatalf("points awarded on an unjudged round")
		}
	}
}

func TestSkipCzarJudging(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}
	enterJudging(t, srv, room, tokens)
	czar := currentCzar(room)
	czarTok := czarToken(t, srv, room, tokens)

	var other string
	for _, token := range tokens {
		if token != czarTok {
			other = token
			break
		}
	}

	srv.skipCzarJudging(&wsSession{token: other})
	if czar.IsAfk {
		t.Fatalf("skip accepted before the deadline")
	}

	expireDeadline(srv, room.Code)
	srv.skipCzarJudging(&wsSession{token: czarTok})
	if czar.IsAfk {
		t.Fatalf("czar skipped their own judging")
	}

	srv.skipCzarJudging(&wsSession{token: other})
	if !czar.IsAfk {
		t.Fatalf("czar not AFK after skip")
	}
}

func TestJudgeSelectSchedulesNextRound(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}
	enterJudging(t, srv, room, tokens)
	czarTok := czarToken(t, srv, room, tokens)
	subID := firstSubmissionID(t, srv, room.Code)

	srv.judgeSelect(&wsSession{token: czarTok}, subID)
	if room.Status != statusResults {
		t.Fatalf("status = %s, want %s", room.Status, statusResults)
	}
	if room.RoundDeadline != nil {
		t.Fatalf("deadline survived into results")
	}
	total := 0
	for _, p := range room.Players {
		total += p.Score
	}
	if total != 1 {
		t.Fatalf("total score = %d, want exactly one point", total)
	}

	srv.onNextRoundDelay(room.Code)
	if room.Status != statusSelection || room.RoundNumber != 2 {
		t.Fatalf("next round not started: status=%s round=%d", room.Status, room.RoundNumber)
	}
}

func TestJudgeSelectFinishesAtTargetScore(t *testing.T) {
	srv, room, tokens := newGameServer(t, 1)
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}
	enterJudging(t, srv, room, tokens)
	czarTok := czarToken(t, srv, room, tokens)
	subID := firstSubmissionID(t, srv, room.Code)

	srv.judgeSelect(&wsSession{token: czarTok}, subID)
	if room.Status != statusLobby {
		t.Fatalf("status = %s, want %s after the win", room.Status, statusLobby)
	}
	if len(room.Players) != 1 {
		t.Fatalf("non-host players kept after the win: %d", len(room.Players))
	}
	if room.Players[0].ID != room.HostID {
		t.Fatalf("survivor is not the host")
	}
	if room.Players[0].Score != 0 {
		t.Fatalf("host score not reset")
	}
	for name, token := range tokens {
		_, ok := srv.registry.RoomCodeByToken(token)
		if name == "Ada" && !ok {
			t.Fatalf("host token invalidated")
		}
		if name != "Ada" && ok {
			t.Fatalf("token for %s survived the finish", name)
		}
	}
}

func TestJudgeSelectRejectedOutsideJudging(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}
	czarTok := czarToken(t, srv, room, tokens)
	srv.judgeSelect(&wsSession{token: czarTok}, "anything")
	if room.Status != statusSelection {
		t.Fatalf("verdict accepted during selection")
	}
}

func TestSweepIdleRooms(t *testing.T) {
	srv, room, _ := newGameServer(t, 5)
	room.LastActivityAt = timeNowUTC().Add(-16 * time.Minute)

	srv.sweepIdleRooms(timeNowUTC())
	err := srv.registry.WithRoom(room.Code, func(_ *Room, _ *Engine) error { return nil })
	if err == nil {
		t.Fatalf("idle lobby survived the sweep")
	}
}
