package server

import (
	"log"
	"time"
)

// StartGC launches the idle-room sweeper. Rooms sitting in a lobby get a
// shorter idle budget than rooms mid-game. Members are notified before the
// room goes away.
func (s *Server) StartGC() {
	interval := time.Duration(s.cfg.GCIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			s.sweepIdleRooms(timeNowUTC())
		}
	}()
}

func (s *Server) sweepIdleRooms(now time.Time) {
	lobbyIdle := time.Duration(s.cfg.LobbyIdleSeconds) * time.Second
	gameIdle := time.Duration(s.cfg.GameIdleSeconds) * time.Second
	expired := s.registry.ExpiredRooms(now, lobbyIdle, gameIdle)
	for _, code := range expired {
		s.ws.Broadcast(code, wsEvent{Event: "roomDeleted"})
		s.registry.DeleteRoom(code)
		s.ws.DropRoom(code)
		log.Printf("idle room collected room=%s", code)
		s.logEvent(code, "room_expired", map[string]any{"at": now.Format(time.RFC3339)})
	}
	if len(expired) > 0 {
		s.broadcastPublicRooms()
	}
}
