package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"kpl-server/internal/config"
)

// The joined payload is built under the registry lock, so concurrent joins
// must not race the snapshot of an earlier one.
func TestJoinedPayloadUnderConcurrentJoins(t *testing.T) {
	srv := New(nil, config.Default())
	settings := testSettings("Host")
	settings.MaxPlayers = 16
	room, _ := srv.registry.CreateRoom(settings)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := json.Marshal(joinRoomRequest{Code: room.Code, Nickname: fmt.Sprintf("guest-%d", i)})
			if err != nil {
				t.Errorf("marshal join request: %v", err)
				return
			}
			srv.actionJoinRoom(&wsSession{}, data)
		}(i)
	}
	wg.Wait()

	err := srv.registry.WithRoom(room.Code, func(rm *Room, _ *Engine) error {
		if len(rm.Players) != 9 {
			t.Fatalf("player count = %d, want 9", len(rm.Players))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("room gone after joins: %v", err)
	}
}

// The game-over ranking for a host end is built under the registry lock, so a
// player flapping their connection at the same moment must not race it.
func TestEndGamePayloadUnderConcurrentDisconnects(t *testing.T) {
	srv, room, tokens := newGameServer(t, 5)
	if err := srv.startGame(tokens["Ada"]); err != nil {
		t.Fatalf("start game: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			srv.registry.HandleDisconnect(tokens["Ben"])
			srv.registry.Reconnect(tokens["Ben"], nil)
		}
	}()
	srv.actionEndGame(&wsSession{token: tokens["Ada"]})
	wg.Wait()

	status := ""
	_ = srv.registry.WithRoom(room.Code, func(rm *Room, _ *Engine) error {
		status = rm.Status
		return nil
	})
	if status != statusFinished {
		t.Fatalf("status = %s, want %s", status, statusFinished)
	}
}
