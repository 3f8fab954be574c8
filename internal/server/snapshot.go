package server

import (
	"sort"
	"time"
)

// finalRanking orders players by score for the game-over payload.
func finalRanking(room *Room) *GameOverPayload {
	sorted := make([]*Player, len(room.Players))
	copy(sorted, room.Players)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	payload := &GameOverPayload{RoomCode: room.Code}
	for i, p := range sorted {
		payload.FinalScores = append(payload.FinalScores, FinalScore{
			PlayerID: p.ID,
			Nickname: p.Nickname,
			Score:    p.Score,
			Rank:     i + 1,
		})
	}
	return payload
}

// roomSnapshot is the room state broadcast to every member. It carries player
// nicknames, scores and flags but never a hand or a submission's owner.
func roomSnapshot(room *Room) map[string]any {
	players := make([]map[string]any, 0, len(room.Players))
	for _, p := range room.Players {
		players = append(players, map[string]any{
			"id":         p.ID,
			"nickname":   p.Nickname,
			"score":      p.Score,
			"isCardCzar": p.IsCardCzar,
			"hasPlayed":  p.HasPlayed,
			"isAfk":      p.IsAfk,
			"connected":  p.Conn != nil,
		})
	}
	var deadline any
	if room.RoundDeadline != nil {
		deadline = room.RoundDeadline.Format(time.RFC3339)
	}
	return map[string]any{
		"code":             room.Code,
		"status":           room.Status,
		"hostId":           room.HostID,
		"name":             room.Name,
		"isPublic":         room.IsPublic,
		"selectedSetIds":   room.SelectedSetIDs,
		"maxPlayers":       room.MaxPlayers,
		"targetScore":      room.TargetScore,
		"players":          players,
		"currentBlackCard": room.CurrentBlackCard,
		"roundNumber":      room.RoundNumber,
		"roundDeadline":    deadline,
	}
}
