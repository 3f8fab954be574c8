package server

import (
	"kpl-server/internal/db"
)

// CardSource looks up the full card text for a room's selected sets. It is
// queried once per game, at start, never during rounds.
type CardSource interface {
	CardsForSets(setIDs []uint) ([]BlackCard, []WhiteCard, error)
}

type dbCardSource struct {
	store *db.CardStore
}

func (c *dbCardSource) CardsForSets(setIDs []uint) ([]BlackCard, []WhiteCard, error) {
	blackRows, whiteRows, err := c.store.CardsForSets(setIDs)
	if err != nil {
		return nil, nil, err
	}
	black := make([]BlackCard, 0, len(blackRows))
	for _, row := range blackRows {
		pick := row.Pick
		if pick < 1 {
			pick = 1
		}
		black = append(black, BlackCard{ID: int(row.ID), Text: row.Text, Pick: pick})
	}
	white := make([]WhiteCard, 0, len(whiteRows))
	for _, row := range whiteRows {
		white = append(white, WhiteCard{ID: int(row.ID), Text: row.Text})
	}
	return black, white, nil
}
