package db

import (
	"errors"

	"gorm.io/gorm"
)

// CardStore answers card-set lookups for the game server. The full card text
// for a room's selected sets is fetched once, at game start.
type CardStore struct {
	conn *gorm.DB
}

func NewCardStore(conn *gorm.DB) *CardStore {
	return &CardStore{conn: conn}
}

type CardSetSummary struct {
	ID             uint    `json:"id"`
	Name           string  `json:"name"`
	Description    *string `json:"description"`
	Slug           *string `json:"slug"`
	IsPublic       bool    `json:"isPublic"`
	BlackCardCount int     `json:"blackCardCount"`
	WhiteCardCount int     `json:"whiteCardCount"`
}

// ListSets returns all card sets with their card counts, ordered by name.
func (s *CardStore) ListSets() ([]CardSetSummary, error) {
	if s.conn == nil {
		return nil, errors.New("db connection is nil")
	}
	var summaries []CardSetSummary
	err := s.conn.Raw(`
		SELECT id, name, description, slug, is_public,
			(SELECT COUNT(*) FROM black_cards WHERE card_set_id = card_sets.id) AS black_card_count,
			(SELECT COUNT(*) FROM white_cards WHERE card_set_id = card_sets.id) AS white_card_count
		FROM card_sets
		ORDER BY name`).Scan(&summaries).Error
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// CardsForSets returns every black and white card belonging to the given sets.
func (s *CardStore) CardsForSets(setIDs []uint) ([]BlackCard, []WhiteCard, error) {
	if s.conn == nil {
		return nil, nil, errors.New("db connection is nil")
	}
	if len(setIDs) == 0 {
		return nil, nil, errors.New("no card sets selected")
	}
	var black []BlackCard
	if err := s.conn.Where("card_set_id IN ?", setIDs).Find(&black).Error; err != nil {
		return nil, nil, err
	}
	var white []WhiteCard
	if err := s.conn.Where("card_set_id IN ?", setIDs).Find(&white).Error; err != nil {
		return nil, nil, err
	}
	return black, white, nil
}
