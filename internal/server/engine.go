package server

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

var (
	errBlackDeckEmpty  = errors.New("black deck exhausted")
	errNoActivePlayers = errors.New("no active players")
)

type submission struct {
	id    string
	cards []WhiteCard
}

// Engine runs the rounds of a single room: decks, hands, submissions, czar
// rotation and scoring. It operates on the Room's own player records so score
// and flag changes are immediately visible in room snapshots.
type Engine struct {
	room        *Room
	blackDeck   []BlackCard
	whiteDeck   []WhiteCard
	hands       map[string][]WhiteCard
	submissions map[string]submission
	czarPointer int
	blackCard   *BlackCard
	roundNumber int
}

func NewEngine(room *Room, blackCards []BlackCard, whiteCards []WhiteCard) *Engine {
	black := make([]BlackCard, len(blackCards))
	copy(black, blackCards)
	white := make([]WhiteCard, len(whiteCards))
	copy(white, whiteCards)
	rand.Shuffle(len(black), func(i, j int) { black[i], black[j] = black[j], black[i] })
	rand.Shuffle(len(white), func(i, j int) { white[i], white[j] = white[j], white[i] })
	return &Engine{
		room:        room,
		blackDeck:   black,
		whiteDeck:   white,
		hands:       make(map[string][]WhiteCard),
		submissions: make(map[string]submission),
		czarPointer: -1,
	}
}

func (e *Engine) CurrentBlackCard() *BlackCard { return e.blackCard }

func (e *Engine) RoundNumber() int { return e.roundNumber }

// StartRound advances to the next round: fresh black card, hands replenished
// for active players, next non-AFK player made czar. Both fatal preconditions
// (black deck empty, no active players) are checked before anything mutates,
// so a failed call leaves hands, submissions and player flags exactly as they
// were.
func (e *Engine) StartRound() (czarID string, err error) {
	if len(e.blackDeck) == 0 {
		return "", errBlackDeckEmpty
	}
	czar, err := e.pickNextCzar()
	if err != nil {
		return "", err
	}

	e.roundNumber++
	e.submissions = make(map[string]submission)
	for _, p := range e.room.Players {
		p.HasPlayed = false
		p.IsCardCzar = false
	}

	card := e.blackDeck[len(e.blackDeck)-1]
	e.blackDeck = e.blackDeck[:len(e.blackDeck)-1]
	e.blackCard = &card

	for _, p := range e.room.Players {
		if p.IsAfk {
			continue
		}
		hand := e.hands[p.ID]
		for len(hand) < handSize && len(e.whiteDeck) > 0 {
			hand = append(hand, e.whiteDeck[len(e.whiteDeck)-1])
			e.whiteDeck = e.whiteDeck[:len(e.whiteDeck)-1]
		}
		e.hands[p.ID] = hand
	}

	czar.IsCardCzar = true
	return czar.ID, nil
}

// pickNextCzar walks the player list from the stored pointer, skipping AFK
// players. The pointer survives across rounds so a player returning from AFK
// re-enters the rotation at their old position.
func (e *Engine) pickNextCzar() (*Player, error) {
	n := len(e.room.Players)
	for i := 1; i <= n; i++ {
		idx := (e.czarPointer + i) % n
		if !e.room.Players[idx].IsAfk {
			e.czarPointer = idx
			return e.room.Players[idx], nil
		}
	}
	return nil, errNoActivePlayers
}

// SubmitCards plays the given cards for the player. The whole selection is
// validated against the hand before anything is removed, so a bad card id
// leaves the hand untouched. Reports whether every required player has now
// submitted.
func (e *Engine) SubmitCards(playerID string, cardIDs []int) (allSubmitted bool, err error) {
	player := e.room.player(playerID)
	if player == nil {
		return false, errors.New("player not found")
	}
	if player.IsCardCzar {
		return false, errors.New("the card czar cannot play cards")
	}
	if player.HasPlayed {
		return false, errors.New("cards already submitted this round")
	}
	if e.blackCard == nil {
		return false, errors.New("no active black card")
	}
	if len(cardIDs) != e.blackCard.Pick {
		return false, fmt.Errorf("exactly %d card(s) must be played", e.blackCard.Pick)
	}

	hand := e.hands[playerID]
	taken := make([]bool, len(hand))
	selected := make([]WhiteCard, 0, len(cardIDs))
	for _, id := range cardIDs {
		found := -1
		for i, card := range hand {
			if card.ID == id && !taken[i] {
				found = i
				break
			}
		}
		if found == -1 {
			return false, errors.New("card is not in your hand")
		}
		taken[found] = true
		selected = append(selected, hand[found])
	}
	remaining := make([]WhiteCard, 0, len(hand)-len(selected))
	for i, card := range hand {
		if !taken[i] {
			remaining = append(remaining, card)
		}
	}
	e.hands[playerID] = remaining

	e.submissions[playerID] = submission{id: uuid.NewString(), cards: selected}
	player.HasPlayed = true

	allSubmitted = true
	for _, p := range e.room.Players {
		if p.IsAfk || p.IsCardCzar {
			continue
		}
		if !p.HasPlayed {
			allSubmitted = false
			break
		}
	}
	return allSubmitted, nil
}

// RetractCards takes back the player's submission, returning the cards to the
// front of their hand so a corrected submission can follow.
func (e *Engine) RetractCards(playerID string) error {
	sub, ok := e.submissions[playerID]
	if !ok {
		return errors.New("nothing submitted this round")
	}
	player := e.room.player(playerID)
	if player == nil {
		return errors.New("player not found")
	}
	e.hands[playerID] = append(append([]WhiteCard{}, sub.cards...), e.hands[playerID]...)
	delete(e.submissions, playerID)
	player.HasPlayed = false
	return nil
}

// AnonymousSubmissions lists the round's submissions without player identity,
// re-shuffled on every call so ordering leaks nothing to the czar.
func (e *Engine) AnonymousSubmissions() []AnonymousSubmission {
	result := make([]AnonymousSubmission, 0, len(e.submissions))
	for _, sub := range e.submissions {
		cards := make([]WhiteCard, len(sub.cards))
		copy(cards, sub.cards)
		result = append(result, AnonymousSubmission{SubmissionID: sub.id, Cards: cards})
	}
	rand.Shuffle(len(result), func(i, j int) { result[i], result[j] = result[j], result[i] })
	return result
}

// SelectWinner awards one point to the owner of the chosen submission. Only
// the current czar may call it; an unknown submission id mutates nothing.
func (e *Engine) SelectWinner(czarID, submissionID string) (*RoundResult, error) {
	czar := e.room.player(czarID)
	if czar == nil || !czar.IsCardCzar {
		return nil, errors.New("you are not the card czar")
	}

	winnerID := ""
	var winningCards []WhiteCard
	for pid, sub := range e.submissions {
		if sub.id == submissionID {
			winnerID = pid
			winningCards = sub.cards
			break
		}
	}
	if winnerID == "" {
		return nil, errors.New("unknown submission id")
	}

	winner := e.room.player(winnerID)
	if winner == nil {
		return nil, errors.New("winning player left the room")
	}
	winner.Score++

	scores := make(map[string]int, len(e.room.Players))
	for _, p := range e.room.Players {
		scores[p.ID] = p.Score
	}
	return &RoundResult{
		WinnerID:       winnerID,
		WinnerNickname: winner.Nickname,
		WinningCards:   winningCards,
		Scores:         scores,
	}, nil
}

// PlayerHand returns a defensive copy of the player's current hand.
func (e *Engine) PlayerHand(playerID string) []WhiteCard {
	hand := e.hands[playerID]
	out := make([]WhiteCard, len(hand))
	copy(out, hand)
	return out
}

// SubmissionCount reports how many players have submitted this round.
func (e *Engine) SubmissionCount() int {
	return len(e.submissions)
}
