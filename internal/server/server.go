package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	"kpl-server/internal/config"
	"kpl-server/internal/db"

	"gorm.io/gorm"
)

type Server struct {
	registry *Registry
	cards    CardSource
	store    *db.CardStore
	ws       *wsHub
	cfg      config.Config

	timersMu      sync.Mutex
	roundTimers   map[string]*time.Timer
	judgingTimers map[string]*time.Timer
	restartTimers map[string]*time.Timer
}

func New(conn *gorm.DB, cfg config.Config) *Server {
	s := &Server{
		registry:      NewRegistry(time.Duration(cfg.AFKGraceSeconds) * time.Second),
		ws:            newWSHub(),
		cfg:           cfg,
		roundTimers:   make(map[string]*time.Timer),
		judgingTimers: make(map[string]*time.Timer),
		restartTimers: make(map[string]*time.Timer),
	}
	if conn != nil {
		s.store = db.NewCardStore(conn)
		s.cards = &dbCardSource{store: s.store}
	}
	s.registry.OnAfkFlagged = func(code string) {
		s.broadcastRoom(code)
		s.broadcastPublicRooms()
	}
	s.registry.OnTeardown = s.cancelGameTimers
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/card-sets", s.handleCardSets)
	mux.HandleFunc("GET /api/rooms/", s.handleRoomPreview)
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	return mux
}

func (s *Server) selectionTimeout() time.Duration {
	return time.Duration(s.cfg.SelectionSeconds) * time.Second
}

func (s *Server) judgingTimeout() time.Duration {
	return time.Duration(s.cfg.JudgingSeconds) * time.Second
}

func (s *Server) resultsDelay() time.Duration {
	return time.Duration(s.cfg.ResultsDelaySeconds) * time.Second
}

func (s *Server) skipRestartDelay() time.Duration {
	return time.Duration(s.cfg.SkipRestartSeconds) * time.Second
}

// logEvent appends to the operational event log without blocking game flow.
func (s *Server) logEvent(code, eventType string, payload map[string]any) {
	if s.store == nil {
		return
	}
	go func() {
		if err := s.store.AppendEvent(code, eventType, payload); err != nil {
			log.Printf("event log write failed room=%s type=%s error=%v", code, eventType, err)
		}
	}()
}

func (s *Server) armRoundTimer(code string, d time.Duration, fn func()) {
	armTimer(&s.timersMu, s.roundTimers, code, d, fn)
}

func (s *Server) cancelRoundTimer(code string) {
	cancelTimer(&s.timersMu, s.roundTimers, code)
}

func (s *Server) armJudgingTimer(code string, d time.Duration, fn func()) {
	armTimer(&s.timersMu, s.judgingTimers, code, d, fn)
}

func (s *Server) cancelJudgingTimer(code string) {
	cancelTimer(&s.timersMu, s.judgingTimers, code)
}

func (s *Server) armRestartTimer(code string, d time.Duration, fn func()) {
	armTimer(&s.timersMu, s.restartTimers, code, d, fn)
}

func (s *Server) cancelRestartTimer(code string) {
	cancelTimer(&s.timersMu, s.restartTimers, code)
}

// cancelGameTimers disarms every pending phase timer for the room. Cancellation
// is best-effort: a callback that already fired re-validates phase and deadline
// before touching anything.
func (s *Server) cancelGameTimers(code string) {
	s.cancelRoundTimer(code)
	s.cancelJudgingTimer(code)
	s.cancelRestartTimer(code)
}

// armTimer replaces any pending timer of the same kind, keeping at most one
// per room and kind.
func armTimer(mu *sync.Mutex, timers map[string]*time.Timer, code string, d time.Duration, fn func()) {
	mu.Lock()
	defer mu.Unlock()
	if existing, ok := timers[code]; ok {
		existing.Stop()
	}
	timers[code] = time.AfterFunc(d, fn)
}

func cancelTimer(mu *sync.Mutex, timers map[string]*time.Timer, code string) {
	mu.Lock()
	defer mu.Unlock()
	if timer, ok := timers[code]; ok {
		timer.Stop()
		delete(timers, code)
	}
}
