package main

import (
	"time"
)

// Store owns all participant state. Every mutation goes through one of its
// methods; observers run once per Flush after something changed.
type Store struct {
	selfID    string
	room      Room
	dir       *Directory
	game      GameState
	dirty     bool
	observers []func()
}

func newStore(selfID string) *Store {
	return &Store{
		selfID: selfID,
		room:   Room{Settings: Settings{Rounds: defaultRounds}},
		dir:    newDirectory(selfID),
		game:   newGameState(),
	}
}

func (s *Store) Subscribe(fn func()) {
	s.observers = append(s.observers, fn)
}

// Flush notifies observers if anything changed since the last flush.
func (s *Store) Flush() {
	if !s.dirty {
		return
	}
	s.dirty = false
	for _, fn := range s.observers {
		fn()
	}
}

func (s *Store) mark(changed bool) bool {
	if changed {
		s.dirty = true
	}
	return changed
}

func (s *Store) SelfID() string {
	return s.selfID
}

func (s *Store) Self() Player {
	p, _ := s.dir.Get(s.selfID)
	p.ID = s.selfID
	return p
}

func (s *Store) IsHost() bool {
	return s.Self().IsHost
}

func (s *Store) Room() Room {
	return s.room
}

func (s *Store) Directory() *Directory {
	return s.dir
}

func (s *Store) Game() GameState {
	return s.game.clone()
}

func (s *Store) Status() GameStatus {
	return s.game.Status
}

// EnterRoom activates the room and records the local player as online.
func (s *Store) EnterRoom(code, name string, host bool, now time.Time) {
	s.room.Code = code
	s.room.Active = true
	s.dir.Put(Player{
		ID:              s.selfID,
		Name:            name,
		IsHost:          host,
		Online:          true,
		LastHeartbeatAt: now,
	})
	s.dirty = true
}

func (s *Store) SetSettings(settings Settings) {
	s.mark(s.room.Settings != settings)
	s.room.Settings = settings
}

func (s *Store) AddPeer(p Player) bool {
	return s.mark(s.dir.Add(p))
}

func (s *Store) MergePlayers(players map[string]Player) bool {
	return s.mark(s.dir.Merge(players))
}

func (s *Store) MarkOffline(id string) bool {
	return s.mark(s.dir.MarkOffline(id))
}

func (s *Store) Touch(id string, now time.Time) bool {
	return s.mark(s.dir.Touch(id, now))
}

// SetGame replaces the game wholesale. An ended game is frozen.
func (s *Store) SetGame(g GameState) bool {
	if s.game.Status == StatusEnded {
		return false
	}
	s.game = g.clone()
	if s.game.Rounds > 0 {
		s.room.Settings.Rounds = s.game.Rounds
	}
	s.dirty = true
	return true
}
