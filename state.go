package main

import (
	"maps"
	"slices"
	"time"
)

type GameStatus string

const (
	StatusIdle    GameStatus = "idle"
	StatusPlaying GameStatus = "playing"
	StatusEnded   GameStatus = "ended"
)

const (
	defaultRounds = 3
	maxPlayers    = 8
	storyPrefix   = "s_"
)

// Player is one directory record. Records are never deleted, only marked
// offline.
type Player struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	IsHost          bool      `json:"isHost"`
	Online          bool      `json:"online"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

func (p Player) equal(o Player) bool {
	return p.ID == o.ID &&
		p.Name == o.Name &&
		p.IsHost == o.IsHost &&
		p.Online == o.Online &&
		p.LastHeartbeatAt.Equal(o.LastHeartbeatAt)
}

type Settings struct {
	Rounds int `json:"rounds"`
}

type Room struct {
	Code     string
	Active   bool
	Settings Settings
}

type Entry struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// GameState is replaced wholesale on every authoritative change.
type GameState struct {
	Status      GameStatus         `json:"status"`
	Round       int                `json:"round"`
	Turn        int                `json:"turn"`
	Rounds      int                `json:"rounds"`
	Stories     map[string][]Entry `json:"stories"`
	Assignments map[string]string  `json:"assignments"`
	Locks       map[string]string  `json:"locks"`
}

func newGameState() GameState {
	return GameState{
		Status:      StatusIdle,
		Stories:     make(map[string][]Entry),
		Assignments: make(map[string]string),
		Locks:       make(map[string]string),
	}
}

func (g GameState) clone() GameState {
	out := g
	out.Stories = make(map[string][]Entry, len(g.Stories))
	for id, entries := range g.Stories {
		out.Stories[id] = append(make([]Entry, 0, len(entries)), entries...)
	}
	out.Assignments = maps.Clone(g.Assignments)
	if out.Assignments == nil {
		out.Assignments = make(map[string]string)
	}
	out.Locks = maps.Clone(g.Locks)
	if out.Locks == nil {
		out.Locks = make(map[string]string)
	}
	return out
}

// storyIDs returns the story ids in their fixed rotation order.
func (g GameState) storyIDs() []string {
	return slices.Sorted(maps.Keys(g.Stories))
}

func storyIDFor(playerID string) string {
	return storyPrefix + playerID
}
