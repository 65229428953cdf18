package main

import (
	"fmt"
	"maps"
	"slices"
)

// Engine runs the story rotation. Only the host mutates the game; every
// other process just mirrors it.
type Engine struct {
	cfg   *Config
	store *Store
	conns broadcaster
}

func newEngine(cfg *Config, store *Store, conns broadcaster) *Engine {
	return &Engine{
		cfg:   cfg,
		store: store,
		conns: conns,
	}
}

// StartGame opens one story per online player and hands out the first turn.
func (e *Engine) StartGame(settings Settings) error {
	if !e.store.IsHost() {
		return errNotHost
	}
	if settings.Rounds < 1 {
		return fmt.Errorf("%w: %d", errInvalidRounds, settings.Rounds)
	}
	if e.store.Status() != StatusIdle {
		return errGameStarted
	}

	online := e.store.Directory().OnlineIDs()

	g := newGameState()
	g.Status = StatusPlaying
	g.Round = 1
	g.Turn = 1
	g.Rounds = settings.Rounds
	for _, id := range online {
		g.Stories[storyIDFor(id)] = []Entry{}
	}
	assignStories(&g, online)

	e.store.SetSettings(settings)
	e.store.SetGame(g)

	logf(e.cfg, "GAME: Started with %d players for %d rounds", len(online), settings.Rounds)

	return nil
}

// assignStories rotates the stories across the online players by turn-1
// places and clears the locks.
func assignStories(g *GameState, online []string) {
	stories := g.storyIDs()
	offset := g.Turn - 1

	g.Assignments = make(map[string]string, len(online))
	g.Locks = make(map[string]string)

	if len(stories) == 0 {
		return
	}
	for i, id := range online {
		g.Assignments[id] = stories[(i+offset)%len(stories)]
	}
}

// quorum holds when every currently online player has locked in.
func quorum(g GameState, online []string) bool {
	if len(online) == 0 {
		return false
	}
	for _, id := range online {
		if _, ok := g.Locks[id]; !ok {
			return false
		}
	}
	return true
}

// advanceTurn writes the locked texts into their stories and moves to the
// next turn, round, or the end of the game.
func advanceTurn(g *GameState, online []string, dir *Directory) {
	for _, id := range slices.Sorted(maps.Keys(g.Locks)) {
		story, ok := g.Assignments[id]
		if !ok {
			continue
		}
		g.Stories[story] = append(g.Stories[story], Entry{Author: dir.Name(id), Text: g.Locks[id]})
	}

	nextTurn := g.Turn + 1
	nextRound := g.Round
	if nextTurn > len(online) {
		nextTurn = 1
		nextRound++
	}

	if nextRound > g.Rounds {
		g.Status = StatusEnded
		return
	}

	g.Turn = nextTurn
	g.Round = nextRound
	assignStories(g, online)
}

// HandleLock records a player's text for this turn and advances once the
// quorum is reached.
func (e *Engine) HandleLock(playerID, text string) error {
	if !e.store.IsHost() {
		return errNotHost
	}

	g := e.store.Game()
	if g.Status != StatusPlaying {
		return errNotPlaying
	}
	if _, ok := g.Assignments[playerID]; !ok {
		return fmt.Errorf("%w: %s", errNoAssignment, playerID)
	}
	if p, ok := e.store.Directory().Get(playerID); !ok || !p.Online {
		return fmt.Errorf("%w: %s", errPlayerOffline, playerID)
	}

	g.Locks[playerID] = text

	online := e.store.Directory().OnlineIDs()
	if quorum(g, online) {
		e.advance(&g, online)
	}

	e.store.SetGame(g)

	return nil
}

func (e *Engine) advance(g *GameState, online []string) {
	advanceTurn(g, online, e.store.Directory())
	if g.Status == StatusEnded {
		logf(e.cfg, "GAME: Ended after round %d", g.Round)
		return
	}
	logf(e.cfg, "GAME: Round %d turn %d", g.Round, g.Turn)
}

// Reconcile keeps the game consistent with the directory after anything
// changed: late joiners get a story and a departed player can no longer
// block the quorum.
func (e *Engine) Reconcile() {
	if !e.store.IsHost() || e.store.Status() != StatusPlaying {
		return
	}

	g := e.store.Game()
	online := e.store.Directory().OnlineIDs()
	changed := false

	stories := g.storyIDs()
	for i, id := range online {
		if _, ok := g.Assignments[id]; ok || len(stories) == 0 {
			continue
		}
		g.Assignments[id] = stories[(i+g.Turn-1)%len(stories)]
		changed = true
	}

	if quorum(g, online) {
		e.advance(&g, online)
		changed = true
	}

	if changed {
		e.store.SetGame(g)
	}
}

// RequestLock submits the local player's text, directly on the host and
// through the host otherwise.
func (e *Engine) RequestLock(text string) error {
	if e.store.IsHost() {
		return e.HandleLock(e.store.SelfID(), text)
	}
	if e.store.Status() != StatusPlaying {
		return errNotPlaying
	}
	e.conns.Broadcast(newActionLock(text))
	return nil
}
