package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	viewHome = "home"
	viewRoom = "room"
	viewGame = "game"
)

type RoomView struct {
	Code    string
	IsHost  bool
	Players []Player
	Online  int
}

type TurnView struct {
	Round       int
	TotalRounds int
	History     []Entry
	Locks       int
	Online      int
	IsLocked    bool
}

type StoryTranscript struct {
	ID      string
	Entries []Entry
}

type Transcript struct {
	Stories []StoryTranscript
}

// View is where the front end receives everything it shows.
type View interface {
	SwitchView(name string)
	RenderRoom(RoomView)
	RenderTurn(TurnView)
	RenderEnd(Transcript)
	Notice(msg string)
}

// roomView, turnView and transcript derive what a participant sees from the
// store.
func roomView(s *Store) RoomView {
	dir := s.Directory()
	v := RoomView{Code: s.Room().Code, IsHost: s.IsHost()}
	for _, id := range dir.IDs() {
		p, _ := dir.Get(id)
		v.Players = append(v.Players, p)
		if p.Online {
			v.Online++
		}
	}
	return v
}

func turnView(s *Store) (TurnView, bool) {
	g := s.Game()
	story, ok := g.Assignments[s.SelfID()]
	if !ok {
		return TurnView{}, false
	}
	_, locked := g.Locks[s.SelfID()]
	return TurnView{
		Round:       g.Round,
		TotalRounds: g.Rounds,
		History:     g.Stories[story],
		Locks:       len(g.Locks),
		Online:      len(s.Directory().OnlineIDs()),
		IsLocked:    locked,
	}, true
}

func transcript(s *Store) Transcript {
	g := s.Game()
	var t Transcript
	for _, id := range g.storyIDs() {
		t.Stories = append(t.Stories, StoryTranscript{ID: id, Entries: g.Stories[id]})
	}
	return t
}

// consoleView renders to a terminal, skipping frames identical to the last
// one so heartbeats do not repaint the screen.
type consoleView struct {
	mu   sync.Mutex
	out  io.Writer
	last map[string]string
}

func newConsoleView(out io.Writer) *consoleView {
	return &consoleView{out: out, last: make(map[string]string)}
}

func (v *consoleView) emit(kind, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.last[kind] == text {
		return
	}
	v.last[kind] = text
	_, _ = io.WriteString(v.out, text)
}

func (v *consoleView) SwitchView(name string) {
	switch name {
	case viewRoom:
		v.emit("view", "== Room ==\nType /start [rounds] to begin (host), /leave to quit.\n")
	case viewGame:
		v.emit("view", "== Game ==\nType a line to lock in your part of the story.\n")
	default:
		v.emit("view", "== "+name+" ==\n")
	}
}

func (v *consoleView) RenderRoom(r RoomView) {
	var b strings.Builder

	fmt.Fprintf(&b, "Room %s (%d/%d)\n", r.Code, r.Online, maxPlayers)
	for _, p := range r.Players {
		status := "online"
		if !p.Online {
			status = "offline"
		}
		host := ""
		if p.IsHost {
			host = " [host]"
		}
		fmt.Fprintf(&b, "  %s%s - %s\n", p.Name, host, status)
	}

	v.emit("room", b.String())
}

func (v *consoleView) RenderTurn(t TurnView) {
	var b strings.Builder

	fmt.Fprintf(&b, "Round %d/%d\n", t.Round, t.TotalRounds)
	if len(t.History) == 0 {
		b.WriteString("  (you go first, start the story!)\n")
	}
	for _, e := range t.History {
		fmt.Fprintf(&b, "  %s: %s\n", e.Author, e.Text)
	}
	fmt.Fprintf(&b, "Locked %d/%d", t.Locks, t.Online)
	if t.IsLocked {
		b.WriteString(" (waiting for others)")
	}
	b.WriteString("\n")

	v.emit("turn", b.String())
}

func (v *consoleView) RenderEnd(t Transcript) {
	var b strings.Builder

	b.WriteString("Game over! The complete stories:\n")
	for i, s := range t.Stories {
		parts := make([]string, 0, len(s.Entries))
		for _, e := range s.Entries {
			parts = append(parts, fmt.Sprintf("%s (%s)", e.Text, e.Author))
		}
		fmt.Fprintf(&b, "Story %d\n  %s\n", i+1, strings.Join(parts, " "))
	}

	v.emit("end", b.String())
}

func (v *consoleView) Notice(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, _ = fmt.Fprintf(v.out, "! %s\n", msg)
}
