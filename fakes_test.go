package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// fakeNetwork pairs in-memory links. An offer or answer carries the id of
// the link that produced it, and applying an answer opens both ends.
type fakeNetwork struct {
	links map[string]*fakeLink
	next  int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{links: make(map[string]*fakeLink)}
}

func (n *fakeNetwork) factory() LinkFactory {
	return func() (PeerLink, error) {
		n.next++
		l := &fakeLink{net: n, id: fmt.Sprintf("link%d", n.next)}
		n.links[l.id] = l
		return l, nil
	}
}

type fakeLink struct {
	net       *fakeNetwork
	id        string
	remote    *fakeLink
	remoteSet bool
	opened    bool
	closed    bool
	added     []Candidate

	onCandidate func(Candidate)
	onOpen      func()
	onMessage   func([]byte)
	onClose     func()
}

func (l *fakeLink) emitCandidate() {
	if l.onCandidate != nil {
		l.onCandidate(Candidate{Candidate: "candidate:" + l.id})
	}
}

func (l *fakeLink) CreateOffer() (SessionDescription, error) {
	l.emitCandidate()
	return SessionDescription{Type: signalOffer, SDP: l.id}, nil
}

func (l *fakeLink) CreateAnswer() (SessionDescription, error) {
	if !l.remoteSet {
		return SessionDescription{}, errors.New("answer without remote offer")
	}
	l.emitCandidate()
	return SessionDescription{Type: signalAnswer, SDP: l.id}, nil
}

func (l *fakeLink) SetRemoteDescription(d SessionDescription) error {
	r, ok := l.net.links[d.SDP]
	if !ok {
		return fmt.Errorf("unknown link %q", d.SDP)
	}
	l.remote = r
	l.remoteSet = true
	if d.Type == signalAnswer {
		r.remote = l
		l.open()
		r.open()
	}
	return nil
}

func (l *fakeLink) AddCandidate(c Candidate) error {
	if !l.remoteSet {
		return errors.New("candidate before remote description")
	}
	l.added = append(l.added, c)
	return nil
}

func (l *fakeLink) open() {
	if l.opened || l.closed {
		return
	}
	l.opened = true
	if l.onOpen != nil {
		l.onOpen()
	}
}

func (l *fakeLink) OnCandidate(fn func(Candidate)) { l.onCandidate = fn }
func (l *fakeLink) OnOpen(fn func())               { l.onOpen = fn }
func (l *fakeLink) OnMessage(fn func([]byte))      { l.onMessage = fn }
func (l *fakeLink) OnClose(fn func())              { l.onClose = fn }

func (l *fakeLink) Send(b []byte) error {
	if !l.opened || l.closed {
		return errLinkNotOpen
	}
	if r := l.remote; r != nil && !r.closed && r.onMessage != nil {
		r.onMessage(slices.Clone(b))
	}
	return nil
}

func (l *fakeLink) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.onClose != nil {
		l.onClose()
	}
	if r := l.remote; r != nil && r.remote == l {
		_ = r.Close()
	}
	return nil
}

// drainEvents handles every link event currently queued on m.
func drainEvents(m *ConnectionManager) bool {
	progressed := false
	for {
		select {
		case ev := <-m.Events():
			m.Handle(ev)
			progressed = true
		default:
			return progressed
		}
	}
}

// fakeRelay is an in-process Mailbox with the same presence and signal
// semantics as the websocket relay.
type fakeRelay struct {
	rooms map[string]map[string]*fakeMailbox
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{rooms: make(map[string]map[string]*fakeMailbox)}
}

func (r *fakeRelay) dial(_ context.Context, code string, self presenceRecord) (Mailbox, error) {
	room, ok := r.rooms[code]
	if !ok {
		room = make(map[string]*fakeMailbox)
		r.rooms[code] = room
	}

	mb := &fakeMailbox{relay: r, code: code, self: self, frames: make(chan relayFrame, 256)}

	for _, id := range slices.Sorted(maps.Keys(room)) {
		peer := room[id].self
		mb.frames <- relayFrame{Op: opPresence, Peer: &peer}
	}
	room[self.ID] = mb

	for _, other := range room {
		peer := self
		other.frames <- relayFrame{Op: opPresence, Peer: &peer}
	}

	return mb, nil
}

type fakeMailbox struct {
	relay  *fakeRelay
	code   string
	self   presenceRecord
	frames chan relayFrame
	closed bool
	sent   []relayFrame
}

func (m *fakeMailbox) Send(f relayFrame) error {
	if m.closed {
		return errMailboxClosed
	}
	m.sent = append(m.sent, f)

	if f.Op != opSignal {
		return nil
	}
	if to, ok := m.relay.rooms[m.code][f.To]; ok {
		f.From = m.self.ID
		to.frames <- f
	}
	return nil
}

func (m *fakeMailbox) Frames() <-chan relayFrame {
	return m.frames
}

func (m *fakeMailbox) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	room := m.relay.rooms[m.code]
	delete(room, m.self.ID)
	for _, other := range room {
		peer := m.self
		other.frames <- relayFrame{Op: opLeave, From: m.self.ID, Peer: &peer}
	}
	return nil
}

// recordingView keeps everything the node asked to show.
type recordingView struct {
	switches []string
	rooms    []RoomView
	turns    []TurnView
	ends     []Transcript
	notices  []string
}

func (v *recordingView) SwitchView(name string) { v.switches = append(v.switches, name) }
func (v *recordingView) RenderRoom(r RoomView)  { v.rooms = append(v.rooms, r) }
func (v *recordingView) RenderTurn(t TurnView)  { v.turns = append(v.turns, t) }
func (v *recordingView) RenderEnd(t Transcript) { v.ends = append(v.ends, t) }
func (v *recordingView) Notice(msg string)      { v.notices = append(v.notices, msg) }

// recordingBroadcaster stands in for the connection manager.
type recordingBroadcaster struct {
	broadcasts []message
	sent       map[string][]message
	sendErr    error
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{sent: make(map[string][]message)}
}

func (b *recordingBroadcaster) Broadcast(msg message) {
	b.broadcasts = append(b.broadcasts, msg)
}

func (b *recordingBroadcaster) Send(peerID string, msg message) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent[peerID] = append(b.sent[peerID], msg)
	return nil
}

// manualTickers hands out a channel the test feeds directly.
type manualTickers struct {
	ch chan time.Time
}

func (m *manualTickers) Create(time.Duration) (<-chan time.Time, func()) {
	if m.ch == nil {
		m.ch = make(chan time.Time, 1)
	}
	return m.ch, func() {}
}

func testConfig() *Config {
	return &Config{
		rounds:            defaultRounds,
		heartbeatInterval: time.Second,
		heartbeatTimeout:  5 * time.Second,
		signalRate:        1000,
		signalBurst:       1000,
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
