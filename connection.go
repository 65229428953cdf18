package main

import (
	"encoding/json"
	"fmt"
)

type ConnState int

const (
	StateNew ConnState = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

const (
	signalOffer     = "offer"
	signalAnswer    = "answer"
	signalCandidate = "candidate"
)

// Signaler hands handshake payloads to the mailbox for delivery.
type Signaler interface {
	Signal(to, kind string, payload any) error
}

// ConnectionObserver receives connection lifecycle events on the event loop.
type ConnectionObserver interface {
	PeerConnected(peerID string)
	PeerDisconnected(peerID string)
	PeerMessage(peerID string, data []byte)
}

type linkEventKind int

const (
	linkOpened linkEventKind = iota
	linkClosed
	linkMessage
	linkCandidate
)

// linkEvent is posted by link callbacks and handled on the event loop.
type linkEvent struct {
	kind      linkEventKind
	conn      *Connection
	data      []byte
	candidate Candidate
}

// Connection is the channel to one remote peer. A closed Connection is
// never reused.
type Connection struct {
	peerID    string
	state     ConnState
	link      PeerLink
	remoteSet bool
	pending   []Candidate
}

type ConnectionManager struct {
	cfg      *Config
	self     string
	newLink  LinkFactory
	signals  Signaler
	observer ConnectionObserver

	conns map[string]*Connection
	early map[string][]Candidate

	events chan linkEvent
	done   chan struct{}
	closed bool
}

func newConnectionManager(cfg *Config, self string, newLink LinkFactory, signals Signaler, observer ConnectionObserver) *ConnectionManager {
	return &ConnectionManager{
		cfg:      cfg,
		self:     self,
		newLink:  newLink,
		signals:  signals,
		observer: observer,
		conns:    make(map[string]*Connection),
		early:    make(map[string][]Candidate),
		events:   make(chan linkEvent, 256),
		done:     make(chan struct{}),
	}
}

func (m *ConnectionManager) Events() <-chan linkEvent {
	return m.events
}

func (m *ConnectionManager) State(peerID string) (ConnState, bool) {
	c, ok := m.conns[peerID]
	if !ok {
		return StateNew, false
	}
	return c.state, true
}

func (m *ConnectionManager) post(ev linkEvent) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *ConnectionManager) live(peerID string) *Connection {
	c, ok := m.conns[peerID]
	if !ok || c.state == StateClosed {
		return nil
	}
	return c
}

func (m *ConnectionManager) open(peerID string) (*Connection, error) {
	link, err := m.newLink()
	if err != nil {
		return nil, fmt.Errorf("create link to %s: %w", peerID, err)
	}

	c := &Connection{peerID: peerID, state: StateNew, link: link}

	link.OnCandidate(func(cand Candidate) { m.post(linkEvent{kind: linkCandidate, conn: c, candidate: cand}) })
	link.OnOpen(func() { m.post(linkEvent{kind: linkOpened, conn: c}) })
	link.OnMessage(func(b []byte) { m.post(linkEvent{kind: linkMessage, conn: c, data: b}) })
	link.OnClose(func() { m.post(linkEvent{kind: linkClosed, conn: c}) })

	m.conns[peerID] = c

	return c, nil
}

// abandon closes a connection that never reached CONNECTED without emitting
// events.
func (m *ConnectionManager) abandon(c *Connection) {
	c.state = StateClosed
	_ = c.link.Close()
}

// Initiate starts a handshake as the offering side. It does nothing while a
// live connection to the peer exists.
func (m *ConnectionManager) Initiate(peerID string) error {
	if m.closed || m.live(peerID) != nil {
		return nil
	}

	c, err := m.open(peerID)
	if err != nil {
		return err
	}

	offer, err := c.link.CreateOffer()
	if err != nil {
		m.abandon(c)
		return fmt.Errorf("create offer for %s: %w", peerID, err)
	}
	c.state = StateOffering
	// Candidates held from before this offer belong to an older attempt.
	delete(m.early, peerID)

	logf(m.cfg, "PEER: Offering to %s", peerID)

	return m.signals.Signal(peerID, signalOffer, offer)
}

func (m *ConnectionManager) OnOffer(peerID string, offer SessionDescription) error {
	if m.closed {
		return nil
	}

	if c := m.live(peerID); c != nil {
		if c.state != StateOffering || !m.yields(peerID) {
			logf(m.cfg, "PEER: Ignoring offer from %s in state %s", peerID, c.state)
			return nil
		}
		logf(m.cfg, "PEER: Offer collision with %s, answering instead", peerID)
		m.abandon(c)
	}

	c, err := m.open(peerID)
	if err != nil {
		return err
	}
	c.pending = append(c.pending, m.takeEarly(peerID)...)

	if err := c.link.SetRemoteDescription(offer); err != nil {
		m.abandon(c)
		return fmt.Errorf("apply offer from %s: %w", peerID, err)
	}
	c.remoteSet = true
	m.flush(c)

	answer, err := c.link.CreateAnswer()
	if err != nil {
		m.abandon(c)
		return fmt.Errorf("create answer for %s: %w", peerID, err)
	}
	c.state = StateAnswering

	logf(m.cfg, "PEER: Answering %s", peerID)

	return m.signals.Signal(peerID, signalAnswer, answer)
}

func (m *ConnectionManager) OnAnswer(peerID string, answer SessionDescription) error {
	c := m.live(peerID)
	if c == nil || c.state != StateOffering || c.remoteSet {
		logf(m.cfg, "PEER: Ignoring unexpected answer from %s", peerID)
		return nil
	}

	if err := c.link.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("apply answer from %s: %w", peerID, err)
	}
	c.remoteSet = true
	m.flush(c)

	return nil
}

// OnCandidate applies a remote candidate, holding it until the connection
// has a remote description to apply it against.
func (m *ConnectionManager) OnCandidate(peerID string, cand Candidate) error {
	c := m.live(peerID)
	if c == nil {
		m.early[peerID] = append(m.early[peerID], cand)
		return nil
	}
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		return nil
	}
	if err := c.link.AddCandidate(cand); err != nil {
		return fmt.Errorf("add candidate from %s: %w", peerID, err)
	}
	return nil
}

func (m *ConnectionManager) takeEarly(peerID string) []Candidate {
	cands := m.early[peerID]
	delete(m.early, peerID)
	return cands
}

func (m *ConnectionManager) flush(c *Connection) {
	pending := c.pending
	c.pending = nil
	for _, cand := range pending {
		if err := c.link.AddCandidate(cand); err != nil {
			logf(m.cfg, "PEER: Dropping bad candidate from %s: %v", c.peerID, err)
		}
	}
}

// yields reports whether the local side gives up its own offer when both
// sides offered at once. The smaller id keeps the offerer role.
func (m *ConnectionManager) yields(peerID string) bool {
	return m.self > peerID
}

// initiates reports whether the local side offers first to peerID.
func (m *ConnectionManager) initiates(peerID string) bool {
	return m.self < peerID
}

// Handle applies one event posted by a link. Events from superseded
// connections are dropped.
func (m *ConnectionManager) Handle(ev linkEvent) {
	c := ev.conn
	if m.conns[c.peerID] != c {
		return
	}

	switch ev.kind {
	case linkOpened:
		if c.state == StateConnected || c.state == StateClosed {
			return
		}
		c.state = StateConnected
		logf(m.cfg, "PEER: Connected to %s", c.peerID)
		m.observer.PeerConnected(c.peerID)

	case linkClosed:
		if c.state == StateClosed {
			return
		}
		wasConnected := c.state == StateConnected
		c.state = StateClosed
		_ = c.link.Close()
		logf(m.cfg, "PEER: Channel to %s closed", c.peerID)
		if wasConnected {
			m.observer.PeerDisconnected(c.peerID)
		}

	case linkMessage:
		if c.state != StateConnected {
			return
		}
		m.observer.PeerMessage(c.peerID, ev.data)

	case linkCandidate:
		if c.state == StateClosed {
			return
		}
		if err := m.signals.Signal(c.peerID, signalCandidate, ev.candidate); err != nil {
			logf(m.cfg, "PEER: Failed to send candidate to %s: %v", c.peerID, err)
		}
	}
}

// Broadcast sends msg on every connected channel. Delivery is best effort.
func (m *ConnectionManager) Broadcast(msg message) {
	raw, err := encodeMessage(msg)
	if err != nil {
		errorf("encode %s: %v", msg.messageType(), err)
		return
	}

	for id, c := range m.conns {
		if c.state != StateConnected {
			continue
		}
		if err := c.link.Send(raw); err != nil {
			logf(m.cfg, "PEER: Send to %s failed: %v", id, err)
		}
	}
}

func (m *ConnectionManager) Send(peerID string, msg message) error {
	c := m.live(peerID)
	if c == nil || c.state != StateConnected {
		return fmt.Errorf("send to %s: %w", peerID, errLinkNotOpen)
	}

	raw, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	return c.link.Send(raw)
}

func (m *ConnectionManager) Connected() []string {
	ids := make([]string, 0, len(m.conns))
	for id, c := range m.conns {
		if c.state == StateConnected {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close tears down every link. No events are emitted afterwards.
func (m *ConnectionManager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
	for _, c := range m.conns {
		if c.state != StateClosed {
			c.state = StateClosed
			_ = c.link.Close()
		}
	}
}

// HandleSignal turns a mailbox payload into the matching handshake call.
func (m *ConnectionManager) HandleSignal(from, kind string, payload json.RawMessage) error {
	switch kind {
	case signalOffer, signalAnswer:
		var d SessionDescription
		if err := json.Unmarshal(payload, &d); err != nil {
			return fmt.Errorf("decode %s from %s: %w", kind, from, err)
		}
		if d.SDP == "" {
			return fmt.Errorf("empty %s from %s", kind, from)
		}
		if kind == signalOffer {
			return m.OnOffer(from, d)
		}
		return m.OnAnswer(from, d)

	case signalCandidate:
		var cand Candidate
		if err := json.Unmarshal(payload, &cand); err != nil {
			return fmt.Errorf("decode candidate from %s: %w", from, err)
		}
		return m.OnCandidate(from, cand)

	default:
		return fmt.Errorf("unknown signal type %q from %s", kind, from)
	}
}
