// Storyrelay signaling relay
//
// Players find each other through a room on the relay and then talk
// directly. The relay only keeps two things per room:
// - a presence entry per connected peer, dropped when its socket closes
// - a queue of handshake signals per recipient, each removed once acked
//
// Every room is its own hub goroutine, reaped once it has been empty for
// longer than --room-timeout.

package main

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"
)

const (
	opPresence = "presence"
	opLeave    = "leave"
	opSignal   = "signal"
	opAck      = "ack"
	opError    = "error"
)

const (
	relayReadLimit   = 64 << 10
	relayPongWait    = 60 * time.Second
	relayPingPeriod  = (relayPongWait * 9) / 10
	relayWriteWait   = 10 * time.Second
	maxQueuedSignals = 256
	maxNameLength    = 32
)

// presenceRecord is what the relay advertises about a connected peer.
type presenceRecord struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// relayFrame is the single frame shape spoken on relay sockets.
type relayFrame struct {
	Op      string          `json:"op"`                // "presence", "leave", "signal", "ack", "error"
	ID      string          `json:"id,omitempty"`      // signal id, echoed by ack
	From    string          `json:"from,omitempty"`    // signal sender, set by the relay
	To      string          `json:"to,omitempty"`      // signal recipient
	Type    string          `json:"type,omitempty"`    // "offer", "answer", "candidate"
	Payload json.RawMessage `json:"payload,omitempty"` // opaque handshake payload
	Peer    *presenceRecord `json:"peer,omitempty"`    // presence / leave
	Message string          `json:"message,omitempty"` // error text
}

type roomInfo struct {
	Code  string           `json:"code"`
	Peers []presenceRecord `json:"peers"`
}

type relaySession struct {
	conn    *websocket.Conn
	send    chan relayFrame
	peer    presenceRecord
	limiter *rate.Limiter
}

type inboundFrame struct {
	session *relaySession
	frame   relayFrame
}

type roomHub struct {
	code     string
	sessions map[string]*relaySession
	presence map[string]presenceRecord
	queues   map[string][]relayFrame

	register chan *relaySession
	unreg    chan *relaySession
	inbound  chan inboundFrame
	quit     chan struct{}

	mu         sync.RWMutex
	lastActive time.Time
}

func newRoomHub(code string) *roomHub {
	return &roomHub{
		code:       code,
		sessions:   make(map[string]*relaySession),
		presence:   make(map[string]presenceRecord),
		queues:     make(map[string][]relayFrame),
		register:   make(chan *relaySession),
		unreg:      make(chan *relaySession),
		inbound:    make(chan inboundFrame),
		quit:       make(chan struct{}),
		lastActive: time.Now(),
	}
}

func (h *roomHub) run(cfg *Config) {
	for {
		select {
		case s := <-h.register:
			h.handleRegister(cfg, s)

		case s := <-h.unreg:
			h.mu.Lock()
			h.lastActive = time.Now()
			if h.sessions[s.peer.ID] == s {
				h.dropLocked(cfg, s)
			}
			h.mu.Unlock()

		case in := <-h.inbound:
			h.handleFrame(cfg, in.session, in.frame)

		case <-h.quit:
			h.closeAll()
			return
		}
	}
}

// join, leave and forward hand work to the hub unless it has been reaped.
func (h *roomHub) join(s *relaySession) bool {
	select {
	case h.register <- s:
		return true
	case <-h.quit:
		return false
	}
}

func (h *roomHub) leave(s *relaySession) {
	select {
	case h.unreg <- s:
	case <-h.quit:
	}
}

func (h *roomHub) forward(s *relaySession, f relayFrame) bool {
	select {
	case h.inbound <- inboundFrame{session: s, frame: f}:
		return true
	case <-h.quit:
		return false
	}
}

func (h *roomHub) handleRegister(cfg *Config, s *relaySession) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	// Same id connecting again takes over the old socket.
	if old, ok := h.sessions[s.peer.ID]; ok {
		delete(h.sessions, old.peer.ID)
		close(old.send)
	}

	h.sessions[s.peer.ID] = s
	h.presence[s.peer.ID] = s.peer

	logf(cfg, "RELAY: %s (%s) joined room %s", s.peer.ID, s.peer.Name, h.code)

	for _, p := range h.presenceLocked() {
		if p.ID == s.peer.ID {
			continue
		}
		h.deliverLocked(cfg, s, relayFrame{Op: opPresence, Peer: &p})
	}
	for _, f := range h.queues[s.peer.ID] {
		h.deliverLocked(cfg, s, f)
	}

	peer := s.peer
	h.broadcastLocked(cfg, relayFrame{Op: opPresence, Peer: &peer})
}

func (h *roomHub) handleFrame(cfg *Config, s *relaySession, f relayFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.peer.ID] != s {
		return
	}
	h.lastActive = time.Now()

	if !s.limiter.Allow() {
		h.deliverLocked(cfg, s, relayFrame{Op: opError, Message: "rate limit exceeded"})
		return
	}

	switch f.Op {
	case opSignal:
		switch f.Type {
		case signalOffer, signalAnswer, signalCandidate:
		default:
			h.deliverLocked(cfg, s, relayFrame{Op: opError, Message: "unknown signal type " + f.Type})
			return
		}
		if _, ok := h.presence[f.To]; !ok || f.To == s.peer.ID {
			h.deliverLocked(cfg, s, relayFrame{Op: opError, Message: "unknown recipient " + f.To})
			return
		}

		out := relayFrame{
			Op:      opSignal,
			ID:      uuid.NewString(),
			From:    s.peer.ID,
			To:      f.To,
			Type:    f.Type,
			Payload: f.Payload,
		}

		queue := append(h.queues[f.To], out)
		if len(queue) > maxQueuedSignals {
			queue = queue[len(queue)-maxQueuedSignals:]
		}
		h.queues[f.To] = queue

		if r, ok := h.sessions[f.To]; ok {
			h.deliverLocked(cfg, r, out)
		}

	case opAck:
		h.queues[s.peer.ID] = slices.DeleteFunc(h.queues[s.peer.ID], func(q relayFrame) bool {
			return q.ID == f.ID
		})

	case "":
		h.deliverLocked(cfg, s, relayFrame{Op: opError, Message: "malformed frame"})

	default:
		h.deliverLocked(cfg, s, relayFrame{Op: opError, Message: "unsupported op " + f.Op})
	}
}

// deliverLocked never blocks the hub; a session that cannot keep up is
// dropped.
func (h *roomHub) deliverLocked(cfg *Config, s *relaySession, f relayFrame) {
	if h.sessions[s.peer.ID] != s {
		return
	}

	select {
	case s.send <- f:
	default:
		logf(cfg, "RELAY: Dropping slow peer %s in room %s", s.peer.ID, h.code)
		h.dropLocked(cfg, s)
	}
}

func (h *roomHub) broadcastLocked(cfg *Config, f relayFrame) {
	for _, s := range h.sessions {
		h.deliverLocked(cfg, s, f)
	}
}

// dropLocked removes a peer for good. Its presence goes, everyone else
// hears it left, and signals still queued for it are discarded.
func (h *roomHub) dropLocked(cfg *Config, s *relaySession) {
	id := s.peer.ID

	delete(h.sessions, id)
	delete(h.presence, id)
	delete(h.queues, id)
	close(s.send)

	logf(cfg, "RELAY: %s left room %s", id, h.code)

	peer := s.peer
	h.broadcastLocked(cfg, relayFrame{Op: opLeave, From: id, Peer: &peer})
}

func (h *roomHub) presenceLocked() []presenceRecord {
	peers := make([]presenceRecord, 0, len(h.presence))
	for _, p := range h.presence {
		peers = append(peers, p)
	}
	slices.SortFunc(peers, func(a, b presenceRecord) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return peers
}

func (h *roomHub) info() roomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return roomInfo{Code: h.code, Peers: h.presenceLocked()}
}

func (h *roomHub) idle(cutoff time.Time) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.sessions) == 0 && h.lastActive.Before(cutoff)
}

func (h *roomHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.sessions {
		close(s.send)
		delete(h.sessions, id)
	}
}

// relayRooms holds a hub per room code.
type relayRooms struct {
	mu          sync.Mutex
	hubs        map[string]*roomHub
	idleTimeout time.Duration
}

func newRelayRooms(idleTimeout time.Duration) *relayRooms {
	return &relayRooms{
		hubs:        make(map[string]*roomHub),
		idleTimeout: idleTimeout,
	}
}

func (rr *relayRooms) getHub(cfg *Config, code string) *roomHub {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if hub, ok := rr.hubs[code]; ok {
		return hub
	}

	hub := newRoomHub(code)
	rr.hubs[code] = hub
	go hub.run(cfg)

	logf(cfg, "RELAY: Opened room %s", code)

	return hub
}

func (rr *relayRooms) lookup(code string) (*roomHub, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	hub, ok := rr.hubs[code]
	return hub, ok
}

func (rr *relayRooms) count() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	return len(rr.hubs)
}

// reap removes rooms that have had no sessions since cutoff.
func (rr *relayRooms) reap(cfg *Config, cutoff time.Time) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	for code, hub := range rr.hubs {
		if hub.idle(cutoff) {
			delete(rr.hubs, code)
			close(hub.quit)
			logf(cfg, "RELAY: Reaped idle room %s", code)
		}
	}
}

func (rr *relayRooms) reaperLoop(cfg *Config, done <-chan struct{}) {
	if rr.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(rr.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rr.reap(cfg, time.Now().Add(-rr.idleTimeout))
		case <-done:
			return
		}
	}
}

func (rr *relayRooms) closeAll() {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	for code, hub := range rr.hubs {
		delete(rr.hubs, code)
		close(hub.quit)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveRoomSocket(cfg *Config, rooms *relayRooms) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code, err := normalizeRoomCode(ps.ByName("room"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		q := r.URL.Query()

		peerID := q.Get("peer")
		if !validPeerID(peerID) {
			http.Error(w, "invalid peer id", http.StatusBadRequest)
			return
		}

		name := strings.TrimSpace(q.Get("name"))
		if name == "" || len(name) > maxNameLength {
			http.Error(w, errInvalidName.Error(), http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "RELAY: Upgrade for %s failed: %v", realIP(r), err)
			return
		}

		s := &relaySession{
			conn: conn,
			send: make(chan relayFrame, maxQueuedSignals),
			peer: presenceRecord{
				ID:       peerID,
				Name:     name,
				JoinedAt: time.Now().UTC(),
			},
			limiter: rate.NewLimiter(rate.Limit(cfg.signalRate), cfg.signalBurst),
		}

		hub := rooms.getHub(cfg, code)
		if !hub.join(s) {
			_ = conn.Close()
			return
		}

		go s.writePump()
		s.readPump(hub)
	}
}

func (s *relaySession) readPump(h *roomHub) {
	defer func() {
		h.leave(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(relayReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var f relayFrame
		if err := json.Unmarshal(data, &f); err != nil {
			f = relayFrame{}
		}

		if !h.forward(s, f) {
			return
		}
	}
}

func (s *relaySession) writePump() {
	ticker := time.NewTicker(relayPingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case f, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(f); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func serveRoomInfo(cfg *Config, rooms *relayRooms, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		code, err := normalizeRoomCode(ps.ByName("room"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		info := roomInfo{Code: code, Peers: []presenceRecord{}}
		if hub, ok := rooms.lookup(code); ok {
			info = hub.info()
		}

		data, err := json.Marshal(info)
		if err != nil {
			errs <- err
			http.Error(w, "encoding failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(cfg, w)

		written, err := w.Write(data)
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Room info for %s (%s) to %s in %s",
			code,
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// serveRoomQR renders a PNG QR code pointing at the room's URL.
func serveRoomQR(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if _, err := normalizeRoomCode(ps.ByName("room")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/qr")

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

// registerRelay sets up:
//   - $prefix/rooms/:room     → JSON list of present peers
//   - $prefix/rooms/:room/ws  → relay websocket
//   - $prefix/rooms/:room/qr  → PNG QR code for the room URL
func registerRelay(cfg *Config, mux *httprouter.Router, rooms *relayRooms, errs chan<- error) {
	mux.GET(cfg.prefix+"/rooms/:room", serveRoomInfo(cfg, rooms, errs))
	mux.GET(cfg.prefix+"/rooms/:room/ws", serveRoomSocket(cfg, rooms))
	mux.GET(cfg.prefix+"/rooms/:room/qr", serveRoomQR(cfg))
}
