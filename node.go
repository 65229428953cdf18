package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Command is the closed set of front-end inputs.
type Command interface {
	command()
}

type createRoomCmd struct {
	Name string
}

type joinRoomCmd struct {
	Name string
	Code string
}

type startGameCmd struct {
	Settings Settings
}

type lockCmd struct {
	Text string
}

type leaveCmd struct{}

func (createRoomCmd) command() {}
func (joinRoomCmd) command()   {}
func (startGameCmd) command()  {}
func (lockCmd) command()       {}
func (leaveCmd) command()      {}

// Node is one participant. Every input is handled on the goroutine running
// Run, so none of its state needs a lock.
type Node struct {
	cfg     *Config
	store   *Store
	conns   *ConnectionManager
	monitor *Monitor
	sync    *Replicator
	engine  *Engine
	view    View

	dial    MailboxDialer
	mailbox Mailbox
	frames  <-chan relayFrame

	commands chan Command
	done     chan struct{}
	tickers  tickerCreator
	now      func() time.Time
}

func newNode(cfg *Config, dial MailboxDialer, newLink LinkFactory, view View) *Node {
	return newNodeWithID(cfg, genPeerID(), dial, newLink, view)
}

func newNodeWithID(cfg *Config, id string, dial MailboxDialer, newLink LinkFactory, view View) *Node {
	n := &Node{
		cfg:      cfg,
		view:     view,
		dial:     dial,
		commands: make(chan Command, 16),
		done:     make(chan struct{}),
		tickers:  realTickers{},
		now:      time.Now,
	}

	n.store = newStore(id)
	n.conns = newConnectionManager(cfg, id, newLink, n, n)
	n.monitor = newMonitor(cfg, n.store, n.conns)
	n.sync = newReplicator(cfg, n.store, n.conns, view)
	n.engine = newEngine(cfg, n.store, n.conns)

	n.store.Subscribe(n.sync.OnChange)
	n.store.Subscribe(n.render)

	return n
}

// Submit queues a front-end command for the event loop.
func (n *Node) Submit(ctx context.Context, cmd Command) error {
	select {
	case <-n.done:
		return errLeftRoom
	default:
	}

	select {
	case n.commands <- cmd:
		return nil
	case <-n.done:
		return errLeftRoom
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the event loop. It returns after a leave command or once ctx is
// cancelled, closing every link and the mailbox on the way out.
func (n *Node) Run(ctx context.Context) error {
	ticks, stop := n.tickers.Create(n.cfg.heartbeatInterval)
	defer stop()
	defer close(n.done)
	defer n.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case cmd := <-n.commands:
			if _, ok := cmd.(leaveCmd); ok {
				return nil
			}
			n.handleCommand(ctx, cmd)

		case f, ok := <-n.frames:
			if !ok {
				n.frames = nil
				n.view.Notice("lost connection to the relay; new players can no longer join")
				continue
			}
			n.handleFrame(f)

		case ev := <-n.conns.Events():
			n.conns.Handle(ev)

		case now := <-ticks:
			n.handleTick(now)
		}

		n.settle()
	}
}

// settle runs after every event: the host repairs the game against the
// directory, then observers hear about whatever changed.
func (n *Node) settle() {
	if n.store.IsHost() {
		n.engine.Reconcile()
	}
	n.store.Flush()
}

func (n *Node) shutdown() {
	n.conns.Close()
	if n.mailbox != nil {
		_ = n.mailbox.Close()
	}
	n.view.SwitchView(viewHome)
	logf(n.cfg, "ROOM: Left room %s", n.store.Room().Code)
}

func (n *Node) handleCommand(ctx context.Context, cmd Command) {
	var err error

	switch c := cmd.(type) {
	case createRoomCmd:
		err = n.create(ctx, c.Name)
	case joinRoomCmd:
		err = n.join(ctx, c.Name, c.Code)
	case startGameCmd:
		if !n.store.Room().Active {
			err = errNotInRoom
			break
		}
		err = n.engine.StartGame(c.Settings)
		if err == nil {
			n.view.SwitchView(viewGame)
		}
	case lockCmd:
		if !n.store.Room().Active {
			err = errNotInRoom
			break
		}
		err = n.engine.RequestLock(c.Text)
	}

	if err != nil {
		logf(n.cfg, "ROOM: %T failed: %v", cmd, err)
		n.view.Notice(err.Error())
	}
}

// open creates a room when code is empty and joins it otherwise.
func (n *Node) open(ctx context.Context, name, code string) error {
	if code == "" {
		return n.create(ctx, name)
	}
	return n.join(ctx, name, code)
}

func (n *Node) create(ctx context.Context, name string) error {
	code := genRoomCode()
	if err := n.enter(ctx, code, name, true); err != nil {
		return err
	}
	n.view.Notice(fmt.Sprintf("created room %s, share the code with the other players", code))
	return nil
}

func (n *Node) join(ctx context.Context, name, code string) error {
	code, err := normalizeRoomCode(code)
	if err != nil {
		return err
	}
	return n.enter(ctx, code, name, false)
}

func (n *Node) enter(ctx context.Context, code, name string, host bool) error {
	if n.store.Room().Active {
		return errAlreadyInRoom
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return errInvalidName
	}

	self := presenceRecord{ID: n.store.SelfID(), Name: name, JoinedAt: n.now().UTC()}

	mb, err := n.dial(ctx, code, self)
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	n.mailbox = mb
	n.frames = mb.Frames()

	n.store.EnterRoom(code, name, host, n.now())
	n.view.SwitchView(viewRoom)

	logf(n.cfg, "ROOM: Entered room %s as %s (host: %t)", code, self.ID, host)

	return nil
}

func (n *Node) handleFrame(f relayFrame) {
	switch f.Op {
	case opPresence:
		if f.Peer == nil || f.Peer.ID == "" || f.Peer.ID == n.store.SelfID() {
			return
		}

		n.store.AddPeer(Player{
			ID:              f.Peer.ID,
			Name:            f.Peer.Name,
			Online:          true,
			LastHeartbeatAt: n.now(),
		})

		if n.conns.initiates(f.Peer.ID) {
			if err := n.conns.Initiate(f.Peer.ID); err != nil {
				logf(n.cfg, "PEER: %v", err)
			}
		}

	case opSignal:
		if err := n.conns.HandleSignal(f.From, f.Type, f.Payload); err != nil {
			logf(n.cfg, "PEER: %v", err)
		}

	case opLeave:
		logf(n.cfg, "RELAY: %s left the relay", f.From)

	case opError:
		logf(n.cfg, "RELAY: %s", f.Message)
	}
}

func (n *Node) handleTick(now time.Time) {
	if !n.store.Room().Active {
		return
	}

	n.store.Touch(n.store.SelfID(), now)

	for _, id := range n.monitor.Tick(now) {
		if n.store.MarkOffline(id) {
			logf(n.cfg, "LIVE: %s timed out", id)
		}
	}
}

func (n *Node) render() {
	if !n.store.Room().Active {
		return
	}

	switch n.store.Status() {
	case StatusIdle:
		n.view.RenderRoom(roomView(n.store))
	case StatusPlaying:
		if tv, ok := turnView(n.store); ok {
			n.view.RenderTurn(tv)
		}
	case StatusEnded:
		n.view.RenderEnd(transcript(n.store))
	}
}

// Signal hands a handshake payload to the relay.
func (n *Node) Signal(to, kind string, payload any) error {
	if n.mailbox == nil {
		return errMailboxClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s for %s: %w", kind, to, err)
	}

	return n.mailbox.Send(relayFrame{Op: opSignal, To: to, Type: kind, Payload: raw})
}

func (n *Node) PeerConnected(peerID string) {
	n.store.Touch(peerID, n.now())
	n.sync.Introduce(peerID)
}

func (n *Node) PeerDisconnected(peerID string) {
	n.store.MarkOffline(peerID)
}

func (n *Node) PeerMessage(peerID string, data []byte) {
	msg, err := decodeMessage(data)
	if err != nil {
		logf(n.cfg, "SYNC: Bad message from %s: %v", peerID, err)
		return
	}

	switch m := msg.(type) {
	case pingMessage:
		n.monitor.Ping(peerID)
	case pongMessage:
		n.monitor.Pong(peerID, n.now())
	case SyncState:
		n.sync.Apply(peerID, m)
	case ActionLock:
		if !n.store.IsHost() {
			return
		}
		if err := n.engine.HandleLock(peerID, m.Text); err != nil {
			logf(n.cfg, "GAME: Lock from %s rejected: %v", peerID, err)
		}
	case unknownMessage:
		logf(n.cfg, "SYNC: Ignoring %q message from %s", m.Type, peerID)
	}
}
