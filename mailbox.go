package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Mailbox is a participant's connection to the relay: presence in, signals
// both ways.
type Mailbox interface {
	Send(relayFrame) error
	Frames() <-chan relayFrame
	Close() error
}

type MailboxDialer func(ctx context.Context, code string, self presenceRecord) (Mailbox, error)

func newRelayDialer(cfg *Config) MailboxDialer {
	return func(ctx context.Context, code string, self presenceRecord) (Mailbox, error) {
		target, err := relaySocketURL(cfg.relay, code, self)
		if err != nil {
			return nil, err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", target, err)
		}

		logf(cfg, "RELAY: Connected to %s", target)

		return newWSMailbox(cfg, conn), nil
	}
}

// relaySocketURL maps the relay base url onto the room's websocket endpoint.
func relaySocketURL(base, code string, self presenceRecord) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", base, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/rooms/" + url.PathEscape(code) + "/ws"

	q := url.Values{}
	q.Set("peer", self.ID)
	q.Set("name", self.Name)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

type wsMailbox struct {
	cfg    *Config
	conn   *websocket.Conn
	frames chan relayFrame
	send   chan relayFrame
	done   chan struct{}
	once   sync.Once
}

func newWSMailbox(cfg *Config, conn *websocket.Conn) *wsMailbox {
	m := &wsMailbox{
		cfg:    cfg,
		conn:   conn,
		frames: make(chan relayFrame, 64),
		send:   make(chan relayFrame, 64),
		done:   make(chan struct{}),
	}

	go m.readPump()
	go m.writePump()

	return m
}

func (m *wsMailbox) Frames() <-chan relayFrame {
	return m.frames
}

func (m *wsMailbox) Send(f relayFrame) error {
	select {
	case m.send <- f:
		return nil
	case <-m.done:
		return errMailboxClosed
	}
}

func (m *wsMailbox) Close() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		err = m.conn.Close()
	})
	return err
}

// readPump acknowledges every signal as soon as it is decoded, so the relay
// delivers it once, then hands the frame on. Frames is closed when the
// relay goes away.
func (m *wsMailbox) readPump() {
	defer close(m.frames)
	defer m.Close()

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			select {
			case <-m.done:
			default:
				logf(m.cfg, "RELAY: Connection lost: %v", err)
			}
			return
		}

		var f relayFrame
		if err := json.Unmarshal(data, &f); err != nil {
			logf(m.cfg, "RELAY: Ignoring malformed frame: %v", err)
			continue
		}

		if f.Op == opSignal && f.ID != "" {
			if err := m.Send(relayFrame{Op: opAck, ID: f.ID}); err != nil {
				return
			}
		}

		select {
		case m.frames <- f:
		case <-m.done:
			return
		}
	}
}

func (m *wsMailbox) writePump() {
	for {
		select {
		case f := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := m.conn.WriteJSON(f); err != nil {
				logf(m.cfg, "RELAY: Write failed: %v", err)
				_ = m.Close()
				return
			}
		case <-m.done:
			return
		}
	}
}
