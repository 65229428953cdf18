package main

import (
	"time"
)

// broadcaster is the slice of the connection manager the heartbeat needs.
type broadcaster interface {
	Broadcast(message)
	Send(peerID string, msg message) error
}

// Monitor approximates peer liveness with ping/pong over the data channels.
// A peer whose pongs stop for longer than timeout is reported on the next
// tick, even if its channel still looks open.
type Monitor struct {
	cfg      *Config
	interval time.Duration
	timeout  time.Duration
	store    *Store
	conns    broadcaster
}

func newMonitor(cfg *Config, store *Store, conns broadcaster) *Monitor {
	return &Monitor{
		cfg:      cfg,
		interval: cfg.heartbeatInterval,
		timeout:  cfg.heartbeatTimeout,
		store:    store,
		conns:    conns,
	}
}

// Tick pings every connected peer and returns the peers that timed out.
func (l *Monitor) Tick(now time.Time) []string {
	l.conns.Broadcast(newPing())

	var expired []string
	dir := l.store.Directory()
	for _, id := range dir.IDs() {
		if id == l.store.SelfID() {
			continue
		}
		p, _ := dir.Get(id)
		if p.Online && now.Sub(p.LastHeartbeatAt) > l.timeout {
			expired = append(expired, id)
		}
	}

	return expired
}

func (l *Monitor) Ping(peerID string) {
	if err := l.conns.Send(peerID, newPong()); err != nil {
		logf(l.cfg, "LIVE: Pong to %s failed: %v", peerID, err)
	}
}

func (l *Monitor) Pong(peerID string, now time.Time) {
	l.store.Touch(peerID, now)
}

// tickerCreator hands out periodic tick channels so tests can drive time.
type tickerCreator interface {
	Create(d time.Duration) (<-chan time.Time, func())
}

type realTickers struct{}

func (realTickers) Create(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
