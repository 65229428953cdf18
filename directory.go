package main

import (
	"maps"
	"slices"
	"time"
)

// Directory maps the room's peers to their records. It only grows; a peer
// that leaves stays visible as offline.
type Directory struct {
	self    string
	players map[string]Player
}

func newDirectory(self string) *Directory {
	return &Directory{
		self:    self,
		players: make(map[string]Player),
	}
}

// Merge unions incoming records into the directory, letting incoming fields
// win except for an older heartbeat. The local record is owned by this
// process and is skipped.
func (d *Directory) Merge(incoming map[string]Player) bool {
	changed := false
	for id, p := range incoming {
		if id == "" || id == d.self {
			continue
		}
		p.ID = id
		cur, ok := d.players[id]
		if ok && cur.LastHeartbeatAt.After(p.LastHeartbeatAt) {
			p.LastHeartbeatAt = cur.LastHeartbeatAt
		}
		if ok && cur.equal(p) {
			continue
		}
		d.players[id] = p
		changed = true
	}
	return changed
}

// Add inserts a record only if the peer is unknown.
func (d *Directory) Add(p Player) bool {
	if p.ID == "" {
		return false
	}
	if _, ok := d.players[p.ID]; ok {
		return false
	}
	d.players[p.ID] = p
	return true
}

// Put replaces a record unconditionally; used for the local record.
func (d *Directory) Put(p Player) {
	d.players[p.ID] = p
}

func (d *Directory) MarkOffline(id string) bool {
	p, ok := d.players[id]
	if !ok || !p.Online {
		return false
	}
	p.Online = false
	d.players[id] = p
	return true
}

func (d *Directory) Touch(id string, now time.Time) bool {
	p, ok := d.players[id]
	if !ok {
		return false
	}
	p.LastHeartbeatAt = now
	d.players[id] = p
	return true
}

func (d *Directory) Get(id string) (Player, bool) {
	p, ok := d.players[id]
	return p, ok
}

func (d *Directory) Name(id string) string {
	if p, ok := d.players[id]; ok && p.Name != "" {
		return p.Name
	}
	return id
}

// OnlineIDs returns the ids of online players in their fixed rotation order.
func (d *Directory) OnlineIDs() []string {
	ids := make([]string, 0, len(d.players))
	for id, p := range d.players {
		if p.Online {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (d *Directory) IDs() []string {
	return slices.Sorted(maps.Keys(d.players))
}

func (d *Directory) Snapshot() map[string]Player {
	return maps.Clone(d.players)
}

func (d *Directory) Len() int {
	return len(d.players)
}
