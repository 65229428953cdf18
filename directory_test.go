package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDirectoryMerge(t *testing.T) {
	t.Parallel()

	d := newDirectory("a")
	d.Put(Player{ID: "a", Name: "Local", IsHost: true, Online: true})
	d.Put(Player{ID: "b", Name: "Old", Online: true})

	changed := d.Merge(map[string]Player{
		"a": {Name: "Forged", Online: false},
		"b": {Name: "New", Online: false},
		"c": {Name: "C", Online: true},
		"":  {Name: "nobody"},
	})
	assert.True(t, changed)

	self, _ := d.Get("a")
	assert.Equal(t, "Local", self.Name)
	assert.True(t, self.Online)

	b, _ := d.Get("b")
	assert.Equal(t, Player{ID: "b", Name: "New"}, b)

	assert.Equal(t, []string{"a", "b", "c"}, d.IDs())
	assert.Equal(t, []string{"a", "c"}, d.OnlineIDs())

	// A record absent from a later merge is kept.
	assert.False(t, d.Merge(map[string]Player{"c": {ID: "c", Name: "C", Online: true}}))
	assert.Equal(t, 3, d.Len())
}

func TestDirectoryMergeKeepsNewerHeartbeat(t *testing.T) {
	t.Parallel()

	older := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(8 * time.Second)

	d := newDirectory("b")
	d.Put(Player{ID: "a", Name: "A", IsHost: true, Online: true, LastHeartbeatAt: newer})

	assert.False(t, d.Merge(map[string]Player{
		"a": {Name: "A", IsHost: true, Online: true, LastHeartbeatAt: older},
	}))

	assert.True(t, d.Merge(map[string]Player{
		"a": {Name: "Ana", IsHost: true, Online: false, LastHeartbeatAt: older},
	}))

	a, _ := d.Get("a")
	assert.Equal(t, Player{ID: "a", Name: "Ana", IsHost: true, LastHeartbeatAt: newer}, a)

	later := newer.Add(time.Second)
	assert.True(t, d.Merge(map[string]Player{
		"a": {Name: "Ana", IsHost: true, Online: true, LastHeartbeatAt: later},
	}))
	a, _ = d.Get("a")
	assert.Equal(t, later, a.LastHeartbeatAt)
}

func TestDirectoryAddOnlyWhenAbsent(t *testing.T) {
	t.Parallel()

	d := newDirectory("a")

	assert.True(t, d.Add(Player{ID: "b", Name: "First", Online: true}))
	assert.False(t, d.Add(Player{ID: "b", Name: "Second", Online: true}))
	assert.False(t, d.Add(Player{Name: "no id"}))

	assert.Equal(t, "First", d.Name("b"))
	assert.Equal(t, "zz", d.Name("zz"))
}

func TestDirectoryMarkOfflineAndTouch(t *testing.T) {
	t.Parallel()

	d := newDirectory("a")
	d.Add(Player{ID: "b", Name: "B", Online: true})

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, d.Touch("b", now))
	assert.False(t, d.Touch("zz", now))

	assert.True(t, d.MarkOffline("b"))
	assert.False(t, d.MarkOffline("b"))
	assert.False(t, d.MarkOffline("zz"))

	b, ok := d.Get("b")
	assert.True(t, ok)
	assert.False(t, b.Online)
	assert.True(t, b.LastHeartbeatAt.Equal(now))
}

func TestStoreFlushNotifiesOncePerChange(t *testing.T) {
	t.Parallel()

	s := newStore("a")
	calls := 0
	s.Subscribe(func() { calls++ })

	s.Flush()
	assert.Equal(t, 0, calls)

	s.EnterRoom("ROOM42", "A", true, gameEpoch)
	s.AddPeer(Player{ID: "b", Online: true})
	s.Flush()
	s.Flush()
	assert.Equal(t, 1, calls)

	// No-op mutations do not mark the store dirty.
	s.AddPeer(Player{ID: "b", Online: true})
	s.MarkOffline("zz")
	s.Flush()
	assert.Equal(t, 1, calls)

	assert.True(t, s.IsHost())
	assert.Equal(t, Room{Code: "ROOM42", Active: true, Settings: Settings{Rounds: defaultRounds}}, s.Room())
}

func TestStoreGameIsCopied(t *testing.T) {
	t.Parallel()

	s := newStore("a")

	g := newGameState()
	g.Status = StatusPlaying
	g.Rounds = 4
	g.Stories["s_a"] = []Entry{{Author: "A", Text: "once"}}
	assert.True(t, s.SetGame(g))

	g.Stories["s_a"][0].Text = "mutated"
	out := s.Game()
	out.Locks["a"] = "mutated"

	assert.Equal(t, "once", s.Game().Stories["s_a"][0].Text)
	assert.Empty(t, s.Game().Locks)
	assert.Equal(t, 4, s.Room().Settings.Rounds)
}
