package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var gameEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// hostWith returns a host store for "a" plus online peers with the given
// ids, named after their upper-cased id.
func hostWith(peers ...string) (*Store, *Engine, *recordingBroadcaster) {
	store := newStore("a")
	store.EnterRoom("ROOM42", "A", true, gameEpoch)
	for _, id := range peers {
		store.AddPeer(Player{ID: id, Name: upperName(id), Online: true, LastHeartbeatAt: gameEpoch})
	}

	conns := newRecordingBroadcaster()
	return store, newEngine(testConfig(), store, conns), conns
}

func upperName(id string) string {
	return string(rune(id[0] - 'a' + 'A'))
}

func lockAll(t *testing.T, e *Engine, ids []string, text string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, e.HandleLock(id, fmt.Sprintf("%s-%s", text, id)))
	}
}

func TestStartGame(t *testing.T) {
	t.Parallel()

	store, engine, _ := hostWith("b", "c")

	require.NoError(t, engine.StartGame(Settings{Rounds: 2}))

	g := store.Game()
	assert.Equal(t, StatusPlaying, g.Status)
	assert.Equal(t, 1, g.Round)
	assert.Equal(t, 1, g.Turn)
	assert.Equal(t, 2, g.Rounds)
	assert.Equal(t, []string{"s_a", "s_b", "s_c"}, g.storyIDs())
	assert.Equal(t, map[string]string{"a": "s_a", "b": "s_b", "c": "s_c"}, g.Assignments)
	assert.Empty(t, g.Locks)
	assert.Equal(t, 2, store.Room().Settings.Rounds)

	assert.ErrorIs(t, engine.StartGame(Settings{Rounds: 2}), errGameStarted)
}

func TestStartGameRejections(t *testing.T) {
	t.Parallel()

	_, engine, _ := hostWith("b")
	assert.ErrorIs(t, engine.StartGame(Settings{Rounds: 0}), errInvalidRounds)

	mirror := newStore("b")
	mirror.EnterRoom("ROOM42", "B", false, gameEpoch)
	e := newEngine(testConfig(), mirror, newRecordingBroadcaster())
	assert.ErrorIs(t, e.StartGame(Settings{Rounds: 1}), errNotHost)
	assert.ErrorIs(t, e.HandleLock("b", "hello"), errNotHost)
}

func TestAssignStoriesIsLatinSquare(t *testing.T) {
	t.Parallel()

	for k := 1; k <= maxPlayers; k++ {
		t.Run(fmt.Sprintf("%d players", k), func(t *testing.T) {
			t.Parallel()

			var online []string
			g := newGameState()
			for i := range k {
				id := fmt.Sprintf("p%d", i)
				online = append(online, id)
				g.Stories[storyIDFor(id)] = nil
			}

			seen := make(map[string]map[string]bool)
			for turn := 1; turn <= k; turn++ {
				g.Turn = turn
				g.Locks["x"] = "stale"
				assignStories(&g, online)
				assert.Empty(t, g.Locks)

				stories := make(map[string]bool)
				for _, id := range online {
					s := g.Assignments[id]
					assert.False(t, stories[s], "story %s assigned twice in turn %d", s, turn)
					stories[s] = true

					if seen[id] == nil {
						seen[id] = make(map[string]bool)
					}
					assert.False(t, seen[id][s], "player %s got story %s twice", id, s)
					seen[id][s] = true
				}
			}

			for _, id := range online {
				assert.Len(t, seen[id], k)
			}
		})
	}
}

func TestQuorum(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		locks  map[string]string
		online []string
		want   bool
	}{
		{name: "nobody online", locks: map[string]string{"a": "x"}, online: nil, want: false},
		{name: "one missing", locks: map[string]string{"a": "x"}, online: []string{"a", "b"}, want: false},
		{name: "all locked", locks: map[string]string{"a": "x", "b": "y"}, online: []string{"a", "b"}, want: true},
		{name: "offline lock ignored", locks: map[string]string{"a": "x", "c": "z"}, online: []string{"a"}, want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := newGameState()
			g.Locks = tc.locks
			assert.Equal(t, tc.want, quorum(g, tc.online))
		})
	}
}

func TestGameEndsAfterRoundsTimesPlayers(t *testing.T) {
	t.Parallel()

	peers := []string{"b", "c", "d"}

	for k := 1; k <= 4; k++ {
		for rounds := 1; rounds <= 3; rounds++ {
			t.Run(fmt.Sprintf("%d players %d rounds", k, rounds), func(t *testing.T) {
				t.Parallel()

				store, engine, _ := hostWith(peers[:k-1]...)
				require.NoError(t, engine.StartGame(Settings{Rounds: rounds}))

				online := store.Directory().OnlineIDs()
				quorums := 0
				for store.Status() == StatusPlaying {
					require.Less(t, quorums, rounds*k, "game did not end in time")
					lockAll(t, engine, online, fmt.Sprintf("q%d", quorums))
					quorums++
				}

				assert.Equal(t, rounds*k, quorums)
				assert.Equal(t, StatusEnded, store.Status())

				for _, entries := range store.Game().Stories {
					assert.Len(t, entries, rounds*k)
				}
			})
		}
	}
}

func TestThreePlayerTwoRoundScenario(t *testing.T) {
	t.Parallel()

	store, engine, _ := hostWith("b", "c")
	require.NoError(t, engine.StartGame(Settings{Rounds: 2}))

	online := []string{"a", "b", "c"}
	for i := range 6 {
		require.Equal(t, StatusPlaying, store.Status())
		lockAll(t, engine, online, fmt.Sprintf("t%d", i))
	}

	g := store.Game()
	assert.Equal(t, StatusEnded, g.Status)

	var authors []string
	for _, e := range g.Stories["s_a"] {
		authors = append(authors, e.Author)
	}
	assert.Equal(t, []string{"A", "C", "B", "A", "C", "B"}, authors)

	want := []Entry{
		{Author: "A", Text: "t0-a"},
		{Author: "C", Text: "t1-c"},
		{Author: "B", Text: "t2-b"},
		{Author: "A", Text: "t3-a"},
		{Author: "C", Text: "t4-c"},
		{Author: "B", Text: "t5-b"},
	}
	if diff := cmp.Diff(want, g.Stories["s_a"]); diff != "" {
		t.Errorf("story s_a mismatch (-want +got):\n%s", diff)
	}

	// Ended is terminal.
	assert.ErrorIs(t, engine.HandleLock("a", "late"), errNotPlaying)
	assert.False(t, store.SetGame(newGameState()))
}

func TestSilentPlayerBlocksUntilOffline(t *testing.T) {
	t.Parallel()

	store, engine, _ := hostWith("b", "c")
	require.NoError(t, engine.StartGame(Settings{Rounds: 1}))

	require.NoError(t, engine.HandleLock("a", "one"))
	require.NoError(t, engine.HandleLock("c", "three"))
	engine.Reconcile()

	g := store.Game()
	assert.Equal(t, 1, g.Turn)
	assert.Len(t, g.Locks, 2)

	store.MarkOffline("b")
	engine.Reconcile()

	g = store.Game()
	assert.Equal(t, StatusPlaying, g.Status)
	assert.Equal(t, 1, g.Round)
	assert.Equal(t, 2, g.Turn)
	assert.Empty(t, g.Locks)
	assert.Equal(t, []Entry{{Author: "A", Text: "one"}}, g.Stories["s_a"])
	assert.Empty(t, g.Stories["s_b"])
	assert.Equal(t, []Entry{{Author: "C", Text: "three"}}, g.Stories["s_c"])
	assert.Equal(t, map[string]string{"a": "s_b", "c": "s_c"}, g.Assignments)
}

func TestLockWithoutAssignment(t *testing.T) {
	t.Parallel()

	store, engine, _ := hostWith("b")
	require.NoError(t, engine.StartGame(Settings{Rounds: 1}))

	assert.ErrorIs(t, engine.HandleLock("zz", "who"), errNoAssignment)
	assert.Empty(t, store.Game().Locks)

	// A timed-out player keeps its assignment but can no longer lock.
	store.MarkOffline("b")
	require.Contains(t, store.Game().Assignments, "b")
	assert.ErrorIs(t, engine.HandleLock("b", "ghost"), errPlayerOffline)
	assert.Empty(t, store.Game().Locks)
}

func TestLateJoinerGetsAssignment(t *testing.T) {
	t.Parallel()

	store, engine, _ := hostWith("b")
	require.NoError(t, engine.StartGame(Settings{Rounds: 1}))
	require.NoError(t, engine.HandleLock("a", "first"))

	store.AddPeer(Player{ID: "c", Name: "C", Online: true, LastHeartbeatAt: gameEpoch})
	engine.Reconcile()

	g := store.Game()
	assert.Equal(t, "s_a", g.Assignments["c"])
	assert.Equal(t, map[string]string{"a": "first"}, g.Locks)
}

func TestRequestLock(t *testing.T) {
	t.Parallel()

	store, engine, _ := hostWith("b")
	require.NoError(t, engine.StartGame(Settings{Rounds: 1}))

	require.NoError(t, engine.RequestLock("from host"))
	assert.Equal(t, "from host", store.Game().Locks["a"])

	mirror := newStore("b")
	mirror.EnterRoom("ROOM42", "B", false, gameEpoch)
	conns := newRecordingBroadcaster()
	e := newEngine(testConfig(), mirror, conns)

	assert.ErrorIs(t, e.RequestLock("too early"), errNotPlaying)

	playing := newGameState()
	playing.Status = StatusPlaying
	mirror.SetGame(playing)

	require.NoError(t, e.RequestLock("from mirror"))
	assert.Equal(t, []message{newActionLock("from mirror")}, conns.broadcasts)
}
