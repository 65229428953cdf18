package main

// Replicator keeps mirrors in step with the host by shipping the whole
// state after every change. A lost snapshot is repaired by the next one.
type Replicator struct {
	cfg   *Config
	store *Store
	conns broadcaster
	view  View
}

func newReplicator(cfg *Config, store *Store, conns broadcaster, view View) *Replicator {
	return &Replicator{
		cfg:   cfg,
		store: store,
		conns: conns,
		view:  view,
	}
}

func (r *Replicator) snapshot() SyncState {
	game := r.store.Game()
	return SyncState{
		Type:       msgSyncState,
		Players:    r.store.Directory().Snapshot(),
		GameStatus: game.Status,
		Game:       &game,
	}
}

// introduction carries only the local directory; mirrors never push game
// state.
func (r *Replicator) introduction() SyncState {
	return SyncState{
		Type:       msgSyncState,
		Players:    r.store.Directory().Snapshot(),
		GameStatus: StatusIdle,
	}
}

// OnChange runs after every flushed mutation.
func (r *Replicator) OnChange() {
	if !r.store.IsHost() {
		return
	}
	r.conns.Broadcast(r.snapshot())
}

// Introduce sends state to a freshly connected peer.
func (r *Replicator) Introduce(peerID string) {
	msg := r.introduction()
	if r.store.IsHost() {
		msg = r.snapshot()
	}
	if err := r.conns.Send(peerID, msg); err != nil {
		logf(r.cfg, "SYNC: Introduction to %s failed: %v", peerID, err)
	}
}

// Apply folds a received snapshot into the local mirror.
func (r *Replicator) Apply(from string, msg SyncState) {
	r.store.MergePlayers(msg.Players)

	if r.store.IsHost() || msg.GameStatus == StatusIdle || msg.Game == nil {
		return
	}
	if sender, ok := msg.Players[from]; !ok || !sender.IsHost {
		logf(r.cfg, "SYNC: Ignoring game state from non-host %s", from)
		return
	}

	switching := r.store.Status() == StatusIdle
	if r.store.SetGame(*msg.Game) && switching {
		r.view.SwitchView(viewGame)
	}
}
