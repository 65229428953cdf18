package main

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	msgPing       = "ping"
	msgPong       = "pong"
	msgSyncState  = "SYNC_STATE"
	msgActionLock = "ACTION_LOCK"
)

// message is the closed set of data-channel payloads.
type message interface {
	messageType() string
}

type pingMessage struct {
	Type string `json:"type"`
}

type pongMessage struct {
	Type string `json:"type"`
}

// SyncState is the full snapshot the host replicates.
type SyncState struct {
	Type       string            `json:"type"`
	Players    map[string]Player `json:"players"`
	GameStatus GameStatus        `json:"gameStatus"`
	Game       *GameState        `json:"game,omitempty"`
}

type ActionLock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// unknownMessage carries a type this build does not understand, untouched.
type unknownMessage struct {
	Type string
	Raw  json.RawMessage
}

func (pingMessage) messageType() string      { return msgPing }
func (pongMessage) messageType() string      { return msgPong }
func (SyncState) messageType() string        { return msgSyncState }
func (ActionLock) messageType() string       { return msgActionLock }
func (m unknownMessage) messageType() string { return m.Type }

func newPing() pingMessage { return pingMessage{Type: msgPing} }
func newPong() pongMessage { return pongMessage{Type: msgPong} }

func newActionLock(text string) ActionLock {
	return ActionLock{Type: msgActionLock, Text: text}
}

func encodeMessage(m message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("trying to encode nil message")
	}
	if u, ok := m.(unknownMessage); ok {
		return u.Raw, nil
	}
	return json.Marshal(m)
}

func decodeMessage(b []byte) (message, error) {
	if len(b) == 0 {
		return nil, errors.New("empty data channel message")
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("decode message header: %w", err)
	}

	switch head.Type {
	case msgPing:
		return newPing(), nil
	case msgPong:
		return newPong(), nil
	case msgSyncState:
		var m SyncState
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return m, nil
	case msgActionLock:
		var m ActionLock
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return m, nil
	default:
		return unknownMessage{Type: head.Type, Raw: append(json.RawMessage(nil), b...)}, nil
	}
}
