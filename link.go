package main

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

const dataChannelLabel = "game"

// SessionDescription mirrors RTCSessionDescriptionInit on the wire.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors RTCIceCandidateInit on the wire.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PeerLink is one point-to-point reliable, ordered channel and the
// negotiation needed to open it. Callbacks may fire on any goroutine.
type PeerLink interface {
	// CreateOffer opens the local data channel and returns the applied
	// local offer.
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetRemoteDescription(SessionDescription) error
	AddCandidate(Candidate) error

	OnCandidate(func(Candidate))
	OnOpen(func())
	OnMessage(func([]byte))
	OnClose(func())

	Send([]byte) error
	Close() error
}

type LinkFactory func() (PeerLink, error)

type pionLink struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	onCandidate func(Candidate)
	onOpen      func()
	onMessage   func([]byte)
	onClose     func()

	closeOnce sync.Once
}

func newPionLinkFactory(iceServers []string) LinkFactory {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return func() (PeerLink, error) {
		pc, err := webrtc.NewPeerConnection(config)
		if err != nil {
			return nil, err
		}

		l := &pionLink{pc: pc}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return
			}
			init := c.ToJSON()
			l.mu.Lock()
			fn := l.onCandidate
			l.mu.Unlock()
			if fn != nil {
				fn(Candidate{
					Candidate:        init.Candidate,
					SDPMid:           init.SDPMid,
					SDPMLineIndex:    init.SDPMLineIndex,
					UsernameFragment: init.UsernameFragment,
				})
			}
		})

		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				return
			}
			l.attach(dc)
		})

		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			switch s {
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
				l.closed()
			}
		})

		return l, nil
	}
}

func (l *pionLink) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		fn := l.onOpen
		l.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	dc.OnClose(l.closed)

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.mu.Lock()
		fn := l.onMessage
		l.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
}

func (l *pionLink) closed() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		fn := l.onClose
		l.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (l *pionLink) CreateOffer() (SessionDescription, error) {
	dc, err := l.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return SessionDescription{}, err
	}
	l.attach(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, err
	}

	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (l *pionLink) CreateAnswer() (SessionDescription, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, err
	}

	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (l *pionLink) SetRemoteDescription(d SessionDescription) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

func (l *pionLink) AddCandidate(c Candidate) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (l *pionLink) OnCandidate(fn func(Candidate)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCandidate = fn
}

func (l *pionLink) OnOpen(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onOpen = fn
}

func (l *pionLink) OnMessage(fn func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onMessage = fn
}

func (l *pionLink) OnClose(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onClose = fn
}

// Send writes text frames so browser peers receive strings.
func (l *pionLink) Send(b []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errLinkNotOpen
	}
	return dc.SendText(string(b))
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}
