// Package webrtcpeer is the media transport: it owns the local
// PeerConnection and audio track and surfaces connectivity-state changes to
// the negotiator. Session descriptions and candidates cross this boundary in
// the mailbox wire shapes; everything pion-specific stays inside.
package webrtcpeer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/halfduplex/squawk/internal/mailbox"
)

// Peer wraps one webrtc.PeerConnection carrying a single opus audio track.
type Peer struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	// talk gates outgoing audio at the sample boundary. The track itself is
	// added before the offer is created so it is always present in the SDP;
	// push-to-talk only controls whether samples flow.
	talk atomic.Bool

	mu        sync.Mutex
	onCand    func(mailbox.Candidate)
	onState   func(string)
	seen      map[string]struct{}
	remoteSet bool

	closeOnce sync.Once
	closeErr  error
}

// New builds a Peer from the injected API. ICE candidate gathering starts
// once a local description is set; candidates surface through OnCandidate
// one at a time as discovered.
func New(api *webrtc.API, iceServers []webrtc.ICEServer) (*Peer, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "squawk",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("new audio track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	p := &Peer{
		pc:    pc,
		track: track,
		seen:  make(map[string]struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of gathering.
			return
		}
		p.mu.Lock()
		cb := p.onCand
		p.mu.Unlock()
		if cb != nil {
			cb(candidateFromPion(c.ToJSON()))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.mu.Lock()
		cb := p.onState
		p.mu.Unlock()
		if cb != nil {
			cb(state.String())
		}
	})

	return p, nil
}

// OnCandidate registers the local-candidate sink. Register before creating a
// description or early candidates are lost.
func (p *Peer) OnCandidate(fn func(mailbox.Candidate)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

// OnStateChange registers the connectivity-state sink. States are pion
// PeerConnectionState names ("new", "connecting", "connected",
// "disconnected", "failed", "closed").
func (p *Peer) OnStateChange(fn func(string)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// CreateOffer generates and applies the local offer.
func (p *Peer) CreateOffer(ctx context.Context) (mailbox.SessionDesc, error) {
	if err := ctx.Err(); err != nil {
		return mailbox.SessionDesc{}, err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return mailbox.SessionDesc{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return mailbox.SessionDesc{}, fmt.Errorf("set local description: %w", err)
	}
	return sdpFromPion(offer), nil
}

// CreateAnswer applies the remote offer and generates the local answer.
func (p *Peer) CreateAnswer(ctx context.Context, remote mailbox.SessionDesc) (mailbox.SessionDesc, error) {
	if err := ctx.Err(); err != nil {
		return mailbox.SessionDesc{}, err
	}

	desc, err := sdpToPion(remote)
	if err != nil {
		return mailbox.SessionDesc{}, err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return mailbox.SessionDesc{}, fmt.Errorf("set remote description: %w", err)
	}
	p.mu.Lock()
	p.remoteSet = true
	p.mu.Unlock()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return mailbox.SessionDesc{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return mailbox.SessionDesc{}, fmt.Errorf("set local description: %w", err)
	}
	return sdpFromPion(answer), nil
}

// AcceptAnswer applies the remote answer. Repeat calls are no-ops: the
// remote description is set at most once per session.
func (p *Peer) AcceptAnswer(remote mailbox.SessionDesc) error {
	p.mu.Lock()
	if p.remoteSet {
		p.mu.Unlock()
		return nil
	}
	p.remoteSet = true
	p.mu.Unlock()

	desc, err := sdpToPion(remote)
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// AddCandidate feeds one remote candidate to ICE. Re-adding an already-seen
// payload is a harmless no-op, so at-least-once delivery upstream cannot
// corrupt the candidate set.
func (p *Peer) AddCandidate(cand mailbox.Candidate) error {
	key := candidateKey(cand)

	p.mu.Lock()
	if _, dup := p.seen[key]; dup {
		p.mu.Unlock()
		return nil
	}
	p.seen[key] = struct{}{}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(candidateToPion(cand)); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// SetTalk opens or closes the push-to-talk gate.
func (p *Peer) SetTalk(enabled bool) {
	p.talk.Store(enabled)
}

// Talking reports the current gate position.
func (p *Peer) Talking() bool {
	return p.talk.Load()
}

// WriteAudio sends one captured sample when the gate is open. Samples
// arriving while muted are dropped, not buffered.
func (p *Peer) WriteAudio(sample media.Sample) error {
	if !p.talk.Load() {
		return nil
	}
	return p.track.WriteSample(sample)
}

// Close releases the PeerConnection. Idempotent.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

func candidateKey(c mailbox.Candidate) string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		key += "|" + fmt.Sprint(*c.SDPMLineIndex)
	}
	return key
}
