package negotiate

import (
	"context"
	"errors"

	"github.com/halfduplex/squawk/internal/mailbox"
)

// Transport is the media-transport boundary. The negotiator drives the
// handshake through it and never sees media; once the transport reports
// "connected", audio flow is its business alone.
//
// webrtcpeer.Peer is the production implementation.
type Transport interface {
	// CreateOffer generates and applies the local offer description.
	CreateOffer(ctx context.Context) (mailbox.SessionDesc, error)

	// CreateAnswer applies the remote offer and generates the local answer.
	CreateAnswer(ctx context.Context, remote mailbox.SessionDesc) (mailbox.SessionDesc, error)

	// AcceptAnswer applies the remote answer description.
	AcceptAnswer(remote mailbox.SessionDesc) error

	// AddCandidate feeds one remote candidate. Re-adding a known candidate
	// must be a harmless no-op.
	AddCandidate(c mailbox.Candidate) error

	// OnCandidate registers the sink for locally gathered candidates. They
	// arrive one at a time, in gathering order, on transport goroutines.
	OnCandidate(fn func(mailbox.Candidate))

	// OnStateChange registers the sink for native connectivity states
	// ("connected", "failed", ...). MapConnState folds them to the external
	// three-valued state.
	OnStateChange(fn func(state string))

	// SetTalk opens or closes the push-to-talk gate on the local audio.
	SetTalk(enabled bool)

	Close() error
}

// TransportFactory builds the transport for one session. Each Join creates
// at most one transport per role attempt; it is closed on teardown.
type TransportFactory func(ctx context.Context) (Transport, error)

var (
	// ErrMediaAcquisition means the transport (and with it the capture
	// device) could not be brought up. The session never starts.
	ErrMediaAcquisition = errors.New("negotiate: media acquisition failed")

	// ErrTransportFailed is the recorded cause when the transport reports
	// "failed". Treated exactly like a disconnect: teardown, not fatal.
	ErrTransportFailed = errors.New("negotiate: transport reported failure")

	// ErrClosed rejects Join on a closed negotiator; call Restart first.
	ErrClosed = errors.New("negotiate: session closed, restart required")
)
