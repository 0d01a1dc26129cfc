// Package negotiate implements the two-role session handshake over the
// mailbox store: role selection against the channel document, offer/answer
// exchange, candidate relay in both directions, and teardown driven by
// transport connectivity events.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/halfduplex/squawk/internal/channel"
	"github.com/halfduplex/squawk/internal/identity"
	"github.com/halfduplex/squawk/internal/mailbox"
	"github.com/halfduplex/squawk/internal/metrics"
)

// Negotiator states.
const (
	StateIdle          = "idle"
	StateRoleSelecting = "role_selecting"
	StateHosting       = "hosting"
	StateGuesting      = "guesting"
	StateNegotiating   = "negotiating"
	StateActive        = "active"
	StateClosed        = "closed"
)

const (
	eventJoin      = "join"
	eventHost      = "host"
	eventGuest     = "guest"
	eventNegotiate = "negotiate"
	eventConnected = "connected"
	eventTeardown  = "teardown"
	eventRestart   = "restart"
)

func newSessionFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventJoin, Src: []string{StateIdle}, Dst: StateRoleSelecting},
			{Name: eventHost, Src: []string{StateRoleSelecting}, Dst: StateHosting},
			{Name: eventGuest, Src: []string{StateRoleSelecting}, Dst: StateGuesting},
			{Name: eventNegotiate, Src: []string{StateHosting, StateGuesting}, Dst: StateNegotiating},
			{Name: eventConnected, Src: []string{StateNegotiating}, Dst: StateActive},
			{Name: eventTeardown, Src: []string{StateRoleSelecting, StateHosting, StateGuesting, StateNegotiating, StateActive}, Dst: StateClosed},
			{Name: eventRestart, Src: []string{StateClosed}, Dst: StateIdle},
		},
		nil,
	)
}

const defaultOfferTTL = 5 * time.Minute

// Negotiator owns one session at a time. All collaborators are injected; two
// negotiators for different channels share nothing but (possibly) the store.
//
// Session state is single-writer: one mutex serializes Join/Leave with the
// store and transport callbacks, which arrive on their own goroutines.
type Negotiator struct {
	store mailbox.Store
	ident identity.Provider
	dial  TransportFactory

	log      *slog.Logger
	met      *metrics.Metrics
	offerTTL time.Duration
	now      func() time.Time

	mu      sync.Mutex
	machine *fsm.FSM
	sess    *session
	conn    ConnState
	onConn  func(ConnState)
	lastErr error
}

// session is the mutable per-join record. Callbacks capture the pointer and
// check closed under the negotiator mutex, so a callback racing teardown
// observes a dead session and returns without side effects.
type session struct {
	id        channel.ID
	role      mailbox.Role
	transport Transport

	localDesc  *mailbox.SessionDesc
	remoteDesc *mailbox.SessionDesc

	docSub  mailbox.Subscription
	candSub mailbox.Subscription

	seen   map[string]struct{}
	closed bool
}

// Option configures a Negotiator.
type Option func(*Negotiator)

func WithLogger(log *slog.Logger) Option {
	return func(n *Negotiator) { n.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Negotiator) { n.met = m }
}

// WithOfferTTL sets the age beyond which a channel's offer is considered
// abandoned and the channel treated as absent at join time. Zero disables
// the check.
func WithOfferTTL(ttl time.Duration) Option {
	return func(n *Negotiator) { n.offerTTL = ttl }
}

func withNow(now func() time.Time) Option {
	return func(n *Negotiator) { n.now = now }
}

func New(store mailbox.Store, ident identity.Provider, dial TransportFactory, opts ...Option) *Negotiator {
	n := &Negotiator{
		store:    store,
		ident:    ident,
		dial:     dial,
		log:      slog.Default(),
		met:      metrics.New(nil),
		offerTTL: defaultOfferTTL,
		now:      time.Now,
		machine:  newSessionFSM(),
		conn:     Disconnected,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Join tunes to freq and runs role selection. Calling Join while a session
// is live is a no-op; a closed negotiator must be Restarted first.
//
// An identity.ErrUnavailable failure leaves the negotiator idle so the
// caller can simply retry once identity issuance completes.
func (n *Negotiator) Join(ctx context.Context, freq float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.machine.Current() {
	case StateIdle:
	case StateClosed:
		return ErrClosed
	default:
		return nil
	}

	localID, err := n.ident.ID()
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}

	id, err := channel.Resolve(freq)
	if err != nil {
		return err
	}

	n.transitionLocked(eventJoin)

	if err := n.joinLocked(ctx, id, localID); err != nil {
		n.teardownLocked(err)
		return err
	}
	return nil
}

func (n *Negotiator) joinLocked(ctx context.Context, id channel.ID, localID string) error {
	doc, err := n.store.Channel(ctx, id)
	if err != nil {
		return fmt.Errorf("read channel: %w", err)
	}

	if doc != nil && doc.Offer != nil && n.offerExpired(*doc.Offer) {
		n.log.Info("clearing stale channel", "channel", id, "offer_age", n.now().Sub(doc.Offer.CreatedAt))
		if err := n.store.DeleteChannel(ctx, id); err != nil {
			return fmt.Errorf("clear stale channel: %w", err)
		}
		doc = nil
	}

	if doc == nil || doc.Offer == nil {
		err := n.hostLocked(ctx, id, localID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, mailbox.ErrOfferExists) {
			return err
		}
		// Lost the first-write race: someone else's offer landed between our
		// read and our conditional write. Take the guest branch against it.
		n.log.Info("lost offer race, joining as guest", "channel", id)
		doc, err = n.store.Channel(ctx, id)
		if err != nil {
			return fmt.Errorf("re-read channel: %w", err)
		}
		if doc == nil || doc.Offer == nil {
			return errors.New("negotiate: offer race winner vanished")
		}
	}

	return n.guestLocked(ctx, id, localID, *doc)
}

func (n *Negotiator) offerExpired(offer mailbox.Offer) bool {
	if n.offerTTL <= 0 || offer.CreatedAt.IsZero() {
		return false
	}
	return n.now().Sub(offer.CreatedAt) > n.offerTTL
}

// hostLocked takes the host role: write the offer conditionally, then wait
// on the document for an answer and on the guest collection for candidates.
func (n *Negotiator) hostLocked(ctx context.Context, id channel.ID, localID string) error {
	sess, err := n.openSessionLocked(ctx, id, mailbox.RoleHost)
	if err != nil {
		return err
	}

	local, err := sess.transport.CreateOffer(ctx)
	if err != nil {
		n.closeSessionLocked()
		return fmt.Errorf("create offer: %w", err)
	}
	sess.localDesc = &local

	offer := mailbox.Offer{SessionDesc: local, HostID: localID, CreatedAt: n.now().UTC()}
	if err := n.store.CreateOffer(ctx, id, offer); err != nil {
		n.closeSessionLocked()
		return err
	}

	n.transitionLocked(eventHost)
	n.met.SessionsStarted.WithLabelValues(string(mailbox.RoleHost)).Inc()
	n.log.Info("hosting channel", "channel", id, "host_id", localID)

	sess.docSub, err = n.store.WatchChannel(ctx, id, func(doc mailbox.Document) {
		n.handleChannelUpdate(sess, doc)
	})
	if err != nil {
		return fmt.Errorf("watch channel: %w", err)
	}

	sess.candSub, err = n.store.WatchCandidates(ctx, id, mailbox.RoleGuest, func(c mailbox.Candidate) {
		n.handleRemoteCandidate(sess, c)
	})
	if err != nil {
		return fmt.Errorf("watch guest candidates: %w", err)
	}

	return nil
}

// guestLocked takes the guest role against an existing offer: answer it and
// relay host candidates. No further document wait is needed.
func (n *Negotiator) guestLocked(ctx context.Context, id channel.ID, localID string, doc mailbox.Document) error {
	if doc.Answer != nil {
		// An answered channel is occupied; a third joiner must not hijack it.
		return mailbox.ErrOccupied
	}

	sess, err := n.openSessionLocked(ctx, id, mailbox.RoleGuest)
	if err != nil {
		return err
	}

	remote := doc.Offer.SessionDesc
	local, err := sess.transport.CreateAnswer(ctx, remote)
	if err != nil {
		n.closeSessionLocked()
		return fmt.Errorf("create answer: %w", err)
	}
	sess.remoteDesc = &remote
	sess.localDesc = &local

	answer := mailbox.Answer{SessionDesc: local, GuestID: localID}
	if err := n.store.CreateAnswer(ctx, id, answer); err != nil {
		n.closeSessionLocked()
		return err
	}

	n.transitionLocked(eventGuest)
	n.met.SessionsStarted.WithLabelValues(string(mailbox.RoleGuest)).Inc()
	n.log.Info("answered channel", "channel", id, "guest_id", localID)

	sess.candSub, err = n.store.WatchCandidates(ctx, id, mailbox.RoleHost, func(c mailbox.Candidate) {
		n.handleRemoteCandidate(sess, c)
	})
	if err != nil {
		return fmt.Errorf("watch host candidates: %w", err)
	}

	n.transitionLocked(eventNegotiate)
	return nil
}

func (n *Negotiator) openSessionLocked(ctx context.Context, id channel.ID, role mailbox.Role) (*session, error) {
	transport, err := n.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
	}

	sess := &session{
		id:        id,
		role:      role,
		transport: transport,
		seen:      make(map[string]struct{}),
	}
	n.sess = sess

	transport.OnStateChange(func(state string) {
		n.handleTransportState(sess, state)
	})
	transport.OnCandidate(func(c mailbox.Candidate) {
		n.publishCandidate(sess, c)
	})

	return sess, nil
}

// handleChannelUpdate watches for the answer on a hosted channel. The remote
// description is set at most once: repeat deliveries and later document
// changes are ignored.
func (n *Negotiator) handleChannelUpdate(sess *session, doc mailbox.Document) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sess.closed || sess.role != mailbox.RoleHost {
		return
	}
	if doc.Answer == nil || sess.remoteDesc != nil {
		return
	}

	remote := doc.Answer.SessionDesc
	if err := sess.transport.AcceptAnswer(remote); err != nil {
		n.log.Error("failed to apply answer", "channel", sess.id, "err", err)
		n.teardownLocked(err)
		return
	}
	sess.remoteDesc = &remote
	n.log.Info("answer received", "channel", sess.id, "guest_id", doc.Answer.GuestID)
	n.transitionLocked(eventNegotiate)
}

// handleRemoteCandidate relays one remote candidate to the transport. The
// store delivers at least once; duplicates are dropped here and tolerated
// again at the transport, so redelivery cannot corrupt the candidate set.
func (n *Negotiator) handleRemoteCandidate(sess *session, c mailbox.Candidate) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sess.closed {
		return
	}

	key := candidateKey(c)
	if _, dup := sess.seen[key]; dup {
		n.met.CandidatesDeduped.Inc()
		return
	}
	sess.seen[key] = struct{}{}

	if err := sess.transport.AddCandidate(c); err != nil {
		n.log.Warn("failed to relay candidate", "channel", sess.id, "err", err)
		return
	}
	n.met.CandidatesRelayed.Inc()
}

// publishCandidate appends one locally gathered candidate to this role's
// collection, preserving gathering order.
func (n *Negotiator) publishCandidate(sess *session, c mailbox.Candidate) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sess.closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.store.AppendCandidate(ctx, sess.id, sess.role, c); err != nil {
		n.log.Warn("failed to publish candidate", "channel", sess.id, "role", sess.role, "err", err)
	}
}

func (n *Negotiator) handleTransportState(sess *session, state string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sess.closed {
		return
	}

	n.log.Debug("transport state", "channel", sess.id, "state", state)

	switch state {
	case "connected":
		if n.machine.Current() == StateNegotiating {
			n.transitionLocked(eventConnected)
		}
		n.setConnLocked(Connected)
	case "failed":
		n.teardownLocked(ErrTransportFailed)
	case "disconnected", "closed":
		n.teardownLocked(nil)
	default:
		n.setConnLocked(MapConnState(state))
	}
}

// Leave tears the session down: both subscriptions released, transport
// closed, state Closed. Idempotent; a no-op when nothing was joined.
func (n *Negotiator) Leave() {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.machine.Current() {
	case StateIdle, StateClosed:
		return
	}
	n.teardownLocked(nil)
}

// Restart re-arms a closed negotiator for a fresh Join.
func (n *Negotiator) Restart() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.machine.Current() != StateClosed {
		return
	}
	n.lastErr = nil
	n.transitionLocked(eventRestart)
}

// ResetChannel deletes the channel document for freq. It is the manual
// recovery for a stale occupied channel and does not touch the local
// session; callers that are joined there must also Leave.
func (n *Negotiator) ResetChannel(ctx context.Context, freq float64) error {
	id, err := channel.Resolve(freq)
	if err != nil {
		return err
	}
	if err := n.store.DeleteChannel(ctx, id); err != nil {
		return fmt.Errorf("reset channel: %w", err)
	}
	n.log.Info("channel reset", "channel", id)
	return nil
}

// SetTalk forwards the push-to-talk gate to the live transport, if any.
func (n *Negotiator) SetTalk(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sess != nil && !n.sess.closed {
		n.sess.transport.SetTalk(enabled)
	}
}

// ConnState returns the externally visible connection state.
func (n *Negotiator) ConnState() ConnState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn
}

// OnConnState registers the control surface's state listener. It is invoked
// on every change, on negotiator goroutines, and must not call back into the
// Negotiator.
func (n *Negotiator) OnConnState(fn func(ConnState)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onConn = fn
}

// State returns the internal state machine position (for logs and tests).
func (n *Negotiator) State() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.machine.Current()
}

// Role returns the role taken by the current session.
func (n *Negotiator) Role() (mailbox.Role, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sess == nil || n.sess.closed {
		return "", false
	}
	return n.sess.role, true
}

// LastErr returns the cause recorded by the most recent teardown, if any.
func (n *Negotiator) LastErr() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastErr
}

func (n *Negotiator) teardownLocked(cause error) {
	if cause != nil {
		n.lastErr = cause
		n.log.Warn("session teardown", "err", cause)
	}

	n.closeSessionLocked()

	switch n.machine.Current() {
	case StateClosed, StateIdle:
	default:
		n.transitionLocked(eventTeardown)
	}
	n.setConnLocked(Disconnected)
}

func (n *Negotiator) closeSessionLocked() {
	sess := n.sess
	if sess == nil || sess.closed {
		n.sess = nil
		return
	}
	sess.closed = true
	if sess.docSub != nil {
		sess.docSub.Close()
	}
	if sess.candSub != nil {
		sess.candSub.Close()
	}
	_ = sess.transport.Close()
	n.sess = nil
}

func (n *Negotiator) transitionLocked(event string) {
	if err := n.machine.Event(context.Background(), event); err != nil {
		// Transition table bug; state machines don't heal themselves.
		panic(fmt.Sprintf("negotiate: invalid transition %q from %q: %v", event, n.machine.Current(), err))
	}
	n.met.StateTransitions.WithLabelValues(n.machine.Current()).Inc()
}

func (n *Negotiator) setConnLocked(state ConnState) {
	if n.conn == state {
		return
	}
	n.conn = state
	if n.onConn != nil {
		n.onConn(state)
	}
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
