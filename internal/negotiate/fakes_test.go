package negotiate

import (
	"context"
	"fmt"
	"sync"

	"github.com/halfduplex/squawk/internal/channel"
	"github.com/halfduplex/squawk/internal/identity"
	"github.com/halfduplex/squawk/internal/mailbox"
)

// fakeTransport records everything the negotiator does to it and lets tests
// drive candidate gathering and connectivity events by hand.
type fakeTransport struct {
	name string

	mu          sync.Mutex
	onCand      func(mailbox.Candidate)
	onState     func(string)
	localMade   int
	acceptCount int
	remote      *mailbox.SessionDesc
	added       []mailbox.Candidate
	talk        bool
	closeCount  int
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (mailbox.SessionDesc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localMade++
	return mailbox.SessionDesc{Type: "offer", SDP: "sdp-" + t.name}, nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context, remote mailbox.SessionDesc) (mailbox.SessionDesc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localMade++
	t.remote = &remote
	return mailbox.SessionDesc{Type: "answer", SDP: "sdp-" + t.name}, nil
}

func (t *fakeTransport) AcceptAnswer(remote mailbox.SessionDesc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acceptCount++
	t.remote = &remote
	return nil
}

func (t *fakeTransport) AddCandidate(c mailbox.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.added = append(t.added, c)
	return nil
}

func (t *fakeTransport) OnCandidate(fn func(mailbox.Candidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCand = fn
}

func (t *fakeTransport) OnStateChange(fn func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *fakeTransport) SetTalk(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.talk = enabled
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCount++
	return nil
}

// emitCandidate simulates the transport gathering a local candidate.
func (t *fakeTransport) emitCandidate(c mailbox.Candidate) {
	t.mu.Lock()
	fn := t.onCand
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// emitState simulates a connectivity-state report.
func (t *fakeTransport) emitState(state string) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (t *fakeTransport) addedCandidates() []mailbox.Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mailbox.Candidate(nil), t.added...)
}

func (t *fakeTransport) closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCount
}

func (t *fakeTransport) accepts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acceptCount
}

func (t *fakeTransport) talking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.talk
}

// fakeDialer hands out one fakeTransport per dial.
type fakeDialer struct {
	name string

	mu    sync.Mutex
	made  []*fakeTransport
	fail  error
	count int
}

func (d *fakeDialer) dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	d.count++
	t := &fakeTransport{name: fmt.Sprintf("%s-%d", d.name, d.count)}
	d.made = append(d.made, t)
	return t, nil
}

// last returns the most recently dialed transport.
func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.made) == 0 {
		return nil
	}
	return d.made[len(d.made)-1]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// duplicatingStore redelivers every watch event twice, exaggerating the
// store's at-least-once guarantee.
type duplicatingStore struct {
	mailbox.Store
}

func (d duplicatingStore) WatchChannel(ctx context.Context, id channel.ID, fn func(mailbox.Document)) (mailbox.Subscription, error) {
	return d.Store.WatchChannel(ctx, id, func(doc mailbox.Document) {
		fn(doc)
		fn(doc)
	})
}

func (d duplicatingStore) WatchCandidates(ctx context.Context, id channel.ID, role mailbox.Role, fn func(mailbox.Candidate)) (mailbox.Subscription, error) {
	return d.Store.WatchCandidates(ctx, id, role, func(c mailbox.Candidate) {
		fn(c)
		fn(c)
	})
}

// blindStore makes the first document read report an absent channel,
// recreating the window where two callers both observe "empty" before
// either's offer lands.
type blindStore struct {
	mailbox.Store

	mu    sync.Mutex
	reads int
}

func (b *blindStore) Channel(ctx context.Context, id channel.ID) (*mailbox.Document, error) {
	b.mu.Lock()
	b.reads++
	first := b.reads == 1
	b.mu.Unlock()

	if first {
		return nil, nil
	}
	return b.Store.Channel(ctx, id)
}

// flakyIdentity starts unissued and can be issued later.
type flakyIdentity struct {
	mu sync.Mutex
	id string
}

func (f *flakyIdentity) ID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.id == "" {
		return "", identity.ErrUnavailable
	}
	return f.id, nil
}

func (f *flakyIdentity) issue(id string) {
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
}
