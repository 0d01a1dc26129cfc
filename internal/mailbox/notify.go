package mailbox

import (
	"sync"

	"github.com/halfduplex/squawk/internal/channel"
)

// Notifier is the subscription hub shared by Store implementations that keep
// their watchers in-process (MemoryStore and the sqlite-backed store, where
// the mailbox server is the only writer).
//
// Each subscription gets its own ordered queue drained by a dedicated
// goroutine, so publishing never blocks on a slow consumer and a consumer's
// callback can safely call back into the publishing store.
type Notifier struct {
	mu       sync.Mutex
	docSubs  map[channel.ID]map[*notifySub]struct{}
	candSubs map[candKey]map[*notifySub]struct{}
}

type candKey struct {
	id   channel.ID
	role Role
}

func NewNotifier() *Notifier {
	return &Notifier{
		docSubs:  make(map[channel.ID]map[*notifySub]struct{}),
		candSubs: make(map[candKey]map[*notifySub]struct{}),
	}
}

// SubscribeChannel registers a document watcher. When initial is non-nil it
// is delivered before any published change.
func (n *Notifier) SubscribeChannel(id channel.ID, initial *Document, fn func(Document)) Subscription {
	sub := newNotifySub(func(ev any) {
		fn(ev.(Document))
	})
	sub.detach = func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if subs := n.docSubs[id]; subs != nil {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(n.docSubs, id)
			}
		}
	}

	n.mu.Lock()
	if n.docSubs[id] == nil {
		n.docSubs[id] = make(map[*notifySub]struct{})
	}
	n.docSubs[id][sub] = struct{}{}
	if initial != nil {
		sub.push(*initial)
	}
	n.mu.Unlock()

	go sub.run()
	return sub
}

// SubscribeCandidates registers a candidate watcher. The backlog is
// delivered in order before any published append.
func (n *Notifier) SubscribeCandidates(id channel.ID, role Role, backlog []Candidate, fn func(Candidate)) Subscription {
	sub := newNotifySub(func(ev any) {
		fn(ev.(Candidate))
	})
	key := candKey{id: id, role: role}
	sub.detach = func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if subs := n.candSubs[key]; subs != nil {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(n.candSubs, key)
			}
		}
	}

	n.mu.Lock()
	if n.candSubs[key] == nil {
		n.candSubs[key] = make(map[*notifySub]struct{})
	}
	n.candSubs[key][sub] = struct{}{}
	for _, c := range backlog {
		sub.push(c)
	}
	n.mu.Unlock()

	go sub.run()
	return sub
}

// PublishChannel fans a document change out to the channel's watchers.
// Callers must publish changes in the order they were committed.
func (n *Notifier) PublishChannel(id channel.ID, doc Document) {
	n.mu.Lock()
	for sub := range n.docSubs[id] {
		sub.push(doc)
	}
	n.mu.Unlock()
}

// PublishCandidate fans a candidate append out to the collection's watchers.
func (n *Notifier) PublishCandidate(id channel.ID, role Role, cand Candidate) {
	n.mu.Lock()
	for sub := range n.candSubs[candKey{id: id, role: role}] {
		sub.push(cand)
	}
	n.mu.Unlock()
}

// notifySub is one subscription's ordered delivery queue.
type notifySub struct {
	deliver func(any)
	detach  func()

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []any
	closed bool
}

func newNotifySub(deliver func(any)) *notifySub {
	s := &notifySub{deliver: deliver}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *notifySub) push(ev any) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *notifySub) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ev)
	}
}

func (s *notifySub) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()

	s.detach()
}
