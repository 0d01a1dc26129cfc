package mailbox

import (
	"context"
	"sync"

	"github.com/halfduplex/squawk/internal/channel"
)

// MemoryStore is the in-process Store. The mailbox server uses it as the
// non-persistent backend; a client with no mailbox configured uses it for
// same-process loopback sessions; tests use it as the reference
// implementation of the Store contract.
type MemoryStore struct {
	notify *Notifier

	mu       sync.Mutex
	channels map[channel.ID]*memChannel
}

type memChannel struct {
	doc        Document
	candidates map[Role][]Candidate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notify:   NewNotifier(),
		channels: make(map[channel.ID]*memChannel),
	}
}

func (s *MemoryStore) Channel(ctx context.Context, id channel.ID) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return nil, nil
	}
	doc := ch.doc
	return &doc, nil
}

func (s *MemoryStore) CreateOffer(ctx context.Context, id channel.ID, offer Offer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channels[id]
	if ch != nil && ch.doc.Offer != nil {
		return ErrOfferExists
	}
	if ch == nil {
		ch = &memChannel{candidates: make(map[Role][]Candidate)}
		s.channels[id] = ch
	}
	ch.doc.Offer = &offer
	s.notify.PublishChannel(id, ch.doc)
	return nil
}

func (s *MemoryStore) CreateAnswer(ctx context.Context, id channel.ID, answer Answer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channels[id]
	if ch == nil || ch.doc.Offer == nil {
		return ErrNoOffer
	}
	if ch.doc.Answer != nil {
		return ErrOccupied
	}
	ch.doc.Answer = &answer
	s.notify.PublishChannel(id, ch.doc)
	return nil
}

func (s *MemoryStore) DeleteChannel(ctx context.Context, id channel.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[id]; !ok {
		return nil
	}
	delete(s.channels, id)
	s.notify.PublishChannel(id, Document{})
	return nil
}

func (s *MemoryStore) WatchChannel(ctx context.Context, id channel.ID, fn func(Document)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var initial *Document
	if ch, ok := s.channels[id]; ok {
		doc := ch.doc
		initial = &doc
	}
	return s.notify.SubscribeChannel(id, initial, fn), nil
}

func (s *MemoryStore) AppendCandidate(ctx context.Context, id channel.ID, role Role, cand Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channels[id]
	if ch == nil {
		ch = &memChannel{candidates: make(map[Role][]Candidate)}
		s.channels[id] = ch
	}
	ch.candidates[role] = append(ch.candidates[role], cand)
	s.notify.PublishCandidate(id, role, cand)
	return nil
}

func (s *MemoryStore) WatchCandidates(ctx context.Context, id channel.ID, role Role, fn func(Candidate)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var backlog []Candidate
	if ch, ok := s.channels[id]; ok {
		backlog = append(backlog, ch.candidates[role]...)
	}
	return s.notify.SubscribeCandidates(id, role, backlog, fn), nil
}
