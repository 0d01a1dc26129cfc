// Package mailbox defines the shared document store the negotiation protocol
// uses as its rendezvous: one document per channel holding the offer/answer
// pair, plus two append-only candidate collections per channel (one per
// role).
//
// Store implementations are eventually consistent from the subscriber's
// point of view: change delivery is at-least-once and ordered per
// subscription. Consumers must tolerate duplicate notifications.
package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/halfduplex/squawk/internal/channel"
)

// SessionDesc is a minimal, JSON-friendly representation of an SDP
// offer/answer. The store treats it as opaque.
type SessionDesc struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Offer is written exactly once per channel, by the host.
type Offer struct {
	SessionDesc
	HostID    string    `json:"hostId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Answer is written exactly once per channel, by the guest.
type Answer struct {
	SessionDesc
	GuestID string `json:"guestId"`
}

// Document is the channel document. A document with a non-nil Answer is
// occupied.
type Document struct {
	Offer  *Offer  `json:"offer,omitempty"`
	Answer *Answer `json:"answer,omitempty"`
}

// Candidate is one connectivity candidate, opaque to the store. The field
// shape matches the browser RTCIceCandidateInit dictionary so payloads
// interoperate with non-Go participants.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Role names one of the two candidate sub-collections of a channel.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleHost {
		return RoleGuest
	}
	return RoleHost
}

// Valid reports whether r is one of the two defined roles.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleGuest
}

var (
	// ErrOfferExists is the definitive rejection for the second of two
	// simultaneous would-be hosts: CreateOffer is conditional on the offer
	// being absent, so the loser can retry as guest instead of stalling.
	ErrOfferExists = errors.New("mailbox: offer already exists")

	// ErrOccupied rejects an answer for a channel that already has one, so a
	// third joiner cannot hijack an established session.
	ErrOccupied = errors.New("mailbox: channel occupied")

	// ErrNoOffer rejects an answer for a channel with no offer to answer.
	ErrNoOffer = errors.New("mailbox: no offer to answer")
)

// Subscription is an owned handle on a change stream. Close stops delivery
// and detaches the subscription; it is idempotent. A callback already in
// flight when Close is called may still complete, so consumers that need a
// hard cut-off must additionally guard their own state (the negotiator
// does).
type Subscription interface {
	Close()
}

// Store is the mailbox contract. Implementations must be safe for use by
// multiple goroutines and multiple independent sessions.
type Store interface {
	// Channel returns the channel document, or (nil, nil) when absent.
	Channel(ctx context.Context, id channel.ID) (*Document, error)

	// CreateOffer writes the offer if and only if the channel has none,
	// creating the document as needed. Returns ErrOfferExists otherwise.
	CreateOffer(ctx context.Context, id channel.ID, offer Offer) error

	// CreateAnswer writes the answer if and only if the channel has an offer
	// and no answer. Returns ErrNoOffer or ErrOccupied otherwise.
	CreateAnswer(ctx context.Context, id channel.ID, answer Answer) error

	// DeleteChannel removes the channel document and both candidate
	// collections. Deleting an absent channel is a no-op.
	DeleteChannel(ctx context.Context, id channel.ID) error

	// WatchChannel subscribes to document changes. If the document exists the
	// current state is delivered first; every subsequent change follows, in
	// order, at least once each.
	WatchChannel(ctx context.Context, id channel.ID, fn func(Document)) (Subscription, error)

	// AppendCandidate appends one candidate to the given role's collection.
	// Candidates are immutable once appended.
	AppendCandidate(ctx context.Context, id channel.ID, role Role, cand Candidate) error

	// WatchCandidates subscribes to the given role's candidate collection.
	// Already-appended candidates are replayed in append order before new
	// appends stream in.
	WatchCandidates(ctx context.Context, id channel.ID, role Role, fn func(Candidate)) (Subscription, error)
}
