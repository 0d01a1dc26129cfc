// Package mailboxrpc carries the mailbox Store contract over a websocket:
// the server side wraps any mailbox.Store, the client side implements
// mailbox.Store against a remote server. One connection multiplexes request/
// response calls and any number of watch event streams.
package mailboxrpc

import (
	"errors"
	"fmt"

	"github.com/halfduplex/squawk/internal/mailbox"
)

const protocolVersion = 1

// Client-to-server request types.
const (
	typeGet             = "get"
	typeCreateOffer     = "create_offer"
	typeCreateAnswer    = "create_answer"
	typeDelete          = "delete"
	typeWatchChannel    = "watch_channel"
	typeWatchCandidates = "watch_candidates"
	typeAppendCandidate = "append_candidate"
	typeUnwatch         = "unwatch"
)

// Server-to-client response types.
const (
	typeResult    = "result"
	typeChannel   = "channel"
	typeCandidate = "candidate"
)

// Error codes carried in result messages. The mailbox sentinel errors cross
// the wire as codes and are mapped back on the client so errors.Is keeps
// working across the RPC boundary.
const (
	codeOfferExists = "offer_exists"
	codeOccupied    = "occupied"
	codeNoOffer     = "no_offer"
	codeBadRequest  = "bad_request"
	codeInternal    = "internal"
)

// request is one client-to-server message. ID correlates the server's result;
// for watch requests it also becomes the watch id carried by every event.
type request struct {
	Version   int                `json:"version"`
	ID        uint64             `json:"id"`
	Type      string             `json:"type"`
	Channel   string             `json:"channel,omitempty"`
	Role      string             `json:"role,omitempty"`
	Offer     *mailbox.Offer     `json:"offer,omitempty"`
	Answer    *mailbox.Answer    `json:"answer,omitempty"`
	Candidate *mailbox.Candidate `json:"candidate,omitempty"`
	Watch     uint64             `json:"watch,omitempty"`
}

// response is one server-to-client message: either the result of a request
// (ID echoes the request) or a watch event (Watch names the subscription).
type response struct {
	Version   int                `json:"version"`
	Type      string             `json:"type"`
	ID        uint64             `json:"id,omitempty"`
	Watch     uint64             `json:"watch,omitempty"`
	Error     string             `json:"error,omitempty"`
	Document  *mailbox.Document  `json:"document,omitempty"`
	Candidate *mailbox.Candidate `json:"candidate,omitempty"`
}

var (
	errUnsupportedVersion = errors.New("mailboxrpc: unsupported version")
	errUnknownType        = errors.New("mailboxrpc: unknown request type")
	errMissingField       = errors.New("mailboxrpc: missing field")
)

func (r request) validate() error {
	if r.Version != protocolVersion {
		return fmt.Errorf("%w: %d", errUnsupportedVersion, r.Version)
	}
	if r.ID == 0 {
		return fmt.Errorf("%w: id", errMissingField)
	}

	needsChannel := true
	switch r.Type {
	case typeGet, typeDelete, typeWatchChannel:
	case typeCreateOffer:
		if r.Offer == nil {
			return fmt.Errorf("%w: offer", errMissingField)
		}
	case typeCreateAnswer:
		if r.Answer == nil {
			return fmt.Errorf("%w: answer", errMissingField)
		}
	case typeWatchCandidates:
		if !mailbox.Role(r.Role).Valid() {
			return fmt.Errorf("%w: role", errMissingField)
		}
	case typeAppendCandidate:
		if !mailbox.Role(r.Role).Valid() {
			return fmt.Errorf("%w: role", errMissingField)
		}
		if r.Candidate == nil {
			return fmt.Errorf("%w: candidate", errMissingField)
		}
	case typeUnwatch:
		needsChannel = false
		if r.Watch == 0 {
			return fmt.Errorf("%w: watch", errMissingField)
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownType, r.Type)
	}

	if needsChannel && r.Channel == "" {
		return fmt.Errorf("%w: channel", errMissingField)
	}
	return nil
}

// RemoteError is a server-reported failure with no local sentinel, e.g. an
// internal store error.
type RemoteError struct {
	Code string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mailboxrpc: server error %q", e.Code)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, mailbox.ErrOfferExists):
		return codeOfferExists
	case errors.Is(err, mailbox.ErrOccupied):
		return codeOccupied
	case errors.Is(err, mailbox.ErrNoOffer):
		return codeNoOffer
	default:
		return codeInternal
	}
}

func codeToError(code string) error {
	switch code {
	case "":
		return nil
	case codeOfferExists:
		return mailbox.ErrOfferExists
	case codeOccupied:
		return mailbox.ErrOccupied
	case codeNoOffer:
		return mailbox.ErrNoOffer
	default:
		return &RemoteError{Code: code}
	}
}
