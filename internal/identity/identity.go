// Package identity issues the opaque participant id a negotiator signs its
// offers and answers with. Ids are anonymous and stable for the lifetime of
// one process; nothing links them across runs.
package identity

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrUnavailable means no id has been issued yet. It is retryable: callers
// should try again once issuance completes rather than treat it as fatal.
var ErrUnavailable = errors.New("identity: not yet issued")

// Provider hands out the local participant id.
type Provider interface {
	ID() (string, error)
}

// LocalIssuer issues a random uuid on first use and returns the same id for
// the rest of the process lifetime.
type LocalIssuer struct {
	once sync.Once
	id   string
	err  error
}

func NewLocalIssuer() *LocalIssuer {
	return &LocalIssuer{}
}

func (l *LocalIssuer) ID() (string, error) {
	l.once.Do(func() {
		u, err := uuid.NewRandom()
		if err != nil {
			l.err = err
			return
		}
		l.id = u.String()
	})
	if l.err != nil {
		return "", l.err
	}
	return l.id, nil
}

// Static returns a provider that always yields the given id. Tests use it to
// pin participant identities.
func Static(id string) Provider {
	return staticProvider(id)
}

type staticProvider string

func (p staticProvider) ID() (string, error) {
	if p == "" {
		return "", ErrUnavailable
	}
	return string(p), nil
}
