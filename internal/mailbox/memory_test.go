package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halfduplex/squawk/internal/channel"
)

const testChannel = channel.ID("ch-462-7")

func testOffer(hostID string) Offer {
	return Offer{
		SessionDesc: SessionDesc{Type: "offer", SDP: "v=0 host"},
		HostID:      hostID,
		CreatedAt:   time.Now(),
	}
}

func testAnswer(guestID string) Answer {
	return Answer{
		SessionDesc: SessionDesc{Type: "answer", SDP: "v=0 guest"},
		GuestID:     guestID,
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestCreateOfferConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateOffer(ctx, testChannel, testOffer("a")))

	err := s.CreateOffer(ctx, testChannel, testOffer("b"))
	assert.ErrorIs(t, err, ErrOfferExists)

	doc, err := s.Channel(ctx, testChannel)
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.NotNil(t, doc.Offer)
	assert.Equal(t, "a", doc.Offer.HostID, "losing offer must not clobber the winner")
}

func TestCreateAnswerRequiresVacantOffer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.CreateAnswer(ctx, testChannel, testAnswer("g"))
	assert.ErrorIs(t, err, ErrNoOffer)

	require.NoError(t, s.CreateOffer(ctx, testChannel, testOffer("h")))
	require.NoError(t, s.CreateAnswer(ctx, testChannel, testAnswer("g")))

	err = s.CreateAnswer(ctx, testChannel, testAnswer("late"))
	assert.ErrorIs(t, err, ErrOccupied)

	doc, err := s.Channel(ctx, testChannel)
	require.NoError(t, err)
	assert.Equal(t, "g", doc.Answer.GuestID)
}

func TestDeleteChannelIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.DeleteChannel(ctx, testChannel))

	require.NoError(t, s.CreateOffer(ctx, testChannel, testOffer("h")))
	require.NoError(t, s.DeleteChannel(ctx, testChannel))
	require.NoError(t, s.DeleteChannel(ctx, testChannel))

	doc, err := s.Channel(ctx, testChannel)
	require.NoError(t, err)
	assert.Nil(t, doc)

	// The channel is hostable again.
	require.NoError(t, s.CreateOffer(ctx, testChannel, testOffer("h2")))
}

func TestWatchChannelDeliversCurrentThenChanges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateOffer(ctx, testChannel, testOffer("h")))

	events := make(chan Document, 8)
	sub, err := s.WatchChannel(ctx, testChannel, func(doc Document) {
		events <- doc
	})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case doc := <-events:
		require.NotNil(t, doc.Offer)
		assert.Nil(t, doc.Answer)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial document delivered")
	}

	require.NoError(t, s.CreateAnswer(ctx, testChannel, testAnswer("g")))

	select {
	case doc := <-events:
		require.NotNil(t, doc.Answer)
		assert.Equal(t, "g", doc.Answer.GuestID)
	case <-time.After(5 * time.Second):
		t.Fatal("no answer change delivered")
	}
}

func TestWatchCandidatesReplaysBacklogInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, c := range []string{"cand-0", "cand-1", "cand-2"} {
		require.NoError(t, s.AppendCandidate(ctx, testChannel, RoleHost, Candidate{Candidate: c}))
	}

	got := make(chan string, 8)
	sub, err := s.WatchCandidates(ctx, testChannel, RoleHost, func(c Candidate) {
		got <- c.Candidate
	})
	require.NoError(t, err)
	defer sub.Close()

	for i, want := range []string{"cand-0", "cand-1", "cand-2"} {
		select {
		case c := <-got:
			assert.Equal(t, want, c, "backlog position %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("backlog candidate %d not delivered", i)
		}
	}

	require.NoError(t, s.AppendCandidate(ctx, testChannel, RoleHost, Candidate{Candidate: "cand-3"}))
	select {
	case c := <-got:
		assert.Equal(t, "cand-3", c)
	case <-time.After(5 * time.Second):
		t.Fatal("live candidate not delivered")
	}
}

func TestWatchCandidatesScopedToRole(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	seen := make(chan string, 8)
	sub, err := s.WatchCandidates(ctx, testChannel, RoleGuest, func(c Candidate) {
		seen <- c.Candidate
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.AppendCandidate(ctx, testChannel, RoleHost, Candidate{Candidate: "host-cand"}))
	require.NoError(t, s.AppendCandidate(ctx, testChannel, RoleGuest, Candidate{Candidate: "guest-cand"}))

	select {
	case c := <-seen:
		assert.Equal(t, "guest-cand", c, "host candidates must not leak into the guest watch")
	case <-time.After(5 * time.Second):
		t.Fatal("guest candidate not delivered")
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	delivered := make(chan struct{}, 16)
	sub, err := s.WatchCandidates(ctx, testChannel, RoleHost, func(Candidate) {
		delivered <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, s.AppendCandidate(ctx, testChannel, RoleHost, Candidate{Candidate: "before"}))
	waitFor(t, delivered, "pre-close candidate")

	sub.Close()
	sub.Close() // idempotent

	require.NoError(t, s.AppendCandidate(ctx, testChannel, RoleHost, Candidate{Candidate: "after"}))

	select {
	case <-delivered:
		t.Fatal("candidate delivered after Close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTwoSessionsShareOneStore(t *testing.T) {
	// Host and guest negotiators for different channels must not observe each
	// other's documents.
	ctx := context.Background()
	s := NewMemoryStore()

	other := channel.ID("ch-463-1")
	require.NoError(t, s.CreateOffer(ctx, testChannel, testOffer("h1")))
	require.NoError(t, s.CreateOffer(ctx, other, testOffer("h2")))

	doc, err := s.Channel(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, "h2", doc.Offer.HostID)

	doc, err = s.Channel(ctx, testChannel)
	require.NoError(t, err)
	assert.Equal(t, "h1", doc.Offer.HostID)
}
