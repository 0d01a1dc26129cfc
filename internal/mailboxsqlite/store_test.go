package mailboxsqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halfduplex/squawk/internal/channel"
	"github.com/halfduplex/squawk/internal/mailbox"
)

const testChannel = channel.ID("ch-462-7")

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mailbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testOffer(hostID string) mailbox.Offer {
	return mailbox.Offer{
		SessionDesc: mailbox.SessionDesc{Type: "offer", SDP: "v=0 host"},
		HostID:      hostID,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestOfferAnswerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	doc, err := s.Channel(ctx, testChannel)
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, s.CreateOffer(ctx, testChannel, testOffer("h")))
	assert.ErrorIs(t, s.CreateOffer(ctx, testChannel, testOffer("late")), mailbox.ErrOfferExists)

	answer := mailbox.Answer{SessionDesc: mailbox.SessionDesc{Type: "answer", SDP: "v=0 guest"}, GuestID: "g"}
	require.NoError(t, s.CreateAnswer(ctx, testChannel, answer))
	assert.ErrorIs(t, s.CreateAnswer(ctx, testChannel, answer), mailbox.ErrOccupied)

	doc, err = s.Channel(ctx, testChannel)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "h", doc.Offer.HostID)
	assert.Equal(t, "g", doc.Answer.GuestID)
}

func TestAnswerWithoutOffer(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.CreateAnswer(ctx, testChannel, mailbox.Answer{SessionDesc: mailbox.SessionDesc{Type: "answer", SDP: "x"}})
	assert.ErrorIs(t, err, mailbox.ErrNoOffer)
}

func TestDeleteClearsChannelAndCandidates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateOffer(ctx, testChannel, testOffer("h")))
	require.NoError(t, s.AppendCandidate(ctx, testChannel, mailbox.RoleHost, mailbox.Candidate{Candidate: "c0"}))

	require.NoError(t, s.DeleteChannel(ctx, testChannel))
	require.NoError(t, s.DeleteChannel(ctx, testChannel))

	doc, err := s.Channel(ctx, testChannel)
	require.NoError(t, err)
	assert.Nil(t, doc)

	got := make(chan mailbox.Candidate, 4)
	sub, err := s.WatchCandidates(ctx, testChannel, mailbox.RoleHost, func(c mailbox.Candidate) { got <- c })
	require.NoError(t, err)
	defer sub.Close()

	select {
	case c := <-got:
		t.Fatalf("candidate %q survived channel deletion", c.Candidate)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchChannelDeliversPersistedState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateOffer(ctx, testChannel, testOffer("h")))

	events := make(chan mailbox.Document, 4)
	sub, err := s.WatchChannel(ctx, testChannel, func(doc mailbox.Document) { events <- doc })
	require.NoError(t, err)
	defer sub.Close()

	select {
	case doc := <-events:
		require.NotNil(t, doc.Offer)
		assert.Equal(t, "h", doc.Offer.HostID)
	case <-time.After(5 * time.Second):
		t.Fatal("persisted document not delivered")
	}
}

func TestCandidateBacklogOrderSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mailbox.db")

	s, err := Open(path)
	require.NoError(t, err)
	for _, c := range []string{"c0", "c1", "c2"} {
		require.NoError(t, s.AppendCandidate(ctx, testChannel, mailbox.RoleGuest, mailbox.Candidate{Candidate: c}))
	}
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got := make(chan string, 8)
	sub, err := s.WatchCandidates(ctx, testChannel, mailbox.RoleGuest, func(c mailbox.Candidate) { got <- c.Candidate })
	require.NoError(t, err)
	defer sub.Close()

	for i, want := range []string{"c0", "c1", "c2"} {
		select {
		case c := <-got:
			assert.Equal(t, want, c, "position %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("candidate %d not replayed after reopen", i)
		}
	}
}
