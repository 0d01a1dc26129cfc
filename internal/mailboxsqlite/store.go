// Package mailboxsqlite is the persistent mailbox backend. The mailbox
// server uses it so channel documents survive a restart; the Store contract
// is identical to the in-memory implementation.
//
// Watch fan-out stays in-process: the server owning the database file is the
// only writer, so every committed change passes through this Store and can
// be published to subscribers directly.
package mailboxsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/halfduplex/squawk/internal/channel"
	"github.com/halfduplex/squawk/internal/mailbox"
)

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS candidates (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS candidates_by_collection ON candidates(channel_id, role, seq);
`

// Store implements mailbox.Store on a sqlite database file.
type Store struct {
	db     *sql.DB
	notify *mailbox.Notifier

	// mu serializes writes so the publish order seen by subscribers matches
	// commit order.
	mu sync.Mutex
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		db:     db,
		notify: mailbox.NewNotifier(),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Channel(ctx context.Context, id channel.ID) (*mailbox.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadDocument(ctx, id)
}

func (s *Store) loadDocument(ctx context.Context, id channel.ID) (*mailbox.Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM channels WHERE id = ?`, string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", id, err)
	}

	var doc mailbox.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode channel %s: %w", id, err)
	}
	return &doc, nil
}

func (s *Store) storeDocument(ctx context.Context, id channel.ID, doc mailbox.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode channel %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channels (id, doc) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		string(id), string(raw))
	if err != nil {
		return fmt.Errorf("store channel %s: %w", id, err)
	}
	return nil
}

func (s *Store) CreateOffer(ctx context.Context, id channel.ID, offer mailbox.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc != nil && doc.Offer != nil {
		return mailbox.ErrOfferExists
	}
	if doc == nil {
		doc = &mailbox.Document{}
	}
	doc.Offer = &offer

	if err := s.storeDocument(ctx, id, *doc); err != nil {
		return err
	}
	s.notify.PublishChannel(id, *doc)
	return nil
}

func (s *Store) CreateAnswer(ctx context.Context, id channel.ID, answer mailbox.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil || doc.Offer == nil {
		return mailbox.ErrNoOffer
	}
	if doc.Answer != nil {
		return mailbox.ErrOccupied
	}
	doc.Answer = &answer

	if err := s.storeDocument(ctx, id, *doc); err != nil {
		return err
	}
	s.notify.PublishChannel(id, *doc)
	return nil
}

func (s *Store) DeleteChannel(ctx context.Context, id channel.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete channel %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM candidates WHERE channel_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete candidates %s: %w", id, err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.notify.PublishChannel(id, mailbox.Document{})
	}
	return nil
}

func (s *Store) WatchChannel(ctx context.Context, id channel.ID, fn func(mailbox.Document)) (mailbox.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.notify.SubscribeChannel(id, doc, fn), nil
}

func (s *Store) AppendCandidate(ctx context.Context, id channel.ID, role mailbox.Role, cand mailbox.Candidate) error {
	raw, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO candidates (channel_id, role, payload) VALUES (?, ?, ?)`,
		string(id), string(role), string(raw))
	if err != nil {
		return fmt.Errorf("append candidate %s/%s: %w", id, role, err)
	}
	s.notify.PublishCandidate(id, role, cand)
	return nil
}

func (s *Store) WatchCandidates(ctx context.Context, id channel.ID, role mailbox.Role, fn func(mailbox.Candidate)) (mailbox.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM candidates WHERE channel_id = ? AND role = ? ORDER BY seq`,
		string(id), string(role))
	if err != nil {
		return nil, fmt.Errorf("load candidates %s/%s: %w", id, role, err)
	}
	defer rows.Close()

	var backlog []mailbox.Candidate
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		var cand mailbox.Candidate
		if err := json.Unmarshal([]byte(raw), &cand); err != nil {
			return nil, fmt.Errorf("decode candidate: %w", err)
		}
		backlog = append(backlog, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	return s.notify.SubscribeCandidates(id, role, backlog, fn), nil
}
