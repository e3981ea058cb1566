// Package server maintains the in-memory session registry that tracks every
// joined connection and owns all roster mutations.
package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session store errors. Both are local conditions: they are logged by callers
// and never terminate a connection or the process.
var (
	errDuplicateConnection = errors.New("session store: connection already registered")
	errUserNotFound        = errors.New("session store: no live session matches target")
)

// SessionRecord represents one currently-connected, joined client. A record
// exists in the store if and only if its connection is logged in; ProfileNotes
// and Nicknames are append-only for the lifetime of the session.
type SessionRecord struct {
	ConnID            uuid.UUID
	RawIdentity       string
	CanonicalIdentity string
	Mood              Mood
	CorrelationToken  string
	DisplayLabel      string
	JoinedAt          time.Time
	ProfileNotes      []string
	Nicknames         []string
}

// clone returns a deep copy so callers can read a record without holding the
// store's lock.
func (r *SessionRecord) clone() *SessionRecord {
	c := *r
	c.ProfileNotes = append([]string(nil), r.ProfileNotes...)
	c.Nicknames = append([]string(nil), r.Nicknames...)
	return &c
}

// rosterEntry converts the record to its wire representation.
func (r *SessionRecord) rosterEntry() RosterEntry {
	return RosterEntry{
		Pseudo:    r.DisplayLabel,
		Mood:      r.Mood,
		ShortID:   r.CorrelationToken,
		JoinedAt:  r.JoinedAt,
		Profile:   append([]string(nil), r.ProfileNotes...),
		Nicknames: append([]string(nil), r.Nicknames...),
	}
}

// SessionStore is the in-memory mapping from connection ID to session record.
// Every operation runs under a single mutex so that events from different
// connections never interleave inside a mutation and snapshots never observe
// a half-applied one. Insertion order is preserved for stable roster output.
type SessionStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*SessionRecord
	order   []uuid.UUID
	logger  *slog.Logger
}

// NewSessionStore creates an empty session store.
func NewSessionStore(logger *slog.Logger) *SessionStore {
	return &SessionStore{
		records: make(map[uuid.UUID]*SessionRecord),
		logger:  logger.With(slog.String("component", "session_store")),
	}
}

// Create resolves the display identity for rawIdentity against the live
// roster and inserts a new record for connID. The transport layer guarantees
// unique connection IDs, so an existing record for connID indicates a
// programming error: the old record is overwritten and
// errDuplicateConnection is returned alongside the new record.
func (s *SessionStore) Create(connID uuid.UUID, rawIdentity string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if _, exists := s.records[connID]; exists {
		s.logger.Error("Duplicate connection ID in session store; overwriting",
			slog.String("connID", connID.String()))
		s.removeLocked(connID)
		err = errDuplicateConnection
	}

	liveNames := make(map[string]struct{}, len(s.records))
	liveTokens := make(map[string]struct{}, len(s.records))
	for _, rec := range s.records {
		liveNames[rec.CanonicalIdentity] = struct{}{}
		if rec.CorrelationToken != "" {
			liveTokens[rec.CorrelationToken] = struct{}{}
		}
	}

	resolved := resolveIdentity(rawIdentity, liveNames, liveTokens)
	rec := &SessionRecord{
		ConnID:            connID,
		RawIdentity:       rawIdentity,
		CanonicalIdentity: resolved.canonical,
		Mood:              resolved.mood,
		CorrelationToken:  resolved.token,
		DisplayLabel:      resolved.label,
		JoinedAt:          time.Now(),
		ProfileNotes:      []string{},
		Nicknames:         []string{},
	}
	s.records[connID] = rec
	s.order = append(s.order, connID)
	return rec.clone(), err
}

// Get returns a copy of the record for connID, if one is live.
func (s *SessionStore) Get(connID uuid.UUID) (*SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[connID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// FindByCorrelationToken returns a copy of the live record carrying token.
// Roster sizes are small, so a linear scan is fine.
func (s *SessionStore) FindByCorrelationToken(token string) (*SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.findByTargetLocked(token)
	if !ok || rec.CorrelationToken != token {
		return nil, false
	}
	return rec.clone(), true
}

// findByTargetLocked matches a live record by correlation token first, then
// by canonical identity so classic identities remain targetable. Scans in
// insertion order.
func (s *SessionStore) findByTargetLocked(target string) (*SessionRecord, bool) {
	for _, connID := range s.order {
		rec := s.records[connID]
		if rec.CorrelationToken != "" && rec.CorrelationToken == target {
			return rec, true
		}
	}
	for _, connID := range s.order {
		rec := s.records[connID]
		if rec.CanonicalIdentity == target {
			return rec, true
		}
	}
	return nil, false
}

// AppendProfileNote appends text to the profile of the session matching
// target. Returns errUserNotFound when no live session matches; the caller
// logs it and moves on.
func (s *SessionStore) AppendProfileNote(target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.findByTargetLocked(target)
	if !ok {
		return errUserNotFound
	}
	rec.ProfileNotes = append(rec.ProfileNotes, text)
	return nil
}

// AppendNickname appends name to the nicknames of the session matching
// target. Same contract as AppendProfileNote.
func (s *SessionStore) AppendNickname(target, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.findByTargetLocked(target)
	if !ok {
		return errUserNotFound
	}
	rec.Nicknames = append(rec.Nicknames, name)
	return nil
}

// Remove deletes and returns the record for connID. Removing an absent
// connection is a no-op, so the call is idempotent.
func (s *SessionStore) Remove(connID uuid.UUID) (*SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[connID]
	if !ok {
		return nil, false
	}
	s.removeLocked(connID)
	return rec, true
}

func (s *SessionStore) removeLocked(connID uuid.UUID) {
	delete(s.records, connID)
	for i, id := range s.order {
		if id == connID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns the current roster in insertion order for broadcasting.
func (s *SessionStore) Snapshot() []RosterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	roster := make([]RosterEntry, 0, len(s.order))
	for _, connID := range s.order {
		roster = append(roster, s.records[connID].rosterEntry())
	}
	return roster
}

// Len reports the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// MoodCounts returns a histogram of live sessions per mood, with classic
// identities counted under "none". Read-only view for the debug endpoints.
func (s *SessionStore) MoodCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[string]int{"sun": 0, "cloud": 0, "question": 0, "none": 0}
	for _, rec := range s.records {
		switch rec.Mood {
		case MoodNone:
			counts["none"]++
		default:
			counts[string(rec.Mood)]++
		}
	}
	return counts
}
