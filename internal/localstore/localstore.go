// Package localstore implements a JSON-file backed session and course
// store. It is the local source of truth the sync engine reconciles
// against; the hosting app would normally provide its own implementation,
// and the CLI ships this one.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	stdsync "sync"

	"github.com/google/uuid"

	"github.com/planwise/plansync/internal/sync"
)

const (
	filePerms = 0o600
	dirPerms  = 0o700
)

// ErrNotFound is returned when a session id does not exist in the store.
var ErrNotFound = errors.New("localstore: session not found")

// document is the on-disk shape: sessions and courses grouped by user.
type document struct {
	Users map[string]*userData `json:"users"`
}

type userData struct {
	Sessions []sync.Session `json:"sessions"`
	Courses  []sync.Course  `json:"courses"`
}

// Store is a file-backed session store. All methods are safe for
// concurrent use; every mutation is written atomically (temp file +
// rename) so a crash never leaves a torn document.
type Store struct {
	path string

	mu  stdsync.Mutex
	doc *document
}

// Open loads the store at path, creating an empty document when the file
// does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: &document{Users: make(map[string]*userData)}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}

	if err != nil {
		return nil, fmt.Errorf("localstore: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, s.doc); err != nil {
		return nil, fmt.Errorf("localstore: parsing %s: %w", path, err)
	}

	if s.doc.Users == nil {
		s.doc.Users = make(map[string]*userData)
	}

	return s, nil
}

// ListSessions returns a copy of the user's sessions.
func (s *Store) ListSessions(_ context.Context, userID string) ([]sync.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.doc.Users[userID]
	if !ok {
		return nil, nil
	}

	out := make([]sync.Session, len(u.Sessions))
	copy(out, u.Sessions)

	return out, nil
}

// ReplaceSessions swaps the user's session set for the given one and
// persists the document.
func (s *Store) ReplaceSessions(_ context.Context, userID string, sessions []sync.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	u.Sessions = make([]sync.Session, len(sessions))
	copy(u.Sessions, sessions)

	return s.flush()
}

// AddSession assigns the session a fresh id and stamps LastModified
// before persisting it.
func (s *Store) AddSession(_ context.Context, userID string, session sync.Session) (sync.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session.ID = uuid.NewString()
	session.LastModified = sync.NowNano()

	u := s.user(userID)
	u.Sessions = append(u.Sessions, session)

	if err := s.flush(); err != nil {
		return sync.Session{}, err
	}

	return session, nil
}

// DeleteSession removes a session by id. The caller is responsible for
// registering the deletion with the engine's grace-window bookkeeping.
func (s *Store) DeleteSession(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)

	for i := range u.Sessions {
		if u.Sessions[i].ID != sessionID {
			continue
		}

		u.Sessions = append(u.Sessions[:i], u.Sessions[i+1:]...)

		return s.flush()
	}

	return ErrNotFound
}

// Courses returns the user's course table as a lookup the engine consumes.
func (s *Store) Courses(userID string) sync.CourseMap {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(sync.CourseMap)

	if u, ok := s.doc.Users[userID]; ok {
		for _, c := range u.Courses {
			out[c.ID] = c
		}
	}

	return out
}

// user returns the per-user bucket, creating it on first touch.
// Callers hold s.mu.
func (s *Store) user(userID string) *userData {
	u, ok := s.doc.Users[userID]
	if !ok {
		u = &userData{}
		s.doc.Users[userID] = u
	}

	return u
}

// flush writes the document atomically. Callers hold s.mu.
func (s *Store) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), dirPerms); err != nil {
		return fmt.Errorf("localstore: creating directory: %w", err)
	}

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("localstore: encoding document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("localstore: creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("localstore: writing temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("localstore: syncing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("localstore: closing temp file: %w", err)
	}

	if err := os.Chmod(tmpName, filePerms); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("localstore: setting permissions: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("localstore: replacing %s: %w", s.path, err)
	}

	return nil
}
