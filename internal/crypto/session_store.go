package crypto

import (
	"sort"
	"strings"
	"time"
)

// SessionStore keeps the live session key per peer device id. It holds no
// lock; callers serialize access together with the rest of the core.
type SessionStore struct {
	sessions map[string]*SessionKey
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*SessionKey)}
}

// Put installs key for its peer, wiping any key it replaces.
func (s *SessionStore) Put(key *SessionKey) {
	peerID := strings.TrimSpace(key.PeerID())
	if prev, ok := s.sessions[peerID]; ok && prev != key {
		prev.Wipe()
	}
	s.sessions[peerID] = key
}

// Get returns the session for peerID if it is still usable at now. Expired
// keys are wiped and removed so the caller is forced into a fresh exchange.
func (s *SessionStore) Get(peerID string, now time.Time) (*SessionKey, error) {
	peerID = strings.TrimSpace(peerID)
	key, ok := s.sessions[peerID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if err := key.Usable(now); err != nil {
		key.Wipe()
		delete(s.sessions, peerID)
		return nil, err
	}
	return key, nil
}

func (s *SessionStore) Remove(peerID string) bool {
	peerID = strings.TrimSpace(peerID)
	key, ok := s.sessions[peerID]
	if !ok {
		return false
	}
	key.Wipe()
	delete(s.sessions, peerID)
	return true
}

// PruneExpired wipes and drops every session expired at now.
func (s *SessionStore) PruneExpired(now time.Time) int {
	removed := 0
	for peerID, key := range s.sessions {
		if key.Usable(now) != nil {
			key.Wipe()
			delete(s.sessions, peerID)
			removed++
		}
	}
	return removed
}

func (s *SessionStore) Len() int {
	return len(s.sessions)
}

func (s *SessionStore) Peers() []string {
	out := make([]string, 0, len(s.sessions))
	for peerID := range s.sessions {
		out = append(out, peerID)
	}
	sort.Strings(out)
	return out
}
