package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/skypro1111/asr-stream-gateway/internal/broadcast"
)

var (
	// ErrDuplicateSession is returned when registering an id that is already live
	ErrDuplicateSession = errors.New("session already exists")

	// ErrSessionNotFound is returned for ids with no live session
	ErrSessionNotFound = errors.New("session not found")

	// ErrTooManySessions is returned when the session limit is reached
	ErrTooManySessions = errors.New("too many sessions")
)

// Registry owns the live sessions and the group index. It is the single point
// of mutation for group membership.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	groups   map[string]map[string]*Session
	limit    int
}

// NewRegistry creates a registry holding at most limit sessions; 0 means no limit
func NewRegistry(limit int) *Registry {
	return &Registry{
		limit:    limit,
		sessions: make(map[string]*Session),
		groups:   make(map[string]map[string]*Session),
	}
}

// Register adds s and joins its group
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
	}

	if r.limit > 0 && len(r.sessions) >= r.limit {
		return fmt.Errorf("%w: limit %d", ErrTooManySessions, r.limit)
	}

	r.sessions[s.ID] = s

	if s.GroupID != "" {
		members, ok := r.groups[s.GroupID]
		if !ok {
			members = make(map[string]*Session)
			r.groups[s.GroupID] = members
		}
		members[s.ID] = s
	}

	return nil
}

// Unregister removes id and its group membership and terminates the session.
// Removing an absent id is a no-op and returns nil.
func (r *Registry) Unregister(id string) *Session {
	r.mu.Lock()
	s, exists := r.sessions[id]
	if !exists {
		r.mu.Unlock()
		return nil
	}

	delete(r.sessions, id)

	if s.GroupID != "" {
		if members, ok := r.groups[s.GroupID]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(r.groups, s.GroupID)
			}
		}
	}
	r.mu.Unlock()

	s.terminate()
	return s
}

// Lookup returns the live session for id
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Members returns a snapshot of the group, ordered by session id
func (r *Registry) Members(groupID string) []broadcast.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[groupID]
	out := make([]broadcast.Member, 0, len(members))
	for _, s := range members {
		out = append(out, s.member())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Group returns the sessions of a group, ordered by session id
func (r *Registry) Group(groupID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.groups[groupID]))
	for _, s := range r.groups[groupID] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns all live sessions, ordered by session id
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// GroupCount returns the number of non-empty groups
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}
