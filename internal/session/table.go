package session

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/phira-community/phira-mp-server/internal/logging"
	"github.com/phira-community/phira-mp-server/internal/protocol"
)

// Table tracks live sessions by id and by authenticated user. It implements
// the ban registry's Terminator.
type Table struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Session
	byUser map[int32]*Session
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		byID:   make(map[uuid.UUID]*Session),
		byUser: make(map[int32]*Session),
	}
}

// Add registers a freshly accepted session.
func (t *Table) Add(s *Session) {
	t.mu.Lock()
	t.byID[s.ID] = s
	t.mu.Unlock()
}

// Remove forgets the session. The user index entry only goes away if it
// still points at this exact session; a newer login keeps its slot.
func (t *Table) Remove(s *Session) {
	t.mu.Lock()
	delete(t.byID, s.ID)
	if u := s.User(); u != nil && t.byUser[u.ID] == s {
		delete(t.byUser, u.ID)
	}
	t.mu.Unlock()
}

// BindUser indexes the session under its authenticated identity and returns
// the session it displaced, if the user was already connected elsewhere.
func (t *Table) BindUser(s *Session, userID int32) *Session {
	t.mu.Lock()
	old := t.byUser[userID]
	if old == s {
		old = nil
	}
	t.byUser[userID] = s
	t.mu.Unlock()
	return old
}

// ByUser resolves a user's live session.
func (t *Table) ByUser(userID int32) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byUser[userID]
	return s, ok
}

// Count reports connections; CountAuthenticated reports bound identities.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

func (t *Table) CountAuthenticated() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUser)
}

// Roster lists authenticated users sorted by id.
func (t *Table) Roster() []protocol.User {
	t.mu.RLock()
	out := make([]protocol.User, 0, len(t.byUser))
	for _, s := range t.byUser {
		if u := s.User(); u != nil {
			out = append(out, *u)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Broadcast sends one frame to every authenticated session.
func (t *Table) Broadcast(msg protocol.Message) {
	t.mu.RLock()
	targets := make([]*Session, 0, len(t.byUser))
	for _, s := range t.byUser {
		targets = append(targets, s)
	}
	t.mu.RUnlock()

	for _, s := range targets {
		s.Send(msg)
	}
}

// TerminateUser closes the user's session, if connected.
func (t *Table) TerminateUser(userID int32, reason string) {
	if s, ok := t.ByUser(userID); ok {
		logging.Info(context.Background(), "terminating session",
			zap.Int32("user_id", userID), zap.String("reason", reason))
		s.Terminate(protocol.Error{Code: protocol.CodeBanned, Message: reason}, reason)
	}
}

// TerminateIP closes every session from the address.
func (t *Table) TerminateIP(ip string, reason string) {
	t.mu.RLock()
	var targets []*Session
	for _, s := range t.byID {
		if s.RemoteIP() == ip {
			targets = append(targets, s)
		}
	}
	t.mu.RUnlock()

	for _, s := range targets {
		s.Terminate(protocol.Error{Code: protocol.CodeBanned, Message: reason}, reason)
	}
}
