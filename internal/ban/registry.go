// Package ban holds the process-wide identity/IP deny list. Expiry is lazy:
// entries past their expiry are treated as absent on Check and purged
// opportunistically. Whitelisted ids and addresses always pass.
package ban

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/phira-community/phira-mp-server/internal/logging"
)

// Kind distinguishes the two ban targets.
type Kind string

const (
	KindUserID Kind = "userId"
	KindIP     Kind = "ip"
)

// Entry is one deny-list record. A nil ExpiresAt means permanent.
type Entry struct {
	Kind      Kind       `json:"kind"`
	Target    string     `json:"target"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason"`
	AddedAt   time.Time  `json:"addedAt"`
}

func (e Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed   bool
	Reason    string
	ExpiresAt *time.Time
}

var allowed = Decision{Allowed: true}

// Terminator closes live sessions that match a freshly added ban. The
// session table implements it. Delivery is at-least-once; terminating an
// already-gone session is harmless.
type Terminator interface {
	TerminateUser(userID int32, reason string)
	TerminateIP(ip string, reason string)
}

// Registry is the ban table. Reads far outnumber writes, so it is guarded by
// a reader-writer lock; mutations fan out to the Terminator asynchronously.
type Registry struct {
	mu          sync.RWMutex
	byUser      map[int32]Entry
	byIP        map[string]Entry
	idWhitelist set.Set[int32]
	ipWhitelist set.Set[string]
	term        Terminator
	audit       *logging.Audit
	now         func() time.Time
}

// NewRegistry builds an empty registry with the configured whitelists.
func NewRegistry(idWhitelist []int32, ipWhitelist []string, audit *logging.Audit) *Registry {
	return &Registry{
		byUser:      make(map[int32]Entry),
		byIP:        make(map[string]Entry),
		idWhitelist: set.New(idWhitelist...),
		ipWhitelist: set.New(ipWhitelist...),
		audit:       audit,
		now:         time.Now,
	}
}

// SetTerminator registers the live-session terminator. Must be called before
// the first Add that should kick anyone.
func (r *Registry) SetTerminator(t Terminator) {
	r.mu.Lock()
	r.term = t
	r.mu.Unlock()
}

// Check reports whether the identity/address pair may hold a session.
func (r *Registry) Check(userID int32, ip string) Decision {
	now := r.now()

	r.mu.RLock()
	if r.idWhitelist.Has(userID) || r.ipWhitelist.Has(ip) {
		r.mu.RUnlock()
		return allowed
	}
	userEntry, hasUser := r.byUser[userID]
	ipEntry, hasIP := r.byIP[ip]
	r.mu.RUnlock()

	if hasUser && !userEntry.expired(now) {
		return Decision{Reason: userEntry.Reason, ExpiresAt: userEntry.ExpiresAt}
	}
	if hasIP && !ipEntry.expired(now) {
		return Decision{Reason: ipEntry.Reason, ExpiresAt: ipEntry.ExpiresAt}
	}

	if (hasUser && userEntry.expired(now)) || (hasIP && ipEntry.expired(now)) {
		r.purgeExpired(now)
	}
	return allowed
}

// Add inserts or replaces an entry and terminates matching live sessions.
// Adding the same entry twice leaves the same final state.
func (r *Registry) Add(e Entry) {
	e.AddedAt = r.now()

	r.mu.Lock()
	var term Terminator
	switch e.Kind {
	case KindUserID:
		if id, ok := parseUserID(e.Target); ok {
			r.byUser[id] = e
			term = r.term
		}
	case KindIP:
		r.byIP[e.Target] = e
		term = r.term
	}
	r.mu.Unlock()

	logging.Info(context.Background(), "ban added",
		zap.String("kind", string(e.Kind)), zap.String("target", e.Target), zap.String("reason", e.Reason))
	r.audit.Ban("add kind=%s target=%s reason=%q expires=%v", e.Kind, e.Target, e.Reason, e.ExpiresAt)

	if term == nil {
		return
	}
	// Async so a ban issued from inside a session handler cannot deadlock on
	// the session table.
	go func() {
		switch e.Kind {
		case KindUserID:
			if id, ok := parseUserID(e.Target); ok {
				term.TerminateUser(id, e.Reason)
			}
		case KindIP:
			term.TerminateIP(e.Target, e.Reason)
		}
	}()
}

// Remove deletes an entry; removing an absent entry is a no-op.
func (r *Registry) Remove(kind Kind, target string) {
	r.mu.Lock()
	switch kind {
	case KindUserID:
		if id, ok := parseUserID(target); ok {
			delete(r.byUser, id)
		}
	case KindIP:
		delete(r.byIP, target)
	}
	r.mu.Unlock()

	r.audit.Ban("remove kind=%s target=%s", kind, target)
}

// List returns all non-expired entries sorted by target.
func (r *Registry) List() []Entry {
	now := r.now()

	r.mu.RLock()
	out := make([]Entry, 0, len(r.byUser)+len(r.byIP))
	for _, e := range r.byUser {
		if !e.expired(now) {
			out = append(out, e)
		}
	}
	for _, e := range r.byIP {
		if !e.expired(now) {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// SetWhitelists replaces both whitelists.
func (r *Registry) SetWhitelists(ids []int32, ips []string) {
	r.mu.Lock()
	r.idWhitelist = set.New(ids...)
	r.ipWhitelist = set.New(ips...)
	r.mu.Unlock()
}

func (r *Registry) purgeExpired(now time.Time) {
	r.mu.Lock()
	for id, e := range r.byUser {
		if e.expired(now) {
			delete(r.byUser, id)
		}
	}
	for ip, e := range r.byIP {
		if e.expired(now) {
			delete(r.byIP, ip)
		}
	}
	r.mu.Unlock()
}

func parseUserID(target string) (int32, bool) {
	n, err := strconv.ParseInt(target, 10, 32)
	if err != nil || n <= 0 {
		return 0, false
	}
	return int32(n), true
}
