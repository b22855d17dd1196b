package notifier

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hexdns/notifyd/internal/notify/domain"
)

// Registry maps zone apexes to their notify sessions. It is populated at
// zone load, before the engine loop observes any event, and read during
// dispatch; iteration order is deterministic (sorted by apex).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Insert creates and registers the session for a zone. Every loaded zone
// gets a session, even when its target list is empty.
func (r *Registry) Insert(zone string, targets []domain.Target) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[zone]; exists {
		return nil, fmt.Errorf("zone %s already registered", zone)
	}
	s := &Session{
		zone:    zone,
		targets: targets,
		state:   StateIdle,
	}
	r.sessions[zone] = s
	return s, nil
}

// Find returns the session for a zone, or nil if the zone was never
// registered.
func (r *Registry) Find(zone string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[zone]
}

// ForEach invokes fn for every session in apex order.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.RLock()
	zones := make([]string, 0, len(r.sessions))
	for zone := range r.sessions {
		zones = append(zones, zone)
	}
	r.mu.RUnlock()

	sort.Strings(zones)
	for _, zone := range zones {
		r.mu.RLock()
		s := r.sessions[zone]
		r.mu.RUnlock()
		if s != nil {
			fn(s)
		}
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
