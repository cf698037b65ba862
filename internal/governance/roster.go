package governance

import (
	"sort"
	"strings"
	"sync"
)

// Roster is the set of strategies the cycle evaluates. It is seeded from
// configuration and kept current by roster events.
type Roster struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewRoster creates a roster holding ids.
func NewRoster(ids ...string) *Roster {
	r := &Roster{ids: make(map[string]struct{})}
	r.Replace(ids)
	return r
}

// Add tracks a strategy. Blank ids are ignored.
func (r *Roster) Add(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

// Remove stops tracking a strategy.
func (r *Roster) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		return false
	}
	delete(r.ids, id)
	return true
}

// Replace swaps the whole roster.
func (r *Roster) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			next[id] = struct{}{}
		}
	}
	r.mu.Lock()
	r.ids = next
	r.mu.Unlock()
}

// List returns the tracked ids in sorted order.
func (r *Roster) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
