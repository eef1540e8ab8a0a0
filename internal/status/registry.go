package status

import (
	"sync"

	"github.com/splax/devmarket/internal/domain"
)

// Registry hands out at most one Channel per project. Views acquire the
// channel for their project and release it when they are torn down; the
// last release disconnects the channel and forgets it.
type Registry struct {
	mu      sync.Mutex
	base    string
	dialer  Dialer
	opts    []Option
	entries map[string]*registryEntry
}

type registryEntry struct {
	ch   *Channel
	refs int
}

// NewRegistry creates a registry dialling streams under base.
func NewRegistry(base string, dialer Dialer, opts ...Option) *Registry {
	return &Registry{
		base:    base,
		dialer:  dialer,
		opts:    opts,
		entries: make(map[string]*registryEntry),
	}
}

// Acquire returns the project's channel, creating it on first use, and a
// release func that is safe to call more than once.
func (r *Registry) Acquire(projectID string) (*Channel, func(), error) {
	if err := domain.ValidateProjectID(projectID); err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	entry, ok := r.entries[projectID]
	if !ok {
		entry = &registryEntry{ch: NewChannel(projectID, StreamURL(r.base, projectID), r.dialer, r.opts...)}
		r.entries[projectID] = entry
	}
	entry.refs++
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { r.release(projectID, entry) })
	}
	return entry.ch, release, nil
}

func (r *Registry) release(projectID string, entry *registryEntry) {
	r.mu.Lock()
	entry.refs--
	last := entry.refs <= 0
	if last && r.entries[projectID] == entry {
		delete(r.entries, projectID)
	}
	r.mu.Unlock()
	if last {
		entry.ch.Disconnect()
	}
}

// Lookup returns the live channel for a project, if any view holds one.
func (r *Registry) Lookup(projectID string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[projectID]
	if !ok {
		return nil, false
	}
	return entry.ch, true
}

// Len returns the number of projects with an acquired channel.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// DisconnectAll disconnects every channel, used on shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.entries))
	for _, entry := range r.entries {
		channels = append(channels, entry.ch)
	}
	r.mu.Unlock()
	for _, ch := range channels {
		ch.Disconnect()
	}
}
