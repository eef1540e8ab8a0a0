package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/devmarket/internal/session"
)

var errUnknownView = errors.New("unknown view")

// view is one rendered preview page. It holds a session until the page's
// event stream ends, or until the TTL passes without a stream attaching.
type view struct {
	sess     *session.Session
	created  time.Time
	attached int
}

type viewRegistry struct {
	deps session.Deps
	ttl  time.Duration
	now  func() time.Time
	log  *slog.Logger

	mu      sync.Mutex
	entries map[string]*view
	onCount func(int)
}

func newViewRegistry(deps session.Deps, ttl time.Duration, logger *slog.Logger, onCount func(int)) *viewRegistry {
	if onCount == nil {
		onCount = func(int) {}
	}
	return &viewRegistry{
		deps:    deps,
		ttl:     ttl,
		now:     time.Now,
		log:     logger,
		entries: make(map[string]*view),
		onCount: onCount,
	}
}

// mount opens a session for projectID and registers it under its id.
func (r *viewRegistry) mount(projectID string) (*session.Session, error) {
	sess, err := session.New(r.deps, projectID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.entries[sess.ID()] = &view{sess: sess, created: r.now()}
	n := len(r.entries)
	r.mu.Unlock()
	r.onCount(n)
	return sess, nil
}

// lookup returns the session of a mounted view for projectID.
func (r *viewRegistry) lookup(id, projectID string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[id]
	if !ok || v.sess.ProjectID() != projectID {
		return nil, errUnknownView
	}
	return v.sess, nil
}

// attach marks an event stream as reading the view.
func (r *viewRegistry) attach(id, projectID string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[id]
	if !ok || v.sess.ProjectID() != projectID {
		return nil, errUnknownView
	}
	v.attached++
	return v.sess, nil
}

// detach ends one event stream. The last stream leaving unmounts the view.
func (r *viewRegistry) detach(id string) {
	r.mu.Lock()
	v, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	v.attached--
	if v.attached > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	n := len(r.entries)
	r.mu.Unlock()

	_ = v.sess.Close()
	r.onCount(n)
	r.log.Debug("view unmounted", "view_id", id, "project_id", v.sess.ProjectID())
}

// sweep unmounts views that never attached a stream within the TTL.
func (r *viewRegistry) sweep() int {
	cutoff := r.now().Add(-r.ttl)
	r.mu.Lock()
	var stale []*view
	for id, v := range r.entries {
		if v.attached == 0 && v.created.Before(cutoff) {
			stale = append(stale, v)
			delete(r.entries, id)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	for _, v := range stale {
		_ = v.sess.Close()
	}
	if len(stale) > 0 {
		r.onCount(n)
		r.log.Info("swept idle views", "count", len(stale))
	}
	return len(stale)
}

func (r *viewRegistry) closeAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*view)
	r.mu.Unlock()
	for _, v := range entries {
		_ = v.sess.Close()
	}
	r.onCount(0)
}

func (r *viewRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
