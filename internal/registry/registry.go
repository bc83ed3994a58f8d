// Package registry tracks live device sessions and their outbound buffers.
package registry

import (
	"sync"

	"github.com/plantlink/plantlink/internal/auth"
)

// Handle is the slice of a session the registry needs: identity for
// /devices, liveness for is-connected checks, and eviction when a newer
// connection claims the same device id.
type Handle interface {
	// Evict asks the session to send the given ERROR code and close with a
	// normal-closure reason. Must not block.
	Evict(code string)
	// Open reports whether the underlying transport is still open.
	Open() bool
}

type entry struct {
	ctx    *auth.ClientContext
	handle Handle
}

// Registry is the concurrent clientID → session mapping. Policy on
// duplicate registration is most-recent wins: the older session is evicted.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register installs a session. When the device id is already registered the
// previous handle is evicted with replaced_by_newer_session and returned so
// the caller can count it.
func (r *Registry) Register(ctx *auth.ClientContext, h Handle) (evicted Handle) {
	r.mu.Lock()
	prev := r.entries[ctx.ClientID()]
	r.entries[ctx.ClientID()] = &entry{ctx: ctx, handle: h}
	r.mu.Unlock()

	if prev != nil {
		prev.handle.Evict("replaced_by_newer_session")
		return prev.handle
	}
	return nil
}

// Remove deletes the registration, but only if it still belongs to h.
// A session that was replaced must not remove its successor on teardown.
func (r *Registry) Remove(clientID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[clientID]; ok && e.handle == h {
		delete(r.entries, clientID)
	}
}

// Context returns the identity for a live session, or nil.
func (r *Registry) Context(clientID string) *auth.ClientContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[clientID]; ok {
		return e.ctx
	}
	return nil
}

// Handle returns the session handle, or nil.
func (r *Registry) Handle(clientID string) Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[clientID]; ok {
		return e.handle
	}
	return nil
}

// IsConnected reports whether the device has a live, open session.
func (r *Registry) IsConnected(clientID string) bool {
	h := r.Handle(clientID)
	return h != nil && h.Open()
}

// ClientIDs returns a snapshot of registered device ids.
func (r *Registry) ClientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Contexts returns a snapshot of all live identities, for /devices.
func (r *Registry) Contexts() []*auth.ClientContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*auth.ClientContext, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.ctx)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
