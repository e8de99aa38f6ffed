// Package server implements the moon request-routing engine: the
// per-client control sessions, the end-user remote acceptor, and the
// cross-instance gossip fabric.
package server

import (
	"sync"
	"sync/atomic"

	"github.com/portalgun-dev/moon/pkg/wire"
)

// SendResult reports the outcome of enqueueing a packet for a subdomain.
type SendResult int

const (
	// SendSent means the packet was queued on the session's sink.
	SendSent SendResult = iota

	// SendNotFound means no session holds the subdomain.
	SendNotFound

	// SendClosed means the session exists but is draining.
	SendClosed
)

// Registry maintains the SubDomain -> ControlSession mapping and the
// reverse ClientID -> SubDomain index. Safe under parallel callers;
// no lock is held across I/O.
type Registry struct {
	sessions sync.Map // sub_domain -> *ControlSession
	subs     sync.Map // wire.ClientID -> sub_domain
	count    atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a session under its subdomain. An incumbent holding
// the same subdomain is displaced: it receives a structured shutdown
// before the new session becomes visible.
func (r *Registry) Add(s *ControlSession) {
	if prev, ok := r.sessions.Load(s.SubDomain); ok {
		if old := prev.(*ControlSession); old != s {
			old.Displace()
		}
	}

	r.subs.Store(s.ID, s.SubDomain)
	if prev, loaded := r.sessions.Swap(s.SubDomain, s); loaded {
		// Lost a race with another claimant between the eviction above
		// and the swap; evict it too. Its own Remove can no longer
		// match the map entry, so its count is unwound here.
		if old := prev.(*ControlSession); old != s {
			old.Displace()
			r.count.Add(-1)
		}
	}
	r.count.Add(1)
}

// Remove drops the session with the given client id. Idempotent; a
// second Remove (or a Remove racing a displacement) is a no-op and
// never deletes a newer session holding the same subdomain.
func (r *Registry) Remove(id wire.ClientID) {
	v, ok := r.subs.LoadAndDelete(id)
	if !ok {
		return
	}
	sub := v.(string)

	if cur, ok := r.sessions.Load(sub); ok {
		if sess := cur.(*ControlSession); sess.ID == id {
			if r.sessions.CompareAndDelete(sub, cur) {
				r.count.Add(-1)
			}
		}
	}
}

// Find returns the session holding sub, if any.
func (r *Registry) Find(sub string) (*ControlSession, bool) {
	v, ok := r.sessions.Load(sub)
	if !ok {
		return nil, false
	}
	return v.(*ControlSession), true
}

// Send enqueues a packet on the session holding sub.
func (r *Registry) Send(sub string, p wire.ControlPacket) SendResult {
	s, ok := r.Find(sub)
	if !ok {
		return SendNotFound
	}
	if err := s.Enqueue(p); err != nil {
		return SendClosed
	}
	return SendSent
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int64 {
	return r.count.Load()
}

// ForEach iterates over all sessions until fn returns false.
func (r *Registry) ForEach(fn func(sub string, s *ControlSession) bool) {
	r.sessions.Range(func(key, value any) bool {
		return fn(key.(string), value.(*ControlSession))
	})
}

// CloseAll shuts every session down with the given reason.
func (r *Registry) CloseAll(reason string) {
	r.sessions.Range(func(_, value any) bool {
		value.(*ControlSession).Close(reason)
		return true
	})
}
