// Package connections tracks which live connections are bound to which user
// and keeps exactly one queue subscription per user with connections.
package connections

import (
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

// Conn is anything with a process-unique id.
type Conn interface {
	ID() uint64
}

// Subscriber is told when a user gains a first connection or loses the last.
type Subscriber interface {
	Subscribe(user string)
	Unsubscribe(user string)
}

// Registry holds the connection to user mapping in both directions.
//
// Hooks passed to Bind and Unbind run while the registry is write-locked, so
// they are ordered with respect to ForEach callbacks. Hooks and callbacks
// must not call back into the Registry.
type Registry[C Conn] struct {
	mu     sync.RWMutex
	conns  map[uint64]string
	users  map[string]map[uint64]C
	subs   Subscriber
	logger *slog.Logger
}

// New creates an empty Registry driving subs.
func New[C Conn](subs Subscriber, logger *slog.Logger) *Registry[C] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[C]{
		conns:  make(map[uint64]string),
		users:  make(map[string]map[uint64]C),
		subs:   subs,
		logger: logger.With("component", "registry"),
	}
}

// Bind associates conn with user and then runs hook. A connection bound to
// another user is attached to the new user before it is detached from the
// old one, so a shared subscription is never torn down in between. Binding
// to the current user only runs hook.
func (r *Registry[C]) Bind(conn C, user string, hook func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, bound := r.conns[conn.ID()]
	if !bound || prev != user {
		r.attach(conn, user)
		if bound {
			r.detach(conn.ID(), prev)
		}
	}
	if hook != nil {
		hook()
	}
}

// Unbind removes conn and then runs hook. It returns the user conn was
// bound to, if any. Removing a user's last connection unsubscribes it.
func (r *Registry[C]) Unbind(conn C, hook func()) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.conns[conn.ID()]
	if ok {
		delete(r.conns, conn.ID())
		r.detach(conn.ID(), user)
	}
	if hook != nil {
		hook()
	}
	return user, ok
}

func (r *Registry[C]) attach(conn C, user string) {
	r.conns[conn.ID()] = user
	set, ok := r.users[user]
	if !ok {
		set = make(map[uint64]C)
		r.users[user] = set
		r.logger.Debug("First connection for user, subscribing", "user", user)
		r.subs.Subscribe(user)
	}
	set[conn.ID()] = conn
}

// detach removes id from user's set only; the conns entry belongs to the
// caller.
func (r *Registry[C]) detach(id uint64, user string) {
	set := r.users[user]
	delete(set, id)
	if len(set) == 0 {
		delete(r.users, user)
		r.logger.Debug("Last connection for user closed, unsubscribing", "user", user)
		r.subs.Unsubscribe(user)
	}
}

// Identity returns the user conn is bound to.
func (r *Registry[C]) Identity(conn C) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.conns[conn.ID()]
	return user, ok
}

// ForEach calls fn for every connection bound to user while holding the
// read lock. fn must not block.
func (r *Registry[C]) ForEach(user string, fn func(C)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.users[user] {
		fn(conn)
	}
}

// Users returns every user with at least one bound connection.
func (r *Registry[C]) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.users)
}

// Len returns the number of bound connections.
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
