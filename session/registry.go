// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "sync"

// Registry holds all live sessions keyed by session id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s. An existing session with the same id is replaced and
// returned.
func (r *Registry) Add(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.sessions[s.ID()]
	r.sessions[s.ID()] = s
	return old
}

// Remove unregisters the session with id and returns it.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Get returns the session with id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions at the time of the call.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Range calls fn for each session until fn returns false. fn runs on a
// snapshot, so it may add or remove sessions.
func (r *Registry) Range(fn func(*Session) bool) {
	for _, s := range r.Snapshot() {
		if !fn(s) {
			return
		}
	}
}
