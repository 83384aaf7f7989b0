// Package alarm holds the admin-controlled alarm shown to every connected
// client.
package alarm

import (
	"sync"
	"time"
)

// State is the current alarm. The zero value is "no alarm".
type State struct {
	Active    bool      `json:"active"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Source tells listeners where a change came from.
type Source int

const (
	// SourceLocal is a change made through this process's admin API.
	SourceLocal Source = iota
	// SourceRemote is a change received from another process.
	SourceRemote
)

type Listener func(State, Source)

// Store is a last-write-wins register for State.
type Store struct {
	now func() time.Time

	// dispatch is held across a change and its listener calls, so listeners
	// see changes in the order they were made.
	dispatch sync.Mutex

	mu        sync.RWMutex
	state     State
	listeners []Listener
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now}
}

func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OnChange registers fn to run after every accepted change. Listeners run
// synchronously on the goroutine that made the change, in registration order,
// and one change at a time. A listener must not call Set or Apply.
func (s *Store) OnChange(fn Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Set replaces the alarm unconditionally and stamps it with the current time.
func (s *Store) Set(active bool, message string) State {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	st := State{Active: active, Message: message, UpdatedAt: s.now().UTC()}
	s.mu.Lock()
	s.state = st
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(st, SourceLocal)
	}
	return st
}

// Apply installs a State produced elsewhere. States older than the current
// one are ignored; Apply reports whether st was accepted.
func (s *Store) Apply(st State) bool {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	if st.UpdatedAt.Before(s.state.UpdatedAt) || s.state.same(st) {
		s.mu.Unlock()
		return false
	}
	s.state = st
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(st, SourceRemote)
	}
	return true
}

func (s State) same(o State) bool {
	return s.Active == o.Active && s.Message == o.Message && s.UpdatedAt.Equal(o.UpdatedAt)
}
