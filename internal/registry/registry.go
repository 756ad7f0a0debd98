// Package registry tracks which realtime sessions watch which show rooms and
// which sessions belong to which user. State is process-local and is rebuilt
// as clients reconnect.
package registry

import (
	"sort"
	"sync"
)

type set map[string]struct{}

func (s set) keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Registry struct {
	mu           sync.RWMutex
	rooms        map[string]set // room -> sessions
	sessionRooms map[string]set // session -> rooms
	users        map[string]set // user -> sessions
	sessionUser  map[string]string
}

func New() *Registry {
	return &Registry{
		rooms:        make(map[string]set),
		sessionRooms: make(map[string]set),
		users:        make(map[string]set),
		sessionUser:  make(map[string]string),
	}
}

// RoomForShow names the broadcast room of a show.
func RoomForShow(showID string) string { return "show:" + showID }

// Join adds the session to room. Rooms accumulate; joining twice is a no-op.
func (r *Registry) Join(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	add(r.rooms, room, sessionID)
	add(r.sessionRooms, sessionID, room)
}

func (r *Registry) Leave(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remove(r.rooms, room, sessionID)
	remove(r.sessionRooms, sessionID, room)
}

// RegisterUser binds the session to userID, replacing any earlier binding.
func (r *Registry) RegisterUser(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.sessionUser[sessionID]; ok {
		remove(r.users, prev, sessionID)
	}
	r.sessionUser[sessionID] = userID
	add(r.users, userID, sessionID)
}

// Disconnect forgets the session entirely. Users and rooms left without
// sessions are dropped.
func (r *Registry) Disconnect(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if userID, ok := r.sessionUser[sessionID]; ok {
		remove(r.users, userID, sessionID)
		delete(r.sessionUser, sessionID)
	}
	for room := range r.sessionRooms[sessionID] {
		remove(r.rooms, room, sessionID)
	}
	delete(r.sessionRooms, sessionID)
}

func (r *Registry) SessionsInRoom(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[room].keys()
}

func (r *Registry) SessionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID].keys()
}

func (r *Registry) UserOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.sessionUser[sessionID]
	return u, ok
}

type Stats struct {
	Rooms    int
	Users    int
	Sessions int
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make(set, len(r.sessionUser)+len(r.sessionRooms))
	for s := range r.sessionUser {
		sessions[s] = struct{}{}
	}
	for s := range r.sessionRooms {
		sessions[s] = struct{}{}
	}
	return Stats{Rooms: len(r.rooms), Users: len(r.users), Sessions: len(sessions)}
}

func add(m map[string]set, key, member string) {
	s, ok := m[key]
	if !ok {
		s = make(set)
		m[key] = s
	}
	s[member] = struct{}{}
}

func remove(m map[string]set, key, member string) {
	s, ok := m[key]
	if !ok {
		return
	}
	delete(s, member)
	if len(s) == 0 {
		delete(m, key)
	}
}
