package devserver

import (
	"sort"
	"strings"
)

// normalizeRoom trims and lowercases a room key; "User_07" and "user_07 "
// are the same room.
func normalizeRoom(room string) string {
	return strings.ToLower(strings.TrimSpace(room))
}

// Subscriptions is the two-way index between sockets and rooms. It is
// only touched from the hub loop.
type Subscriptions struct {
	ClientRooms map[string]map[string]bool // client id -> rooms
	RoomClients map[string]map[string]bool // room -> client ids
}

func newSubscriptions() *Subscriptions {
	return &Subscriptions{
		ClientRooms: map[string]map[string]bool{},
		RoomClients: map[string]map[string]bool{},
	}
}

func (s *Subscriptions) Join(client, room string) bool {
	r := normalizeRoom(room)
	if r == "" {
		return false
	}
	if _, ok := s.ClientRooms[client]; !ok {
		s.ClientRooms[client] = map[string]bool{}
	}
	s.ClientRooms[client][r] = true
	if _, ok := s.RoomClients[r]; !ok {
		s.RoomClients[r] = map[string]bool{}
	}
	s.RoomClients[r][client] = true
	return true
}

func (s *Subscriptions) Leave(client, room string) bool {
	r := normalizeRoom(room)
	if r == "" {
		return false
	}
	if cr, ok := s.ClientRooms[client]; ok {
		delete(cr, r)
		if len(cr) == 0 {
			delete(s.ClientRooms, client)
		}
	}
	if rc, ok := s.RoomClients[r]; ok {
		delete(rc, client)
		if len(rc) == 0 {
			delete(s.RoomClients, r)
		}
	}
	return true
}

// Drop removes a disconnected client from every room.
func (s *Subscriptions) Drop(client string) {
	for r := range s.ClientRooms[client] {
		if rc, ok := s.RoomClients[r]; ok {
			delete(rc, client)
			if len(rc) == 0 {
				delete(s.RoomClients, r)
			}
		}
	}
	delete(s.ClientRooms, client)
}

// Members lists the client ids in room, sorted.
func (s *Subscriptions) Members(room string) []string {
	ids := make([]string, 0, len(s.RoomClients[normalizeRoom(room)]))
	for id := range s.RoomClients[normalizeRoom(room)] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
