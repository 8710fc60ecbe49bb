package signaling

import "sort"

// Room is a pairing slot with exactly one host connection.
type Room struct {
	// ID is chosen by the creating participant and is not checked for collisions.
	ID string

	// HostID is the connection that registered as host most recently.
	HostID string
}

// roomTable maps room ids to their host connection. It is owned by the hub
// goroutine and never touched from anywhere else.
type roomTable struct {
	rooms map[string]*Room
}

func newRoomTable() *roomTable {
	return &roomTable{rooms: make(map[string]*Room)}
}

// bind makes connID the host of roomID. Last writer wins.
func (t *roomTable) bind(roomID, connID string) {
	t.rooms[roomID] = &Room{ID: roomID, HostID: connID}
}

// hostOf returns the host bound to roomID, if any.
func (t *roomTable) hostOf(roomID string) (string, bool) {
	room, ok := t.rooms[roomID]
	if !ok {
		return "", false
	}
	return room.HostID, true
}

// unbindHost removes every room hosted by connID and returns their ids.
func (t *roomTable) unbindHost(connID string) []string {
	var removed []string
	for id, room := range t.rooms {
		if room.HostID == connID {
			delete(t.rooms, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

func (t *roomTable) ids() []string {
	ids := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
