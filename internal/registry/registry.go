// Package registry keeps the set of active room ids and serves it over HTTP.
//
// The registry is advisory: it answers "does this room exist" before a joiner
// bothers the hub. It is independent of the hub's host bindings and is never
// reconciled with them.
package registry

import (
	"crypto/rand"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Registry is a thread-safe set of room ids.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]struct{}
	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:  make(map[string]struct{}),
		logger: logger.With("component", "registry"),
	}
}

// Add is idempotent.
func (r *Registry) Add(roomID string) {
	r.mu.Lock()
	r.rooms[roomID] = struct{}{}
	n := len(r.rooms)
	r.mu.Unlock()
	r.logger.Info("room registered", "room", roomID, "active", n)
}

// Remove is idempotent.
func (r *Registry) Remove(roomID string) {
	r.mu.Lock()
	delete(r.rooms, roomID)
	n := len(r.rooms)
	r.mu.Unlock()
	r.logger.Info("room unregistered", "room", roomID, "active", n)
}

func (r *Registry) Contains(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// List returns the active room ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

const roomIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewRoomID returns an id of the form ROOM-XXXX-XXXX.
func NewRoomID() string {
	var b strings.Builder
	b.WriteString("ROOM-")
	b.WriteString(randomBlock(4))
	b.WriteByte('-')
	b.WriteString(randomBlock(4))
	return b.String()
}

func randomBlock(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, v := range buf {
		buf[i] = roomIDAlphabet[int(v)%len(roomIDAlphabet)]
	}
	return string(buf)
}
