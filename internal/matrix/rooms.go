package matrix

import (
	"sort"
	"sync"
)

// roomBook tracks which rooms each virtual user has joined.
type roomBook struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func newRoomBook() *roomBook {
	return &roomBook{rooms: make(map[string]map[string]struct{})}
}

func (b *roomBook) add(userID, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.rooms[userID]
	if !ok {
		set = make(map[string]struct{})
		b.rooms[userID] = set
	}
	set[roomID] = struct{}{}
}

func (b *roomBook) remove(userID, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.rooms[userID]
	if !ok {
		return
	}
	delete(set, roomID)
	if len(set) == 0 {
		delete(b.rooms, userID)
	}
}

// roomsOf returns the rooms userID has joined in a stable order.
func (b *roomBook) roomsOf(userID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.rooms[userID]))
	for roomID := range b.rooms[userID] {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

func (b *roomBook) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.rooms {
		n += len(set)
	}
	return n
}
