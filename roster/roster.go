// Package roster tracks which players are on the host game server, fed by
// join and leave events.
package roster

import (
	"slices"
	"sync"
)

// Roster is a set of player names. It is safe for concurrent use.
type Roster struct {
	mu      sync.RWMutex
	players map[string]struct{}
}

// New returns an empty Roster.
func New() *Roster {
	return &Roster{players: make(map[string]struct{})}
}

// Join records player as present. It reports whether the player was new.
func (r *Roster) Join(player string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.players[player]; ok {
		return false
	}

	r.players[player] = struct{}{}
	return true
}

// Leave removes player. It reports whether the player was present.
func (r *Roster) Leave(player string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.players[player]; !ok {
		return false
	}

	delete(r.players, player)
	return true
}

// Contains reports whether player is present.
func (r *Roster) Contains(player string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.players[player]
	return ok
}

// Len returns the number of players present.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// Players returns the present players sorted by name.
func (r *Roster) Players() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.players))
	for p := range r.players {
		out = append(out, p)
	}
	r.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Reset forgets every player, e.g. when the game server stops.
func (r *Roster) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.players)
}
