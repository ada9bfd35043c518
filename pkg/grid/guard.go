package grid

import "sync"

// Guard makes resume work for one episode a no-op once the user has moved on. It does not cancel
// HTTP calls; results that arrive late are dropped at the next check.
type Guard struct {
	mu       sync.Mutex
	latest   uint64
	selected string
}

// Select records episodeID as the selected episode and starts a new scan for it.
func (g *Guard) Select(episodeID string) Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selected = episodeID
	g.latest++
	return Ticket{guard: g, token: g.latest, episodeID: episodeID}
}

// Begin starts a new scan for episodeID without changing the selection. Earlier tickets stop being
// valid.
func (g *Guard) Begin(episodeID string) Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.latest++
	return Ticket{guard: g, token: g.latest, episodeID: episodeID}
}

func (g *Guard) Selected() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selected
}

// Ticket is captured at scan start and checked before every state write.
type Ticket struct {
	guard     *Guard
	token     uint64
	episodeID string
}

func (t Ticket) EpisodeID() string { return t.episodeID }

// Valid reports whether this scan is still the latest one and its episode is still selected.
func (t Ticket) Valid() bool {
	if t.guard == nil {
		return false
	}
	t.guard.mu.Lock()
	defer t.guard.mu.Unlock()
	return t.token == t.guard.latest && t.guard.selected == t.episodeID
}
