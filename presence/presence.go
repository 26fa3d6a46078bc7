package presence

import "sync"

// Tracker keeps per-user connection counts and reports the edges: the first
// connection of a user flips them online, the last one dropping flips them
// offline. Counts in between never produce a transition.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// OnConnect records one more connection for the user and reports whether this
// was the edge from zero.
func (t *Tracker) OnConnect(userId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[userId]++
	return t.counts[userId] == 1
}

// OnDisconnect records one connection gone and reports whether this was the
// edge to zero. A call without a matching OnConnect is ignored.
func (t *Tracker) OnDisconnect(userId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.counts[userId]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(t.counts, userId)
		return true
	}
	t.counts[userId] = n - 1
	return false
}

func (t *Tracker) IsOnline(userId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[userId] > 0
}

// Connections returns the current connection count of a user.
func (t *Tracker) Connections(userId string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[userId]
}

// OnlineUsers returns the ids of all users with at least one connection.
func (t *Tracker) OnlineUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := make([]string, 0, len(t.counts))
	for id := range t.counts {
		users = append(users, id)
	}
	return users
}
