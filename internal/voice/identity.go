package voice

import "sync"

// IdentityTracker maps SSRCs to Discord user IDs for one session. Entries
// are never removed; a stale entry after a disconnect only affects logs.
type IdentityTracker struct {
	mu      sync.RWMutex
	ssrcMap map[uint32]string
}

func NewIdentityTracker() *IdentityTracker {
	return &IdentityTracker{ssrcMap: make(map[uint32]string)}
}

// Observe records userID for ssrc, replacing any previous mapping.
func (t *IdentityTracker) Observe(ssrc uint32, userID string) {
	t.mu.Lock()
	t.ssrcMap[ssrc] = userID
	t.mu.Unlock()
}

// Lookup returns the user for ssrc, or ok=false if it was never observed.
func (t *IdentityTracker) Lookup(ssrc uint32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	uid, ok := t.ssrcMap[ssrc]
	return uid, ok
}

func (t *IdentityTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ssrcMap)
}
