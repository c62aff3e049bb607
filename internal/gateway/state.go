package gateway

import "github.com/matst80/devtunnel/internal/obs"

// StateStore tracks open gateway sessions. Live sessions are always held in
// process; a shared backend may mirror their metadata for other instances.
type StateStore interface {
	put(s *session) error
	get(id string) *session
	remove(id string) *session
	list() []*session
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	recordReaped(n int)
	getStats() Stats
}

// NewStateStore returns the in-memory store, or the Redis-backed one when redisAddr is set.
func NewStateStore(redisAddr, redisPassword string, redisDB int) (StateStore, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return newMemoryStore(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return newRedisStateStore(redisAddr, redisPassword, redisDB)
}
