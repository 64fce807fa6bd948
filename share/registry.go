package tunshare

import (
	"sync"
)

// ConnectionRegistry tracks the set of live Connections for a Tunnel. It
// is the single source of truth for active bridges: any component that
// needs to enumerate or destroy connections must go through the registry,
// never through a separately held reference, so that a Connection cannot
// be destroyed twice through different paths.
type ConnectionRegistry struct {
	lock  sync.Mutex
	conns map[int32]*Connection
}

// NewConnectionRegistry creates an empty ConnectionRegistry
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[int32]*Connection),
	}
}

// Add registers a live Connection. It is called at Connection creation
// time, before local dialing begins, so that a bulk teardown started
// mid-setup can still find and destroy the Connection.
func (r *ConnectionRegistry) Add(c *Connection) {
	r.lock.Lock()
	r.conns[c.ID] = c
	r.lock.Unlock()
}

// Remove unregisters a Connection. It is called exactly once, from the
// Connection's shutdown handler.
func (r *ConnectionRegistry) Remove(c *Connection) {
	r.lock.Lock()
	delete(r.conns, c.ID)
	r.lock.Unlock()
}

// Count returns the number of live Connections
func (r *ConnectionRegistry) Count() int {
	r.lock.Lock()
	n := len(r.conns)
	r.lock.Unlock()
	return n
}

// DestroyAll destroys every live Connection and waits for each teardown
// to complete. Connections created concurrently with DestroyAll are not
// waited for; the caller serializes against new offers by changing the
// tunnel state first.
func (r *ConnectionRegistry) DestroyAll(completionErr error) {
	r.lock.Lock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.lock.Unlock()

	for _, c := range snapshot {
		c.StartShutdown(completionErr)
	}
	for _, c := range snapshot {
		c.WaitShutdown()
	}
}
