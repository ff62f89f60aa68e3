// Package registry tracks the connected clients of the broadcast server.
package registry

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is a registered client connection.
type Conn struct {
	ID          string
	Remote      string
	ConnectedAt time.Time

	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
}

// Write writes b to the underlying connection, bounded by timeout when it
// is positive.
func (c *Conn) Write(b []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(b)
}

// Close closes the underlying connection. Only the first call has an
// effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Registry is the set of live client connections.
type Registry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	conns   map[string]*Conn
	stopped bool
	log     *slog.Logger
}

// New creates an empty registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		conns: make(map[string]*Conn),
		log:   log,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Add registers a connection and wakes anyone waiting for a client.
func (r *Registry) Add(nc net.Conn) *Conn {
	c := &Conn{
		ID:          uuid.NewString(),
		Remote:      nc.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		conn:        nc,
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	n := len(r.conns)
	r.mu.Unlock()
	r.cond.Broadcast()

	r.log.Debug("Client registered", "clientID", c.ID, "remote", c.Remote, "clients", n)
	return c
}

// Remove unregisters a connection. It does not close it.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	_, ok := r.conns[c.ID]
	delete(r.conns, c.ID)
	n := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.log.Debug("Client unregistered", "clientID", c.ID, "clients", n)
	}
}

// Snapshot returns the connections registered at the time of the call. The
// caller can use them without holding the registry lock.
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// WaitNotEmpty blocks until at least one connection is registered or Stop
// was called. It returns false when stopped.
func (r *Registry) WaitNotEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.conns) == 0 && !r.stopped {
		r.cond.Wait()
	}
	return !r.stopped
}

// Stop wakes all waiters.
func (r *Registry) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

// CloseAll closes and unregisters every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			r.log.Debug("Failed to close client connection", "clientID", c.ID, "error", err)
		}
	}
}
