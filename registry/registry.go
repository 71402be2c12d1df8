// Package registry tracks which account codes currently have a live
// connection. It is the only place "online" is defined: a code is
// online exactly while it has an entry here.
package registry

import "sync"

// Conn is the minimal surface the registry needs from a live
// connection: queue an outbound frame without blocking the caller, and
// close the underlying transport.
type Conn interface {
	Send(frame []byte)
	Close() error
}

// Registry is a volatile code -> connection map, safe for concurrent
// use from many connection lifecycles. It never touches disk.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func New() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Bind associates code with c, silently replacing any existing binding
// for the same code. Last login wins; a superseded connection is left
// to be closed by its own transport-close handler.
func (r *Registry) Bind(code string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[code] = c
}

// Unbind removes the binding for code only if it still points at
// exactly c, so a stale close event cannot evict a newer binding after
// a rapid reconnect. Reports whether an entry was removed.
func (r *Registry) Unbind(code string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[code]; ok && cur == c {
		delete(r.conns, code)
		return true
	}
	return false
}

func (r *Registry) Lookup(code string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[code]
	return c, ok
}

func (r *Registry) IsOnline(code string) bool {
	_, ok := r.Lookup(code)
	return ok
}

// Codes returns the codes currently bound, in no particular order.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.conns))
	for code := range r.conns {
		codes = append(codes, code)
	}
	return codes
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
