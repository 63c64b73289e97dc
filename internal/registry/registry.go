package registry

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// Registry is the process-wide map of connected device sessions, indexed
// by canonical phone and, once registration reveals it, by IMEI.
type Registry struct {
	mu      sync.RWMutex
	byPhone map[string]*Session
	byIMEI  map[string]*Session
	log     *slog.Logger
}

// New creates an empty Registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		byPhone: make(map[string]*Session),
		byIMEI:  make(map[string]*Session),
		log:     log,
	}
}

// Register inserts a session for the device. A device reconnecting on a
// new socket supersedes its previous session: the old connection is closed
// before the new session becomes visible.
func (r *Registry) Register(identifier, authCode string, conn net.Conn, writeTimeout time.Duration) *Session {
	session := &Session{
		identifier:   identifier,
		authCode:     authCode,
		conn:         conn,
		writeTimeout: writeTimeout,
		connectedAt:  time.Now().UTC(),
	}

	r.mu.Lock()
	prior := r.byPhone[identifier]
	r.byPhone[identifier] = session
	r.mu.Unlock()

	if prior != nil && prior != session {
		r.log.Info("superseding existing session",
			"device", identifier, "old_peer", addrString(prior.RemoteAddr()))
		_ = prior.Close()
	}
	return session
}

// SetIMEI indexes an existing session under its IMEI.
func (r *Registry) SetIMEI(identifier, imei string) {
	if imei == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.byPhone[identifier]; ok {
		r.byIMEI[imei] = session
	}
}

// Lookup finds a session by canonical phone.
func (r *Registry) Lookup(identifier string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byPhone[identifier]
	return session, ok
}

// LookupIMEI finds a session by IMEI.
func (r *Registry) LookupIMEI(imei string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byIMEI[imei]
	return session, ok
}

// Remove tears down the session for a device and reports whether it was
// still the current one. A session that has already been superseded is left
// alone: only the current session owner may remove it, and its teardown
// must not touch shared state that now belongs to the replacement.
func (r *Registry) Remove(identifier string, session *Session) bool {
	r.mu.Lock()
	current, ok := r.byPhone[identifier]
	if !ok || (session != nil && current != session) {
		r.mu.Unlock()
		return false
	}
	delete(r.byPhone, identifier)
	if imei := current.IMEI(); imei != "" {
		if r.byIMEI[imei] == current {
			delete(r.byIMEI, imei)
		}
	}
	r.mu.Unlock()

	_ = current.Close()
	return true
}

// List snapshots every connected session for diagnostics.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byPhone))
	for _, s := range r.byPhone {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Len returns the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPhone)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
