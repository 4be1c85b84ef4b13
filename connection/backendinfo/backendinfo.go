/*
The backendinfo package describes where a backend lives and how to talk to it.
A Resolver maps a backend cookie to the current BackendInfo; resolution is
retried by the behavior while a connection sits in the Connecting state, so a
Resolver only needs to answer for the topology as it stands right now.
*/
package backendinfo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// BackendInfo is a snapshot of a single backend at resolution time.
type BackendInfo struct {
	// Endpoint is the dialable address of the backend
	Endpoint string

	// Version is the backend's message schema version, stamped into every
	// transmitted envelope
	Version string

	// MaxMessages is the backend's advertised in-flight request limit
	MaxMessages int

	// SessionId identifies this resolution epoch; it changes every time the
	// backend is re-resolved, so stale responses can be told apart
	SessionId uint64
}

func (b *BackendInfo) String() string {
	return fmt.Sprintf("backend %s (version %s, session %d, window %d)", b.Endpoint, b.Version, b.SessionId, b.MaxMessages)
}

// Resolver looks up the backend behind a cookie.
type Resolver interface {
	Resolve(ctx context.Context, cookie uint64) (*BackendInfo, error)
}

// StaticResolver serves a fixed cookie-to-backend table. Each successful
// resolution hands out a fresh session id.
type StaticResolver struct {
	lock     sync.Mutex
	backends map[uint64]BackendInfo
	sessions uint64
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		backends: make(map[uint64]BackendInfo),
	}
}

func (s *StaticResolver) SetBackend(cookie uint64, info BackendInfo) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.backends[cookie] = info
}

func (s *StaticResolver) Resolve(ctx context.Context, cookie uint64) (*BackendInfo, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	info, ok := s.backends[cookie]
	if !ok {
		return nil, fmt.Errorf("no backend registered for cookie %d", cookie)
	}

	info.SessionId = atomic.AddUint64(&s.sessions, 1)
	return &info, nil
}
