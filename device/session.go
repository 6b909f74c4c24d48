package device

import (
	"runtime"

	"github.com/c360/depthgraph/errors"
)

// shared is one live exclusive connection. Its fields are guarded by the
// owning broker's mutex.
type shared struct {
	id     string
	conn   Connection
	broker *Broker

	refs   int
	closed bool
}

// handle is the per-Session state the runtime cleanup needs. It must not
// point back at the Session.
type handle struct {
	s        *shared
	released bool
}

// Session is a reference-counted handle on a device connection. Clone adds
// a handle on the same connection; Release drops one. When the last handle
// is released the connection is closed on a best-effort basis. A handle
// that becomes unreachable without Release is released by the runtime.
type Session struct {
	h       *handle
	cleanup runtime.Cleanup
}

func (b *Broker) newHandleLocked(s *shared) *Session {
	s.refs++
	h := &handle{s: s}
	sess := &Session{h: h}
	sess.cleanup = runtime.AddCleanup(sess, func(h *handle) {
		b.release(h, true)
	}, h)
	return sess
}

// release drops h's reference. It never fails: a failing close on the last
// reference is logged and discarded.
func (b *Broker) release(h *handle, leaked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h.released {
		return
	}
	h.released = true
	s := h.s
	s.refs--

	if leaked {
		b.logger.Warn("Device session handle leaked; released by cleanup", "session", s.id)
	}
	if s.refs > 0 {
		return
	}
	if err := b.closeShared(s); err != nil {
		b.logger.Warn("Best-effort device close failed", "session", s.id, "error", err)
		return
	}
	b.logger.Info("Device session closed", "session", s.id, "device", s.conn.Info().DeviceID)
}

// ID identifies the underlying connection. Clones share it.
func (s *Session) ID() string {
	return s.h.s.id
}

// Info returns the connected device.
func (s *Session) Info() DeviceInfo {
	return s.h.s.conn.Info()
}

func (s *Session) Platform() Platform {
	return s.Info().Platform
}

// Connection returns the underlying transport connection.
func (s *Session) Connection() Connection {
	return s.h.s.conn
}

// RefCount returns the number of live handles on the connection.
func (s *Session) RefCount() int {
	b := s.h.s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.h.s.refs
}

// Clone returns a new handle on the same connection.
func (s *Session) Clone() (*Session, error) {
	b := s.h.s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.h.released {
		return nil, errors.Record(errors.WrapInvalid(errors.ErrInvalidHandle, "Session", "Clone", "released handle"))
	}
	return b.newHandleLocked(s.h.s), nil
}

// Close closes the connection shared by every handle. The handles stay
// valid and report IsClosed. Close is idempotent.
func (s *Session) Close() error {
	b := s.h.s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.h.released {
		return errors.Record(errors.WrapInvalid(errors.ErrInvalidHandle, "Session", "Close", "released handle"))
	}
	if err := b.closeShared(s.h.s); err != nil {
		return errors.Record(errors.Wrap(err, "Session", "Close", "close connection"))
	}
	b.logger.Info("Device session closed", "session", s.h.s.id)
	return nil
}

// IsClosed reports whether the connection is closed. A released handle
// always reports true.
func (s *Session) IsClosed() bool {
	b := s.h.s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.h.released {
		return true
	}
	return s.h.s.closed || s.h.s.conn.IsClosed()
}

// Release drops this handle. It is idempotent and never fails.
func (s *Session) Release() {
	s.cleanup.Stop()
	s.h.s.broker.release(s.h, false)
}

// Released reports whether Release has been called on this handle.
func (s *Session) Released() bool {
	b := s.h.s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.h.released
}
