package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	defaults "github.com/xtxerr/statline/config"
	"github.com/xtxerr/statline/internal/storage/config"
	"github.com/xtxerr/statline/internal/wire"
)

// Session is one authenticated connection.
//
// Each connection gets a new session; there is no resumption after a
// disconnect. Requests of a session are handled concurrently and their
// responses are written by a single writer goroutine.
type Session struct {
	ID        string
	TokenID   string
	CreatedAt time.Time

	token config.TokenConfig
	conn  net.Conn

	ctx    context.Context
	cancel context.CancelFunc

	// inflight counts requests still being handled.
	inflight sync.WaitGroup

	// sendMu is held for reading while sending so Close cannot close
	// sendCh under a blocked sender.
	sendMu sync.RWMutex
	sendCh chan *wire.Response
	done   chan struct{}

	sendTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(token config.TokenConfig, conn net.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:          generateSessionID(),
		TokenID:     token.ID,
		CreatedAt:   time.Now(),
		token:       token,
		conn:        conn,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan *wire.Response, defaults.DefaultSendBufferSize),
		done:        make(chan struct{}),
		sendTimeout: defaults.DefaultRequestTimeout,
	}
}

// Allowed reports whether the session's token grants access to name.
func (s *Session) Allowed(name string) bool {
	if len(s.token.Prefixes) == 0 {
		return true
	}
	for _, p := range s.token.Prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ReadOnly reports whether the session may only read.
func (s *Session) ReadOnly() bool {
	return s.token.ReadOnly
}

// Send queues a response for the writer. It returns false when the session
// is closed or the client did not drain its responses in time.
func (s *Session) Send(resp *wire.Response) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.closed.Load() {
		return false
	}

	select {
	case s.sendCh <- resp:
		return true
	default:
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()

	select {
	case s.sendCh <- resp:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		log.Warn("send buffer full, dropping response",
			"session_id", s.ID,
			"request_id", resp.ID)
		return false
	}
}

// Close closes the session and its connection. It is idempotent.
func (s *Session) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		close(s.done)

		s.sendMu.Lock()
		close(s.sendCh)
		s.sendMu.Unlock()

		err = s.conn.Close()
		log.Debug("session closed", "session_id", s.ID)
	})

	return err
}

// IsClosed returns true if the session is closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// This should never happen with crypto/rand
		panic("failed to generate session ID: " + err.Error())
	}
	return hex.EncodeToString(b)
}
