// Package server answers statistics queries and records events for remote
// clients.
//
// A connection starts with an auth request carrying a token. Afterwards the
// client may send query, names, last, record and flush requests in any
// order; responses carry the request ID and may arrive out of order.
package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/logging"
	"github.com/xtxerr/statline/internal/storage/config"
	"github.com/xtxerr/statline/internal/storage/query"
	"github.com/xtxerr/statline/internal/storage/series"
	"github.com/xtxerr/statline/internal/storage/types"
	"github.com/xtxerr/statline/internal/wire"
)

var log = logging.Component("server")

// =============================================================================
// Rate Limiter for Failed Authentication Attempts
// =============================================================================

// RateLimiter counts FAILED authentication attempts per IP address within
// a time window. Successful authentications reset the counter.
//
// Flow:
//  1. Client connects
//  2. Check IsBlocked() - if true, reject immediately
//  3. Attempt authentication
//  4. If auth FAILS: call RecordFailure()
//  5. If auth SUCCEEDS: call Reset() to clear failure count
type RateLimiter struct {
	mu       sync.RWMutex
	failures map[string]*rateLimitEntry
	limit    int           // max failures before blocking
	window   time.Duration // time window for counting failures
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type rateLimitEntry struct {
	count     int       // number of failed attempts
	resetTime time.Time // when this entry expires
}

// NewRateLimiter creates a rate limiter that blocks an address after limit
// failures within window. Stop releases its cleanup goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		failures: make(map[string]*rateLimitEntry),
		limit:    limit,
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// IsBlocked returns true if the IP has exceeded the failure limit.
func (rl *RateLimiter) IsBlocked(ip string) bool {
	return rl.FailureCount(ip) >= rl.limit
}

// RecordFailure records a failed authentication attempt.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, ok := rl.failures[ip]

	if !ok || now.After(entry.resetTime) {
		rl.failures[ip] = &rateLimitEntry{
			count:     1,
			resetTime: now.Add(rl.window),
		}
		return
	}

	entry.count++
}

// Reset clears the failure count for an IP (after successful auth).
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

// FailureCount returns the failures of an IP within the current window.
func (rl *RateLimiter) FailureCount(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok || rl.now().After(entry.resetTime) {
		return 0
	}
	return entry.count
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, entry := range rl.failures {
		if now.After(entry.resetTime) {
			delete(rl.failures, ip)
		}
	}
}

// =============================================================================
// Server
// =============================================================================

// Queries answers read requests.
type Queries interface {
	Collect(ctx context.Context, req query.Request) (*series.Result, error)
	Names(ctx context.Context) ([]string, error)
	LastDatapoints(ctx context.Context) (map[string]float64, error)
}

// Recorder accepts events from record and flush requests.
type Recorder interface {
	Record(ev types.Event) error
	Flush(ctx context.Context) error
}

// Stats counts server activity.
type Stats struct {
	Connections  int64
	Sessions     int
	AuthFailures int64
	Requests     int64
	Errors       int64
}

// Server accepts client connections.
type Server struct {
	cfg      config.ServerConfig
	queries  Queries
	recorder Recorder
	limiter  *RateLimiter

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*Session

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	connections  atomic.Int64
	authFailures atomic.Int64
	requests     atomic.Int64
	errors       atomic.Int64
}

// New creates a server. recorder may be nil, which refuses record and
// flush requests.
func New(cfg config.ServerConfig, queries Queries, recorder Recorder) (*Server, error) {
	if queries == nil {
		return nil, errors.NewMissingField("queries")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	if len(cfg.Tokens) == 0 {
		return nil, errors.NewMissingField("server.tokens")
	}

	return &Server{
		cfg:      cfg,
		queries:  queries,
		recorder: recorder,
		limiter:  NewRateLimiter(cfg.MaxAuthFailures, time.Minute),
		sessions: make(map[string]*Session),
		shutdown: make(chan struct{}),
	}, nil
}

// Run listens on the configured address and serves until Shutdown.
func (s *Server) Run() error {
	var ln net.Listener
	var err error

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", s.cfg.Listen)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info("listening without TLS", "address", s.cfg.Listen)
	}

	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	select {
	case <-s.shutdown:
		s.mu.Unlock()
		ln.Close()
		return nil
	default:
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Warn("accept error", "error", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections, closes every session and waits for
// their handlers.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		log.Info("shutting down")

		s.mu.Lock()
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		sessions := make([]*Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()

		for _, sess := range sessions {
			sess.Close()
		}

		s.wg.Wait()
		s.limiter.Stop()

		log.Info("shutdown complete")
	})
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	sessions := len(s.sessions)
	s.mu.Unlock()

	return Stats{
		Connections:  s.connections.Load(),
		Sessions:     sessions,
		AuthFailures: s.authFailures.Load(),
		Requests:     s.requests.Load(),
		Errors:       s.errors.Load(),
	}
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	remoteIP := extractIP(remote)
	s.connections.Add(1)

	log.Debug("connection from", "remote", remote)

	if s.limiter.IsBlocked(remoteIP) {
		log.Warn("blocked due to too many failed auth attempts", "remote", remote)
		conn.Close()
		return
	}

	r := wire.NewReaderSize(conn, s.cfg.MaxMessageSize)
	w := wire.NewWriterSize(conn, s.cfg.MaxMessageSize)

	conn.SetDeadline(time.Now().Add(s.cfg.AuthTimeout))

	req, err := r.ReadRequest()
	if err != nil {
		log.Debug("auth read error", "remote", remote, "error", err)
		conn.Close()
		return
	}

	if req.Op != wire.OpAuth {
		s.rejectAuth(w, remoteIP, req.ID, "first message must be auth")
		conn.Close()
		return
	}

	token, ok := s.validateToken(req.Token)
	if !ok {
		s.rejectAuth(w, remoteIP, req.ID, "invalid token")
		conn.Close()
		log.Warn("auth failed", "remote", remote,
			"failure_count", s.limiter.FailureCount(remoteIP))
		return
	}

	s.limiter.Reset(remoteIP)
	conn.SetDeadline(time.Time{})

	session := newSession(token, conn)
	if err := w.WriteResponse(&wire.Response{ID: req.ID, Session: session.ID}); err != nil {
		log.Error("failed to send auth response", "remote", remote, "error", err)
		conn.Close()
		return
	}

	if !s.register(session) {
		session.Close()
		return
	}
	defer s.unregister(session)

	log.Info("new session", "session_id", session.ID, "remote", remote, "token_id", token.ID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for resp := range session.sendCh {
			if err := w.WriteResponse(resp); err != nil {
				log.Debug("write failed, closing session",
					"session_id", session.ID,
					"error", err)
				session.Close()
				return
			}
		}
	}()

	for {
		msg, err := r.Read()
		if err != nil {
			break
		}

		req, err := wire.DecodeRequest(msg)
		if err != nil {
			s.errors.Add(1)
			session.Send(&wire.Response{Code: wire.CodeBadRequest, Error: err.Error()})
			continue
		}

		s.requests.Add(1)
		session.inflight.Add(1)
		go func() {
			defer session.inflight.Done()
			session.Send(s.handle(session, req))
		}()
	}

	session.cancel()
	session.inflight.Wait()
	session.Close()
	<-done

	log.Info("session disconnected", "session_id", session.ID)
}

func (s *Server) register(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.sessions[session.ID] = session
	return true
}

func (s *Server) unregister(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID)
	s.mu.Unlock()
}

func (s *Server) rejectAuth(w *wire.Writer, ip string, id uint64, msg string) {
	s.authFailures.Add(1)
	s.limiter.RecordFailure(ip)
	w.WriteResponse(&wire.Response{ID: id, Code: wire.CodeNotAuthenticated, Error: msg})
}

func (s *Server) validateToken(token string) (config.TokenConfig, bool) {
	for _, t := range s.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			return t, true
		}
	}
	return config.TokenConfig{}, false
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
