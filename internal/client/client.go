// Package client connects to a statline server.
//
// A Client multiplexes concurrent requests over one connection; responses
// are matched to their request by ID.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	defaults "github.com/xtxerr/statline/config"
	"github.com/xtxerr/statline/internal/logging"
	"github.com/xtxerr/statline/internal/storage/query"
	"github.com/xtxerr/statline/internal/storage/series"
	"github.com/xtxerr/statline/internal/storage/types"
	"github.com/xtxerr/statline/internal/wire"
)

var log = logging.Component("client")

// =============================================================================
// State Machine
// =============================================================================

// ClientState represents the connection state of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from ClientState
	to   ClientState
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	// From Disconnected
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateClosed}:     true,

	// From Connecting
	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,

	// From Connected
	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateClosing}:      true,

	// From Closing
	{StateClosing, StateClosed}: true,
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrClientClosed     = errors.New("client is closed")
	ErrClientClosing    = errors.New("client is closing")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrTimeout          = errors.New("request timeout")
)

// ServerError is a failure reported by the server for one request.
type ServerError struct {
	Code    wire.Code
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server: %s: %s", e.Code, e.Message)
}

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	Addr           string
	Token          string
	TLS            bool
	TLSSkipVerify  bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxMessageSize int
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           defaults.DefaultListen,
		ConnectTimeout: defaults.DefaultAuthTimeout,
		RequestTimeout: defaults.DefaultRequestTimeout,
		MaxMessageSize: defaults.DefaultMaxMessageSize,
	}
}

// Client talks to a statline server.
type Client struct {
	cfg       Config
	tlsConfig *tls.Config

	// Connection - protected by mu
	mu        sync.Mutex
	conn      net.Conn
	w         *wire.Writer
	sessionID string
	done      chan struct{} // closed when the current connection ends

	state atomic.Int32

	pendingMu sync.Mutex
	pending   map[uint64]chan *wire.Response
	requestID atomic.Uint64

	onDisconnect func(error)
}

// New creates a client. Zero timeouts and sizes take the defaults.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c := &Client{
		cfg:     *cfg,
		pending: make(map[uint64]chan *wire.Response),
	}

	d := DefaultConfig()
	if c.cfg.ConnectTimeout <= 0 {
		c.cfg.ConnectTimeout = d.ConnectTimeout
	}
	if c.cfg.RequestTimeout <= 0 {
		c.cfg.RequestTimeout = d.RequestTimeout
	}
	if c.cfg.MaxMessageSize <= 0 {
		c.cfg.MaxMessageSize = d.MaxMessageSize
	}

	if cfg.TLS {
		c.tlsConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
	}

	return c
}

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// transitionFrom attempts to transition from a specific state to a new state.
func (c *Client) transitionFrom(from, to ClientState) bool {
	if !validTransitions[stateTransition{from: from, to: to}] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// =============================================================================
// Connection Management
// =============================================================================

// Connect dials the server and authenticates. A client that lost its
// connection may connect again; a closed client may not.
func (c *Client) Connect(ctx context.Context) error {
	switch c.getState() {
	case StateClosed:
		return ErrClientClosed
	case StateClosing:
		return ErrClientClosing
	case StateConnected:
		return ErrAlreadyConnected
	case StateConnecting:
		return fmt.Errorf("connection already in progress")
	}

	if !c.transitionFrom(StateDisconnected, StateConnecting) {
		return fmt.Errorf("cannot connect: current state is %s", c.getState())
	}

	success := false
	defer func() {
		if !success {
			c.transitionFrom(StateConnecting, StateDisconnected)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var conn net.Conn
	var err error

	if c.tlsConfig != nil {
		dialer := &tls.Dialer{Config: c.tlsConfig}
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	} else {
		dialer := &net.Dialer{}
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	r := wire.NewReaderSize(conn, c.cfg.MaxMessageSize)
	w := wire.NewWriterSize(conn, c.cfg.MaxMessageSize)

	sessionID, err := c.authenticate(ctx, conn, r, w)
	if err != nil {
		conn.Close()
		return err
	}

	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.w = w
	c.sessionID = sessionID
	c.done = done
	c.mu.Unlock()

	if !c.transitionFrom(StateConnecting, StateConnected) {
		conn.Close()
		return fmt.Errorf("cannot connect: current state is %s", c.getState())
	}

	go c.readLoop(conn, r, done)

	success = true
	log.Debug("connected", "addr", c.cfg.Addr, "session_id", sessionID)
	return nil
}

func (c *Client) authenticate(ctx context.Context, conn net.Conn, r *wire.Reader, w *wire.Writer) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := w.WriteRequest(&wire.Request{Op: wire.OpAuth, Token: c.cfg.Token}); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	resp, err := r.ReadResponse()
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}

	if resp.Code != wire.CodeOK {
		return "", fmt.Errorf("%s: %w", resp.Error, ErrAuthFailed)
	}
	return resp.Session, nil
}

// Close closes the client permanently.
func (c *Client) Close() error {
	for {
		switch c.getState() {
		case StateClosed, StateClosing:
			return nil
		case StateDisconnected:
			if c.transitionFrom(StateDisconnected, StateClosed) {
				return nil
			}
		case StateConnected:
			if c.transitionFrom(StateConnected, StateClosing) {
				return c.closeConn()
			}
		case StateConnecting:
			// Wait for the dial to settle.
			time.Sleep(time.Millisecond)
		}
	}
}

func (c *Client) closeConn() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn = nil
	c.w = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
		<-done
	}

	c.transitionFrom(StateClosing, StateClosed)
	return err
}

// =============================================================================
// State Queries
// =============================================================================

// SessionID returns the session ID of the last successful login.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// IsClosed returns true if permanently closed.
func (c *Client) IsClosed() bool {
	return c.getState() == StateClosed
}

// State returns the current state as a string.
func (c *Client) State() string {
	return c.getState().String()
}

// OnDisconnect sets the handler called when the server drops the connection.
func (c *Client) OnDisconnect(fn func(error)) {
	c.pendingMu.Lock()
	c.onDisconnect = fn
	c.pendingMu.Unlock()
}

// =============================================================================
// Read Loop
// =============================================================================

func (c *Client) readLoop(conn net.Conn, r *wire.Reader, done chan struct{}) {
	defer close(done)

	for {
		resp, err := r.ReadResponse()
		if err != nil {
			if !c.transitionFrom(StateConnected, StateDisconnected) {
				// Closed by us
				return
			}

			conn.Close()
			log.Debug("disconnected", "addr", c.cfg.Addr, "error", err)

			c.pendingMu.Lock()
			fn := c.onDisconnect
			c.pendingMu.Unlock()
			if fn != nil {
				fn(err)
			}
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendingMu.Unlock()

		if ok {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}

// =============================================================================
// Request/Response
// =============================================================================

func (c *Client) request(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	switch c.getState() {
	case StateConnected:
	case StateClosed, StateClosing:
		return nil, ErrClientClosed
	default:
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	w, done := c.w, c.done
	c.mu.Unlock()
	if w == nil {
		return nil, ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	req.ID = c.requestID.Add(1)
	ch := make(chan *wire.Response, 1)

	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	if err := w.WriteRequest(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Code != wire.CodeOK {
			return nil, &ServerError{Code: resp.Code, Message: resp.Error}
		}
		return resp, nil

	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w: %v", req.Op, ErrTimeout, ctx.Err())

	case <-done:
		if c.IsClosed() || c.getState() == StateClosing {
			return nil, ErrClientClosed
		}
		return nil, ErrNotConnected
	}
}

// Collect aggregates the requested metrics on the server.
func (c *Client) Collect(ctx context.Context, q query.Request) (*series.Result, error) {
	resp, err := c.request(ctx, &wire.Request{
		Op:         wire.OpQuery,
		Names:      q.Names,
		Start:      q.Start,
		End:        q.End,
		Resolution: q.Resolution,
	})
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("query: %w", ErrNoResult)
	}
	return resp.Result, nil
}

// ErrNoResult is returned when a query response carries no result.
var ErrNoResult = errors.New("response without result")

// Names returns the metric names the token may read, sorted.
func (c *Client) Names(ctx context.Context) ([]string, error) {
	resp, err := c.request(ctx, &wire.Request{Op: wire.OpNames})
	if err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// LastDatapoints returns the most recent value of every readable datapoint
// metric.
func (c *Client) LastDatapoints(ctx context.Context) (map[string]float64, error) {
	resp, err := c.request(ctx, &wire.Request{Op: wire.OpLast})
	if err != nil {
		return nil, err
	}
	if resp.Values == nil {
		return map[string]float64{}, nil
	}
	return resp.Values, nil
}

// Record sends one event to the server's recorder.
func (c *Client) Record(ctx context.Context, ev types.Event) error {
	_, err := c.request(ctx, &wire.Request{
		Op:    wire.OpRecord,
		Kind:  ev.Kind.String(),
		Name:  ev.Name,
		Value: ev.Value,
		Time:  ev.Time,
	})
	return err
}

// Flush asks the server to write its open buckets.
func (c *Client) Flush(ctx context.Context) error {
	_, err := c.request(ctx, &wire.Request{Op: wire.OpFlush})
	return err
}
