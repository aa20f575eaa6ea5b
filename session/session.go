// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session tracks the lifecycle of client connections: the
// per-connection state machine, the queue and exchange consumers and change
// watches a connection owns, outstanding request correlations, the process
// wide registry and the periodic heartbeat sweep.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/flowgate/auth"
	"github.com/absmach/flowgate/blob"
	"github.com/absmach/flowgate/correlation"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/filestream"
	"github.com/absmach/flowgate/transport"
	"github.com/google/uuid"
)

// State represents the session state.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateIdle
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateIdle:
		return "idle"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close causes recorded on the transport when the session closes itself.
var (
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrSignInTimeout    = errors.New("not signed in within the sign-in timeout")
	ErrRefreshFailed    = errors.New("credential refresh failed")
	ErrSessionClosed    = errors.New("session closed")
	ErrConsumerExists   = errors.New("consumer already registered")
	ErrWatchExists      = errors.New("watch already registered")
)

// Options configures a new session.
type Options struct {
	ReplyTimeout  time.Duration
	MaxPending    int
	MaxChunks     int
	ChunkPolicy   envelope.Policy
	ChunkSize     int
	Blobs         blob.Store
	MaxUploads    int
	MaxUploadSize int64
	ClientID      string
	CompressAbove int
	MaxPayload    int // inflated payload ceiling, 0 means the frame default
	Logger        *slog.Logger
	Now           func() time.Time
}

// Session is the server side state of one client connection.
type Session struct {
	id          string
	clientID    string
	conn        transport.Conn
	connectedAt time.Time
	chunkSize   int
	compress    int
	maxPayload  int
	now         func() time.Time
	logger      *slog.Logger

	tracker     *correlation.Tracker
	reassembler *envelope.Reassembler
	receiver    *filestream.Receiver

	seq      atomic.Int64
	inflight atomic.Int64

	mu            sync.Mutex
	state         State
	token         string
	identity      *auth.Identity
	signedInAt    time.Time
	lastHeartbeat time.Time
	lastProbe     time.Time
	agent         string
	version       string
	failures      int
	queues        map[string]*Consumer
	exchanges     map[string]*Consumer
	watches       map[string]*Watch
}

// New creates a session for conn in the connecting state.
func New(conn transport.Conn, opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	t := now()
	s := &Session{
		id:            conn.ID(),
		clientID:      clientID,
		conn:          conn,
		connectedAt:   t,
		lastHeartbeat: t,
		chunkSize:     opts.ChunkSize,
		compress:      opts.CompressAbove,
		maxPayload:    opts.MaxPayload,
		now:           now,
		logger:        logger,
		tracker:       correlation.New(opts.ReplyTimeout, opts.MaxPending),
		reassembler:   envelope.NewReassembler(opts.MaxChunks, opts.ChunkPolicy),
		state:         StateConnecting,
		queues:        make(map[string]*Consumer),
		exchanges:     make(map[string]*Consumer),
		watches:       make(map[string]*Watch),
	}
	if opts.Blobs != nil {
		s.receiver = filestream.NewReceiver(opts.Blobs, opts.MaxUploads, opts.MaxUploadSize, logger)
	}
	return s
}

func (s *Session) ID() string { return s.id }
func (s *Session) ClientID() string { return s.clientID }
func (s *Session) Conn() transport.Conn { return s.conn }
func (s *Session) Transport() string { return s.conn.Transport() }
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }
func (s *Session) Tracker() *correlation.Tracker { return s.tracker }

// MaxPayload bounds inflated inbound payloads.
func (s *Session) MaxPayload() int { return s.maxPayload }
func (s *Session) Reassembler() *envelope.Reassembler { return s.reassembler }

// Receiver returns the upload sink, or nil when no blob store is configured.
func (s *Session) Receiver() *filestream.Receiver { return s.receiver }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOpen reports whether the session still accepts traffic.
func (s *Session) IsOpen() bool {
	select {
	case <-s.conn.Done():
		return false
	default:
	}
	st := s.State()
	return st != StateClosing && st != StateClosed
}

// Authenticated reports whether a sign-in succeeded.
func (s *Session) Authenticated() bool {
	st := s.State()
	return st == StateAuthenticated || st == StateIdle
}

// Authenticate attaches a validated identity and its credential.
func (s *Session) Authenticate(token string, id *auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosing || s.state == StateClosed {
		return ErrSessionClosed
	}
	s.token = token
	s.identity = id
	s.state = StateAuthenticated
	s.signedInAt = s.now()
	s.failures = 0
	return nil
}

// SetToken replaces the held credential after a refresh.
func (s *Session) SetToken(token string, id *auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	if id != nil {
		s.identity = id
	}
}

// Token returns the held credential.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Identity returns the signed in identity, or nil.
func (s *Session) Identity() *auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// SignedInAt returns the time of the last successful sign-in.
func (s *Session) SignedInAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signedInAt
}

// SetAgent records the client agent name and version sent with sign-in.
func (s *Session) SetAgent(agent, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent = agent
	s.version = version
}

// Agent returns the client agent name and version.
func (s *Session) Agent() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent, s.version
}

// SignInFailed counts a failed sign-in and returns the running total.
func (s *Session) SignInFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return s.failures
}

// Touch records inbound traffic. An idle session becomes authenticated.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = s.now()
	if s.state == StateIdle {
		s.state = StateAuthenticated
	}
}

// LastHeartbeat returns the time of the last inbound traffic.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Send stamps e with the next sequence number and queues it on the
// transport, splitting payloads larger than the configured chunk size.
func (s *Session) Send(ctx context.Context, e *envelope.Envelope) error {
	if s.compress > 0 && !e.IsStream() {
		if err := envelope.CompressPayload(e, s.compress); err != nil {
			return err
		}
	}
	parts := []*envelope.Envelope{e}
	if s.chunkSize > 0 && len(e.Data) > s.chunkSize {
		parts = envelope.Split(e, s.chunkSize)
	}
	for _, p := range parts {
		p.Seq = s.seq.Add(1)
		if err := s.conn.Send(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Request sends e and waits for the correlated reply. The pending entry is
// removed when ctx ends before a reply arrives.
func (s *Session) Request(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
	p, err := s.tracker.Register(e.ID, e.Command)
	if err != nil {
		return nil, err
	}
	if err := s.Send(ctx, e); err != nil {
		s.tracker.Cancel(e.ID, err)
		return nil, err
	}

	if timeout := s.tracker.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	reply, err := p.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = correlation.ErrTimeout
		}
		s.tracker.Cancel(e.ID, err)
	}
	return reply, err
}

// BeginDelivery marks a backbone delivery as being processed by this
// session. Removal of a closed session waits until EndDelivery.
func (s *Session) BeginDelivery() { s.inflight.Add(1) }

// EndDelivery completes a BeginDelivery.
func (s *Session) EndDelivery() { s.inflight.Add(-1) }

// InFlight returns the number of backbone deliveries being processed.
func (s *Session) InFlight() int64 { return s.inflight.Load() }

// Close moves the session to closing and closes the transport with cause.
func (s *Session) Close(cause error) error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.mu.Unlock()

	s.logger.Info("session_closing",
		slog.String("session", s.id),
		slog.String("client_id", s.clientID),
		slog.Any("cause", cause))
	return s.conn.CloseWithError(cause)
}

// Teardown fails pending requests with correlation.ErrDisconnected,
// cancels watches and aborts unfinished uploads. Consumers stay registered
// until the bridge cancels them. It is safe to call more than once.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	watches := s.watches
	s.watches = make(map[string]*Watch)
	s.mu.Unlock()

	for _, w := range watches {
		w.cancel()
	}
	s.tracker.Close(correlation.ErrDisconnected)
	s.reassembler.Reset()
	if s.receiver != nil {
		if err := s.receiver.Close(); err != nil {
			s.logger.Warn("session_upload_abort_failed",
				slog.String("session", s.id),
				slog.String("error", err.Error()))
		}
	}
}

// Expire drops stale pending replies, partial chunk sets and uploads.
func (s *Session) Expire(now time.Time) (replies, chunks, uploads int) {
	replies = s.tracker.Expire(now)
	if timeout := s.tracker.Timeout(); timeout > 0 {
		chunks = s.reassembler.Expire(now.Add(-timeout))
		if s.receiver != nil {
			uploads = s.receiver.Expire(now.Add(-timeout))
		}
	}
	return replies, chunks, uploads
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s %s)", s.id, s.conn.Transport(), s.conn.RemoteAddr())
}
