// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker connects transports to sessions. It owns the receive path
// of every connection: rate limiting, decompression, reply correlation,
// chunk reassembly and handing requests to the dispatcher.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/flowgate/broker/events"
	"github.com/absmach/flowgate/dispatch"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/ratelimit"
	"github.com/absmach/flowgate/session"
	"github.com/absmach/flowgate/transport"
)

const defaultReleaseTimeout = 5 * time.Second

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrShuttingDown   = errors.New("broker shutting down")
)

// Dispatcher handles request envelopes.
type Dispatcher interface {
	Dispatch(ctx context.Context, s *session.Session, e *envelope.Envelope)
}

// Releaser cancels the backbone consumers a session leaves behind.
type Releaser interface {
	CloseConsumers(ctx context.Context, s *session.Session) error
	Forget(s *session.Session)
}

// Metrics observes connection and envelope traffic.
type Metrics interface {
	RecordConnection(ctx context.Context, transport string)
	RecordDisconnection(ctx context.Context, transport string)
	RecordEnvelope(ctx context.Context, command string, size int)
	RecordError(ctx context.Context, kind string)
}

// Notifier receives session lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, ev events.Event) error
}

// Config configures the broker.
type Config struct {
	// Session is the template every new session is created from.
	Session session.Options
	// ReleaseTimeout bounds consumer cancellation on disconnect.
	ReleaseTimeout time.Duration
}

// Option customizes a Broker.
type Option func(*Broker)

// WithQueues sets the bridge that releases consumers on disconnect.
func WithQueues(r Releaser) Option {
	return func(b *Broker) { b.queues = r }
}

// WithLimiter sets the connection and message rate limiter.
func WithLimiter(m *ratelimit.Manager) Option {
	return func(b *Broker) { b.limiter = m }
}

// WithMetrics sets the metrics observer.
func WithMetrics(m Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithNotifier sets the lifecycle event notifier.
func WithNotifier(n Notifier) Option {
	return func(b *Broker) { b.notifier = n }
}

// Broker implements transport.Handler for every adapter.
type Broker struct {
	cfg        Config
	registry   *session.Registry
	dispatcher Dispatcher
	queues     Releaser
	limiter    *ratelimit.Manager
	metrics    Metrics
	notifier   Notifier
	stats      *Stats
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Handler = (*Broker)(nil)

// New creates a broker registering sessions in registry.
func New(registry *session.Registry, dispatcher Dispatcher, cfg Config, logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = defaultReleaseTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		stats:      NewStats(),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Stats returns the broker counters.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Registry returns the session registry.
func (b *Broker) Registry() *session.Registry {
	return b.registry
}

func (b *Broker) OnConnected(conn transport.Conn) {
	if !b.limiter.AllowConnection(conn.RemoteAddr()) {
		b.stats.IncrementRejected()
		b.recordError("connection_rate_limited")
		b.logger.Warn("connection_rate_limited",
			slog.String("transport", conn.Transport()),
			slog.String("remote", conn.RemoteAddr()))
		conn.CloseWithError(ratelimit.ErrConnectionLimited)
		return
	}

	opts := b.cfg.Session
	if opts.Logger == nil {
		opts.Logger = b.logger
	}
	s := session.New(conn, opts)
	b.registry.Add(s)

	b.stats.IncrementConnections()
	if b.metrics != nil {
		b.metrics.RecordConnection(b.ctx, conn.Transport())
	}
	b.logger.Info("session_connected",
		slog.String("session", s.ID()),
		slog.String("client_id", s.ClientID()),
		slog.String("transport", conn.Transport()),
		slog.String("remote", conn.RemoteAddr()))
	b.notify(events.SessionConnected{
		SessionID:  s.ID(),
		ClientID:   s.ClientID(),
		Transport:  conn.Transport(),
		RemoteAddr: conn.RemoteAddr(),
	})
}

func (b *Broker) OnReceive(conn transport.Conn, e *envelope.Envelope) error {
	s := b.registry.Get(conn.ID())
	if s == nil {
		return ErrUnknownSession
	}
	s.Touch()
	b.stats.IncrementEnvelopesReceived(len(e.Data))
	if b.metrics != nil {
		b.metrics.RecordEnvelope(b.ctx, e.Command, len(e.Data))
	}

	full, err := s.Reassembler().Add(e)
	switch {
	case errors.Is(err, envelope.ErrChunksDiscarded):
		b.logger.Warn("chunks_discarded",
			slog.String("session", s.ID()),
			slog.String("envelope", e.ID),
			slog.Int("count", e.Count))
		return nil
	case err != nil:
		b.stats.IncrementProtocolErrors()
		b.recordError("reassembly")
		return err
	case full == nil:
		return nil
	}

	if err := envelope.DecompressPayload(full, s.MaxPayload()); err != nil {
		b.stats.IncrementProtocolErrors()
		b.recordError("decompress")
		return err
	}

	if charged(full) {
		if err := b.limiter.AllowMessage(s.ID()); err != nil {
			b.stats.IncrementRateLimited()
			b.recordError("rate_limited")
			if errors.Is(err, ratelimit.ErrAbuse) {
				b.logger.Warn("session_rate_abuse",
					slog.String("session", s.ID()),
					slog.String("remote", s.RemoteAddr()))
				return err
			}
			b.rejectLimited(s, full, err)
			return nil
		}
	}

	if full.IsReply() && !full.IsStream() {
		b.resolve(s, full)
		return nil
	}
	b.dispatch(s, full)
	return nil
}

// resolve completes the server request full answers. Replies nobody waits
// for are dropped.
func (b *Broker) resolve(s *session.Session, full *envelope.Envelope) {
	if s.Tracker().Resolve(full) {
		b.stats.IncrementRepliesResolved()
		return
	}
	b.stats.IncrementRepliesDropped()
	if full.Command != envelope.CommandPong {
		b.logger.Debug("reply_dropped",
			slog.String("session", s.ID()),
			slog.String("command", full.Command),
			slog.String("reply_to", full.ReplyTo))
	}
}

// dispatch runs commands that must stay ordered with the receive loop
// inline; everything else runs on its own goroutine so a handler waiting
// on the peer never blocks the loop that delivers the peer's answer.
func (b *Broker) dispatch(s *session.Session, e *envelope.Envelope) {
	cmd := dispatch.ParseCommand(e.Command)
	if cmd.Inline() {
		signedIn := s.Authenticated()
		b.dispatcher.Dispatch(b.ctx, s, e)
		if cmd == dispatch.Signin && !signedIn && s.Authenticated() {
			b.signedIn(s)
		}
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatcher.Dispatch(b.ctx, s, e)
	}()
}

func (b *Broker) signedIn(s *session.Session) {
	ev := events.SessionSignedIn{SessionID: s.ID()}
	if id := s.Identity(); id != nil {
		ev.UserID = id.ID
		ev.Username = id.Username
	}
	ev.ClientAgent, ev.ClientVersion = s.Agent()
	b.notify(ev)
}

func (b *Broker) OnDisconnected(conn transport.Conn, err error) {
	s := b.registry.Get(conn.ID())
	if s == nil {
		return
	}
	s.Teardown()
	b.limiter.OnDisconnect(s.ID())

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ReleaseTimeout)
	b.Release(ctx, s)
	cancel()

	// Sessions still holding consumers or deliveries are removed by the
	// sweeper once those drain.
	if s.ConsumerCount() == 0 && s.InFlight() == 0 {
		b.registry.Remove(s.ID())
	}

	b.stats.DecrementConnections()
	if b.metrics != nil {
		b.metrics.RecordDisconnection(b.ctx, conn.Transport())
	}

	reason := "normal"
	if err != nil {
		reason = err.Error()
	}
	username := ""
	if id := s.Identity(); id != nil {
		username = id.Username
	}
	b.logger.Info("session_disconnected",
		slog.String("session", s.ID()),
		slog.String("client_id", s.ClientID()),
		slog.String("user", username),
		slog.String("reason", reason),
		slog.Duration("connected_for", time.Since(s.ConnectedAt())))
	b.notify(events.SessionDisconnected{
		SessionID:  s.ID(),
		ClientID:   s.ClientID(),
		Transport:  conn.Transport(),
		Username:   username,
		Reason:     reason,
		RemoteAddr: conn.RemoteAddr(),
	})
}

// Release cancels the backbone consumers of s. It is also the sweeper's
// release hook for sessions whose consumers survived the disconnect.
func (b *Broker) Release(ctx context.Context, s *session.Session) {
	if b.queues == nil {
		return
	}
	if err := b.queues.CloseConsumers(ctx, s); err != nil {
		b.logger.Warn("session_release_failed",
			slog.String("session", s.ID()),
			slog.Int("consumers", s.ConsumerCount()),
			slog.String("error", err.Error()))
		return
	}
	b.queues.Forget(s)
}

// Shutdown closes every session and waits for running handlers.
func (b *Broker) Shutdown(ctx context.Context) error {
	defer b.limiter.Stop()

	for _, s := range b.registry.Snapshot() {
		s.Close(ErrShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		return transport.ErrShutdownTimeout
	}
}

// charged reports whether e counts against the session's message budget.
// Replies and the data envelopes of an open stream are paced by the
// request that started them.
func charged(e *envelope.Envelope) bool {
	switch e.Command {
	case envelope.CommandStream, envelope.CommandEndStream:
		return false
	}
	return !e.IsReply()
}

// rejectLimited answers a rate limited request. A limited stream envelope
// aborts its upload so no partial object is committed.
func (b *Broker) rejectLimited(s *session.Session, e *envelope.Envelope, err error) {
	if !e.IsStream() {
		b.sendError(s, e, err)
		return
	}
	id := e.ID
	if e.ReplyTo != "" {
		id = e.ReplyTo
	}
	if r := s.Receiver(); r != nil {
		r.Abort(id)
	}
	data, _ := json.Marshal(dispatch.ErrorMessage{Message: err.Error()})
	reply := envelope.New(envelope.CommandError, data)
	reply.ReplyTo = id
	if serr := s.Send(b.ctx, reply); serr != nil {
		b.logger.Debug("reply_send_failed",
			slog.String("session", s.ID()),
			slog.String("command", e.Command),
			slog.String("error", serr.Error()))
	}
}

func (b *Broker) sendError(s *session.Session, e *envelope.Envelope, err error) {
	data, _ := json.Marshal(dispatch.ErrorMessage{Message: err.Error()})
	if serr := s.Send(b.ctx, e.ErrorReply(data)); serr != nil {
		b.logger.Debug("reply_send_failed",
			slog.String("session", s.ID()),
			slog.String("command", e.Command),
			slog.String("error", serr.Error()))
	}
}

func (b *Broker) recordError(kind string) {
	if b.metrics != nil {
		b.metrics.RecordError(b.ctx, kind)
	}
}

func (b *Broker) notify(ev events.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(b.ctx, ev); err != nil {
		b.logger.Debug("event_notify_failed",
			slog.String("event_type", ev.Type()),
			slog.String("error", err.Error()))
	}
}
