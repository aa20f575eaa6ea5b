// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch maps decoded request envelopes to their handlers and
// answers every request with exactly one reply or error envelope.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/absmach/flowgate/auth"
	"github.com/absmach/flowgate/blob"
	"github.com/absmach/flowgate/bridge"
	"github.com/absmach/flowgate/docstore"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/session"
	"github.com/absmach/flowgate/workitem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/flowgate/dispatch"

var (
	ErrNotSignedIn           = errors.New("not signed in")
	ErrUnknownCommand        = errors.New("unknown command")
	ErrInvalidMessage        = errors.New("invalid message")
	ErrUnavailable           = errors.New("command not available on this server")
	ErrTooManySignInFailures = errors.New("too many failed sign-ins")
	ErrInternal              = errors.New("internal error")
)

// Queues is the queue-broker bridge as seen by the dispatcher.
type Queues interface {
	RegisterQueue(ctx context.Context, s *session.Session, name string) (string, error)
	RegisterExchange(ctx context.Context, s *session.Session, exchange, algorithm, routingKey string, autoCreate bool) (string, string, error)
	CloseConsumer(ctx context.Context, s *session.Session, name string) error
	QueueMessage(ctx context.Context, s *session.Session, m bridge.Message) error
}

// Workitems is the workitem queue engine as seen by the dispatcher.
type Workitems interface {
	AddQueue(ctx context.Context, id *auth.Identity, req workitem.AddQueueRequest) (*workitem.Queue, error)
	GetQueue(ctx context.Context, id *auth.Identity, ref workitem.QueueRef) (*workitem.Queue, error)
	UpdateQueue(ctx context.Context, id *auth.Identity, req workitem.UpdateQueueRequest) (*workitem.Queue, error)
	DeleteQueue(ctx context.Context, id *auth.Identity, ref workitem.QueueRef) error
	Add(ctx context.Context, id *auth.Identity, req workitem.AddItemRequest) (*workitem.Item, error)
	AddMany(ctx context.Context, id *auth.Identity, req workitem.AddItemsRequest) ([]*workitem.Item, error)
	Pop(ctx context.Context, id *auth.Identity, req workitem.PopRequest) (*workitem.Item, error)
	Update(ctx context.Context, id *auth.Identity, req workitem.UpdateItemRequest) (*workitem.Item, error)
	Delete(ctx context.Context, id *auth.Identity, itemID string) error
}

// Recorder observes handled commands.
type Recorder interface {
	RecordCommand(ctx context.Context, command string, elapsed time.Duration, err error)
}

// Services are the collaborators commands are routed to. Nil services make
// their commands answer with ErrUnavailable.
type Services struct {
	Credentials auth.Credentials
	Users       auth.Users
	Queues      Queues
	Workitems   Workitems
	Documents   docstore.Store
	Blobs       blob.Store
	Recorder    Recorder
}

// Config tunes the dispatcher.
type Config struct {
	// TokenTTL is the lifetime of credentials issued at sign-in.
	TokenTTL time.Duration
	// SignInFailureLimit closes the connection once that many sign-ins
	// failed. Zero never closes.
	SignInFailureLimit int
	// ChunkSize bounds the stream envelopes of a download.
	ChunkSize int
}

// HandlerFunc handles one command. The returned value is marshalled as the
// reply payload.
type HandlerFunc func(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error)

// noReply is returned by handlers that answered themselves or whose
// command expects no answer.
type noReply struct{}

// closeAfter closes the connection once the error reply was sent.
type closeAfter struct {
	err   error
	cause error
}

func (e *closeAfter) Error() string { return e.err.Error() }
func (e *closeAfter) Unwrap() error { return e.err }

// Dispatcher routes request envelopes to handlers.
type Dispatcher struct {
	svc      Services
	cfg      Config
	handlers [numCommands]HandlerFunc
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a dispatcher with the handler table for every command.
func New(svc Services, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		svc:    svc,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger,
		now:    time.Now,
	}
	d.handlers = [numCommands]HandlerFunc{
		Ping:                d.ping,
		Pong:                d.ignore,
		Signin:              d.signin,
		RefreshToken:        d.refreshToken,
		RegisterQueue:       d.registerQueue,
		RegisterExchange:    d.registerExchange,
		QueueMessage:        d.queueMessage,
		CloseQueue:          d.closeQueue,
		Watch:               d.watch,
		Unwatch:             d.unwatch,
		Query:               d.query,
		InsertOne:           d.insertOne,
		UpdateOne:           d.updateOne,
		DeleteOne:           d.deleteOne,
		AddWorkitem:         d.addWorkitem,
		AddWorkitems:        d.addWorkitems,
		PopWorkitem:         d.popWorkitem,
		UpdateWorkitem:      d.updateWorkitem,
		DeleteWorkitem:      d.deleteWorkitem,
		AddWorkitemQueue:    d.addWorkitemQueue,
		UpdateWorkitemQueue: d.updateWorkitemQueue,
		DeleteWorkitemQueue: d.deleteWorkitemQueue,
		GetWorkitemQueue:    d.getWorkitemQueue,
		Upload:              d.upload,
		Download:            d.download,
		BeginStream:         d.beginStream,
		Stream:              d.stream,
		EndStream:           d.endStream,
		Error:               d.remoteError,
	}
	return d
}

// Dispatch handles e and sends its reply. It never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.Session, e *envelope.Envelope) {
	cmd := ParseCommand(e.Command)
	start := d.now()

	ctx, span := d.tracer.Start(ctx, "dispatch "+cmd.String(), trace.WithAttributes(
		attribute.String("flowgate.command", e.Command),
		attribute.String("flowgate.session", s.ID()),
	))
	defer span.End()

	result, err := d.call(ctx, cmd, s, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Debug("command_failed",
			slog.String("session", s.ID()),
			slog.String("command", e.Command),
			slog.String("error", err.Error()))
	}
	if d.svc.Recorder != nil {
		d.svc.Recorder.RecordCommand(ctx, cmd.String(), d.now().Sub(start), err)
	}
	d.reply(ctx, s, e, result, err)
}

func (d *Dispatcher) call(ctx context.Context, cmd Command, s *session.Session, e *envelope.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command_panic",
				slog.String("session", s.ID()),
				slog.String("command", e.Command),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result, err = nil, fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	h := d.handlers[cmd]
	if h == nil {
		return nil, fmt.Errorf("%w %s", ErrUnknownCommand, e.Command)
	}
	if !cmd.Public() {
		if err := d.authorize(s); err != nil {
			return nil, err
		}
	}
	return h(ctx, s, e)
}

func (d *Dispatcher) authorize(s *session.Session) error {
	if !s.Authenticated() {
		return ErrNotSignedIn
	}
	if id := s.Identity(); id != nil && !id.Expires.IsZero() && !d.now().Before(id.Expires) {
		return auth.ErrExpiredCredential
	}
	return nil
}

func (d *Dispatcher) reply(ctx context.Context, s *session.Session, e *envelope.Envelope, result any, err error) {
	var out *envelope.Envelope
	switch {
	case err != nil:
		out = errorReply(e, err)
	default:
		if _, skip := result.(noReply); skip {
			return
		}
		data, merr := json.Marshal(result)
		if merr != nil {
			out = errorReply(e, fmt.Errorf("%w: %w", ErrInternal, merr))
			break
		}
		out = e.Reply(data)
	}

	if serr := s.Send(ctx, out); serr != nil {
		d.logger.Debug("reply_send_failed",
			slog.String("session", s.ID()),
			slog.String("command", e.Command),
			slog.String("error", serr.Error()))
	}

	var ca *closeAfter
	if errors.As(err, &ca) {
		s.Close(ca.cause)
	}
}

func errorReply(e *envelope.Envelope, err error) *envelope.Envelope {
	data, _ := json.Marshal(ErrorMessage{Message: err.Error()})
	return e.ErrorReply(data)
}

func decode[T any](e *envelope.Envelope) (T, error) {
	var v T
	if len(e.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return v, nil
}
