// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/absmach/flowgate/auth"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/session"
)

var _ session.Refresher = (*Dispatcher)(nil)

func (d *Dispatcher) ping(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	pong := envelope.New(envelope.CommandPong, nil)
	pong.ReplyTo = e.ID
	return noReply{}, s.Send(ctx, pong)
}

func (d *Dispatcher) ignore(context.Context, *session.Session, *envelope.Envelope) (any, error) {
	return noReply{}, nil
}

// remoteError logs an error envelope that answers nothing pending.
func (d *Dispatcher) remoteError(_ context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	m, _ := decode[ErrorMessage](e)
	d.logger.Debug("peer_error",
		slog.String("session", s.ID()),
		slog.String("reply_to", e.ReplyTo),
		slog.String("message", m.Message))
	return noReply{}, nil
}

func (d *Dispatcher) signin(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	m, err := decode[SigninMessage](e)
	if err != nil {
		return nil, err
	}

	id, err := d.authenticate(ctx, m)
	if err != nil {
		n := s.SignInFailed()
		d.logger.Info("signin_failed",
			slog.String("session", s.ID()),
			slog.String("remote", s.RemoteAddr()),
			slog.String("username", m.Username),
			slog.Int("failures", n),
			slog.String("error", err.Error()))
		if d.cfg.SignInFailureLimit > 0 && n >= d.cfg.SignInFailureLimit {
			return nil, &closeAfter{err: err, cause: ErrTooManySignInFailures}
		}
		return nil, err
	}

	if m.ValidateOnly {
		token := m.JWT
		if token == "" {
			if token, id, err = d.issue(ctx, id); err != nil {
				return nil, err
			}
		}
		return SigninReply{JWT: token, User: id}, nil
	}

	token, id, err := d.issue(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Authenticate(token, id); err != nil {
		return nil, err
	}
	s.SetAgent(m.ClientAgent, m.ClientVersion)
	d.logger.Info("signin",
		slog.String("session", s.ID()),
		slog.String("user", id.Username),
		slog.String("agent", m.ClientAgent),
		slog.String("version", m.ClientVersion))
	return SigninReply{JWT: token, User: id}, nil
}

func (d *Dispatcher) authenticate(ctx context.Context, m SigninMessage) (*auth.Identity, error) {
	if d.svc.Credentials == nil {
		return nil, ErrUnavailable
	}
	switch {
	case m.JWT != "":
		return d.svc.Credentials.ValidateCredential(ctx, m.JWT)
	case m.Username != "" && d.svc.Users != nil:
		return d.svc.Users.Authenticate(ctx, m.Username, m.Password)
	default:
		return nil, auth.ErrMissingCredential
	}
}

// issue signs a fresh credential for id and returns it with the identity
// it decodes to.
func (d *Dispatcher) issue(ctx context.Context, id *auth.Identity) (string, *auth.Identity, error) {
	token, err := d.svc.Credentials.IssueCredential(ctx, id, d.cfg.TokenTTL)
	if err != nil {
		return "", nil, err
	}
	fresh, err := d.svc.Credentials.ValidateCredential(ctx, token)
	if err != nil {
		return "", nil, err
	}
	return token, fresh, nil
}

func (d *Dispatcher) refreshToken(ctx context.Context, s *session.Session, _ *envelope.Envelope) (any, error) {
	if d.svc.Credentials == nil {
		return nil, ErrUnavailable
	}
	token, id, err := d.issue(ctx, s.Identity())
	if err != nil {
		return nil, err
	}
	s.SetToken(token, id)
	return SigninReply{JWT: token, User: id}, nil
}

// Refresh replaces the credential of s before it expires and pushes the
// new one to the peer.
func (d *Dispatcher) Refresh(ctx context.Context, s *session.Session) error {
	if d.svc.Credentials == nil {
		return ErrUnavailable
	}
	id := s.Identity()
	if id == nil {
		return ErrNotSignedIn
	}
	token, fresh, err := d.issue(ctx, id)
	if err != nil {
		return err
	}
	s.SetToken(token, fresh)

	data, err := json.Marshal(SigninReply{JWT: token, User: fresh})
	if err != nil {
		return err
	}
	return s.Send(ctx, envelope.New(CommandRefreshToken, data))
}
