// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/flowgate/envelope"
)

// Sweeper defaults.
const (
	DefaultSweepInterval    = 10 * time.Second
	DefaultHeartbeatTimeout = 60 * time.Second
	DefaultSignInTimeout    = 120 * time.Second
	DefaultRefreshWindow    = time.Minute
	probeTimeout            = time.Second
)

// Refresher issues a fresh credential for s and pushes it to the peer.
type Refresher interface {
	Refresh(ctx context.Context, s *Session) error
}

// SweeperConfig configures the heartbeat sweep.
type SweeperConfig struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	SignInTimeout    time.Duration
	RefreshWindow    time.Duration
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Refreshed      int
	RefreshFailed  int
	SignInTimeouts int
	Silent         int
	Probed         int
	Removed        int
	Deferred       int
	ExpiredReplies int
	ExpiredChunks  int
	ExpiredUploads int
}

// Sweeper periodically walks the registry enforcing credential expiry,
// sign-in and heartbeat timeouts, probing live peers and removing closed
// sessions once their consumers have drained.
type Sweeper struct {
	registry  *Registry
	cfg       SweeperConfig
	refresher Refresher
	release   func(ctx context.Context, s *Session)
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper. release, when set, is called for closed
// sessions that still hold backbone consumers.
func NewSweeper(registry *Registry, cfg SweeperConfig, refresher Refresher, release func(context.Context, *Session), logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.SignInTimeout <= 0 {
		cfg.SignInTimeout = DefaultSignInTimeout
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = DefaultRefreshWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry:  registry,
		cfg:       cfg,
		refresher: refresher,
		release:   release,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := w.Sweep(ctx)
			if st.Removed > 0 || st.Silent > 0 || st.SignInTimeouts > 0 || st.RefreshFailed > 0 {
				w.logger.Info("session_sweep",
					slog.Int("sessions", w.registry.Len()),
					slog.Int("removed", st.Removed),
					slog.Int("deferred", st.Deferred),
					slog.Int("silent", st.Silent),
					slog.Int("signin_timeouts", st.SignInTimeouts),
					slog.Int("refresh_failed", st.RefreshFailed))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one pass over the registry.
func (w *Sweeper) Sweep(ctx context.Context) SweepStats {
	var st SweepStats
	now := w.now()

	w.registry.Range(func(s *Session) bool {
		r, c, u := s.Expire(now)
		st.ExpiredReplies += r
		st.ExpiredChunks += c
		st.ExpiredUploads += u

		if !s.IsOpen() {
			w.remove(ctx, s, &st)
			return true
		}

		if s.Authenticated() {
			if id := s.Identity(); id != nil && w.refresher != nil && id.ExpiresWithin(now, w.cfg.RefreshWindow) {
				if err := w.refresher.Refresh(ctx, s); err != nil {
					st.RefreshFailed++
					w.logger.Warn("session_refresh_failed",
						slog.String("session", s.ID()),
						slog.String("error", err.Error()))
					s.Close(ErrRefreshFailed)
					return true
				}
				st.Refreshed++
			}
		} else if now.Sub(s.ConnectedAt()) > w.cfg.SignInTimeout {
			st.SignInTimeouts++
			s.Close(ErrSignInTimeout)
			return true
		}

		if now.Sub(s.LastHeartbeat()) > w.cfg.HeartbeatTimeout {
			st.Silent++
			s.Close(ErrHeartbeatTimeout)
			return true
		}

		if w.probe(ctx, s, now) {
			st.Probed++
		}
		return true
	})
	return st
}

// probe sends a ping and marks an authenticated session idle when nothing
// arrived since the previous probe.
func (w *Sweeper) probe(ctx context.Context, s *Session, now time.Time) bool {
	s.mu.Lock()
	if s.state == StateAuthenticated && !s.lastProbe.IsZero() && !s.lastHeartbeat.After(s.lastProbe) {
		s.state = StateIdle
	}
	s.lastProbe = now
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := s.Send(ctx, envelope.New(envelope.CommandPing, nil)); err != nil {
		w.logger.Debug("session_probe_failed",
			slog.String("session", s.ID()),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (w *Sweeper) remove(ctx context.Context, s *Session, st *SweepStats) {
	if s.ConsumerCount() > 0 {
		// Bindings survived the disconnect path; retry releasing them and
		// remove the session on a later pass.
		if w.release != nil {
			w.release(ctx, s)
		}
		st.Deferred++
		return
	}
	if s.InFlight() > 0 {
		st.Deferred++
		return
	}
	if _, ok := w.registry.Remove(s.ID()); !ok {
		return
	}
	s.Teardown()
	st.Removed++
	w.logger.Debug("session_removed", slog.String("session", s.ID()))
}
