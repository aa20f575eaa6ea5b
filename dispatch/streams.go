// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/absmach/flowgate/blob"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/filestream"
	"github.com/absmach/flowgate/session"
)

// upload opens a write sink keyed by the request id. The peer then sends
// stream envelopes replying to that id and finishes with endstream.
func (d *Dispatcher) upload(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	r := s.Receiver()
	if r == nil {
		return nil, ErrUnavailable
	}
	h, err := filestream.ParseHeader(e.Data)
	if err != nil {
		return nil, err
	}
	if err := r.Begin(ctx, e.ID, h); err != nil {
		return nil, err
	}
	return UploadReply{ID: e.ID}, nil
}

// beginStream opens a sink without a prior upload request.
func (d *Dispatcher) beginStream(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	r := s.Receiver()
	if r == nil {
		return nil, ErrUnavailable
	}
	h, err := filestream.ParseHeader(e.Data)
	if err != nil {
		return nil, err
	}
	return noReply{}, r.Begin(ctx, streamID(e), h)
}

func (d *Dispatcher) stream(_ context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	r := s.Receiver()
	if r == nil {
		return nil, ErrUnavailable
	}
	return noReply{}, r.Write(streamID(e), e.Data)
}

// endStream commits the upload once its checksum and size match.
func (d *Dispatcher) endStream(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	r := s.Receiver()
	if r == nil {
		return nil, ErrUnavailable
	}
	t, err := filestream.ParseTrailer(e.Data)
	if err != nil {
		r.Abort(streamID(e))
		return nil, err
	}
	info, err := r.End(ctx, streamID(e), t)
	if err != nil {
		return nil, err
	}
	return Result[*blob.Info]{Result: info}, nil
}

// download answers with the object metadata and then streams its bytes as
// beginstream, stream and endstream envelopes replying to the request.
func (d *Dispatcher) download(ctx context.Context, s *session.Session, e *envelope.Envelope) (any, error) {
	if d.svc.Blobs == nil {
		return nil, ErrUnavailable
	}
	m, err := decode[DownloadMessage](e)
	if err != nil {
		return nil, err
	}
	info, err := d.svc.Blobs.Stat(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(Result[*blob.Info]{Result: info})
	if err != nil {
		return nil, err
	}
	if err := s.Send(ctx, e.Reply(data)); err != nil {
		return noReply{}, nil
	}
	if _, err := filestream.SendBlob(ctx, s.Send, e.ID, d.svc.Blobs, m.ID, d.cfg.ChunkSize); err != nil {
		d.logger.Warn("download_failed",
			slog.String("session", s.ID()),
			slog.String("blob", m.ID),
			slog.String("error", err.Error()))
	}
	return noReply{}, nil
}

func streamID(e *envelope.Envelope) string {
	if e.ReplyTo != "" {
		return e.ReplyTo
	}
	return e.ID
}
