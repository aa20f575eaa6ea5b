// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/absmach/flowgate/auth"
	"github.com/absmach/flowgate/backbone"
	amqpbackbone "github.com/absmach/flowgate/backbone/amqp"
	bbmemory "github.com/absmach/flowgate/backbone/memory"
	"github.com/absmach/flowgate/blob"
	"github.com/absmach/flowgate/config"
	"github.com/absmach/flowgate/envelope"
	"github.com/absmach/flowgate/session"
	"github.com/absmach/flowgate/storage"
	"github.com/absmach/flowgate/storage/badger"
	"github.com/absmach/flowgate/storage/memory"
	"github.com/redis/go-redis/v9"
)

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// buildWire returns the wire used by stream, WebSocket and REST adapters.
func buildWire(cfg config.ProtocolConfig) (envelope.Wire, error) {
	codec, err := envelope.CodecByName(cfg.Codec)
	if err != nil {
		return envelope.Wire{}, err
	}
	return envelope.Wire{
		Codec:        codec,
		MaxFrameSize: cfg.MaxFrameSize,
		Checksum:     cfg.Checksum,
	}, nil
}

// grpcWire uses the protobuf codec whatever the configured codec is.
func grpcWire(w envelope.Wire) envelope.Wire {
	w.Codec = envelope.ProtoCodec{}
	return w
}

func sessionOptions(cfg *config.Config, blobs blob.Store) (session.Options, error) {
	policy, err := envelope.ParsePolicy(cfg.Protocol.ChunkPolicy)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		ReplyTimeout:  cfg.Protocol.ReplyTimeout,
		MaxPending:    cfg.Protocol.MaxPending,
		MaxChunks:     cfg.Protocol.MaxChunks,
		ChunkPolicy:   policy,
		ChunkSize:     cfg.Protocol.ChunkSize,
		Blobs:         blobs,
		MaxUploads:    cfg.Session.MaxUploads,
		MaxUploadSize: cfg.Session.MaxUploadSize,
		CompressAbove: cfg.Protocol.CompressAbove,
		MaxPayload:    cfg.Protocol.MaxFrameSize,
	}, nil
}

func openStorage(cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "badger":
		store, err := badger.New(badger.Config{
			Dir:        cfg.BadgerDir,
			SyncWrites: cfg.SyncWrites,
			GCInterval: cfg.GCInterval,
			ChunkSize:  cfg.ChunkSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func openBackbone(ctx context.Context, cfg config.BackboneConfig, logger *slog.Logger) (backbone.Backbone, error) {
	switch cfg.Type {
	case "memory":
		return bbmemory.New(), nil
	case "amqp":
		opts := amqpbackbone.NewOptions().
			SetURL(cfg.URL).
			SetPrefetch(cfg.Prefetch, 0).
			SetReconnect(true, cfg.ReconnectBackoff, cfg.MaxReconnectWait).
			SetLogger(logger)
		opts.BreakerFailures = cfg.BreakerFailures
		opts.BreakerTimeout = cfg.BreakerTimeout

		client, err := amqpbackbone.New(opts)
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to backbone: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown backbone type %q", cfg.Type)
	}
}

// newBlocklist keeps revoked credentials in redis when an address is set,
// so revocations are shared between nodes.
func newBlocklist(ctx context.Context, cfg config.AuthConfig) (auth.Blocklist, func() error, error) {
	if cfg.RedisAddr == "" {
		return auth.NewMemoryBlocklist(), func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}
	return auth.NewRedisBlocklist(client, auth.DefaultBlocklistPrefix), client.Close, nil
}

// signingSecret returns the configured secret or a random one. Credentials
// signed with a random secret do not survive a restart.
func signingSecret(cfg config.AuthConfig) (string, bool, error) {
	if cfg.Secret != "" {
		return cfg.Secret, false, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", false, err
	}
	return hex.EncodeToString(buf), true, nil
}

func listenerSummary(cfg config.ServerConfig) string {
	var parts []string
	add := func(enabled bool, name, addr string) {
		if enabled {
			parts = append(parts, name+"="+addr)
		}
	}
	add(cfg.PipeEnabled, "pipe", cfg.PipePath)
	add(cfg.TCPEnabled, "tcp", cfg.TCPAddr)
	add(cfg.WSEnabled, "websocket", cfg.WSAddr+cfg.WSPath)
	add(cfg.GRPCEnabled, "grpc", cfg.GRPCAddr)
	add(cfg.RESTEnabled, "rest", cfg.RESTAddr)
	add(cfg.HealthEnabled, "health", cfg.HealthAddr)
	return strings.Join(parts, " ")
}
