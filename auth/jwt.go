// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultTokenTTL = time.Hour

// Claims carried by session credentials.
type Claims struct {
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Roles    []Role `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Blocklist reports revoked token ids.
type Blocklist interface {
	Block(ctx context.Context, jti string, ttl time.Duration) error
	IsBlocked(ctx context.Context, jti string) (bool, error)
}

// JWTConfig controls signing and validation.
type JWTConfig struct {
	Secret    string
	Issuer    string
	TTL       time.Duration
	ClockSkew time.Duration
}

// JWT issues and validates HS256 credentials.
type JWT struct {
	cfg       JWTConfig
	blocklist Blocklist
	now       func() time.Time
}

var _ Credentials = (*JWT)(nil)

// NewJWT creates a credential service. blocklist may be nil.
func NewJWT(cfg JWTConfig, blocklist Blocklist) (*JWT, error) {
	if cfg.Secret == "" {
		return nil, ErrEmptySecret
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTokenTTL
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}
	return &JWT{cfg: cfg, blocklist: blocklist, now: time.Now}, nil
}

// IssueCredential signs a token for id. A non-positive ttl uses the configured default.
func (j *JWT) IssueCredential(_ context.Context, id *Identity, ttl time.Duration) (string, error) {
	if id == nil || id.ID == "" {
		return "", ErrInvalidCredential
	}
	if ttl <= 0 {
		ttl = j.cfg.TTL
	}

	now := j.now()
	claims := Claims{
		Name:     id.Name,
		Username: id.Username,
		Roles:    id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    j.cfg.Issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(j.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// ValidateCredential verifies signature, expiry and revocation.
func (j *JWT) ValidateCredential(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingCredential
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(j.cfg.Secret), nil
	}, jwt.WithLeeway(j.cfg.ClockSkew), jwt.WithTimeFunc(j.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredCredential
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidCredential
	}

	if j.blocklist != nil && claims.ID != "" {
		blocked, err := j.blocklist.IsBlocked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check blocklist: %w", err)
		}
		if blocked {
			return nil, ErrRevokedCredential
		}
	}

	id := &Identity{
		ID:       claims.Subject,
		Name:     claims.Name,
		Username: claims.Username,
		Roles:    claims.Roles,
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		id.Expires = claims.ExpiresAt.Time
	}
	return id, nil
}

// Revoke blocks the token until it would have expired anyway.
func (j *JWT) Revoke(ctx context.Context, id *Identity) error {
	if j.blocklist == nil || id == nil || id.TokenID == "" {
		return nil
	}
	ttl := id.Expires.Sub(j.now())
	if ttl <= 0 {
		return nil
	}
	return j.blocklist.Block(ctx, id.TokenID, ttl)
}
