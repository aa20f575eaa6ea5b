// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	userAgent       = "flowgate-webhook/1.0"
	signatureHeader = "X-Flowgate-Signature"
	maxDrainBytes   = 64 << 10
)

// StatusError is returned when an endpoint answers outside 2xx.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned non-2xx status: %d", e.Code)
}

// Retryable reports whether delivery may succeed on a later attempt.
// Client errors other than 408 and 429 are permanent.
func Retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return true
	}
	if se.Code == http.StatusRequestTimeout || se.Code == http.StatusTooManyRequests {
		return true
	}
	return se.Code >= 500
}

// HTTPSender posts payloads as JSON, signing them when a secret is set.
type HTTPSender struct {
	client *http.Client
	secret []byte
}

// NewHTTPSender creates a sender. A non-empty secret adds an HMAC-SHA256
// signature of the body in the X-Flowgate-Signature header.
func NewHTTPSender(secret string) *HTTPSender {
	s := &HTTPSender{
		client: &http.Client{Timeout: 30 * time.Second},
	}
	if secret != "" {
		s.secret = []byte(secret)
	}
	return s
}

// Sign returns the signature header value for payload.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send posts payload to url, bounded by timeout.
func (s *HTTPSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if s.secret != nil {
		req.Header.Set(signatureHeader, Sign(s.secret, payload))
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
