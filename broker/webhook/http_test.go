// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPSenderSend(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverDelay    time.Duration
		timeout        time.Duration
		wantErr        bool
		errContains    string
	}{
		{
			name:           "successful request",
			serverResponse: http.StatusOK,
			timeout:        5 * time.Second,
		},
		{
			name:           "successful request with 202",
			serverResponse: http.StatusAccepted,
			timeout:        5 * time.Second,
		},
		{
			name:           "server returns 400",
			serverResponse: http.StatusBadRequest,
			timeout:        5 * time.Second,
			wantErr:        true,
			errContains:    "non-2xx status: 400",
		},
		{
			name:           "server returns 503",
			serverResponse: http.StatusServiceUnavailable,
			timeout:        5 * time.Second,
			wantErr:        true,
			errContains:    "non-2xx status: 503",
		},
		{
			name:           "timeout exceeded",
			serverResponse: http.StatusOK,
			serverDelay:    time.Second,
			timeout:        50 * time.Millisecond,
			wantErr:        true,
			errContains:    "context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("expected POST method, got %s", r.Method)
				}
				if r.Header.Get("Content-Type") != "application/json" {
					t.Errorf("expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
				}
				if r.Header.Get("User-Agent") != userAgent {
					t.Errorf("expected User-Agent %s, got %s", userAgent, r.Header.Get("User-Agent"))
				}
				if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
					t.Errorf("expected Authorization header, got %s", auth)
				}
				if sig := r.Header.Get(signatureHeader); sig != "" {
					t.Errorf("unsigned sender set signature %q", sig)
				}

				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Errorf("failed to read body: %v", err)
				}
				if string(body) != `{"test":"payload"}` {
					t.Errorf("unexpected body %s", body)
				}

				if tt.serverDelay > 0 {
					select {
					case <-time.After(tt.serverDelay):
					case <-r.Context().Done():
					}
				}
				w.WriteHeader(tt.serverResponse)
			}))
			defer server.Close()

			sender := NewHTTPSender("")
			headers := map[string]string{"Authorization": "Bearer test-token"}
			err := sender.Send(context.Background(), server.URL, headers, []byte(`{"test":"payload"}`), tt.timeout)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				} else if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestHTTPSenderSignature(t *testing.T) {
	payload := []byte(`{"event_type":"session.connected"}`)
	got := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(signatureHeader)
	}))
	defer server.Close()

	if err := NewHTTPSender("hook-secret").Send(context.Background(), server.URL, nil, payload, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sig := <-got
	if sig != Sign([]byte("hook-secret"), payload) {
		t.Errorf("unexpected signature %q", sig)
	}
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Errorf("malformed signature %q", sig)
	}
}

func TestHTTPSenderInvalidURL(t *testing.T) {
	err := NewHTTPSender("").Send(context.Background(), "invalid://url", nil, []byte("test"), 5*time.Second)
	if err == nil {
		t.Error("expected error for invalid URL, got nil")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("connection refused"), true},
		{&StatusError{Code: http.StatusBadRequest}, false},
		{&StatusError{Code: http.StatusNotFound}, false},
		{&StatusError{Code: http.StatusTooManyRequests}, true},
		{&StatusError{Code: http.StatusRequestTimeout}, true},
		{fmt.Errorf("wrapped: %w", &StatusError{Code: http.StatusBadGateway}), true},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
