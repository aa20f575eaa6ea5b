// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/absmach/flowgate/topics"
)

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		pattern string
		want    error
	}{
		{"orders.created", nil},
		{"orders.*", nil},
		{"#", nil},
		{"", nil},
		{"orders.cre*", topics.ErrInvalidPattern},
		{"orders#", topics.ErrInvalidPattern},
		{strings.Repeat("a", topics.MaxKeyLength+1), topics.ErrKeyTooLong},
		{string([]byte{0xFF, 0xFE}), topics.ErrInvalidKey},
		{"null\u0000char", topics.ErrInvalidKey},
	}

	for _, tt := range tests {
		if err := topics.ValidatePattern(tt.pattern); !errors.Is(err, tt.want) {
			t.Errorf("ValidatePattern(%q) error = %v, want %v", tt.pattern, err, tt.want)
		}
	}
}

func TestValidateKey(t *testing.T) {
	if err := topics.ValidateKey("orders.*"); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if err := topics.ValidateKey(strings.Repeat("k", 256)); !errors.Is(err, topics.ErrKeyTooLong) {
		t.Errorf("expected ErrKeyTooLong, got %v", err)
	}
}
