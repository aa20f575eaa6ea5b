// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxKeyLength is the longest routing key a broker accepts.
const MaxKeyLength = 255

var (
	ErrKeyTooLong     = errors.New("routing key longer than 255 bytes")
	ErrInvalidKey     = errors.New("routing key is not valid UTF-8")
	ErrInvalidPattern = errors.New("wildcards must occupy a whole word")
)

// ValidateKey checks a routing key used for publishing.
func ValidateKey(key string) error {
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if !utf8.ValidString(key) || strings.ContainsRune(key, 0) {
		return ErrInvalidKey
	}
	return nil
}

// ValidatePattern checks a topic binding pattern. An empty pattern only
// matches the empty key and is valid.
func ValidatePattern(pattern string) error {
	if err := ValidateKey(pattern); err != nil {
		return err
	}
	for _, word := range strings.Split(pattern, separator) {
		if word == wildcardOne || word == wildcardAny {
			continue
		}
		if strings.ContainsAny(word, wildcardOne+wildcardAny) {
			return ErrInvalidPattern
		}
	}
	return nil
}
