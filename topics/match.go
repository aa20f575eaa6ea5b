// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics implements routing key patterns of topic exchanges.
// Keys are dot separated words. In a pattern "*" stands for exactly one
// word and "#" for zero or more words.
package topics

import "strings"

const (
	separator   = "."
	wildcardOne = "*"
	wildcardAny = "#"
)

// Match reports whether the routing key matches the binding pattern.
func Match(pattern, key string) bool {
	if pattern == key {
		return true
	}
	if pattern == wildcardAny {
		return true
	}
	return matchWords(strings.Split(pattern, separator), split(key))
}

func split(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, separator)
}

func matchWords(pattern, words []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case wildcardAny:
			rest := pattern[1:]
			// Collapse "#.#" runs.
			for len(rest) > 0 && rest[0] == wildcardAny {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(words); i++ {
				if matchWords(rest, words[i:]) {
					return true
				}
			}
			return false
		case wildcardOne:
			if len(words) == 0 {
				return false
			}
		default:
			if len(words) == 0 || pattern[0] != words[0] {
				return false
			}
		}
		pattern, words = pattern[1:], words[1:]
	}
	return len(words) == 0
}
