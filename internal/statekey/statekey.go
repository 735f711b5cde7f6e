// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package statekey deals with the hierarchical identifiers used to address
// one logical state file, such as "prod/networking/vpc". A key addresses
// exactly one lock slot and one version chain.
package statekey

import (
	"fmt"
	"strings"
)

// Key is a validated state key. Obtain one via Parse; the zero value is not
// a valid key.
type Key string

const maxKeyLen = 512

// Parse validates the given raw string and returns it as a Key.
//
// A key is one or more non-empty segments separated by forward slashes.
// Segments may contain ASCII letters, digits, dots, underscores and hyphens,
// but may not be "." or "..", so that keys map cleanly onto object names and
// filesystem paths in every backend.
func Parse(raw string) (Key, error) {
	if raw == "" {
		return "", fmt.Errorf("state key must not be empty")
	}
	if len(raw) > maxKeyLen {
		return "", fmt.Errorf("state key exceeds %d characters", maxKeyLen)
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == "" {
			return "", fmt.Errorf("state key %q contains an empty segment", raw)
		}
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("state key %q contains a relative path segment", raw)
		}
		for _, r := range seg {
			if !validKeyRune(r) {
				return "", fmt.Errorf("state key %q contains invalid character %q", raw, r)
			}
		}
	}
	return Key(raw), nil
}

// MustParse is like Parse but panics on error. For use in tests and
// compiled-in defaults only.
func MustParse(raw string) Key {
	k, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) String() string {
	return string(k)
}

func validKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-':
		return true
	}
	return false
}
