// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package sessioncode generates and validates the human-typeable join
// tokens of the form JURIS-XXXXXX.
package sessioncode

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

// Prefix is the fixed token prefix.
const Prefix = "JURIS-"

// suffixLen is the number of random characters after the prefix.
const suffixLen = 6

// alphabet is the uppercased alphanumeric character set. Drawn from a
// CSPRNG; clashes are resolved by regeneration at the caller.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// pattern validates the exact wire format on every write.
var pattern = regexp.MustCompile(`^JURIS-[A-Z0-9]{6}$`)

// Generate returns a fresh session code from crypto/rand.
func Generate() (string, error) {
	buf := make([]byte, suffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	out := make([]byte, suffixLen)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return Prefix + string(out), nil
}

// Valid reports whether code matches the JURIS-XXXXXX format exactly.
func Valid(code string) bool {
	return pattern.MatchString(code)
}
