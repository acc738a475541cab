// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package sessioncode

import (
	"strings"
	"testing"
)

func TestGenerate_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if !Valid(code) {
			t.Errorf("generated code %q does not match format", code)
		}
		if !strings.HasPrefix(code, Prefix) {
			t.Errorf("generated code %q missing prefix", code)
		}
		seen[code] = true
	}
	// 200 draws from a 36^6 space should not all collide.
	if len(seen) < 190 {
		t.Errorf("suspiciously many collisions: %d unique of 200", len(seen))
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"JURIS-A1B2C3", true},
		{"JURIS-ZZZZZZ", true},
		{"JURIS-000000", true},
		{"JURIS-a1b2c3", false}, // lowercase
		{"JURIS-A1B2C", false},  // too short
		{"JURIS-A1B2C34", false},
		{"JURIX-A1B2C3", false},
		{"JURIS_A1B2C3", false},
		{"", false},
		{"JURIS-A1B2C!", false},
	}
	for _, tt := range tests {
		if got := Valid(tt.code); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
