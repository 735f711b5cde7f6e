// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

package statekey

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	valid := []string{
		"vpc",
		"prod/vpc",
		"prod/networking/vpc-main",
		"team_a/app.v2/db",
	}
	for _, raw := range valid {
		if _, err := Parse(raw); err != nil {
			t.Errorf("Parse(%q): unexpected error %v", raw, err)
		}
	}

	invalid := []string{
		"",
		"/leading",
		"trailing/",
		"double//slash",
		"dot/./segment",
		"dot/../segment",
		"spaces in key",
		"back\\slash",
		strings.Repeat("k", 600),
	}
	for _, raw := range invalid {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q): expected error, got none", raw)
		}
	}
}
