// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package version carries the build version of stateward.
package version

import (
	version "github.com/hashicorp/go-version"
)

// Version is the raw version string, set at release time.
var Version = "0.1.0-dev"

// SemVer is Version parsed; parsing at init catches a malformed release
// version before anything ships it.
var SemVer = version.Must(version.NewVersion(Version))

func String() string {
	return SemVer.String()
}
