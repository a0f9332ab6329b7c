// Copyright 2025 The sonic-4337-bundler Authors
// This file is part of the sonic-4337-bundler library.
//
// The sonic-4337-bundler library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The sonic-4337-bundler library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the sonic-4337-bundler library. If not, see <http://www.gnu.org/licenses/>.

// Package version holds the bundler release version and builds the client
// identifier reported by web3_clientVersion.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

const (
	Major = 0
	Minor = 3
	Patch = 0
	Meta  = "stable"
)

// gitCommit is set by the linker at build time.
var gitCommit string

// Semantic returns the bare x.y.z version.
func Semantic() string {
	return fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
}

// WithMeta returns the version with its release tag.
func WithMeta() string {
	v := Semantic()
	if Meta != "" {
		v += "-" + Meta
	}
	return v
}

// Commit returns the head commit hash, from the linker when set and the
// embedded build info otherwise.
func Commit() string {
	if gitCommit != "" {
		return gitCommit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				return setting.Value
			}
		}
	}
	return ""
}

// ClientName builds the identifier conventional for Ethereum tooling:
// Name/vx.y.z-meta(-commit)/os-arch/goversion.
func ClientName(name string) string {
	v := "v" + WithMeta()
	if commit := Commit(); len(commit) >= 8 {
		v += "-" + commit[:8]
	}
	return fmt.Sprintf("%s/%s/%s-%s/%s", name, v, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
