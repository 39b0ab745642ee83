// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package paas

import (
	"runtime"
	"strings"
)

// SplitCommand breaks a command line into tokens on runs of whitespace.
// Quotes and backslashes have no special meaning: `echo "a b"` yields the
// three tokens `echo`, `"a`, and `b"`.  This is a deliberate limitation.
func SplitCommand(cmd string) []string {
	return strings.Fields(cmd)
}

// executableShims lists launchers for interpreted runtimes that are
// installed under a different file name on some platforms.  This is
// not a general PATH resolver; anything not listed is used verbatim.
var executableShims = map[string]map[string]string{
	"windows": {
		"npm":      "npm.cmd",
		"npx":      "npx.cmd",
		"yarn":     "yarn.cmd",
		"pnpm":     "pnpm.cmd",
		"corepack": "corepack.cmd",
		"python3":  "python",
		"pip3":     "pip",
	},
}

// ResolveExecutable applies the shim table for the running platform.
func ResolveExecutable(name string) string {
	return resolveExecutable(name, runtime.GOOS)
}

func resolveExecutable(name string, goos string) string {
	if shims, ok := executableShims[goos]; ok {
		if alias, ok := shims[name]; ok {
			return alias
		}
	}
	return name
}
