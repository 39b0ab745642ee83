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

package agent

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	failureWords = []string{"error", "failed", "refused", "dial", "connect"}
	readyWords   = []string{"listening", "started", "ready", "running",
		"serving", "local:", "localhost", "127.0.0.1"}

	hostPortRe = regexp.MustCompile(`(?:localhost|127\.0\.0\.1):(\d+)`)
	leadingRe  = regexp.MustCompile(`^\d+`)
	digitsRe   = regexp.MustCompile(`\d+`)
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// DetectPort looks for a listening port announced in a line of process
// output.  Lines that mention a failure are never matched, and a line
// must carry some vocabulary suggesting readiness.  Three patterns are
// tried in order, and the first one that yields digits decides; its
// value is then accepted only if it lies strictly between 1024 and
// 65536.
func DetectPort(line string) (int, bool) {
	s := strings.ToLower(line)
	if containsAny(s, failureWords) || !containsAny(s, readyWords) {
		return 0, false
	}

	digits := ""
	if m := hostPortRe.FindStringSubmatch(s); m != nil {
		digits = m[1]
	}
	if digits == "" && (strings.Contains(s, "listening") || strings.Contains(s, "serving")) {
		if i := strings.LastIndexByte(s, ':'); i >= 0 {
			digits = leadingRe.FindString(s[i+1:])
		}
	}
	if digits == "" {
		digits = afterPortWord(s)
	}
	if digits == "" {
		return 0, false
	}

	port, err := strconv.Atoi(digits)
	if err != nil || port <= 1024 || port >= 65536 {
		return 0, false
	}
	return port, true
}

// afterPortWord returns the first run of digits in the token following
// the word "port", as in "ready on port 3000".
func afterPortWord(s string) string {
	toks := strings.Fields(s)
	for i := 0; i+1 < len(toks); i++ {
		if strings.TrimRight(toks[i], ":=") == "port" {
			return digitsRe.FindString(toks[i+1])
		}
	}
	return ""
}
