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
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("Application not found")
	ErrInvalid      = errors.New("Invalid request")
	ErrEmptyCommand = errors.New("Command is empty")
	ErrBadStatus    = errors.New("Bad application status")
	ErrBadStream    = errors.New("Bad log stream")
	ErrUnavailable  = errors.New("Peer service unavailable")
)

// PortConflictError is returned when a deploy asks for a port that is
// already held by an application that is not STOPPED.
type PortConflictError struct {
	Port  int
	Owner string // id of the application holding the port, if known
}

func (e *PortConflictError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("Port %d is already in use by application %s",
			e.Port, e.Owner)
	}
	return fmt.Sprintf("Port %d is already in use", e.Port)
}

// IsPortConflict reports whether err is, or wraps, a PortConflictError.
func IsPortConflict(err error) bool {
	var pc *PortConflictError
	return errors.As(err, &pc)
}
