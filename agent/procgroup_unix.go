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

//go:build !windows

package agent

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// On POSIX systems a spawned command leads its own process group, so a
// single signal to the negative pid reaches every descendant that has
// not deliberately left the group.

type pgroup struct {
	pid int
}

func prepareGroup(cmd *exec.Cmd) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	setDeathSignal(attr)
	cmd.SysProcAttr = attr
}

func attachGroup(cmd *exec.Cmd) group {
	return &pgroup{pid: cmd.Process.Pid}
}

func (g *pgroup) kill() error {
	return killPid(g.pid)
}

func (g *pgroup) release() {}

// killPid terminates the group led by pid, or just pid when it is not
// a group leader.  A process that no longer exists is not an error.
func killPid(pid int) error {
	if pid <= 0 {
		return errInvalidPid
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, unix.SIGKILL)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func pidAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, errInvalidPid
	}
	switch err := unix.Kill(pid, 0); {
	case err == nil, errors.Is(err, unix.EPERM):
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	default:
		return false, err
	}
}
