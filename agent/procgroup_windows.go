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

//go:build windows

package agent

import (
	"errors"
	"os/exec"
	"strconv"
	"unsafe"

	"golang.org/x/sys/windows"
)

// On Windows each spawned command is assigned to a job object that kills
// its members when the last handle to it closes.  The agent holds that
// handle, so the agent exiting for any reason takes the jobs with it.

// stillActive is the exit code reported for a process that has not exited.
const stillActive = 259

type jobGroup struct {
	job windows.Handle
	pid int
}

func prepareGroup(cmd *exec.Cmd) {}

func attachGroup(cmd *exec.Cmd) group {
	pid := cmd.Process.Pid
	job, err := newKillOnCloseJob()
	if err != nil {
		return &taskkillGroup{pid: pid}
	}
	proc, err := windows.OpenProcess(
		windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		windows.CloseHandle(job)
		return &taskkillGroup{pid: pid}
	}
	defer windows.CloseHandle(proc)
	if err := windows.AssignProcessToJobObject(job, proc); err != nil {
		windows.CloseHandle(job)
		return &taskkillGroup{pid: pid}
	}
	return &jobGroup{job: job, pid: pid}
}

func newKillOnCloseJob() (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, err
	}
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	_, err = windows.SetInformationJobObject(job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info)))
	if err != nil {
		windows.CloseHandle(job)
		return 0, err
	}
	return job, nil
}

func (g *jobGroup) kill() error {
	return windows.TerminateJobObject(g.job, 1)
}

func (g *jobGroup) release() {
	windows.CloseHandle(g.job)
}

// taskkillGroup is used when the process could not be put in a job.
type taskkillGroup struct {
	pid int
}

func (g *taskkillGroup) kill() error {
	return killPid(g.pid)
}

func (g *taskkillGroup) release() {}

// killPid terminates pid and its whole tree.  A process that no longer
// exists is not an error.
func killPid(pid int) error {
	if pid <= 0 {
		return errInvalidPid
	}
	if alive, err := pidAlive(pid); err == nil && !alive {
		return nil
	}
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}

func pidAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, errInvalidPid
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	switch {
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return true, nil
	case err != nil:
		return false, nil
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false, err
	}
	return code == stillActive, nil
}
