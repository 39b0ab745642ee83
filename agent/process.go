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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/paas"
)

var errInvalidPid = fmt.Errorf("%w: process id must be positive", paas.ErrInvalid)

// readerGrace bounds how long the waiter waits for the output readers
// after the process itself has exited.  A descendant that escaped the
// group can hold the pipes open indefinitely.
const readerGrace = 2 * time.Second

// group is the lifetime scope of a spawned process: killing the group
// kills the process and all of its descendants.
type group interface {
	kill() error
	release()
}

// process represents one spawned instance of an application's command.
// Each instance has its own pipes, readers, and port detection state;
// a restart creates a new process.
type process struct {
	pid     int
	cmd     *exec.Cmd
	group   group
	stdout  *os.File
	stderr  *os.File
	readers sync.WaitGroup
	found   atomic.Bool
	exited  atomic.Bool
}

func buildEnv(vars map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// startProcess spawns the application's command.  On success the
// process is running but none of its output has been read yet.
func startProcess(app *paas.Application) (*process, error) {
	argv := app.Argv()
	if len(argv) == 0 {
		return nil, paas.ErrEmptyCommand
	}
	cmd := exec.Command(paas.ResolveExecutable(argv[0]), argv[1:]...)
	cmd.Dir = app.WorkingDir
	cmd.Env = buildEnv(app.EnvVars)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	prepareGroup(cmd)

	err = cmd.Start()
	// The child has its own copies of the write ends now.
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return nil, err
	}

	return &process{
		pid:    cmd.Process.Pid,
		cmd:    cmd,
		group:  attachGroup(cmd),
		stdout: outR,
		stderr: errR,
	}, nil
}

// pump starts the stdout and stderr readers.  Every line goes to sink;
// the first line announcing a port is also given to onPort.
func (p *process) pump(sink func(paas.LogLine), onPort func(int)) {
	p.readers.Add(2)
	go p.doLog(p.stdout, paas.Stdout, sink, onPort)
	go p.doLog(p.stderr, paas.Stderr, sink, onPort)
}

func (p *process) doLog(r io.Reader, stream paas.Stream, sink func(paas.LogLine), onPort func(int)) {
	defer p.readers.Done()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			line = strings.TrimRight(line, "\r\n")
			if !p.found.Load() {
				if port, ok := DetectPort(line); ok && p.found.CompareAndSwap(false, true) {
					onPort(port)
				}
			}
			sink(paas.LogLine{Stream: stream, Message: line})
		}
		if err != nil {
			return
		}
	}
}

// wait blocks until the process exits and its output is drained, and
// returns the exit code.  A process killed by a signal reports -1.
func (p *process) wait() int {
	err := p.cmd.Wait()
	p.exited.Store(true)

	done := make(chan struct{})
	go func() {
		p.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(readerGrace):
		// Closing the read ends unblocks the readers.
		p.stdout.Close()
		p.stderr.Close()
		<-done
	}
	p.stdout.Close()
	p.stderr.Close()
	p.group.release()

	var ee *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ee):
		return ee.ExitCode()
	default:
		return -1
	}
}

// kill terminates the process group, unless the process has already
// been reaped and its pid may belong to someone else.
func (p *process) kill() error {
	if p.exited.Load() {
		return nil
	}
	return p.group.kill()
}
