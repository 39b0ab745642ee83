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

// Package agent runs applications as supervised operating system
// processes on the local host, and reports what happens to them back
// to the registry.
//
// Each run of an application is a lifecycle: a sequence of strictly
// sequential attempts.  A lifecycle ends when a process exits cleanly,
// when it is stopped, when the restart budget is exhausted, or when a
// newer run of the same application supersedes it.
//
//         Run
//          |
//     +----V----+  spawn fails   +-----------+
//     |  spawn  +---------------->  CRASHED  |
//     +-A-----+-+                +-----A-----+
//       |     | RUNNING+pid            | exit != 0, attempts exhausted
//       |     |                  +-----+-----+
//       |     +------------------>   wait    |
//       |                        +-+-------+-+
//       |     +-----------+ exit != 0  |   | exit 0, or stopped
//       +-----+  backoff  <------------+   |
//             +-----------+          +-----V-----+
//                                    |  STOPPED  |
//                                    +-----------+
//
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gdamore/paas"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
)

// Config tunes a Supervisor.  Zero values select the defaults.
type Config struct {
	MaxAttempts int
	Backoff     time.Duration
	TailLines   int
}

// Supervisor spawns and watches application processes.  It implements
// paas.Supervisor.
type Supervisor struct {
	reporter    paas.Reporter
	out         *Fanout
	tails       *Tails
	log         *logrus.Entry
	maxAttempts int
	backoff     time.Duration
	apps        map[string]*appState
	pids        map[int]*lifecycle
	closed      bool
	wg          sync.WaitGroup
	mx          sync.Mutex
}

// appState is kept per application for as long as the agent runs.
type appState struct {
	cur *lifecycle
	// report serializes reports about the application, so that the end
	// of a superseded lifecycle cannot be reported after the start of
	// its successor.
	report sync.Mutex
}

type lifecycle struct {
	app        *paas.Application
	st         *appState
	proc       *process
	stopped    bool
	superseded bool
	wake       chan struct{}
	woken      bool

	// pids holds every pid the lifecycle has spawned.  The registry may
	// still know an earlier one when a restart has not been reported yet.
	pids []int
}

// interrupt cuts short a backoff sleep.  Call with the Supervisor lock
// held.
func (lc *lifecycle) interrupt() {
	if !lc.woken {
		lc.woken = true
		close(lc.wake)
	}
}

// NewSupervisor returns a Supervisor reporting to r.  Process output is
// forwarded to r, kept in a per-application tail, and echoed to log at
// debug level.
func NewSupervisor(r paas.Reporter, log *logrus.Entry, cfg Config) *Supervisor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	s := &Supervisor{
		reporter:    r,
		out:         &Fanout{},
		tails:       NewTails(cfg.TailLines),
		log:         log,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		apps:        make(map[string]*appState),
		pids:        make(map[int]*lifecycle),
	}
	s.out.AddSink(NewForwarder(r, log))
	s.out.AddSink(s.tails)
	s.out.AddSink(NewDebugSink(log))
	return s
}

// Output returns the fan-out that every line of process output passes
// through.  Additional sinks may be registered on it.
func (s *Supervisor) Output() *Fanout {
	return s.out
}

// Tail returns the recent output of an application, or nil.
func (s *Supervisor) Tail(appId string) *Tail {
	return s.tails.Get(appId)
}

func (s *Supervisor) logFor(lc *lifecycle) *logrus.Entry {
	e := s.log.WithField("app", lc.app.Id)
	s.mx.Lock()
	if lc.proc != nil {
		e = e.WithField("pid", lc.proc.pid)
	}
	s.mx.Unlock()
	return e
}

// Run starts a new lifecycle for the application, superseding any
// lifecycle it already has on this agent.  It returns once the first
// spawn has been attempted.
func (s *Supervisor) Run(ctx context.Context, app *paas.Application) error {
	if app == nil || app.Id == "" {
		return paas.ErrInvalid
	}
	lc := &lifecycle{app: app.Clone(), wake: make(chan struct{})}

	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return paas.ErrUnavailable
	}
	st := s.apps[app.Id]
	if st == nil {
		st = &appState{}
		s.apps[app.Id] = st
	}
	lc.st = st
	var prev *process
	if old := st.cur; old != nil {
		old.superseded = true
		old.interrupt()
		prev = old.proc
	}
	st.cur = lc
	s.wg.Add(1)
	s.mx.Unlock()

	if prev != nil {
		if err := prev.kill(); err != nil {
			s.log.WithField("app", app.Id).WithField("pid", prev.pid).
				WithError(err).Warn("Failed to kill superseded process")
		}
	}

	p := s.spawn(lc)
	if p == nil {
		s.finish(lc)
		s.wg.Done()
		return nil
	}
	go s.supervise(lc, p)
	return nil
}

// spawn starts one attempt.  On failure it reports CRASHED and returns
// nil.
func (s *Supervisor) spawn(lc *lifecycle) *process {
	p, err := startProcess(lc.app)
	if err != nil {
		s.logFor(lc).WithError(err).Warn("Failed to spawn")
		s.report(lc, paas.StatusPatch(paas.StatusCrashed))
		return nil
	}

	s.mx.Lock()
	lc.proc = p
	lc.pids = append(lc.pids, p.pid)
	s.pids[p.pid] = lc
	cancelled := lc.stopped || lc.superseded
	s.mx.Unlock()

	if cancelled {
		p.kill()
	} else {
		s.logFor(lc).Info("Started")
		s.report(lc, paas.RunningPatch(p.pid))
	}
	id := lc.app.Id
	p.pump(func(line paas.LogLine) {
		s.out.Line(id, line)
	}, func(port int) {
		s.logFor(lc).WithField("port", port).Info("Detected listening port")
		s.report(lc, paas.PortPatch(port))
	})
	return p
}

func (s *Supervisor) flags(lc *lifecycle) (stopped, superseded bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return lc.stopped, lc.superseded
}

func (s *Supervisor) supervise(lc *lifecycle, p *process) {
	defer s.wg.Done()
	defer s.finish(lc)

	for attempt := 1; ; attempt++ {
		code := p.wait()
		log := s.logFor(lc).WithField("code", code)

		stopped, superseded := s.flags(lc)
		switch {
		case superseded:
			log.Debug("Superseded")
			return
		case stopped:
			log.Info("Stopped")
			s.report(lc, paas.StatusPatch(paas.StatusStopped))
			return
		case code == 0:
			log.Info("Exited")
			s.report(lc, paas.StatusPatch(paas.StatusStopped))
			return
		case attempt >= s.maxAttempts:
			log.Warnf("Crashed %d times, giving up", attempt)
			s.report(lc, paas.StatusPatch(paas.StatusCrashed))
			return
		}

		log.Warn("Crashed, restarting")
		msg := fmt.Sprintf("Process exited with code %d, restarting in %v (attempt %d of %d)",
			code, s.backoff, attempt+1, s.maxAttempts)
		s.out.Line(lc.app.Id, paas.LogLine{Stream: paas.Stderr, Message: msg})
		timer := time.NewTimer(s.backoff)
		select {
		case <-lc.wake:
			timer.Stop()
		case <-timer.C:
		}

		stopped, superseded = s.flags(lc)
		switch {
		case superseded:
			return
		case stopped:
			s.report(lc, paas.StatusPatch(paas.StatusStopped))
			return
		}
		if p = s.spawn(lc); p == nil {
			return
		}
	}
}

// finish forgets a lifecycle that has ended.
func (s *Supervisor) finish(lc *lifecycle) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, pid := range lc.pids {
		if s.pids[pid] == lc {
			delete(s.pids, pid)
		}
	}
	if lc.st.cur == lc {
		lc.st.cur = nil
	}
}

// report sends a status change to the registry.  Superseded lifecycles
// report nothing, and stopped ones report nothing but STOPPED.  Failures
// are logged and otherwise ignored.
func (s *Supervisor) report(lc *lifecycle, p *paas.Patch) {
	lc.st.report.Lock()
	defer lc.st.report.Unlock()
	stopped, superseded := s.flags(lc)
	if superseded || (stopped && (p.Status == nil || *p.Status != paas.StatusStopped)) {
		return
	}
	if _, err := s.reporter.Patch(context.Background(), lc.app.Id, p); err != nil {
		s.logFor(lc).WithError(err).Warn("Failed to report status")
	}
}

// Stop kills the process group led by pid.  If pid is, or once was, the
// process of a lifecycle on this agent, that lifecycle's current process
// is killed instead and the lifecycle ends with STOPPED rather than
// restarting.  Unknown pids are killed all the same; after an agent
// restart such a pid may already have been reused by an unrelated
// process.
func (s *Supervisor) Stop(ctx context.Context, pid int) error {
	if pid <= 0 {
		return errInvalidPid
	}
	s.mx.Lock()
	lc := s.pids[pid]
	var p *process
	if lc != nil {
		lc.stopped = true
		lc.interrupt()
		p = lc.proc
	}
	s.mx.Unlock()

	if p == nil {
		return killPid(pid)
	}
	s.logFor(lc).Info("Stopping")
	return p.kill()
}

// Alive reports whether pid exists.
func (s *Supervisor) Alive(ctx context.Context, pid int) (bool, error) {
	return pidAlive(pid)
}

// Shutdown stops every lifecycle and kills every process group, then
// waits for the final reports to be sent or for ctx to expire.  No new
// runs are accepted afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mx.Lock()
	s.closed = true
	var procs []*process
	for _, st := range s.apps {
		if lc := st.cur; lc != nil {
			lc.stopped = true
			lc.interrupt()
			if lc.proc != nil {
				procs = append(procs, lc.proc)
			}
		}
	}
	s.mx.Unlock()

	for _, p := range procs {
		if err := p.kill(); err != nil {
			s.log.WithField("pid", p.pid).WithError(err).Warn("Failed to kill")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
