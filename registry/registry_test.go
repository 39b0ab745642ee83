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

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/paas"
	"github.com/gdamore/paas/store"
)

// testSup is a fake agent.  Like the real one, it reports RUNNING with a
// fresh pid before Run returns.
type testSup struct {
	reg      *Registry
	runs     []*paas.Application
	stops    []int
	alive    map[int]bool
	probes   int
	nextPid  int
	runErr   error
	stopErr  error
	aliveErr error
	onStop   func(pid int)
	mx       sync.Mutex
}

func (s *testSup) Run(ctx context.Context, app *paas.Application) error {
	s.mx.Lock()
	s.runs = append(s.runs, app.Clone())
	s.nextPid++
	pid := 1000 + s.nextPid
	s.alive[pid] = true
	err := s.runErr
	s.mx.Unlock()
	if err != nil {
		return err
	}
	_, err = s.reg.Patch(ctx, app.Id, paas.RunningPatch(pid))
	return err
}

func (s *testSup) Stop(ctx context.Context, pid int) error {
	s.mx.Lock()
	s.stops = append(s.stops, pid)
	s.alive[pid] = false
	hook := s.onStop
	err := s.stopErr
	s.mx.Unlock()
	if hook != nil {
		hook(pid)
	}
	return err
}

func (s *testSup) Alive(ctx context.Context, pid int) (bool, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.probes++
	if s.aliveErr != nil {
		return false, s.aliveErr
	}
	return s.alive[pid], nil
}

func (s *testSup) setAlive(pid int, alive bool) {
	s.mx.Lock()
	s.alive[pid] = alive
	s.mx.Unlock()
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *testSup) {
	db, err := store.Open(context.Background(), store.Memory)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sup := &testSup{alive: make(map[int]bool)}
	reg := New(db, sup, quietLog(), cfg)
	sup.reg = reg
	return reg, sup
}

func newApp(name string, port int) *paas.Application {
	return &paas.Application{Name: name, Command: "npm run dev", Port: port}
}

func TestDeploy(t *testing.T) {
	Convey("Given a registry", t, func() {
		reg, sup := newTestRegistry(t, Config{})
		ctx := context.Background()

		Convey("Deploy records the application and runs it", func() {
			d, err := reg.Deploy(ctx, newApp("web", 3000))
			So(err, ShouldBeNil)
			So(d.Id, ShouldNotBeEmpty)
			So(d.Port, ShouldEqual, 3000)

			reg.Wait()
			So(len(sup.runs), ShouldEqual, 1)
			So(sup.runs[0].Id, ShouldEqual, d.Id)
			So(sup.runs[0].Status, ShouldEqual, paas.StatusPending)
			So(sup.runs[0].Pid, ShouldBeNil)

			app, err := reg.Get(ctx, d.Id)
			So(err, ShouldBeNil)
			So(app.Status, ShouldEqual, paas.StatusRunning)
			So(*app.Pid, ShouldEqual, 1001)
		})

		Convey("A held port is a conflict until its holder stops", func() {
			d, err := reg.Deploy(ctx, newApp("web", 3000))
			So(err, ShouldBeNil)
			reg.Wait()

			_, err = reg.Deploy(ctx, newApp("api", 3000))
			So(paas.IsPortConflict(err), ShouldBeTrue)

			_, err = reg.Patch(ctx, d.Id, paas.StatusPatch(paas.StatusStopped))
			So(err, ShouldBeNil)
			_, err = reg.Deploy(ctx, newApp("api", 3000))
			So(err, ShouldBeNil)
			reg.Wait()

			all, err := reg.List(ctx)
			So(err, ShouldBeNil)
			So(len(all), ShouldEqual, 2)
			So(all[0].Name, ShouldEqual, "web")
		})

		Convey("Bad specs are refused", func() {
			_, err := reg.Deploy(ctx, newApp("", 3000))
			So(err, ShouldEqual, paas.ErrInvalid)
			_, err = reg.Deploy(ctx, &paas.Application{Name: "x", Command: " ", Port: 3000})
			So(err, ShouldEqual, paas.ErrEmptyCommand)
			_, err = reg.Deploy(ctx, newApp("x", 0))
			So(err, ShouldEqual, paas.ErrInvalid)
			_, err = reg.Deploy(ctx, newApp("x", 70000))
			So(err, ShouldEqual, paas.ErrInvalid)
		})

		Convey("An unreachable agent leaves the application PENDING", func() {
			sup.runErr = paas.ErrUnavailable
			d, err := reg.Deploy(ctx, newApp("web", 3000))
			So(err, ShouldBeNil)
			reg.Wait()
			app, err := reg.Get(ctx, d.Id)
			So(err, ShouldBeNil)
			So(app.Status, ShouldEqual, paas.StatusPending)
		})
	})
}

func TestPatch(t *testing.T) {
	Convey("Given a running application", t, func() {
		reg, sup := newTestRegistry(t, Config{})
		ctx := context.Background()
		d, err := reg.Deploy(ctx, newApp("web", 3000))
		So(err, ShouldBeNil)
		reg.Wait()

		Convey("STOPPED is persisted before the kill, even if the kill fails", func() {
			var seen *paas.Application
			sup.onStop = func(pid int) {
				seen, _ = reg.Get(ctx, d.Id)
			}
			sup.stopErr = errors.New("agent down")

			app, err := reg.Patch(ctx, d.Id, paas.StatusPatch(paas.StatusStopped))
			So(err, ShouldBeNil)
			So(app.Status, ShouldEqual, paas.StatusStopped)
			So(app.Pid, ShouldBeNil)
			So(sup.stops, ShouldResemble, []int{1001})
			So(seen, ShouldNotBeNil)
			So(seen.Status, ShouldEqual, paas.StatusStopped)
			So(seen.Pid, ShouldBeNil)
		})

		Convey("Fields are merged independently", func() {
			name := "renamed"
			_, err := reg.Patch(ctx, d.Id, &paas.Patch{Name: &name})
			So(err, ShouldBeNil)
			app, err := reg.Patch(ctx, d.Id, paas.PortPatch(5173))
			So(err, ShouldBeNil)
			So(app.Name, ShouldEqual, "renamed")
			So(app.Port, ShouldEqual, 5173)
			So(app.Status, ShouldEqual, paas.StatusRunning)
			So(app.Pid, ShouldNotBeNil)
			So(len(sup.stops), ShouldEqual, 0)
		})

		Convey("A non-running status drops the pid", func() {
			crashed := paas.StatusCrashed
			app, err := reg.Patch(ctx, d.Id, &paas.Patch{Status: &crashed})
			So(err, ShouldBeNil)
			So(app.Pid, ShouldBeNil)
		})

		Convey("Invalid patches are refused", func() {
			bad := paas.Status("SLEEPING")
			_, err := reg.Patch(ctx, d.Id, &paas.Patch{Status: &bad})
			So(err, ShouldEqual, paas.ErrBadStatus)
			_, err = reg.Patch(ctx, "nope", paas.PortPatch(4000))
			So(err, ShouldEqual, paas.ErrNotFound)
		})

		Convey("Delete persists, then kills", func() {
			var lookup error
			sup.onStop = func(pid int) {
				_, lookup = reg.Get(ctx, d.Id)
			}
			So(reg.Delete(ctx, d.Id), ShouldBeNil)
			So(sup.stops, ShouldResemble, []int{1001})
			So(lookup, ShouldEqual, paas.ErrNotFound)
			So(reg.Delete(ctx, d.Id), ShouldEqual, paas.ErrNotFound)
		})

		Convey("Reconcile stops everything", func() {
			So(reg.Reconcile(ctx), ShouldBeNil)
			app, err := reg.Get(ctx, d.Id)
			So(err, ShouldBeNil)
			So(app.Status, ShouldEqual, paas.StatusStopped)
			So(app.Pid, ShouldBeNil)
			So(len(sup.stops), ShouldEqual, 0)
		})
	})
}

func TestLiveStatus(t *testing.T) {
	Convey("Given a running application", t, func() {
		reg, sup := newTestRegistry(t, Config{})
		ctx := context.Background()
		d, err := reg.Deploy(ctx, newApp("web", 3000))
		So(err, ShouldBeNil)
		reg.Wait()

		Convey("A live process stays RUNNING", func() {
			ls, err := reg.LiveStatus(ctx, d.Id)
			So(err, ShouldBeNil)
			So(ls.Status, ShouldEqual, paas.StatusRunning)
			So(*ls.Pid, ShouldEqual, 1001)
			So(ls.Name, ShouldEqual, "web")
			So(ls.Command, ShouldEqual, "npm run dev")
		})

		Convey("A vanished process is marked STOPPED, never back", func() {
			sup.setAlive(1001, false)
			ls, err := reg.LiveStatus(ctx, d.Id)
			So(err, ShouldBeNil)
			So(ls.Status, ShouldEqual, paas.StatusStopped)
			So(ls.Pid, ShouldBeNil)

			sup.setAlive(1001, true)
			ls, err = reg.LiveStatus(ctx, d.Id)
			So(err, ShouldBeNil)
			So(ls.Status, ShouldEqual, paas.StatusStopped)
		})

		Convey("An unreachable agent leaves the stored status", func() {
			sup.aliveErr = paas.ErrUnavailable
			ls, err := reg.LiveStatus(ctx, d.Id)
			So(err, ShouldBeNil)
			So(ls.Status, ShouldEqual, paas.StatusRunning)
		})

		Convey("Probes are not cached by default", func() {
			reg.LiveStatus(ctx, d.Id)
			reg.LiveStatus(ctx, d.Id)
			So(sup.probes, ShouldEqual, 2)
		})
	})

	Convey("Probes are cached when a TTL is set", t, func() {
		reg, sup := newTestRegistry(t, Config{StatusCacheTTL: time.Hour})
		ctx := context.Background()
		d, err := reg.Deploy(ctx, newApp("web", 3000))
		So(err, ShouldBeNil)
		reg.Wait()

		reg.LiveStatus(ctx, d.Id)
		reg.LiveStatus(ctx, d.Id)
		So(sup.probes, ShouldEqual, 1)
	})
}

func TestRedeploy(t *testing.T) {
	Convey("Given a running application", t, func() {
		reg, sup := newTestRegistry(t, Config{})
		ctx := context.Background()
		d, err := reg.Deploy(ctx, newApp("web", 3000))
		So(err, ShouldBeNil)
		reg.Wait()

		Convey("Redeploy stops, clears, and spawns on the new port", func() {
			port := 4000
			app, err := reg.Redeploy(ctx, d.Id, &port)
			So(err, ShouldBeNil)
			So(sup.stops, ShouldResemble, []int{1001})
			So(len(sup.runs), ShouldEqual, 2)
			So(sup.runs[1].Pid, ShouldBeNil)
			So(sup.runs[1].Port, ShouldEqual, 4000)
			So(sup.runs[1].Status, ShouldEqual, paas.StatusPending)

			So(app.Status, ShouldEqual, paas.StatusRunning)
			So(*app.Pid, ShouldEqual, 1002)
			So(app.Port, ShouldEqual, 4000)
		})

		Convey("Agent failures are swallowed", func() {
			sup.stopErr = paas.ErrUnavailable
			sup.runErr = paas.ErrUnavailable
			app, err := reg.Redeploy(ctx, d.Id, nil)
			So(err, ShouldBeNil)
			So(app.Status, ShouldEqual, paas.StatusPending)
			So(app.Pid, ShouldBeNil)
			So(app.Port, ShouldEqual, 3000)
		})

		Convey("Bad ports and unknown ids are refused", func() {
			port := 0
			_, err := reg.Redeploy(ctx, d.Id, &port)
			So(err, ShouldEqual, paas.ErrInvalid)
			_, err = reg.Redeploy(ctx, "nope", nil)
			So(err, ShouldEqual, paas.ErrNotFound)
		})
	})
}

func TestLogs(t *testing.T) {
	Convey("Given an application", t, func() {
		reg, _ := newTestRegistry(t, Config{MaxLogRows: 5})
		ctx := context.Background()
		d, err := reg.Deploy(ctx, newApp("web", 3000))
		So(err, ShouldBeNil)
		reg.Wait()

		add := func(n int) {
			for i := 0; i < n; i++ {
				So(reg.AppendLog(ctx, d.Id, paas.LogLine{
					Stream: paas.Stdout, Message: fmt.Sprintf("line %d", i)}), ShouldBeNil)
				time.Sleep(time.Millisecond)
			}
		}

		Convey("Bad lines are refused", func() {
			err := reg.AppendLog(ctx, d.Id, paas.LogLine{Stream: "stdin", Message: "x"})
			So(err, ShouldEqual, paas.ErrBadStream)
			err = reg.AppendLog(ctx, "nope", paas.LogLine{Stream: paas.Stdout, Message: "x"})
			So(err, ShouldEqual, paas.ErrNotFound)
			_, err = reg.Logs(ctx, "nope", paas.LogQuery{})
			So(err, ShouldEqual, paas.ErrNotFound)
		})

		Convey("Limit returns the newest entries oldest first", func() {
			add(4)
			logs, err := reg.Logs(ctx, d.Id, paas.LogQuery{Limit: 2})
			So(err, ShouldBeNil)
			So(len(logs), ShouldEqual, 2)
			So(logs[0].Message, ShouldEqual, "line 2")
			So(logs[1].Message, ShouldEqual, "line 3")

			logs, err = reg.Logs(ctx, d.Id, paas.LogQuery{})
			So(err, ShouldBeNil)
			So(len(logs), ShouldEqual, 4)
		})

		Convey("Since wins over limit", func() {
			add(4)
			all, err := reg.Logs(ctx, d.Id, paas.LogQuery{})
			So(err, ShouldBeNil)
			since := all[0].CreatedAt
			logs, err := reg.Logs(ctx, d.Id, paas.LogQuery{Limit: 1, Since: &since})
			So(err, ShouldBeNil)
			So(len(logs), ShouldEqual, 3)
			So(logs[0].Message, ShouldEqual, "line 1")
		})

		Convey("Prune caps each application", func() {
			add(8)
			So(reg.Prune(ctx), ShouldBeNil)
			logs, err := reg.Logs(ctx, d.Id, paas.LogQuery{})
			So(err, ShouldBeNil)
			So(len(logs), ShouldEqual, 5)
			So(logs[0].Message, ShouldEqual, "line 3")
		})

		Convey("Retention runs once before waiting", func() {
			add(8)
			cctx, cancel := context.WithCancel(ctx)
			go func() {
				time.Sleep(100 * time.Millisecond)
				cancel()
			}()
			reg.RunRetention(cctx, time.Hour)
			logs, err := reg.Logs(ctx, d.Id, paas.LogQuery{})
			So(err, ShouldBeNil)
			So(len(logs), ShouldEqual, 5)
		})
	})
}
