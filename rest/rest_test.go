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

package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/paas"
	"github.com/gdamore/paas/agent"
	"github.com/gdamore/paas/registry"
	"github.com/gdamore/paas/store"
)

// fakeAgent pretends to run processes.  Like the real agent it reports
// RUNNING before Run returns, and it keeps a tail per application.
type fakeAgent struct {
	rep   paas.Reporter
	tails *agent.Tails
	runs  []string
	alive map[int]bool
	next  int
	mx    sync.Mutex
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{tails: agent.NewTails(10), alive: make(map[int]bool)}
}

func (f *fakeAgent) Run(ctx context.Context, app *paas.Application) error {
	if app.Id == "" {
		return paas.ErrInvalid
	}
	f.mx.Lock()
	f.next++
	pid := 2000 + f.next
	f.alive[pid] = true
	f.runs = append(f.runs, app.Id)
	rep := f.rep
	f.mx.Unlock()
	f.tails.Line(app.Id, paas.LogLine{Stream: paas.Stdout, Message: "started " + app.Name})
	_, err := rep.Patch(ctx, app.Id, paas.RunningPatch(pid))
	return err
}

func (f *fakeAgent) Stop(ctx context.Context, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: bad pid", paas.ErrInvalid)
	}
	f.mx.Lock()
	f.alive[pid] = false
	f.mx.Unlock()
	return nil
}

func (f *fakeAgent) Alive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("%w: bad pid", paas.ErrInvalid)
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.alive[pid], nil
}

func (f *fakeAgent) Tail(appId string) *agent.Tail {
	return f.tails.Get(appId)
}

func (f *fakeAgent) isAlive(pid int) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.alive[pid]
}

// countingTransport passes requests through, counting them.
type countingTransport struct {
	n atomic.Int32
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.n.Add(1)
	return http.DefaultTransport.RoundTrip(r)
}

type brokenTransport struct{}

func (brokenTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type testbed struct {
	reg     *registry.Registry
	fa      *fakeAgent
	rc      *RegistryClient
	ac      *AgentClient
	regURL  string
	agentTS *httptest.Server
}

// newTestbed wires a registry and a fake agent together over HTTP, the
// same way the two daemons are wired.
func newTestbed(t *testing.T) *testbed {
	db, err := store.Open(context.Background(), store.Memory)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fa := newFakeAgent()
	agentTS := httptest.NewServer(NewAgentHandler(fa, quietLog()))
	ac := NewAgentClient(agentTS.URL, WithTimeout(5*time.Second))

	reg := registry.New(db, ac, quietLog(), registry.Config{})
	regTS := httptest.NewServer(NewHandler(reg, quietLog()))
	rc := NewRegistryClient(regTS.URL+"/", WithTimeout(5*time.Second))
	fa.rep = rc

	t.Cleanup(func() {
		reg.Wait()
		regTS.Close()
		agentTS.Close()
		db.Close()
	})
	return &testbed{reg: reg, fa: fa, rc: rc, ac: ac, regURL: regTS.URL, agentTS: agentTS}
}

func newApp(name string, port int) *paas.Application {
	return &paas.Application{Name: name, Command: "npm run dev", Port: port}
}

func TestRegistryAPI(t *testing.T) {
	Convey("Given a registry and an agent over HTTP", t, func() {
		tb := newTestbed(t)
		ctx := context.Background()

		Convey("A deployed application ends up RUNNING", func() {
			d, err := tb.rc.Deploy(ctx, newApp("web", 3000))
			So(err, ShouldBeNil)
			So(d.Id, ShouldNotBeEmpty)
			So(d.Port, ShouldEqual, 3000)
			tb.reg.Wait()

			app, err := tb.rc.Get(ctx, d.Id)
			So(err, ShouldBeNil)
			So(app.Status, ShouldEqual, paas.StatusRunning)
			So(*app.Pid, ShouldEqual, 2001)

			apps, err := tb.rc.List(ctx)
			So(err, ShouldBeNil)
			So(len(apps), ShouldEqual, 1)
		})

		Convey("Domain errors survive the trip", func() {
			_, err := tb.rc.Deploy(ctx, newApp("web", 3000))
			So(err, ShouldBeNil)
			_, err = tb.rc.Deploy(ctx, newApp("other", 3000))
			So(paas.IsPortConflict(err), ShouldBeTrue)
			var pc *paas.PortConflictError
			So(errors.As(err, &pc), ShouldBeTrue)
			So(pc.Port, ShouldEqual, 3000)

			_, err = tb.rc.Deploy(ctx, newApp("", 3001))
			So(errors.Is(err, paas.ErrInvalid), ShouldBeTrue)
			_, err = tb.rc.Deploy(ctx, &paas.Application{Name: "x", Port: 3002})
			So(err, ShouldEqual, paas.ErrEmptyCommand)

			_, err = tb.rc.Get(ctx, "nope")
			So(err, ShouldEqual, paas.ErrNotFound)
			So(tb.rc.Delete(ctx, "nope"), ShouldEqual, paas.ErrNotFound)
		})

		Convey("Patching to STOPPED kills the process", func() {
			d, err := tb.rc.Deploy(ctx, newApp("web", 3000))
			So(err, ShouldBeNil)
			tb.reg.Wait()
			So(tb.fa.isAlive(2001), ShouldBeTrue)

			app, err := tb.rc.Patch(ctx, d.Id, paas.StatusPatch(paas.StatusStopped))
			So(err, ShouldBeNil)
			So(app.Status, ShouldEqual, paas.StatusStopped)
			So(app.Pid, ShouldBeNil)
			So(tb.fa.isAlive(2001), ShouldBeFalse)

			name := "renamed"
			app, err = tb.rc.Patch(ctx, d.Id, &paas.Patch{Name: &name})
			So(err, ShouldBeNil)
			So(app.Name, ShouldEqual, "renamed")
		})

		Convey("Live status notices a vanished process", func() {
			d, err := tb.rc.Deploy(ctx, newApp("web", 3000))
			So(err, ShouldBeNil)
			tb.reg.Wait()

			st, err := tb.rc.LiveStatus(ctx, d.Id)
			So(err, ShouldBeNil)
			So(st.Status, ShouldEqual, paas.StatusRunning)
			So(st.Name, ShouldEqual, "web")
			So(st.Command, ShouldEqual, "npm run dev")

			So(tb.fa.Stop(ctx, *st.Pid), ShouldBeNil)
			st, err = tb.rc.LiveStatus(ctx, d.Id)
			So(err, ShouldBeNil)
			So(st.Status, ShouldEqual, paas.StatusStopped)
			So(st.Pid, ShouldBeNil)
		})

		Convey("Redeploy moves the application and runs it again", func() {
			d, err := tb.rc.Deploy(ctx, newApp("web", 3000))
			So(err, ShouldBeNil)
			tb.reg.Wait()

			port := 4000
			app, err := tb.rc.Redeploy(ctx, d.Id, &port)
			So(err, ShouldBeNil)
			So(app.Port, ShouldEqual, 4000)
			So(app.Status, ShouldEqual, paas.StatusRunning)
			So(*app.Pid, ShouldEqual, 2002)
			So(tb.fa.isAlive(2001), ShouldBeFalse)

			app, err = tb.rc.Redeploy(ctx, d.Id, nil)
			So(err, ShouldBeNil)
			So(app.Port, ShouldEqual, 4000)

			bad := 70000
			_, err = tb.rc.Redeploy(ctx, d.Id, &bad)
			So(errors.Is(err, paas.ErrInvalid), ShouldBeTrue)
		})

		Convey("Delete removes the record and the process", func() {
			d, err := tb.rc.Deploy(ctx, newApp("web", 3000))
			So(err, ShouldBeNil)
			tb.reg.Wait()
			So(tb.rc.Delete(ctx, d.Id), ShouldBeNil)
			So(tb.fa.isAlive(2001), ShouldBeFalse)
			_, err = tb.rc.Get(ctx, d.Id)
			So(err, ShouldEqual, paas.ErrNotFound)
		})

		Convey("Logs are stored and queried", func() {
			d, err := tb.rc.Deploy(ctx, newApp("web", 3000))
			So(err, ShouldBeNil)
			tb.reg.Wait()
			for i := 0; i < 3; i++ {
				So(tb.rc.AppendLog(ctx, d.Id, paas.LogLine{
					Stream: paas.Stdout, Message: fmt.Sprintf("line %d", i)}), ShouldBeNil)
			}
			err = tb.rc.AppendLog(ctx, d.Id, paas.LogLine{Stream: "stdin", Message: "x"})
			So(errors.Is(err, paas.ErrBadStream), ShouldBeTrue)
			err = tb.rc.AppendLog(ctx, "nope", paas.LogLine{Stream: paas.Stdout, Message: "x"})
			So(err, ShouldEqual, paas.ErrNotFound)

			logs, err := tb.rc.Logs(ctx, d.Id, paas.LogQuery{Limit: 2})
			So(err, ShouldBeNil)
			So(len(logs), ShouldEqual, 2)
			So(logs[1].Message, ShouldEqual, "line 2")

			since := logs[0].CreatedAt
			logs, err = tb.rc.Logs(ctx, d.Id, paas.LogQuery{Since: &since, Limit: 1})
			So(err, ShouldBeNil)
			So(len(logs), ShouldEqual, 1)
			So(logs[0].Message, ShouldEqual, "line 2")

			logs, err = tb.rc.Logs(ctx, d.Id, paas.LogQuery{})
			So(err, ShouldBeNil)
			So(len(logs), ShouldEqual, 3)
		})

		Convey("Malformed requests are refused", func() {
			d, err := tb.rc.Deploy(ctx, newApp("web", 3000))
			So(err, ShouldBeNil)
			for _, q := range []string{"since=yesterday", "limit=many", "limit=-1"} {
				res, err := http.Get(tb.regURL + "/apps/" + d.Id + "/logs?" + q)
				So(err, ShouldBeNil)
				res.Body.Close()
				So(res.StatusCode, ShouldEqual, http.StatusBadRequest)
			}

			res, err := http.Post(tb.regURL+"/apps", mimeJson, strings.NewReader("{"))
			So(err, ShouldBeNil)
			res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestAgentAPI(t *testing.T) {
	Convey("Given an agent over HTTP", t, func() {
		tb := newTestbed(t)
		ctx := context.Background()

		Convey("Process status is reported", func() {
			alive, err := tb.ac.Alive(ctx, 12345)
			So(err, ShouldBeNil)
			So(alive, ShouldBeFalse)

			tb.fa.mx.Lock()
			tb.fa.alive[12345] = true
			tb.fa.mx.Unlock()
			alive, err = tb.ac.Alive(ctx, 12345)
			So(err, ShouldBeNil)
			So(alive, ShouldBeTrue)

			_, err = tb.ac.Alive(ctx, 0)
			So(errors.Is(err, paas.ErrInvalid), ShouldBeTrue)
			So(errors.Is(tb.ac.Stop(ctx, -1), paas.ErrInvalid), ShouldBeTrue)
		})

		Convey("The tail can be fetched and watched", func() {
			_, _, err := tb.ac.Tail(ctx, "ghost", "", 0)
			So(err, ShouldEqual, paas.ErrNotFound)

			d, err := tb.rc.Deploy(ctx, newApp("web", 3000))
			So(err, ShouldBeNil)
			tb.reg.Wait()

			recs, etag, err := tb.ac.Tail(ctx, d.Id, "", 0)
			So(err, ShouldBeNil)
			So(etag, ShouldNotBeEmpty)
			So(len(recs), ShouldEqual, 1)
			So(recs[0].Text, ShouldEqual, "started web")

			recs, same, err := tb.ac.Tail(ctx, d.Id, etag, 0)
			So(err, ShouldBeNil)
			So(recs, ShouldBeNil)
			So(same, ShouldEqual, etag)

			go func() {
				time.Sleep(50 * time.Millisecond)
				tb.fa.tails.Line(d.Id, paas.LogLine{Stream: paas.Stderr, Message: "later"})
			}()
			recs, next, err := tb.ac.Tail(ctx, d.Id, etag, 5*time.Second)
			So(err, ShouldBeNil)
			So(next, ShouldNotEqual, etag)
			So(len(recs), ShouldEqual, 2)
			So(recs[1].Stream, ShouldEqual, paas.Stderr)
		})

		Convey("Requests go through the configured transport", func() {
			ct := &countingTransport{}
			ac := NewAgentClient(tb.agentTS.URL, WithTransport(ct))
			So(ac.Stop(ctx, 2001), ShouldBeNil)
			alive, err := ac.Alive(ctx, 2001)
			So(err, ShouldBeNil)
			So(alive, ShouldBeFalse)
			So(int(ct.n.Load()), ShouldEqual, 2)

			rc := NewRegistryClient(tb.regURL, WithTransport(brokenTransport{}))
			_, err = rc.List(ctx)
			So(errors.Is(err, paas.ErrUnavailable), ShouldBeTrue)
		})

		Convey("An unreachable agent is unavailable", func() {
			tb.agentTS.Close()
			err := tb.ac.Run(ctx, &paas.Application{Id: "a", Command: "true"})
			So(errors.Is(err, paas.ErrUnavailable), ShouldBeTrue)
		})
	})
}

func TestErrors(t *testing.T) {
	Convey("Errors map onto status codes and back", t, func() {
		cases := []struct {
			err  error
			code int
		}{
			{paas.ErrNotFound, http.StatusNotFound},
			{&paas.PortConflictError{Port: 3000}, http.StatusConflict},
			{paas.ErrBadStatus, http.StatusBadRequest},
			{fmt.Errorf("%w: pid", paas.ErrInvalid), http.StatusBadRequest},
			{paas.ErrUnavailable, http.StatusServiceUnavailable},
			{errors.New("disk full"), http.StatusInternalServerError},
		}
		for _, c := range cases {
			e := errorFor(c.err)
			So(e.Code, ShouldEqual, c.code)
			back := e.Err()
			switch c.code {
			case http.StatusConflict:
				So(paas.IsPortConflict(back), ShouldBeTrue)
			case http.StatusInternalServerError:
				So(back.Error(), ShouldEqual, "disk full")
			default:
				So(errors.Is(back, errors.Unwrap(c.err)) || errors.Is(back, c.err), ShouldBeTrue)
			}
		}
	})
}

func TestServe(t *testing.T) {
	Convey("A served handler stops when its context ends", t, func() {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		So(err, ShouldBeNil)
		h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJson(w, http.StatusOK, ok)
		})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- ServeListener(ctx, l, 2, h, quietLog())
		}()

		res, err := http.Get("http://" + l.Addr().String() + "/")
		So(err, ShouldBeNil)
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		So(strings.TrimSpace(string(body)), ShouldEqual, "{}")

		cancel()
		select {
		case err = <-done:
			So(err, ShouldBeNil)
		case <-time.After(10 * time.Second):
			So("timeout", ShouldBeEmpty)
		}
	})
}
