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
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an Application.
//
//              deploy / redeploy
//                     |
//                +----V----+   spawn failed / retries exhausted
//                | PENDING +-------------------------------+
//                +----+----+                               |
//                     | spawned                            |
//                +----V----+  crash, attempts remain  +----V----+
//                | RUNNING +------------------------->| CRASHED |
//                +----+----+    (stays RUNNING while  +---------+
//                     |          restarting)
//                     | clean exit, stop, or probe says dead
//                +----V----+
//                | STOPPED |
//                +---------+
//
// FAILED is accepted on the wire for operator use but is never produced
// by the agent itself.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
	StatusFailed  Status = "FAILED"
	StatusCrashed Status = "CRASHED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusStopped, StatusFailed,
		StatusCrashed:
		return true
	}
	return false
}

// HoldsPort reports whether an application in this status counts as
// holding its port for conflict detection.  Only STOPPED frees it.
func (s Status) HoldsPort() bool {
	return s != StatusStopped
}

// Application is a managed process plus its desired and observed
// metadata.  The registry owns these records; the agent only ever sees a
// copy, which tells it what to start.
type Application struct {
	Id         string            `json:"id"`
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	WorkingDir string            `json:"working_dir,omitempty"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
	Port       int               `json:"port"`
	Pid        *int              `json:"pid"`
	Status     Status            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Argv returns the command split into program and arguments.
func (a *Application) Argv() []string {
	return SplitCommand(a.Command)
}

// Clone returns a deep copy, so that callers may hand records to other
// goroutines without sharing the pid pointer or env map.
func (a *Application) Clone() *Application {
	c := *a
	if a.Pid != nil {
		pid := *a.Pid
		c.Pid = &pid
	}
	if a.EnvVars != nil {
		c.EnvVars = make(map[string]string, len(a.EnvVars))
		for k, v := range a.EnvVars {
			c.EnvVars[k] = v
		}
	}
	return &c
}

// Apply merges the supplied fields of p into a.
func (a *Application) Apply(p *Patch) {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Command != nil {
		a.Command = *p.Command
	}
	if p.WorkingDir != nil {
		a.WorkingDir = *p.WorkingDir
	}
	if p.EnvVars != nil {
		a.EnvVars = *p.EnvVars
	}
	if p.Port != nil {
		a.Port = *p.Port
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.ClearPid {
		a.Pid = nil
	} else if p.Pid != nil {
		pid := *p.Pid
		a.Pid = &pid
	}
}

// Patch is a partial update.  Nil fields are left untouched.  Because
// "pid": null is meaningful (the process is gone) and differs from an
// absent pid, the clearing case is carried separately in ClearPid.
type Patch struct {
	Name       *string
	Command    *string
	WorkingDir *string
	EnvVars    *map[string]string
	Port       *int
	Pid        *int
	ClearPid   bool
	Status     *Status
}

// Empty reports whether the patch changes nothing.
func (p *Patch) Empty() bool {
	return p.Name == nil && p.Command == nil && p.WorkingDir == nil &&
		p.EnvVars == nil && p.Port == nil && p.Pid == nil &&
		!p.ClearPid && p.Status == nil
}

// Validate checks the supplied values.
func (p *Patch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return ErrBadStatus
	}
	if p.Command != nil && len(SplitCommand(*p.Command)) == 0 {
		return ErrEmptyCommand
	}
	if p.Port != nil && (*p.Port < 0 || *p.Port > 65535) {
		return ErrInvalid
	}
	return nil
}

// StatusPatch is a convenience for the common status-only update.  When
// the status is anything other than RUNNING the pid is cleared as well,
// since a pid is only meaningful for a running process.
func StatusPatch(s Status) *Patch {
	p := &Patch{Status: &s}
	if s != StatusRunning {
		p.ClearPid = true
	}
	return p
}

// RunningPatch reports a freshly spawned process.
func RunningPatch(pid int) *Patch {
	s := StatusRunning
	return &Patch{Status: &s, Pid: &pid}
}

// PortPatch reports a detected listening port.
func PortPatch(port int) *Patch {
	return &Patch{Port: &port}
}

type patchWire struct {
	Name       *string            `json:"name,omitempty"`
	Command    *string            `json:"command,omitempty"`
	WorkingDir *string            `json:"working_dir,omitempty"`
	EnvVars    *map[string]string `json:"env_vars,omitempty"`
	Port       *int               `json:"port,omitempty"`
	Status     *Status            `json:"status,omitempty"`
}

// MarshalJSON emits only the supplied fields; a cleared pid is written
// as an explicit null.
func (p Patch) MarshalJSON() ([]byte, error) {
	b, e := json.Marshal(patchWire{
		Name:       p.Name,
		Command:    p.Command,
		WorkingDir: p.WorkingDir,
		EnvVars:    p.EnvVars,
		Port:       p.Port,
		Status:     p.Status,
	})
	if e != nil {
		return nil, e
	}
	if p.Pid == nil && !p.ClearPid {
		return b, nil
	}
	m := map[string]json.RawMessage{}
	if e := json.Unmarshal(b, &m); e != nil {
		return nil, e
	}
	if p.ClearPid {
		m["pid"] = json.RawMessage("null")
	} else {
		m["pid"], _ = json.Marshal(*p.Pid)
	}
	return json.Marshal(m)
}

// UnmarshalJSON distinguishes an absent pid from an explicit null.
func (p *Patch) UnmarshalJSON(b []byte) error {
	var w patchWire
	if e := json.Unmarshal(b, &w); e != nil {
		return e
	}
	var raw map[string]json.RawMessage
	if e := json.Unmarshal(b, &raw); e != nil {
		return e
	}
	*p = Patch{
		Name:       w.Name,
		Command:    w.Command,
		WorkingDir: w.WorkingDir,
		EnvVars:    w.EnvVars,
		Port:       w.Port,
		Status:     w.Status,
	}
	if v, ok := raw["pid"]; ok {
		if string(v) == "null" {
			p.ClearPid = true
		} else {
			var pid int
			if e := json.Unmarshal(v, &pid); e != nil {
				return e
			}
			p.Pid = &pid
		}
	}
	return nil
}

// Stream names the output stream a log line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Valid reports whether s names a known stream.
func (s Stream) Valid() bool {
	return s == Stdout || s == Stderr
}

// LogLine is what the agent posts for each line of output.
type LogLine struct {
	Stream  Stream `json:"stream"`
	Message string `json:"message"`
}

// LogEntry is a stored log line.
type LogEntry struct {
	Id        int64     `json:"id"`
	AppId     string    `json:"app_id"`
	Stream    Stream    `json:"stream"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultLogLimit is the number of entries returned when a query names
// neither a limit nor a since time.
const DefaultLogLimit = 100

// LogQuery selects log entries.  When Since is set it takes precedence
// and Limit is ignored: all entries strictly newer than Since are
// returned, oldest first.  Otherwise the newest Limit entries are
// returned, also oldest first.
type LogQuery struct {
	Limit int
	Since *time.Time
}

// Deployment is the response to a deploy.
type Deployment struct {
	Id   string `json:"id"`
	Port int    `json:"port"`
}

// LiveStatus is the response to a live status query.
type LiveStatus struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Pid     *int   `json:"pid"`
	Port    int    `json:"port"`
	Command string `json:"command"`
}
