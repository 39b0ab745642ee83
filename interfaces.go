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
	"context"
)

// Supervisor is what the registry needs from an agent.  The agent
// implements it directly; rest.AgentClient implements it over HTTP.
type Supervisor interface {
	// Run starts supervising the application.  It returns once the
	// first spawn has been attempted, and never waits for the process
	// to finish.  A spawn failure is not an error here; it is reported
	// back as a CRASHED status instead.
	Run(ctx context.Context, app *Application) error

	// Stop forcibly terminates the process and its descendants.
	// Stopping a process that is already gone is not an error.
	Stop(ctx context.Context, pid int) error

	// Alive probes whether the process exists.  It changes nothing.
	Alive(ctx context.Context, pid int) (bool, error)
}

// Reporter is the narrow part of the registry that the agent calls back
// into while supervising.
type Reporter interface {
	// Patch merges the supplied fields into the application record.
	Patch(ctx context.Context, id string, p *Patch) (*Application, error)

	// AppendLog stores one line of process output.
	AppendLog(ctx context.Context, id string, line LogLine) error
}

// Registry is the full management surface of the control plane.
type Registry interface {
	Reporter

	Deploy(ctx context.Context, app *Application) (*Deployment, error)
	Get(ctx context.Context, id string) (*Application, error)
	List(ctx context.Context) ([]*Application, error)
	Delete(ctx context.Context, id string) error
	LiveStatus(ctx context.Context, id string) (*LiveStatus, error)
	Redeploy(ctx context.Context, id string, port *int) (*Application, error)
	Logs(ctx context.Context, id string, q LogQuery) ([]*LogEntry, error)
}
