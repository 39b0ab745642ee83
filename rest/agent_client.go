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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gdamore/paas"
	"github.com/gdamore/paas/agent"
)

// AgentClient implements paas.Supervisor against a remote agent.
type AgentClient struct {
	apiClient
}

// NewAgentClient returns a client for the agent at baseURI, for example
// "http://127.0.0.1:8001".
func NewAgentClient(baseURI string, options ...ClientOption) *AgentClient {
	return &AgentClient{apiClient: newClient(baseURI, options)}
}

func (c *AgentClient) Run(ctx context.Context, app *paas.Application) error {
	if app == nil {
		return paas.ErrInvalid
	}
	return c.do(ctx, "POST", "/run", app, nil)
}

func (c *AgentClient) Stop(ctx context.Context, pid int) error {
	return c.do(ctx, "POST", "/stop", &stopRequest{Pid: pid}, nil)
}

func (c *AgentClient) Alive(ctx context.Context, pid int) (bool, error) {
	st := &ProcStatus{}
	if e := c.do(ctx, "GET", "/status/"+strconv.Itoa(pid), nil, st); e != nil {
		return false, e
	}
	switch st.Status {
	case procAlive:
		return true, nil
	case procDead:
		return false, nil
	}
	return false, fmt.Errorf("unexpected process status %q", st.Status)
}

// Tail fetches the buffered output of an application.  If etag is
// not empty and nothing changed since, it returns nil records and the
// same etag.  With wait set, the agent holds the request until the
// output moves past etag or wait elapses.
func (c *AgentClient) Tail(ctx context.Context, appId string, etag string, wait time.Duration) ([]agent.TailRecord, string, error) {
	req, e := http.NewRequestWithContext(ctx, "GET", c.base+"/tail/"+url.PathEscape(appId), nil)
	if e != nil {
		return nil, "", e
	}
	hc := c.hc
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if secs := int(wait / time.Second); secs > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(secs))
			// The request timeout must not cut the poll short.
			if c.hc.Timeout > 0 {
				poll := *c.hc
				poll.Timeout += wait
				hc = &poll
			}
		}
	}

	res, e := hc.Do(req)
	if e != nil {
		return nil, "", fmt.Errorf("%w: %v", paas.ErrUnavailable, e)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return nil, etag, nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, "", decodeError(res)
	}
	var recs []agent.TailRecord
	if e := json.NewDecoder(res.Body).Decode(&recs); e != nil {
		return nil, "", e
	}
	return recs, res.Header.Get("Etag"), nil
}
