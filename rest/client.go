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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/paas"
)

// DefaultTimeout bounds every call a client makes.
const DefaultTimeout = 10 * time.Second

// apiClient is the part shared by both API clients.
type apiClient struct {
	base string // URI to root of tree on server
	hc   *http.Client
}

// ClientOption configures a RegistryClient or an AgentClient.
type ClientOption func(*apiClient)

// WithTimeout sets the timeout for each request.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *apiClient) {
		c.hc.Timeout = timeout
	}
}

// WithTransport replaces the HTTP transport, mostly for tests.
func WithTransport(t http.RoundTripper) ClientOption {
	return func(c *apiClient) {
		c.hc.Transport = t
	}
}

func newClient(baseURI string, options []ClientOption) apiClient {
	c := apiClient{
		base: strings.TrimRight(baseURI, "/"),
		hc:   &http.Client{Timeout: DefaultTimeout},
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// decodeError turns a failed response into an error, preferring the
// Error body the server sent.
func decodeError(res *http.Response) error {
	e := &Error{}
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if json.Unmarshal(body, e) != nil || e.Message == "" {
		e.Message = res.Status
	}
	e.Code = res.StatusCode
	return e.Err()
}

// do sends in as the JSON body, if not nil, and decodes the response
// into out, if not nil.  Failing to reach the server at all is
// reported as paas.ErrUnavailable.
func (c *apiClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, e := json.Marshal(in)
		if e != nil {
			return e
		}
		body = bytes.NewReader(b)
	}
	req, e := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if e != nil {
		return e
	}
	if in != nil {
		req.Header.Set("Content-Type", mimeJson)
	}
	req.Header.Set("Accept", mimeJson)

	res, e := c.hc.Do(req)
	if e != nil {
		return fmt.Errorf("%w: %v", paas.ErrUnavailable, e)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return decodeError(res)
	}
	if out == nil {
		io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func appPath(id string, sub ...string) string {
	p := "/apps/" + url.PathEscape(id)
	for _, s := range sub {
		p += "/" + s
	}
	return p
}

// RegistryClient implements paas.Registry against a remote control
// plane.  The agent uses it as its paas.Reporter.
type RegistryClient struct {
	apiClient
}

// NewRegistryClient returns a client for the registry at baseURI, for
// example "http://127.0.0.1:8080".
func NewRegistryClient(baseURI string, options ...ClientOption) *RegistryClient {
	return &RegistryClient{apiClient: newClient(baseURI, options)}
}

func (c *RegistryClient) Deploy(ctx context.Context, app *paas.Application) (*paas.Deployment, error) {
	if app == nil {
		return nil, paas.ErrInvalid
	}
	req := &deployRequest{
		Name:       app.Name,
		Command:    app.Command,
		WorkingDir: app.WorkingDir,
		EnvVars:    app.EnvVars,
		Port:       app.Port,
	}
	d := &paas.Deployment{}
	if e := c.do(ctx, "POST", "/apps", req, d); e != nil {
		return nil, e
	}
	return d, nil
}

func (c *RegistryClient) Get(ctx context.Context, id string) (*paas.Application, error) {
	app := &paas.Application{}
	if e := c.do(ctx, "GET", appPath(id), nil, app); e != nil {
		return nil, e
	}
	return app, nil
}

func (c *RegistryClient) List(ctx context.Context) ([]*paas.Application, error) {
	var apps []*paas.Application
	if e := c.do(ctx, "GET", "/apps", nil, &apps); e != nil {
		return nil, e
	}
	return apps, nil
}

func (c *RegistryClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "DELETE", appPath(id), nil, nil)
}

func (c *RegistryClient) Patch(ctx context.Context, id string, p *paas.Patch) (*paas.Application, error) {
	if p == nil {
		p = &paas.Patch{}
	}
	app := &paas.Application{}
	if e := c.do(ctx, "PATCH", appPath(id), p, app); e != nil {
		return nil, e
	}
	return app, nil
}

func (c *RegistryClient) LiveStatus(ctx context.Context, id string) (*paas.LiveStatus, error) {
	st := &paas.LiveStatus{}
	if e := c.do(ctx, "GET", appPath(id, "status"), nil, st); e != nil {
		return nil, e
	}
	return st, nil
}

func (c *RegistryClient) Redeploy(ctx context.Context, id string, port *int) (*paas.Application, error) {
	app := &paas.Application{}
	if e := c.do(ctx, "POST", appPath(id, "redeploy"), &redeployRequest{Port: port}, app); e != nil {
		return nil, e
	}
	return app, nil
}

func (c *RegistryClient) AppendLog(ctx context.Context, id string, line paas.LogLine) error {
	return c.do(ctx, "POST", appPath(id, "logs"), &line, nil)
}

func (c *RegistryClient) Logs(ctx context.Context, id string, q paas.LogQuery) ([]*paas.LogEntry, error) {
	vals := url.Values{}
	if q.Limit != 0 {
		vals.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Since != nil {
		vals.Set("since", q.Since.Format(time.RFC3339Nano))
	}
	path := appPath(id, "logs")
	if len(vals) > 0 {
		path += "?" + vals.Encode()
	}
	var logs []*paas.LogEntry
	if e := c.do(ctx, "GET", path, nil, &logs); e != nil {
		return nil, e
	}
	return logs, nil
}
