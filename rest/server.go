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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/gdamore/paas"
)

// Handler wraps a Registry, adding http.Handler functionality.
type Handler struct {
	reg paas.Registry
	r   *mux.Router
}

// deployRequest is what POST /apps accepts.  Id, status and pid are
// assigned by the registry, so they are not read from the body.
type deployRequest struct {
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	WorkingDir string            `json:"working_dir"`
	EnvVars    map[string]string `json:"env_vars"`
	Port       int               `json:"port"`
}

type redeployRequest struct {
	Port *int `json:"port,omitempty"`
}

func (h *Handler) deploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if e := decodeBody(r, &req, false); e != nil {
		writeError(w, e)
		return
	}
	app := &paas.Application{
		Name:       req.Name,
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		EnvVars:    req.EnvVars,
		Port:       req.Port,
	}
	if d, e := h.reg.Deploy(r.Context(), app); e != nil {
		writeError(w, e)
	} else {
		writeJson(w, http.StatusCreated, d)
	}
}

func (h *Handler) listApps(w http.ResponseWriter, r *http.Request) {
	if apps, e := h.reg.List(r.Context()); e != nil {
		writeError(w, e)
	} else {
		if apps == nil {
			apps = []*paas.Application{}
		}
		writeJson(w, http.StatusOK, apps)
	}
}

func (h *Handler) getApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if app, e := h.reg.Get(r.Context(), id); e != nil {
		writeError(w, e)
	} else {
		writeJson(w, http.StatusOK, app)
	}
}

func (h *Handler) deleteApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if e := h.reg.Delete(r.Context(), id); e != nil {
		writeError(w, e)
	} else {
		writeJson(w, http.StatusOK, ok)
	}
}

func (h *Handler) patchApp(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p := &paas.Patch{}
	if e := decodeBody(r, p, false); e != nil {
		writeError(w, e)
		return
	}
	if app, e := h.reg.Patch(r.Context(), id, p); e != nil {
		writeError(w, e)
	} else {
		writeJson(w, http.StatusOK, app)
	}
}

func (h *Handler) liveStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if st, e := h.reg.LiveStatus(r.Context(), id); e != nil {
		writeError(w, e)
	} else {
		writeJson(w, http.StatusOK, st)
	}
}

func (h *Handler) redeploy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req redeployRequest
	if e := decodeBody(r, &req, true); e != nil {
		writeError(w, e)
		return
	}
	if app, e := h.reg.Redeploy(r.Context(), id, req.Port); e != nil {
		writeError(w, e)
	} else {
		writeJson(w, http.StatusOK, app)
	}
}

func (h *Handler) appendLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var line paas.LogLine
	if e := decodeBody(r, &line, false); e != nil {
		writeError(w, e)
		return
	}
	if e := h.reg.AppendLog(r.Context(), id, line); e != nil {
		writeError(w, e)
	} else {
		writeJson(w, http.StatusCreated, ok)
	}
}

// parseLogQuery reads limit and since.  Since is RFC 3339, with or
// without fractional seconds.
func parseLogQuery(r *http.Request) (paas.LogQuery, error) {
	var q paas.LogQuery
	vals := r.URL.Query()
	if s := vals.Get("limit"); s != "" {
		n, e := strconv.Atoi(s)
		if e != nil {
			return q, fmt.Errorf("%w: bad limit %q", paas.ErrInvalid, s)
		}
		q.Limit = n
	}
	if s := vals.Get("since"); s != "" {
		t, e := time.Parse(time.RFC3339Nano, s)
		if e != nil {
			return q, fmt.Errorf("%w: bad since %q", paas.ErrInvalid, s)
		}
		q.Since = &t
	}
	return q, nil
}

func (h *Handler) getLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q, e := parseLogQuery(r)
	if e != nil {
		writeError(w, e)
		return
	}
	if logs, e := h.reg.Logs(r.Context(), id, q); e != nil {
		writeError(w, e)
	} else {
		if logs == nil {
			logs = []*paas.LogEntry{}
		}
		writeJson(w, http.StatusOK, logs)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// NewHandler returns the control plane API for reg.
func NewHandler(reg paas.Registry, log *logrus.Entry) *Handler {
	r := mux.NewRouter()
	h := &Handler{reg: reg, r: r}
	r.Use(logRequests(log))
	r.HandleFunc("/apps", h.deploy).Methods("POST")
	r.HandleFunc("/apps", h.listApps).Methods("GET")
	r.HandleFunc("/apps/{id}", h.getApp).Methods("GET")
	r.HandleFunc("/apps/{id}", h.deleteApp).Methods("DELETE")
	r.HandleFunc("/apps/{id}", h.patchApp).Methods("PATCH")
	r.HandleFunc("/apps/{id}/status", h.liveStatus).Methods("GET")
	r.HandleFunc("/apps/{id}/redeploy", h.redeploy).Methods("POST")
	r.HandleFunc("/apps/{id}/logs", h.appendLog).Methods("POST")
	r.HandleFunc("/apps/{id}/logs", h.getLogs).Methods("GET")
	return h
}
