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
	"github.com/gdamore/paas/agent"
)

const (
	procAlive = "alive"
	procDead  = "dead"
)

// Agent is what the agent API serves.  *agent.Supervisor implements it.
type Agent interface {
	paas.Supervisor
	Tail(appId string) *agent.Tail
}

type stopRequest struct {
	Pid int `json:"pid"`
}

// ProcStatus is the answer to GET /status/{pid}.
type ProcStatus struct {
	Pid    int    `json:"pid"`
	Status string `json:"status"`
}

// AgentHandler wraps an Agent, adding http.Handler functionality.
type AgentHandler struct {
	a Agent
	r *mux.Router
}

func (h *AgentHandler) run(w http.ResponseWriter, r *http.Request) {
	app := &paas.Application{}
	if e := decodeBody(r, app, false); e != nil {
		writeError(w, e)
		return
	}
	if e := h.a.Run(r.Context(), app); e != nil {
		writeError(w, e)
	} else {
		writeJson(w, http.StatusAccepted, ok)
	}
}

func (h *AgentHandler) stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if e := decodeBody(r, &req, false); e != nil {
		writeError(w, e)
		return
	}
	if e := h.a.Stop(r.Context(), req.Pid); e != nil {
		writeError(w, e)
	} else {
		writeJson(w, http.StatusOK, ok)
	}
}

func (h *AgentHandler) status(w http.ResponseWriter, r *http.Request) {
	s := mux.Vars(r)["pid"]
	pid, e := strconv.Atoi(s)
	if e != nil {
		writeError(w, fmt.Errorf("%w: bad pid %q", paas.ErrInvalid, s))
		return
	}
	alive, e := h.a.Alive(r.Context(), pid)
	if e != nil {
		writeError(w, e)
		return
	}
	st := &ProcStatus{Pid: pid, Status: procDead}
	if alive {
		st.Status = procAlive
	}
	writeJson(w, http.StatusOK, st)
}

// tail serves the buffered output of an application.  The Etag is the
// id of the contents; with the poll headers set the request blocks
// until the contents move on or the poll time runs out.
func (h *AgentHandler) tail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t := h.a.Tail(id)
	if t == nil {
		writeError(w, paas.ErrNotFound)
		return
	}

	if etag := r.Header.Get(PollEtagHeader); etag != "" {
		last, e1 := strconv.ParseInt(etag, 10, 64)
		secs, e2 := strconv.Atoi(r.Header.Get(PollTimeHeader))
		if e1 == nil && e2 == nil && secs > 0 {
			if secs > maxPollTime {
				secs = maxPollTime
			}
			t.Watch(last, time.Duration(secs)*time.Second)
		}
	}

	recs, cur := t.GetRecords(0)
	etag := strconv.FormatInt(cur, 10)
	w.Header().Set("Etag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if recs == nil {
		recs = []agent.TailRecord{}
	}
	writeJson(w, http.StatusOK, recs)
}

func (h *AgentHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// NewAgentHandler returns the agent API for a.
func NewAgentHandler(a Agent, log *logrus.Entry) *AgentHandler {
	r := mux.NewRouter()
	h := &AgentHandler{a: a, r: r}
	r.Use(logRequests(log))
	r.HandleFunc("/run", h.run).Methods("POST")
	r.HandleFunc("/stop", h.stop).Methods("POST")
	r.HandleFunc("/status/{pid}", h.status).Methods("GET")
	r.HandleFunc("/tail/{id}", h.tail).Methods("GET")
	return h
}
