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

// Package rest carries the registry and agent APIs over HTTP.  Both
// sides get a handler and a client; the clients implement the same
// interfaces as the in-process implementations, so the daemons never
// know whether their peer is local or remote.
package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/gdamore/paas"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollEtagHeader and PollTimeHeader turn a GET of the tail into a
	// long poll: the server waits up to PollTimeHeader seconds for the
	// contents to move past PollEtagHeader before answering.
	PollEtagHeader = "X-Paas-Poll-Etag"
	PollTimeHeader = "X-Paas-Poll-Time"

	maxBody     = 1 << 20
	maxPollTime = 300
)

var ok struct{}

// Error is the body of every failed response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Port    int    `json:"port,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) write(w http.ResponseWriter) {
	if b, err := json.Marshal(e); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// errorFor maps a domain error onto its HTTP form.
func errorFor(err error) *Error {
	var pc *paas.PortConflictError
	var re *Error
	switch {
	case errors.As(err, &re):
		return re
	case errors.As(err, &pc):
		return &Error{Code: http.StatusConflict, Message: pc.Error(), Port: pc.Port}
	case errors.Is(err, paas.ErrNotFound):
		return &Error{Code: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, paas.ErrInvalid),
		errors.Is(err, paas.ErrEmptyCommand),
		errors.Is(err, paas.ErrBadStatus),
		errors.Is(err, paas.ErrBadStream):
		return &Error{Code: http.StatusBadRequest, Message: err.Error()}
	case errors.Is(err, paas.ErrUnavailable):
		return &Error{Code: http.StatusServiceUnavailable, Message: err.Error()}
	}
	return &Error{Code: http.StatusInternalServerError, Message: err.Error()}
}

// badRequest errors carry one of these as their prefix.
var requestErrors = []error{
	paas.ErrEmptyCommand,
	paas.ErrBadStatus,
	paas.ErrBadStream,
	paas.ErrInvalid,
}

// Err converts a response error back into the error the server saw, so
// that callers can classify it with errors.Is and paas.IsPortConflict.
func (e *Error) Err() error {
	switch e.Code {
	case http.StatusNotFound:
		return paas.ErrNotFound
	case http.StatusConflict:
		return &paas.PortConflictError{Port: e.Port}
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", paas.ErrUnavailable, e.Message)
	case http.StatusBadRequest:
		for _, s := range requestErrors {
			if e.Message == s.Error() {
				return s
			}
			if rest, found := strings.CutPrefix(e.Message, s.Error()+":"); found {
				return fmt.Errorf("%w:%s", s, rest)
			}
		}
		return fmt.Errorf("%w: %s", paas.ErrInvalid, e.Message)
	}
	return e
}

func writeJson(w http.ResponseWriter, code int, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		http.Error(w, e.Error(), http.StatusInternalServerError)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(code)
		w.Write(b)
	}
}

func writeError(w http.ResponseWriter, err error) {
	errorFor(err).write(w)
}

// decodeBody reads a JSON request body into v.  An empty body leaves v
// untouched when allowEmpty is set.
func decodeBody(r *http.Request, v interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if e := dec.Decode(v); e != nil {
		if e == io.EOF && allowEmpty {
			return nil
		}
		return fmt.Errorf("%w: malformed body: %v", paas.ErrInvalid, e)
	}
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.code = code
	sw.ResponseWriter.WriteHeader(code)
}

// logRequests logs each request at debug level, and failures at warn.
func logRequests(log *logrus.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)
			entry := log.WithFields(logrus.Fields{
				"method":  r.Method,
				"path":    r.URL.Path,
				"status":  sw.code,
				"elapsed": time.Since(start),
			})
			if sw.code >= http.StatusInternalServerError {
				entry.Warn("request failed")
			} else {
				entry.Debug("request")
			}
		})
	}
}
