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
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

const shutdownGrace = 5 * time.Second

// Serve listens on addr and serves h until ctx is done.
func Serve(ctx context.Context, addr string, maxConns int, h http.Handler, log *logrus.Entry) error {
	l, e := net.Listen("tcp", addr)
	if e != nil {
		return e
	}
	return ServeListener(ctx, l, maxConns, h, log)
}

// ServeListener serves h on l until ctx is done, then shuts the server
// down, giving in-flight requests a few seconds to finish.  When
// maxConns is positive no more than that many connections are accepted
// at once.
func ServeListener(ctx context.Context, l net.Listener, maxConns int, h http.Handler, log *logrus.Entry) error {
	if maxConns > 0 {
		l = netutil.LimitListener(l, maxConns)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(l)
	}()
	log.WithField("addr", l.Addr().String()).Info("Listening")

	select {
	case e := <-errc:
		return e
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	e := srv.Shutdown(sctx)
	if se := <-errc; !errors.Is(se, http.ErrServerClosed) && e == nil {
		e = se
	}
	return e
}
