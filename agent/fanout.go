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

package agent

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gdamore/paas"
)

// LineSink receives lines of application output.
type LineSink interface {
	Line(appId string, line paas.LogLine)
}

// Fanout delivers every line it receives to each registered sink, in
// registration order.  Sinks are called outside of the Fanout's lock,
// so a slow sink does not keep others from being added or removed.
type Fanout struct {
	sinks []LineSink
	lock  sync.Mutex
}

// Line implements LineSink.
func (f *Fanout) Line(appId string, line paas.LogLine) {
	f.lock.Lock()
	sinks := f.sinks
	f.lock.Unlock()
	for _, s := range sinks {
		s.Line(appId, line)
	}
}

// AddSink registers a sink.  A sink can only be added once.
func (f *Fanout) AddSink(s LineSink) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, x := range f.sinks {
		if x == s {
			return
		}
	}
	// Copy on write; Line may be iterating the old slice.
	f.sinks = append(f.sinks[:len(f.sinks):len(f.sinks)], s)
}

// DelSink removes a sink.
func (f *Fanout) DelSink(s LineSink) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for i, x := range f.sinks {
		if x == s {
			sinks := make([]LineSink, 0, len(f.sinks)-1)
			sinks = append(sinks, f.sinks[:i]...)
			f.sinks = append(sinks, f.sinks[i+1:]...)
			break
		}
	}
}

// Forwarder posts each line to the registry.  Delivery is best effort;
// failures are logged at debug level and the line is dropped.
type Forwarder struct {
	r   paas.Reporter
	log *logrus.Entry
}

func NewForwarder(r paas.Reporter, log *logrus.Entry) *Forwarder {
	return &Forwarder{r: r, log: log}
}

func (f *Forwarder) Line(appId string, line paas.LogLine) {
	if err := f.r.AppendLog(context.Background(), appId, line); err != nil {
		f.log.WithField("app", appId).WithError(err).Debug("Failed to forward log line")
	}
}

// DebugSink echoes lines into the agent's own log at debug level.
type DebugSink struct {
	log *logrus.Entry
}

func NewDebugSink(log *logrus.Entry) *DebugSink {
	return &DebugSink{log: log}
}

func (d *DebugSink) Line(appId string, line paas.LogLine) {
	if d.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		d.log.WithFields(logrus.Fields{
			"app":    appId,
			"stream": line.Stream,
		}).Debug(line.Message)
	}
}
