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
	"sync"
	"time"

	"github.com/gdamore/paas"
)

const (
	DefaultTailLines = 200
)

type TailRecord struct {
	Id     int64       `json:"id,string"`
	Time   time.Time   `json:"time"`
	Stream paas.Stream `json:"stream"`
	Text   string      `json:"text"`
}

// Tail keeps the most recent lines of one application's output.  It
// does not depend on the registry, so the lines are still available
// when forwarding them has failed.
type Tail struct {
	records    []TailRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

func (t *Tail) lock() {
	t.mx.Lock()
}

func (t *Tail) unlock() {
	t.mx.Unlock()
}

// Add appends one line, evicting the oldest when the buffer is full.
func (t *Tail) Add(line paas.LogLine) {
	t.lock()
	idx := t.numRecords % t.maxRecords
	t.id++
	t.records[idx] = TailRecord{
		Id:     t.id,
		Time:   time.Now(),
		Stream: line.Stream,
		Text:   line.Message,
	}
	// NB: numRecords keeps counting past maxRecords; it tracks the next
	// index.
	t.numRecords++
	for cv := range t.cvs {
		cv.Broadcast()
	}
	t.unlock()
}

// GetRecords returns the buffered records, oldest first, together with
// an id for the current contents.  If last matches that id nothing has
// changed, and nil is returned without copying anything.
func (t *Tail) GetRecords(last int64) ([]TailRecord, int64) {
	t.lock()
	defer t.unlock()
	if t.id == last {
		return nil, last
	}
	cnt := t.numRecords
	if cnt > t.maxRecords {
		cnt = t.maxRecords
	}
	recs := make([]TailRecord, 0, cnt)
	index := t.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, t.records[index%t.maxRecords])
		index++
	}
	return recs, t.id
}

// Watch waits until the contents change from last, or expire elapses,
// and returns the current id.  An expire of zero polls.
func (t *Tail) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&t.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			t.lock()
			expired = true
			cv.Broadcast()
			t.unlock()
		})
	} else {
		expired = true
	}

	t.lock()
	t.cvs[cv] = true
	for t.id == last && !expired {
		cv.Wait()
	}
	delete(t.cvs, cv)
	last = t.id
	t.unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}

// NewTail returns a Tail holding up to lines records.
func NewTail(lines int) *Tail {
	if lines <= 0 {
		lines = DefaultTailLines
	}
	return &Tail{
		records:    make([]TailRecord, lines),
		maxRecords: lines,
		// Ids start from the clock so that they are not reused if the
		// agent restarts while a client is watching.
		id:  time.Now().UnixNano(),
		cvs: make(map[*sync.Cond]bool),
	}
}

// Tails is a LineSink keeping a Tail per application.
type Tails struct {
	tails map[string]*Tail
	lines int
	mx    sync.Mutex
}

func NewTails(lines int) *Tails {
	return &Tails{tails: make(map[string]*Tail), lines: lines}
}

// Get returns the tail for an application, or nil if it has produced
// no output on this agent.
func (ts *Tails) Get(appId string) *Tail {
	ts.mx.Lock()
	defer ts.mx.Unlock()
	return ts.tails[appId]
}

func (ts *Tails) Line(appId string, line paas.LogLine) {
	ts.mx.Lock()
	t := ts.tails[appId]
	if t == nil {
		t = NewTail(ts.lines)
		ts.tails[appId] = t
	}
	ts.mx.Unlock()
	t.Add(line)
}
