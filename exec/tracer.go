// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/grailbio/base/log"
)

// traceEvent is an event in the Chrome tracing format. The fields
// are mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type traceEvent struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// A tracer records pipeline stage spans per operation in the Chrome
// tracing format, visualizable with the browser's built-in tool
// (chrome://tracing). Each operation kind is rendered as a thread so
// the stage waterfall of concurrent operations reads naturally.
type tracer struct {
	mu         sync.Mutex
	events     []traceEvent
	firstEvent time.Time
}

func newTracer() *tracer {
	return &tracer{}
}

// span begins a stage span for the operation and returns a function
// ending it.
func (t *tracer) span(o *Operation, stage string) func() {
	if t == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.firstEvent.IsZero() {
			t.firstEvent = start
		}
		t.events = append(t.events, traceEvent{
			Pid:  1,
			Tid:  int(o.self.Kind()),
			Ts:   start.Sub(t.firstEvent).Nanoseconds() / 1e3,
			Dur:  time.Since(start).Nanoseconds() / 1e3,
			Ph:   "X",
			Name: stage,
			Cat:  o.self.Kind().String(),
			Args: map[string]interface{}{
				"op": o.UniqueID(),
			},
		})
	}
}

// Marshal writes the recorded events as Chrome trace JSON.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	events := make([]traceEvent, len(t.events))
	copy(events, t.events)
	t.mu.Unlock()
	enc := json.NewEncoder(w)
	return enc.Encode(struct {
		TraceEvents []traceEvent `json:"traceEvents"`
	}{events})
}

func writeTraceFile(t *tracer, path string) {
	w, err := os.Create(path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			log.Error.Printf("error closing trace file at %q: %v", path, closeErr)
		}
	}()
	if err = t.Marshal(w); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
	}
}
