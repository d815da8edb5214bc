// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"net/http"
	"runtime"
	"sync/atomic"

	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigpipe/stats"
)

// DefaultFrameWindow is the default number of outstanding frames a
// context allows before throttling the issuing goroutine.
const DefaultFrameWindow = 4

// A Session owns a bigpipe runtime for the life of the binary: the
// worker pool, the executor, the mapper, and the contexts issued
// against them. A session is started by Start and torn down with
// Shutdown.
type Session struct {
	index    int32
	rt       *Runtime
	shutdown func()

	p           int
	procs       int
	mapper      Mapper
	executor    Executor
	frameWindow int

	status      *status.Status
	statusGroup *status.Group
	eventer     eventlog.Eventer
	tracePath   string
}

func newSession() *Session {
	return &Session{
		index:       atomic.AddInt32(&nextSessionIndex, 1) - 1,
		frameWindow: DefaultFrameWindow,
		eventer:     eventlog.Nop{},
	}
}

// nextSessionIndex is the index of the next session started by
// Start. In general there should be only one session per process,
// but tests violate this freely.
var nextSessionIndex int32

func defaultParallelism() int { return runtime.GOMAXPROCS(0) }

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Parallelism configures the session with the provided worker
// parallelism for pipeline stages.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Processors configures the number of logical processors task
// bodies run on.
func Processors(n int) Option {
	if n <= 0 {
		panic("exec.Processors: n <= 0")
	}
	return func(s *Session) {
		s.procs = n
	}
}

// WithMapper configures the session's mapper.
func WithMapper(m Mapper) Option {
	return func(s *Session) {
		s.mapper = m
	}
}

// WithExecutor configures the session's executor.
func WithExecutor(e Executor) Option {
	return func(s *Session) {
		s.executor = e
	}
}

// FrameWindow configures how many frames a context may have
// outstanding before IssueFrame throttles.
func FrameWindow(n int) Option {
	return func(s *Session) {
		s.frameWindow = n
	}
}

// Status configures the session with a status object to which
// pipeline statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Eventer configures the session with an Eventer that will be used
// to log session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace event file for the
// session will be written on shutdown.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// Start creates and starts a new bigpipe session, configuring it
// according to the provided options. If no executor is configured,
// the session uses the local in-process executor.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = defaultParallelism()
	}
	if s.procs == 0 {
		s.procs = s.p
	}
	if s.executor == nil {
		s.executor = newLocalExecutor()
	}
	s.start()
	return s
}

func (s *Session) start() {
	s.rt = newRuntime(s.p, s.procs, s.mapper, s.executor)
	s.rt.tracer = newTracer()
	s.shutdown = s.executor.Start(s.rt)
	if s.status != nil {
		s.statusGroup = s.status.Groupf("bigpipe-%02d contexts", s.index)
	}
	s.eventer.Event("bigpipe:sessionStart",
		"executorType", s.executor.Name(),
		"parallelism", s.p,
		"processors", s.procs)
}

// Runtime returns the session's runtime.
func (s *Session) Runtime() *Runtime { return s.rt }

// Parallelism returns the session's stage parallelism.
func (s *Session) Parallelism() int { return s.p }

// Stats returns a snapshot of the session's pipeline counters.
func (s *Session) Stats() stats.Snapshot {
	return s.rt.stats.set.Snapshot()
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status { return s.status }

// Shutdown tears down resources associated with this session. It
// should be called when the session is discarded.
func (s *Session) Shutdown() {
	// Cancel the runtime first so that stages blocked on events that
	// will never trigger unwind, then drain what remains.
	s.rt.cancel()
	s.rt.drain()
	if s.shutdown != nil {
		s.shutdown()
	}
	if s.tracePath != "" {
		writeTraceFile(s.rt.tracer, s.tracePath)
	}
}

// HandleDebug registers the session's debug handlers: pipeline
// counters and the Chrome trace of stage spans.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	handler.HandleFunc("/debug/bigpipe/stats", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte(s.Stats().String() + "\n")); err != nil {
			log.Error.Printf("exec.Session: /debug/bigpipe/stats: %v", err)
		}
	})
	handler.HandleFunc("/debug/bigpipe/trace", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "application/json; charset=utf-8")
		if err := s.rt.tracer.Marshal(w); err != nil {
			log.Error.Printf("exec.Session: /debug/bigpipe/trace: marshal: %v", err)
		}
	})
}
