// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
)

func init() {
	config.Register("bigpipe", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.p, "parallelism", 0, "worker parallelism for pipeline stages (0 uses GOMAXPROCS)")
		inst.IntVar(&sess.procs, "processors", 0, "number of logical processors for task bodies (0 matches parallelism)")
		inst.IntVar(&sess.frameWindow, "frame-window", DefaultFrameWindow, "outstanding frames allowed per context")
		inst.Doc = "bigpipe configures the bigpipe runtime"
		inst.New = func() (interface{}, error) {
			if sess.p == 0 {
				sess.p = defaultParallelism()
			}
			if sess.procs == 0 {
				sess.procs = sess.p
			}
			if sess.executor == nil {
				sess.executor = newLocalExecutor()
			}
			sess.start()
			return sess, nil
		}
	})
}
