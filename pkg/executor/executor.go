// Copyright 2024 The mstack Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package executor implements the single cooperative executor every
// namespace's components run on. Inbound frames, and every callback
// posted while processing them, run on this one goroutine in posting
// order. Embedder calls (socket reads, writes and closes, route and
// address setup) arrive on other goroutines, so components still
// guard their state with mutexes.
package executor

// Executor is a single-goroutine work queue. Callers from outside the
// executor's own goroutine use Post to hand it work; code already
// running on the executor goroutine may call Post too, which simply
// defers the call to the next drain.
type Executor struct {
	tasks chan func()
	done  chan struct{}
}

// New constructs an Executor with the given pending-task queue depth.
func New(queueDepth int) *Executor {
	return &Executor{
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
}

// Post schedules fn to run on the executor goroutine. Posts for a
// given caller are delivered in the order Post was called (a plain
// Go channel is FIFO), which is what gives ARP's per-target
// callback list and the TCB manager's per-connection
// ordering their ordering guarantees.
func (e *Executor) Post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// Run drains the task queue until Stop is called. It is meant to be
// run on its own goroutine, typically inside an errgroup alongside a
// device's read/write loops.
func (e *Executor) Run() {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.done:
			// Drain whatever is already queued before exiting so posts
			// made right before Stop aren't silently lost.
			for {
				select {
				case fn := <-e.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Stop causes Run to return after draining any already-queued tasks.
func (e *Executor) Stop() {
	close(e.done)
}
