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

package executor

import (
	"testing"
	"time"
)

func TestPostRunsInOrder(t *testing.T) {
	e := New(16)
	go e.Run()
	defer e.Stop()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		e.Post(func() {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for posted tasks to run")
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want tasks to run in post order", order)
		}
	}
}

func TestStopDrainsAlreadyQueuedTasks(t *testing.T) {
	e := New(4)
	ran := make(chan struct{}, 1)
	e.Post(func() { ran <- struct{}{} })
	e.Stop()

	go e.Run()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("Run did not drain a task queued before Stop")
	}
}
