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

package buffer

import "testing"

func TestPushFrontThenPushBack(t *testing.T) {
	b := NewBuffer(32, 16)
	if got, want := b.Headroom(), 16; got != want {
		t.Fatalf("Headroom() = %d, want %d", got, want)
	}

	copy(b.PushBack(5), []byte("hello"))
	copy(b.PushFront(4), []byte("head"))

	if got, want := string(b.Payload()), "headhello"; got != want {
		t.Fatalf("Payload() = %q, want %q", got, want)
	}
	if got, want := b.Len(), len("headhello"); got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
}

func TestPopFrontAndPopBack(t *testing.T) {
	b := NewBufferWithPayload(4, []byte("headbody"))

	if got, want := string(b.PopFront(4)), "head"; got != want {
		t.Fatalf("PopFront() = %q, want %q", got, want)
	}
	if got, want := string(b.Payload()), "body"; got != want {
		t.Fatalf("Payload() after PopFront = %q, want %q", got, want)
	}

	if got, want := string(b.PopBack(2)), "dy"; got != want {
		t.Fatalf("PopBack() = %q, want %q", got, want)
	}
	if got, want := string(b.Payload()), "bo"; got != want {
		t.Fatalf("Payload() after PopBack = %q, want %q", got, want)
	}
}

func TestPushFrontBeyondHeadroomPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("PushFront beyond headroom did not panic")
		}
	}()
	b := NewBuffer(8, 2)
	b.PushFront(3)
}

func TestCloneIsIndependent(t *testing.T) {
	orig := NewBufferWithPayload(0, []byte("abc"))
	clone := orig.Clone()

	clone.Payload()[0] = 'z'

	if string(orig.Payload()) != "abc" {
		t.Fatalf("mutating the clone's payload affected the original: %q", orig.Payload())
	}
	if string(clone.Payload()) != "zbc" {
		t.Fatalf("Clone().Payload() = %q, want %q", clone.Payload(), "zbc")
	}
}
