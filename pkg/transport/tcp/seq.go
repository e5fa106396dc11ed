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

package tcp

// Sequence number arithmetic is mod-2^32 with wraparound; comparisons
// go through a signed 32-bit difference per RFC 793 §3.3.

func seqLessEq(a, b uint32) bool { return int32(a-b) <= 0 }
func seqLess(a, b uint32) bool   { return int32(a-b) < 0 }

// seqClamp restricts v to [lo, hi] under sequence-number ordering.
func seqClamp(v, lo, hi uint32) uint32 {
	if seqLess(v, lo) {
		return lo
	}
	if seqLess(hi, v) {
		return hi
	}
	return v
}

// acceptable implements the RFC 793 §3.3 four-case segment
// acceptability test, given the receive state
// (R=rcvNext, W=rcvWindow) and the incoming segment's sequence number
// and payload length.
func acceptable(segSeq uint32, segLen int, rcvNext uint32, rcvWindow uint16) bool {
	switch {
	case segLen == 0 && rcvWindow == 0:
		return segSeq == rcvNext
	case segLen == 0 && rcvWindow > 0:
		return inWindow(segSeq, rcvNext, rcvWindow)
	case segLen > 0 && rcvWindow == 0:
		return false
	default: // segLen > 0 && rcvWindow > 0
		last := segSeq + uint32(segLen) - 1
		return inWindow(segSeq, rcvNext, rcvWindow) || inWindow(last, rcvNext, rcvWindow)
	}
}

// inWindow reports whether R <= seq < R+W, under sequence-number
// wraparound.
func inWindow(seq, r uint32, w uint16) bool {
	return seqLessEq(r, seq) && seqLess(seq, r+uint32(w))
}
