// Copyright 2024 The Vmkern Authors.
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

package kernel

// Rlimit is a Cur/Max soft/hard resource limit pair, matching struct
// rlimit64. Infinity is represented as ^uint64(0), mirroring
// gvisor.dev/gvisor/pkg/sentry/limits' Infinity sentinel.
type Rlimit struct {
	Cur uint64
	Max uint64
}

// Infinity is the "no limit" sentinel.
const Infinity = ^uint64(0)

// RlimitResource indexes System.Rlimits. The set is the subset of Linux's
// RLIMIT_* resources pkg/config can set; no operation in this module
// checks System.Rlimits against a request.
type RlimitResource int

const (
	RlimitAS RlimitResource = iota
	RlimitNoFile
	RlimitStack
	RlimitCount
)

func defaultRlimits() [RlimitCount]Rlimit {
	var r [RlimitCount]Rlimit
	for i := range r {
		r[i] = Rlimit{Cur: Infinity, Max: Infinity}
	}
	return r
}
