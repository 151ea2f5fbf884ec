// Copyright 2021 Juan Pablo Tosso
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pattern implements the pattern-matching back-ends of spec.md
// §4.1: literal, finite-automaton (leftmost-first, no backtracking) and
// multi-pattern. All compiled forms are immutable and safe to share across
// goroutines; each scan allocates its own state, so no per-thread
// scratch is kept.
package pattern

import "sync"

// Span is a half-open match range [From, To) in byte offsets.
type Span struct {
	From, To int
	Pattern  int // index of the matched pattern, for multi-pattern backends
}

// Backend is the predicate/scan interface every compiled pattern
// implements.
type Backend interface {
	// Matches reports whether subject contains at least one match.
	Matches(subject string) bool
	// Scan returns every non-overlapping match in subject.
	Scan(subject string) []Span
}

// database is the process-wide intern cache for compiled patterns, keyed
// by (flags, pattern text) or, for file-backed patterns, by absolute path.
// Populated only at compile time; the mutex exists solely to guard that
// one-time population per spec.md §5.
var (
	dbMu    sync.Mutex
	dbCache = map[string]Backend{}
)

// Intern returns the cached Backend for key, calling build to construct it
// on a cache miss. Safe to call concurrently, though in practice only the
// single compile-time thread does.
func Intern(key string, build func() (Backend, error)) (Backend, error) {
	dbMu.Lock()
	defer dbMu.Unlock()
	if b, ok := dbCache[key]; ok {
		return b, nil
	}
	b, err := build()
	if err != nil {
		return nil, err
	}
	dbCache[key] = b
	return b, nil
}
