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

package pattern

import (
	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
)

// Multi is the Aho-Corasick multi-pattern back-end used for pm and
// pmFromFile (spec.md §4.1); ipMatchFromFile reads a file's entries but
// matches them as IP addresses and CIDR ranges. The compiled automaton
// is immutable and Send+Sync; FindAll allocates its own scan state per
// call so no additional thread-local scratch is required beyond what the
// library already does internally.
type Multi struct {
	ac       ahocorasick.AhoCorasick
	patterns []string
}

// NewMulti builds a multi-pattern matcher over patterns. caseInsensitive
// applies ASCII case folding, matching the file-format ``##!+ i`` toggle
// of spec.md §4.1.
func NewMulti(patterns []string, caseInsensitive bool) *Multi {
	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: caseInsensitive,
		MatchKind:            ahocorasick.LeftMostFirstMatch,
		DFA:                  true,
	})
	return &Multi{ac: builder.Build(patterns), patterns: patterns}
}

// Matches implements Backend.
func (m *Multi) Matches(subject string) bool {
	matches := m.ac.FindAll(subject)
	return len(matches) > 0
}

// Scan implements Backend.
func (m *Multi) Scan(subject string) []Span {
	matches := m.ac.FindAll(subject)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Span, len(matches))
	for i, mt := range matches {
		out[i] = Span{From: mt.Start(), To: mt.End(), Pattern: mt.Pattern()}
	}
	return out
}

// PatternAt returns the source text of the pattern index reported in a
// Span.Pattern field, used by operators that need to log which entry of
// an @file@ list fired.
func (m *Multi) PatternAt(i int) string {
	if i < 0 || i >= len(m.patterns) {
		return ""
	}
	return m.patterns[i]
}
