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
	"regexp/syntax"

	bre "rsc.io/binaryregexp"
)

// Automaton is the leftmost-first, no-backtracking back-end of spec.md
// §4.1. rsc.io/binaryregexp runs the same RE2 engine as the standard
// library's regexp package but operates on byte strings, which matches
// the HTTP-buffer-oriented subjects this engine scans without a UTF-8
// validity requirement.
type Automaton struct {
	re *bre.Regexp
}

// NewAutomaton compiles pattern. It returns an error for constructs RE2
// cannot express (back-references, look-around), so the caller can fall
// back to Backtrack per spec.md §4.1.
func NewAutomaton(pattern string, caseInsensitive bool) (*Automaton, error) {
	p := pattern
	if caseInsensitive {
		p = "(?i)" + p
	}
	re, err := bre.Compile(p)
	if err != nil {
		return nil, err
	}
	return &Automaton{re: re}, nil
}

// Matches implements Backend.
func (a *Automaton) Matches(subject string) bool {
	return a.re.MatchString(subject)
}

// Scan implements Backend.
func (a *Automaton) Scan(subject string) []Span {
	idx := a.re.FindAllStringIndex(subject, -1)
	if idx == nil {
		return nil
	}
	out := make([]Span, len(idx))
	for i, p := range idx {
		out[i] = Span{From: p[0], To: p[1]}
	}
	return out
}

// SubmatchIndexes returns the capture-group byte ranges for the first
// match, or nil if no match. Index 0 is the whole match, matching Go's
// regexp convention; the rule evaluator uses this to fill TX:0..TX:9.
func (a *Automaton) SubmatchIndexes(subject string) []int {
	return a.re.FindStringSubmatchIndex(subject)
}

// NeedsBacktracking inspects pattern syntactically for constructs RE2
// (and therefore Automaton) cannot run: back-references and look-around.
// Go's regexp/syntax parser rejects those at Parse time with a
// syntax.ErrInvalidPerlOp style error, which is the syntactic detection
// spec.md §4.1 calls for.
func NeedsBacktracking(p string) bool {
	_, err := syntax.Parse(p, syntax.Perl)
	return err != nil
}
