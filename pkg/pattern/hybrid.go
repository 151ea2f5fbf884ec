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

import "github.com/sirupsen/logrus"

// confirmBefore/confirmAfter bound the re-scan window spec.md §4.1 uses
// to confirm a filtered-automaton hit against the real backtracking
// semantics.
const (
	confirmBefore = 512
	confirmAfter  = 256
)

// Hybrid pairs a filtered finite automaton with a companion backtracking
// pattern for regex constructs the automaton cannot run natively
// (back-references, look-around). It scans with the automaton and
// confirms each hit by re-running the backtracking matcher over a window
// around the hit, de-duplicating confirmed hits by end offset.
type Hybrid struct {
	automaton  *Automaton
	backtrack  *Backtrack
	log        *logrus.Logger
}

// NewHybrid compiles pattern, selecting the literal back-end when the
// pattern has no regex metacharacters, the finite-automaton back-end
// when RE2 can express it, and the backtracking back-end otherwise. It
// does not build the two-stage Hybrid (see NewFilteredHybrid).
func NewHybrid(pattern string, caseInsensitive bool, stepLimit int, log *logrus.Logger) (Backend, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if pattern != "" && !HasMeta(pattern) {
		return NewLiteral(pattern, !caseInsensitive), nil
	}
	if !NeedsBacktracking(pattern) {
		a, err := NewAutomaton(pattern, caseInsensitive)
		if err == nil {
			return a, nil
		}
		log.WithError(err).Warn("pattern: automaton compile failed despite syntactic check, falling back to backtracking")
	}
	bt, err := NewBacktrack(pattern, caseInsensitive, stepLimit)
	if err != nil {
		return nil, err
	}
	// Best-effort: if a filterable automaton approximation exists (the
	// pattern minus its unsupported constructs would still narrow hits),
	// callers needing that optimisation can construct one explicitly;
	// this engine keeps the implementation honest by scanning with the
	// backtracking matcher directly when RE2 cannot represent the
	// pattern at all, and only uses Hybrid's two-stage confirm path when
	// both forms compile (see NewFilteredHybrid).
	return bt, nil
}

// NewFilteredHybrid builds the two-stage confirm pipeline of spec.md
// §4.1: approxPattern must be an RE2-representable over-approximation of
// fullPattern (typically fullPattern with look-around/back-references
// stripped) so the automaton can pre-filter candidate hits cheaply before
// the exact backtracking matcher confirms them within the window.
func NewFilteredHybrid(approxPattern, fullPattern string, caseInsensitive bool, stepLimit int, log *logrus.Logger) (*Hybrid, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a, err := NewAutomaton(approxPattern, caseInsensitive)
	if err != nil {
		return nil, err
	}
	bt, err := NewBacktrack(fullPattern, caseInsensitive, stepLimit)
	if err != nil {
		return nil, err
	}
	return &Hybrid{automaton: a, backtrack: bt, log: log}, nil
}

// Matches implements Backend.
func (h *Hybrid) Matches(subject string) bool {
	return len(h.Scan(subject)) > 0
}

// Scan implements Backend.
func (h *Hybrid) Scan(subject string) []Span {
	candidates := h.automaton.Scan(subject)
	if len(candidates) == 0 {
		return nil
	}
	seen := map[int]bool{}
	var out []Span
	for _, c := range candidates {
		from := c.From - confirmBefore
		if from < 0 {
			from = 0
		}
		to := c.To + confirmAfter
		if to > len(subject) {
			to = len(subject)
		}
		window := subject[from:to]
		for _, sp := range h.backtrack.Scan(window) {
			end := from + sp.To
			if seen[end] {
				continue
			}
			seen[end] = true
			out = append(out, Span{From: from + sp.From, To: end})
		}
	}
	return out
}
