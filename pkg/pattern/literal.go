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

import "strings"

// Literal is the Boyer-Moore/memmem-class back-end used when a pattern
// has no regex metacharacters (spec.md §4.1). strings.Index is backed by
// a Rabin-Karp/Boyer-Moore hybrid in the standard library, which is the
// same class of algorithm the spec calls for without pulling in a
// dedicated memmem dependency for a single substring search.
type Literal struct {
	needle        string
	caseSensitive bool
}

// NewLiteral compiles a literal pattern.
func NewLiteral(needle string, caseSensitive bool) *Literal {
	if !caseSensitive {
		needle = strings.ToLower(needle)
	}
	return &Literal{needle: needle, caseSensitive: caseSensitive}
}

// Matches implements Backend.
func (l *Literal) Matches(subject string) bool {
	return l.indexAll(subject, true) != nil
}

// Scan implements Backend.
func (l *Literal) Scan(subject string) []Span {
	return l.indexAll(subject, false)
}

func (l *Literal) indexAll(subject string, firstOnly bool) []Span {
	hay := subject
	if !l.caseSensitive {
		hay = strings.ToLower(subject)
	}
	if l.needle == "" {
		return nil
	}
	var out []Span
	offset := 0
	for {
		i := strings.Index(hay[offset:], l.needle)
		if i < 0 {
			break
		}
		from := offset + i
		to := from + len(l.needle)
		out = append(out, Span{From: from, To: to})
		if firstOnly {
			return out
		}
		offset = to
		if offset >= len(hay) {
			break
		}
	}
	return out
}

// HasMeta reports whether text contains a regex metacharacter, the
// compile-time test spec.md §4.1 uses to route a pattern to the literal
// back-end.
func HasMeta(text string) bool {
	return strings.ContainsAny(text, `\.+*?()|[]{}^$`)
}
