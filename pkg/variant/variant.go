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

// Package variant holds the tagged-union value type that flows through
// variable extraction, transformation and operator evaluation.
package variant

import "strconv"

// Kind discriminates the three states a Variant can hold.
type Kind uint8

const (
	// Empty means the variable produced no value.
	Empty Kind = iota
	// Int64 holds a signed integer, produced by counters and numeric
	// environment variables.
	Int64
	// String holds a string view, possibly borrowed from transaction-owned
	// storage (see Interner below).
	String
)

// Variant is the tagged union every value in the evaluation pipeline is
// wrapped in. Zero value is Empty.
type Variant struct {
	kind Kind
	i    int64
	s    string
}

// Nil is the empty Variant.
var Nil = Variant{}

// FromString wraps s as a String Variant.
func FromString(s string) Variant { return Variant{kind: String, s: s} }

// FromInt64 wraps n as an Int64 Variant.
func FromInt64(n int64) Variant { return Variant{kind: Int64, i: n} }

// Kind reports which alternative is populated.
func (v Variant) Kind() Kind { return v.kind }

// IsEmpty reports whether v holds no value.
func (v Variant) IsEmpty() bool { return v.kind == Empty }

// String renders v as a string regardless of its underlying kind; this is
// the view every operator and transform actually consumes, matching the
// source's treatment of operands as strings after Variant->text coercion.
func (v Variant) String() string {
	switch v.kind {
	case Int64:
		return strconv.FormatInt(v.i, 10)
	case String:
		return v.s
	default:
		return ""
	}
}

// Int64 returns the numeric value and whether v actually held one.
func (v Variant) Int64() (int64, bool) {
	if v.kind == Int64 {
		return v.i, true
	}
	return 0, false
}

// Interner is an append-only bump arena that promotes transient strings
// (built by a transform, a macro expansion, or a numeric formatting) into
// storage that outlives the stack frame that produced them. Every string
// handed to a MatchedVariable or a capture must come from here or from an
// HTTP buffer the host guarantees stable for the transaction's lifetime.
type Interner struct {
	chunks [][]byte
}

// Intern copies s into the arena and returns a stable view of the copy.
func (in *Interner) Intern(s string) string {
	if s == "" {
		return ""
	}
	buf := make([]byte, len(s))
	copy(buf, s)
	in.chunks = append(in.chunks, buf)
	return string(buf)
}

// Reset drops all interned storage. Callers must not retain any previously
// interned string past Reset.
func (in *Interner) Reset() {
	in.chunks = in.chunks[:0]
}
