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

package engine

import "github.com/tossoengine/secengine/pkg/variant"

// Element is one value produced by a variable node: the raw variant plus
// the sub-name it was captured under (the collection key, or empty for a
// scalar variable).
type Element struct {
	Value   variant.Variant
	SubName string
}

// MatchedVariable records one operator match for audit and for the
// MATCHED_* variable family (spec.md §3, §9).
type MatchedVariable struct {
	CollectionName string
	Key            string
	Value          string // the value as seen by the operator, post-transform
	Original       string // pre-transform value
	Transforms     []string
}

// Results is the short-buffer-optimised output of a variable node
// evaluation; plain slices suffice in Go where append over a small
// pre-sized slice already avoids most allocation spec.md's SBO language
// is asking for.
type Results []Element
