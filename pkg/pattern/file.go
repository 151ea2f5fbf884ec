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
	"bufio"
	"strings"
)

// FileEntry is one compiled line of a pattern file.
type FileEntry struct {
	Pattern string
	Literal bool
}

// ParseFile implements the ``@file@`` pattern-file format of spec.md
// §4.1: one pattern per line, ``##`` terminates, ``#`` starts a line
// comment, ``##!^ P``/``##!$ S`` install a running prefix/suffix applied
// to subsequent patterns, ``##!+ i``/``##!+ -i`` toggles case-sensitivity
// (reported per-file, not per-line, via caseInsensitive's final value),
// and ``##!+ l``/``##!+ -l`` toggles literal mode for the rest of the
// file.
func ParseFile(r *bufio.Scanner) (entries []FileEntry, caseInsensitive bool, err error) {
	var prefix, suffix string
	literal := false
	for r.Scan() {
		line := r.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "##" {
			break
		}
		if strings.HasPrefix(trimmed, "##!^ ") {
			prefix = strings.TrimPrefix(trimmed, "##!^ ")
			continue
		}
		if strings.HasPrefix(trimmed, "##!$ ") {
			suffix = strings.TrimPrefix(trimmed, "##!$ ")
			continue
		}
		if strings.HasPrefix(trimmed, "##!+ ") {
			opt := strings.TrimSpace(strings.TrimPrefix(trimmed, "##!+ "))
			switch opt {
			case "i":
				caseInsensitive = true
			case "-i":
				caseInsensitive = false
			case "l":
				literal = true
			case "-l":
				literal = false
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") || trimmed == "" {
			continue
		}
		entries = append(entries, FileEntry{Pattern: prefix + trimmed + suffix, Literal: literal})
	}
	if serr := r.Err(); serr != nil {
		return nil, false, serr
	}
	return entries, caseInsensitive, nil
}
