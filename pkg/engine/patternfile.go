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

import (
	"bufio"
	"bytes"
	"fmt"
	"sync"

	"github.com/tossoengine/secengine/pkg/pattern"
	"github.com/tossoengine/secengine/pkg/utils"
)

// loadedFile is the compiled, process-wide-interned form of an @file@
// reference: a multi-pattern backend over every non-literal entry plus a
// plain set for literal entries, per spec.md §4.1.
type loadedFile struct {
	path    string
	literal map[string]bool
	multi   *pattern.Multi
}

var (
	fileCacheMu sync.Mutex
	fileCache   = map[string]*loadedFile{}
)

// loadPatternFile reads and compiles path (local file or https:// URL),
// caching the compiled form process-wide by absolute path (spec.md §4.1).
func loadPatternFile(path string) (*loadedFile, error) {
	fileCacheMu.Lock()
	defer fileCacheMu.Unlock()
	if lf, ok := fileCache[path]; ok {
		return lf, nil
	}
	data, err := utils.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("pattern file %s: %w", path, err)
	}
	entries, caseInsensitive, err := pattern.ParseFile(bufio.NewScanner(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("pattern file %s: %w", path, err)
	}
	lf := &loadedFile{path: path, literal: map[string]bool{}}
	var regexPatterns []string
	for _, e := range entries {
		if e.Literal || !pattern.HasMeta(e.Pattern) {
			lf.literal[e.Pattern] = true
		} else {
			regexPatterns = append(regexPatterns, e.Pattern)
		}
	}
	if len(regexPatterns) > 0 {
		lf.multi = pattern.NewMulti(regexPatterns, caseInsensitive)
	}
	fileCache[path] = lf
	return lf, nil
}

// matches reports whether key is listed in the file, by literal equality
// or by one of its compiled patterns.
func (lf *loadedFile) matches(key string) bool {
	if lf.literal[key] {
		return true
	}
	if lf.multi != nil {
		return lf.multi.Matches(key)
	}
	return false
}
