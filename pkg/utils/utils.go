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

// Package utils holds small host-agnostic helpers shared across the
// engine: loading rule/pattern files from local disk or a remote URL, and
// generating transaction identifiers.
package utils

import (
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// OpenFile reads path, which may be a local filesystem path or an
// ``https://``/``http://`` URL — Include directives and @file@ operator
// operands both resolve through this one entry point.
func OpenFile(path string) ([]byte, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(path)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("utils: fetching %s: status %s", path, resp.Status)
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(path)
}

const randomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomString returns a random alphanumeric string of length n, used to
// mint transaction and audit-log identifiers.
func RandomString(n int) string {
	b := make([]byte, n)
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand failing is exceptional; degrade to a
		// time-seeded fallback rather than panic a request path.
		for i := range raw {
			raw[i] = byte(time.Now().UnixNano() >> uint(i%8*8))
		}
	}
	for i, c := range raw {
		b[i] = randomAlphabet[int(c)%len(randomAlphabet)]
	}
	return string(b)
}
