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

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tossoengine/secengine/internal/directive"
	"github.com/tossoengine/secengine/pkg/engine"
)

// recordedRequest is one entry of a replay fixture file: a captured
// request, independent of any live network capture tooling.
type recordedRequest struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

var replayRuleFiles []string

var replayCmd = &cobra.Command{
	Use:   "replay [traffic.json]",
	Short: "Replay recorded requests against the compiled rule set",
	Long: `Replay reads a JSON array of recorded requests and runs each one
through the engine (phases 1-2 only, since no live upstream is involved),
printing whether it was blocked and by which rule. Useful for regression
testing rule changes offline.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return replayFile(args[0])
	},
}

func init() {
	replayCmd.Flags().StringSliceVar(&replayRuleFiles, "rules", nil, "Rule files to load (repeatable)")
	replayCmd.MarkFlagRequired("rules")
}

func replayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	var records []recordedRequest
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("replay: decoding %s: %w", path, err)
	}

	eng := engine.New(engine.LogLevelWarn, "")
	for _, f := range replayRuleFiles {
		if err := directive.LoadFromFile(eng, f); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
	}
	if err := eng.Init(); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	var blocked int
	for i, rec := range records {
		tx := eng.MakeTransaction()
		tx.ProcessURI(rec.URI, rec.Method, "HTTP/1.1")
		iv := tx.ProcessRequestHeaders(func(find func(k, v string)) {
			for k, v := range rec.Headers {
				find(k, v)
			}
		}, nil)
		if iv == nil {
			iv = tx.ProcessRequestBody(func() []string { return []string{rec.Body} }, nil)
		}

		if iv != nil {
			blocked++
			fmt.Printf("[%d] %s %s -> BLOCKED rule=%d status=%d msg=%q\n",
				i, rec.Method, rec.URI, iv.RuleID, iv.Status, iv.Msg)
		} else {
			fmt.Printf("[%d] %s %s -> pass\n", i, rec.Method, rec.URI)
		}
	}

	fmt.Printf("\n%d/%d requests blocked\n", blocked, len(records))
	return nil
}
