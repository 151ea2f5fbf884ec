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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tossoengine/secengine/internal/directive"
	"github.com/tossoengine/secengine/internal/proxy"
	"github.com/tossoengine/secengine/pkg/engine"
)

var (
	ruleFiles  []string
	upstream   string
	listenAddr string
	dryRun     bool
	auditIndex string
	auditDir   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Front an upstream with the compiled rule set",
	Long: `Start a reverse proxy in front of --upstream, evaluating every
request (and, where the response phases permit, every response) against
the rules loaded from --rules.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProxy()
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&ruleFiles, "rules", nil, "Rule files to load (repeatable)")
	runCmd.Flags().StringVar(&upstream, "upstream", "", "Upstream URL to forward traffic to (required)")
	runCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Evaluate rules but never block")
	runCmd.Flags().StringVar(&auditIndex, "audit-log", "", "Audit log index file (enables SecAuditLog-style recording)")
	runCmd.Flags().StringVar(&auditDir, "audit-dir", ".", "Audit log storage directory")
	runCmd.MarkFlagRequired("upstream")
	runCmd.MarkFlagRequired("rules")
}

func runProxy() error {
	if viper.IsSet("rules") {
		ruleFiles = viper.GetStringSlice("rules")
	}
	if viper.IsSet("upstream") {
		upstream = viper.GetString("upstream")
	}

	eng := engine.New(engine.LogLevelInfo, "")
	for _, f := range ruleFiles {
		if err := directive.LoadFromFile(eng, f); err != nil {
			return fmt.Errorf("run: %w", err)
		}
	}
	if auditIndex != "" {
		if err := eng.SetAuditLog(auditIndex, auditDir); err != nil {
			return fmt.Errorf("run: %w", err)
		}
	}
	if err := eng.Init(); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	p, err := proxy.New(proxy.Config{
		ListenAddr: listenAddr,
		Upstream:   upstream,
		DryRun:     dryRun,
		Timeout:    30 * time.Second,
	}, eng)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		eng.Logger().Info("run: shutting down")
		p.Stop()
	}()

	fmt.Printf("secenginectl listening on %s, forwarding to %s\n", listenAddr, upstream)
	if dryRun {
		fmt.Println("dry-run mode: rules are evaluated but never block")
	}
	return p.Start()
}
