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

// Package directive is the minimal tree-walking front end for the
// directive language of spec.md §6: SecRule, SecAction, SecDefaultAction,
// SecMarker, the Sec* configuration directives, and Include. It compiles
// directly into an *engine.RuleSet hung off an *engine.Engine.
package directive

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tossoengine/secengine/pkg/engine"
	"github.com/tossoengine/secengine/pkg/utils"
)

// ParseError points back to the offending file and line, per spec.md §7
// ("point back to <file>:<line>:<column>").
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// loader holds the state threaded through one LoadFile/Load call tree:
// the engine being populated, the most recently opened rule awaiting a
// chained continuation, and the pending audit-log settings. It keeps no
// include stack.
type loader struct {
	eng          *engine.Engine
	pendingChain *engine.Rule // non-nil right after a rule with `chain` was added
	pendingPhase int

	auditIndexFile string
	auditStorageDir string
}

// LoadFromFile implements spec.md §6 API #2: loads path, resolving
// Include directives relative to the including file's directory.
func LoadFromFile(eng *engine.Engine, path string) error {
	data, err := utils.OpenFile(path)
	if err != nil {
		return fmt.Errorf("directive: reading %s: %w", path, err)
	}
	l := &loader{eng: eng}
	return l.loadText(string(data), path, filepath.Dir(path))
}

// Load implements spec.md §6 API #3: loads directives from text with no
// file context, so Include paths are resolved relative to baseDir (the
// current working directory if baseDir is empty).
func Load(eng *engine.Engine, text, baseDir string) error {
	l := &loader{eng: eng}
	return l.loadText(text, "<string>", baseDir)
}

func (l *loader) loadText(text, file, baseDir string) error {
	lines := joinContinuations(strings.Split(text, "\n"))
	for _, ln := range lines {
		line := strings.TrimSpace(ln.text)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := l.dispatch(line, file, ln.line, baseDir); err != nil {
			return err
		}
	}
	return nil
}

type logicalLine struct {
	text string
	line int
}

// joinContinuations merges a directive's trailing-`\` continuation lines
// into one logical line, tagged with the line number it started on.
func joinContinuations(raw []string) []logicalLine {
	var out []logicalLine
	var cur strings.Builder
	startLine := 0
	inCont := false
	for i, r := range raw {
		trimmed := strings.TrimRight(r, "\r")
		if !inCont {
			startLine = i + 1
		}
		if strings.HasSuffix(trimmed, "\\") {
			cur.WriteString(strings.TrimSuffix(trimmed, "\\"))
			cur.WriteString(" ")
			inCont = true
			continue
		}
		cur.WriteString(trimmed)
		out = append(out, logicalLine{text: cur.String(), line: startLine})
		cur.Reset()
		inCont = false
	}
	if cur.Len() > 0 {
		out = append(out, logicalLine{text: cur.String(), line: startLine})
	}
	return out
}

func (l *loader) dispatch(line, file string, lineNo int, baseDir string) error {
	directive, rest := splitFirstToken(line)
	errAt := func(format string, a ...interface{}) error {
		return &ParseError{File: file, Line: lineNo, Msg: fmt.Sprintf(format, a...)}
	}

	switch directive {
	case "Include":
		target := strings.Trim(strings.TrimSpace(rest), `"`)
		if !filepath.IsAbs(target) && !strings.Contains(target, "://") {
			target = filepath.Join(baseDir, target)
		}
		return LoadFromFile(l.eng, target)

	case "SecRule":
		return l.parseSecRule(rest, file, lineNo)

	case "SecAction":
		args, err := parseQuotedArgs(rest, 1)
		if err != nil {
			return errAt("SecAction: %v", err)
		}
		r := engine.NewRule(0, 2)
		if err := applyActionList(r, args[0], l); err != nil {
			return errAt("SecAction: %v", err)
		}
		return l.eng.RuleSet().AddRule(r)

	case "SecDefaultAction":
		args, err := parseQuotedArgs(rest, 1)
		if err != nil {
			return errAt("SecDefaultAction: %v", err)
		}
		r := engine.NewRule(0, 2)
		if err := applyActionList(r, args[0], l); err != nil {
			return errAt("SecDefaultAction: %v", err)
		}
		return l.eng.RuleSet().SetDefaultAction(r.Phase, r)

	case "SecMarker":
		name := strings.Trim(strings.TrimSpace(rest), `"`)
		l.eng.RuleSet().AddMarker(name)
		return nil

	case "SecRuleEngine":
		switch strings.ToLower(strings.TrimSpace(rest)) {
		case "on":
			l.eng.SetRuleEngineMode(engine.RuleEngineOn)
		case "off":
			l.eng.SetRuleEngineMode(engine.RuleEngineOff)
		case "detectiononly":
			l.eng.SetRuleEngineMode(engine.RuleEngineDetectionOnly)
		default:
			return errAt("SecRuleEngine: unknown value %q", rest)
		}
		return nil

	case "SecRequestBodyAccess":
		l.eng.SetBodyAccess(isOn(rest), false)
		return nil

	case "SecResponseBodyAccess":
		l.eng.SetBodyAccess(false, isOn(rest))
		return nil

	case "SecAuditLog":
		l.auditIndexFile = strings.Trim(strings.TrimSpace(rest), `"`)
		return l.applyAuditLog()

	case "SecAuditLogStorageDir":
		l.auditStorageDir = strings.Trim(strings.TrimSpace(rest), `"`)
		return l.applyAuditLog()

	case "SecRuleRemoveById":
		id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return errAt("SecRuleRemoveById: %v", err)
		}
		l.eng.RuleSet().RemoveByID(id)
		return nil

	case "SecRuleRemoveByMsg":
		l.eng.RuleSet().RemoveByMsg(strings.Trim(strings.TrimSpace(rest), `"`))
		return nil

	case "SecRuleRemoveByTag":
		l.eng.RuleSet().RemoveByTag(strings.Trim(strings.TrimSpace(rest), `"`))
		return nil

	case "SecRequestBodyLimit", "SecRequestBodyNoFilesLimit", "SecRequestBodyJsonDepthLimit",
		"SecResponseBodyLimit", "SecRequestBodyLimitAction", "SecResponseBodyLimitAction",
		"SecResponseBodyMimeType", "SecResponseBodyMimeTypesClear", "SecArgumentsLimit",
		"SecArgumentSeparator", "SecUnicodeMapFile", "SecPcreMatchLimit", "SecPmfSerializeDir",
		"SecAuditLog2", "SecAuditLogDirMode", "SecAuditLogFileMode", "SecAuditLogFormat",
		"SecAuditLogParts", "SecAuditLogRelevantStatus", "SecAuditLogType",
		"SecRuleUpdateActionById", "SecRuleUpdateTargetById", "SecRuleUpdateTargetByMsg",
		"SecRuleUpdateTargetByTag", "SecRuleUpdateOperatorById", "SecRuleUpdateOperatorByTag":
		// Recognised but not behaviourally wired: these directives
		// (spec.md §6 table) are accepted and change neither the compiled
		// rule set nor evaluation. Each occurrence is logged at debug
		// level so a rule file author can see it was accepted.
		l.eng.Logger().WithField("directive", directive).Debug("directive: accepted, no runtime effect in this core")
		return nil
	}

	return errAt("unknown directive %q", directive)
}

func (l *loader) applyAuditLog() error {
	if l.auditIndexFile == "" {
		return nil
	}
	dir := l.auditStorageDir
	if dir == "" {
		dir = "."
	}
	return l.eng.SetAuditLog(l.auditIndexFile, dir)
}

func isOn(rest string) bool {
	return strings.EqualFold(strings.TrimSpace(rest), "on")
}

func splitFirstToken(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}
