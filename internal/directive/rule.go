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

package directive

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tossoengine/secengine/pkg/engine"
	"github.com/tossoengine/secengine/pkg/fullname"
)

// parseSecRule handles `SecRule VARIABLES "OPERATOR" "ACTIONS"`, wiring
// the result into l's pending chain or appending it as a new top-level
// rule.
func (l *loader) parseSecRule(rest, file string, lineNo int) error {
	varsTok, remainder := splitFirstToken(rest)
	args, err := parseQuotedArgs(remainder, 2)
	if err != nil {
		return &ParseError{File: file, Line: lineNo, Msg: fmt.Sprintf("SecRule: %v", err)}
	}
	operatorExpr, actionsExpr := args[0], args[1]

	r := engine.NewRule(0, 2)
	if err := applyVariableList(r, varsTok); err != nil {
		return &ParseError{File: file, Line: lineNo, Msg: fmt.Sprintf("SecRule: %v", err)}
	}
	if err := applyOperator(r, operatorExpr, l.eng.Logger()); err != nil {
		return &ParseError{File: file, Line: lineNo, Msg: fmt.Sprintf("SecRule: %v", err)}
	}
	if err := applyActionList(r, actionsExpr, l); err != nil {
		return &ParseError{File: file, Line: lineNo, Msg: fmt.Sprintf("SecRule: %v", err)}
	}

	chainRequested := actionRequestsChain(actionsExpr)

	if l.pendingChain != nil {
		l.pendingChain.SetChain(r)
	} else if err := l.eng.RuleSet().AddRule(r); err != nil {
		return &ParseError{File: file, Line: lineNo, Msg: err.Error()}
	}

	if chainRequested {
		l.pendingChain = r
	} else {
		l.pendingChain = nil
	}
	return nil
}

func actionRequestsChain(actionsExpr string) bool {
	for _, tok := range splitTopLevel(actionsExpr, ',') {
		if strings.TrimSpace(tok) == "chain" {
			return true
		}
	}
	return false
}

// applyVariableList parses a `VAR1|VAR2:sub|!VAR3:sub` token into accepted
// variables plus exceptions on r.
func applyVariableList(r *engine.Rule, tok string) error {
	parts := splitTopLevel(tok, '|')
	var accepted []fullname.FullName
	var exceptions []struct {
		main fullname.Main
		kind fullname.SubKind
		sub  string
	}

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		negate := false
		count := false
		for stripped := true; stripped; {
			stripped = false
			if strings.HasPrefix(p, "!") {
				negate = true
				p = p[1:]
				stripped = true
			}
			if strings.HasPrefix(p, "&") {
				count = true
				p = p[1:]
				stripped = true
			}
		}
		mainTok, subTok, hasSub := strings.Cut(p, ":")
		main, ok := fullname.ParseMain(mainTok)
		if !ok {
			return fmt.Errorf("unknown variable %q", mainTok)
		}
		if !negate {
			fn := fullname.FullName{Main: main, Count: count}
			if hasSub {
				kind, sub := parseSubName(subTok)
				fn.SubKind = kind
				fn.Sub = sub
			}
			accepted = append(accepted, fn)
			continue
		}
		kind, sub := fullname.SubLiteral, subTok
		if hasSub {
			kind, sub = parseSubName(subTok)
		}
		exceptions = append(exceptions, struct {
			main fullname.Main
			kind fullname.SubKind
			sub  string
		}{main, kind, sub})
	}

	for _, fn := range accepted {
		r.AddVariable(engine.NewVariable(fn))
	}
	for _, e := range exceptions {
		r.ApplyExceptVariable(e.main, e.kind, e.sub)
	}
	return nil
}

// parseSubName classifies a sub-name token as literal, /regex/, or
// @file@ (spec.md §4.2/§4.6 exception syntax).
func parseSubName(tok string) (fullname.SubKind, string) {
	if strings.HasPrefix(tok, "/") && strings.HasSuffix(tok, "/") && len(tok) >= 2 {
		return fullname.SubRegex, tok[1 : len(tok)-1]
	}
	if strings.HasPrefix(tok, "@") {
		return fullname.SubFile, strings.TrimSuffix(strings.TrimPrefix(tok, "@"), "@")
	}
	return fullname.SubLiteral, tok
}

// applyOperator parses `[!]@name[ data]` (or a bare literal, which
// defaults to @rx per spec.md §4.4) and installs the compiled operator.
func applyOperator(r *engine.Rule, expr string, log *logrus.Logger) error {
	expr = strings.TrimSpace(expr)
	negate := false
	if strings.HasPrefix(expr, "!") {
		negate = true
		expr = expr[1:]
	}
	name := "rx"
	data := expr
	if strings.HasPrefix(expr, "@") {
		nameTok, rest := splitFirstToken(expr[1:])
		name = nameTok
		data = rest
	}
	op, err := engine.NewOperator(name, data, log)
	if err != nil {
		return err
	}
	r.Operator = op
	r.OperatorName = name
	r.OperatorValue = data
	r.Negate = negate
	return nil
}

// applyActionList parses a comma-separated actions string and mutates r
// per spec.md §4.5. The loader argument l is not read.
func applyActionList(r *engine.Rule, expr string, l *loader) error {
	disruptiveKind := engine.DisruptiveNone
	var disruptiveStatus int
	var disruptiveRedirect string

	for _, tok := range splitTopLevel(expr, ',') {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		name, value, hasValue := strings.Cut(tok, ":")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		switch name {
		// Meta-data actions.
		case "id":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("id: %w", err)
			}
			r.ID = id
		case "phase":
			p, err := parsePhase(value)
			if err != nil {
				return err
			}
			r.Phase = p
		case "msg":
			r.Msg = unquote(value)
		case "tag":
			r.Tags = append(r.Tags, unquote(value))
		case "rev":
			r.Rev = unquote(value)
		case "severity":
			sev, err := strconv.Atoi(unquote(value))
			if err == nil {
				r.Severity = sev
			}
		case "ver", "accuracy", "maturity":
			// Recorded nowhere beyond acceptance; spec.md §4.5 lists these
			// as metadata with no further engine-observable effect.

		// Non-disruptive runtime actions.
		case "setvar":
			r.AddAction(engine.NewSetVar(unquote(value)), engine.BranchMatched)
		case "setenv":
			r.AddAction(engine.NewSetEnv(unquote(value)), engine.BranchMatched)
		case "setuid":
			r.AddAction(engine.NewInitcol("setuid", unquote(value)), engine.BranchMatched)
		case "setsid":
			r.AddAction(engine.NewInitcol("setsid", unquote(value)), engine.BranchMatched)
		case "setrsc":
			r.AddAction(engine.NewInitcol("setrsc", unquote(value)), engine.BranchMatched)
		case "initcol":
			coll, key, _ := strings.Cut(unquote(value), "=")
			r.AddAction(engine.NewInitcol(strings.TrimSpace(coll), strings.TrimSpace(key)), engine.BranchMatched)
		case "ctl":
			kind, kv, _ := strings.Cut(unquote(value), "=")
			r.AddAction(engine.NewCtl(strings.TrimSpace(kind), strings.TrimSpace(kv)), engine.BranchMatched)
		case "capture":
			r.Capture = true
		case "multiMatch":
			r.MultiMatch = true
		case "log":
			r.Log, r.LogSet = true, true
		case "nolog":
			r.Log, r.LogSet = false, true
		case "auditlog":
			r.AuditLog = true
		case "noauditlog":
			r.AuditLog = false
		case "logdata":
			r.AddAction(engine.NewLogData(unquote(value)), engine.BranchMatched)
		case "t":
			if value == "none" {
				r.ClearTransforms()
			} else if err := r.AddTransform(value); err != nil {
				return err
			}
		case "chain":
			// Handled by the caller (parseSecRule inspects the raw action
			// list); nothing to set on r itself.
		case "skip":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("skip: %w", err)
			}
			r.Skip = n
		case "skipAfter":
			r.SkipAfter = unquote(value)

		// Disruptive actions.
		case "pass":
			disruptiveKind = engine.DisruptivePass
		case "allow":
			disruptiveKind = disruptiveAllowGranularity(value)
		case "block":
			disruptiveKind = engine.DisruptiveBlock
		case "deny":
			disruptiveKind = engine.DisruptiveDeny
		case "drop":
			disruptiveKind = engine.DisruptiveDrop
		case "redirect":
			disruptiveKind = engine.DisruptiveRedirect
			disruptiveRedirect = unquote(value)
		case "status":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			disruptiveStatus = n

		default:
			if !hasValue {
				// Unrecognised bare token: accept silently as a no-op
				// flag rather than failing the whole rule file, matching
				// spec.md §7's "absorb" runtime philosophy extended to
				// forward-compatible action names.
				continue
			}
			return fmt.Errorf("unknown action %q", name)
		}
	}

	// Disruptive/log/auditlog/capture are meta-data in the same sense as
	// id/phase/msg: their value is fixed by the directive text alone, so
	// they are written straight onto r here rather than queued as a
	// per-match Action. This matters for SecDefaultAction in particular —
	// that rule is never run through Evaluate/runActions, so anything
	// deferred to an Action.Apply on it would never take effect — and it
	// keeps a compiled Rule free of request-time writes so one RuleSet can
	// back many concurrent Transactions safely.
	if disruptiveKind != engine.DisruptiveNone {
		r.Disruptive = disruptiveKind
		if disruptiveStatus != 0 {
			r.Status = disruptiveStatus
		}
		if disruptiveRedirect != "" {
			r.RedirectTo = disruptiveRedirect
		}
	}
	return nil
}

func disruptiveAllowGranularity(value string) engine.Disruptive {
	switch strings.TrimSpace(value) {
	case "phase":
		return engine.DisruptiveAllowPhase
	case "request":
		return engine.DisruptiveAllowRequest
	default:
		return engine.DisruptiveAllow
	}
}

func parsePhase(value string) (int, error) {
	switch strings.ToLower(value) {
	case "1", "request":
		return 1, nil
	case "2", "request_body":
		return 2, nil
	case "3", "response_headers":
		return 3, nil
	case "4", "response_body":
		return 4, nil
	case "5", "logging":
		return 5, nil
	}
	return 0, fmt.Errorf("phase: unknown value %q", value)
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

// splitTopLevel splits s on sep, ignoring occurrences inside single
// quotes (action values like `setvar:'tx.score=+1'` may themselves carry
// characters that otherwise look like separators).
func splitTopLevel(s string, sep byte) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == sep && !inQuote:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

// parseQuotedArgs extracts n consecutive double-quoted arguments from s,
// allowing arbitrary whitespace between them.
func parseQuotedArgs(s string, n int) ([]string, error) {
	out := make([]string, 0, n)
	i := 0
	for len(out) < n {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) || s[i] != '"' {
			return nil, fmt.Errorf("expected quoted argument %d, got %q", len(out)+1, s[i:])
		}
		i++
		var b strings.Builder
		for i < len(s) && s[i] != '"' {
			if s[i] == '\\' && i+1 < len(s) && s[i+1] == '"' {
				b.WriteByte('"')
				i += 2
				continue
			}
			b.WriteByte(s[i])
			i++
		}
		if i >= len(s) {
			return nil, fmt.Errorf("unterminated quoted argument")
		}
		i++ // closing quote
		out = append(out, b.String())
	}
	return out, nil
}
