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
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tossoengine/secengine/pkg/fullname"
	"github.com/tossoengine/secengine/pkg/variant"
)

// ActionBranch selects which outcome of the operator an action runs
// under (spec.md §4.5). Unmatched/Always are only legal inside SecRule.
type ActionBranch int

const (
	BranchMatched ActionBranch = iota
	BranchUnmatched
	BranchAlways
)

// Action is the non-disruptive/disruptive runtime node interface of
// spec.md §4.5. Meta-data actions (id, phase, msg, tag, ver, rev,
// accuracy, maturity, severity) are not modelled as Action values at all:
// they set fields on *Rule directly at compile time and are never
// re-evaluated per request, per spec.md's own classification.
type Action interface {
	Apply(tx *Transaction, r *Rule, log *logrus.Logger)
	Name() string
}

// setvarMode is the Create/CreateAndInit/Remove/Increase/Decrease
// variant of `setvar` (spec.md §4.5).
type setvarMode int

const (
	setvarCreate setvarMode = iota
	setvarCreateAndInit
	setvarRemove
	setvarIncrease
	setvarDecrease
)

type setvarAction struct {
	name  string
	value string
	mode  setvarMode
}

// NewSetVar parses a `setvar:tx.name=value` / `setvar:tx.name=+N` /
// `setvar:!tx.name` expression into the corresponding mode. The `tx.`
// namespace prefix is ModSecurity directive syntax, not part of the
// stored TX key, so it is stripped here.
func NewSetVar(expr string) *setvarAction {
	a := &setvarAction{}
	if strings.HasPrefix(expr, "!") {
		a.mode = setvarRemove
		a.name = stripTXPrefix(strings.TrimPrefix(expr, "!"))
		return a
	}
	name, value, ok := strings.Cut(expr, "=")
	a.name = stripTXPrefix(name)
	if !ok {
		a.mode = setvarCreateAndInit
		return a
	}
	switch {
	case strings.HasPrefix(value, "+"):
		a.mode = setvarIncrease
		a.value = strings.TrimPrefix(value, "+")
	case strings.HasPrefix(value, "-"):
		a.mode = setvarDecrease
		a.value = strings.TrimPrefix(value, "-")
	default:
		a.mode = setvarCreate
		a.value = value
	}
	return a
}

func stripTXPrefix(name string) string {
	if len(name) > 3 && strings.EqualFold(name[:3], "tx.") {
		return name[3:]
	}
	return name
}

func (a *setvarAction) Name() string { return "setvar" }

func (a *setvarAction) Apply(tx *Transaction, r *Rule, log *logrus.Logger) {
	name := expandTXMacro(tx, a.name)
	switch a.mode {
	case setvarRemove:
		tx.UnsetTX(name)
	case setvarCreateAndInit:
		tx.SetTX(name, variant.FromInt64(0))
	case setvarCreate:
		tx.SetTX(name, variant.FromString(expandTXMacro(tx, a.value)))
	case setvarIncrease, setvarDecrease:
		delta, err := strconv.ParseFloat(expandTXMacro(tx, a.value), 64)
		if err != nil {
			log.WithField("setvar", a.name).Warn("engine: non-numeric setvar delta, ignoring")
			return
		}
		cur, _ := tx.GetTX(name).Int64()
		if a.mode == setvarDecrease {
			delta = -delta
		}
		tx.SetTX(name, variant.FromInt64(cur+int64(delta)))
	}
}

// setenvAction implements `setenv:name=value`.
type setenvAction struct{ name, value string }

func NewSetEnv(expr string) *setenvAction {
	name, value, _ := strings.Cut(expr, "=")
	return &setenvAction{name: name, value: value}
}

func (a *setenvAction) Name() string { return "setenv" }

func (a *setenvAction) Apply(tx *Transaction, r *Rule, log *logrus.Logger) {
	tx.env.set(a.name, expandTXMacro(tx, a.value))
}

// persistentKeyAction backs setuid/setsid/setrsc/initcol, each of which
// only records a persistent-collection lookup key on the transaction
// (spec.md §9 open-question decision).
type persistentKeyAction struct {
	collection string
	key        string
}

func NewInitcol(collection, key string) *persistentKeyAction {
	return &persistentKeyAction{collection: collection, key: key}
}

func (a *persistentKeyAction) Name() string { return "initcol" }

func (a *persistentKeyAction) Apply(tx *Transaction, r *Rule, log *logrus.Logger) {
	tx.InitCollection(a.collection, expandTXMacro(tx, a.key))
}

// ctlAction implements `ctl:ruleRemoveById=N`, `ctl:ruleRemoveByTag=name`,
// and `ctl:ruleRemoveTargetById=N;VAR:sub`. The first two set the
// transaction-local rule-removal bitmap of spec.md §3/§4.5.
// ruleRemoveTargetById records the target on the transaction; rule
// evaluation does not consult that record, so the target is still
// inspected.
type ctlAction struct {
	kind  string
	value string
}

func NewCtl(kind, value string) *ctlAction {
	return &ctlAction{kind: kind, value: value}
}

func (a *ctlAction) Name() string { return "ctl:" + a.kind }

func (a *ctlAction) Apply(tx *Transaction, r *Rule, log *logrus.Logger) {
	rs := tx.ruleSet
	switch a.kind {
	case "ruleRemoveById":
		id, err := strconv.ParseInt(strings.TrimSpace(a.value), 10, 64)
		if err != nil {
			return
		}
		for _, loc := range rs.byID[id] {
			tx.removeRule(loc.phase, loc.index)
		}
	case "ruleRemoveByTag":
		for _, loc := range rs.byTag[fullname.Fold(a.value)] {
			tx.removeRule(loc.phase, loc.index)
		}
	case "ruleRemoveTargetById":
		idPart, targetPart, ok := strings.Cut(a.value, ";")
		if !ok {
			return
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idPart), 10, 64)
		if err != nil {
			return
		}
		main, sub := splitTarget(targetPart)
		tx.removeTarget(id, main, sub)
	}
}

func splitTarget(s string) (fullname.Main, string) {
	mainTok, sub, _ := strings.Cut(s, ":")
	main, _ := fullname.ParseMain(strings.TrimSpace(mainTok))
	return main, strings.TrimSpace(sub)
}

// logdataAction implements `logdata:<macro>`. Unlike capture/log/auditlog,
// the expanded text is genuinely request-dependent (it interpolates
// matched-variable and TX macros), so it cannot be resolved at compile
// time; it is recorded onto the transaction rather than the shared Rule so
// that concurrent Transactions evaluating the same compiled RuleSet never
// write through a common field.
type logdataAction struct{ template string }

func NewLogData(template string) *logdataAction { return &logdataAction{template: template} }
func (a *logdataAction) Name() string           { return "logdata" }
func (a *logdataAction) Apply(tx *Transaction, r *Rule, log *logrus.Logger) {
	tx.currentLogData = ExpandMacro(tx, r, a.template)
}
