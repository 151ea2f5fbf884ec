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
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tossoengine/secengine/pkg/fullname"
	"github.com/tossoengine/secengine/pkg/variant"
)

// Variable is the node interface of spec.md §4.2.
type Variable interface {
	Evaluate(tx *Transaction, rule *Rule) Results
	FullName() fullname.FullName
	IsCollection() bool
	IsCounter() bool
}

// variableNode is the single concrete implementation backing every
// variable kind; behaviour is dispatched on FullName.Main rather than
// through one Go type per kind, keeping the ~80-member closed set to one
// small struct plus a switch, matching spec.md §9's "closed enum wins on
// code-size" recommendation.
type variableNode struct {
	name       fullname.FullName
	exceptions []exception
}

type exception struct {
	kind    fullname.SubKind
	literal string
	re      *regexp.Regexp
	file    *loadedFile
}

// FullName implements Variable.
func (v *variableNode) FullName() fullname.FullName { return v.name }

// IsCollection implements Variable.
func (v *variableNode) IsCollection() bool {
	return v.name.SubKind == fullname.SubNone && v.name.Main.IsCollection()
}

// IsCounter implements Variable.
func (v *variableNode) IsCounter() bool { return v.name.Count }

// NewVariable constructs a variable node for name.
func NewVariable(name fullname.FullName) Variable {
	return &variableNode{name: name}
}

// AddException attaches a !sub exception (literal, regex, or @file@) to a
// collection variable node, per spec.md §4.6 step 1.
func (v *variableNode) AddException(kind fullname.SubKind, spec string) error {
	e := exception{kind: kind, literal: fullname.Fold(spec)}
	if kind == fullname.SubRegex {
		re, err := regexp.Compile(spec)
		if err != nil {
			return fmt.Errorf("variable exception regex: %w", err)
		}
		e.re = re
	}
	if kind == fullname.SubFile {
		lf, err := loadPatternFile(spec)
		if err != nil {
			return err
		}
		e.file = lf
	}
	v.exceptions = append(v.exceptions, e)
	return nil
}

func (v *variableNode) excluded(key string) bool {
	fk := fullname.Fold(key)
	for _, e := range v.exceptions {
		switch e.kind {
		case fullname.SubLiteral:
			if e.literal == fk {
				return true
			}
		case fullname.SubRegex:
			if e.re != nil && e.re.MatchString(key) {
				return true
			}
		case fullname.SubFile:
			if e.file != nil && e.file.matches(key) {
				return true
			}
		}
	}
	return false
}

// Evaluate implements Variable.
func (v *variableNode) Evaluate(tx *Transaction, rule *Rule) Results {
	raw := v.raw(tx, rule)
	var filtered Results
	if v.name.SubKind == fullname.SubNone && v.name.Main.IsCollection() {
		for _, e := range raw {
			if !v.excluded(e.SubName) {
				filtered = append(filtered, e)
			}
		}
	} else {
		filtered = raw
	}
	if v.name.Count {
		return Results{{Value: variant.FromInt64(int64(len(filtered))), SubName: ""}}
	}
	return filtered
}

func (v *variableNode) raw(tx *Transaction, rule *Rule) Results {
	name := v.name
	switch name.Main {
	case fullname.REQUEST_METHOD:
		return scalar(tx.Method)
	case fullname.REQUEST_URI:
		return scalar(tx.URI)
	case fullname.REQUEST_URI_RAW:
		return scalar(tx.URIRaw)
	case fullname.REQUEST_LINE:
		return scalar(fmt.Sprintf("%s %s %s", tx.Method, tx.URIRaw, tx.Protocol))
	case fullname.REQUEST_PROTOCOL:
		return scalar(tx.Protocol)
	case fullname.REQUEST_BASENAME:
		parts := strings.Split(tx.URI, "/")
		return scalar(parts[len(parts)-1])
	case fullname.QUERY_STRING:
		return scalar(tx.QueryString)
	case fullname.REMOTE_ADDR:
		return scalar(tx.RemoteAddr)
	case fullname.REMOTE_PORT:
		return Results{{Value: variant.FromInt64(int64(tx.RemotePort))}}
	case fullname.RESPONSE_STATUS:
		return Results{{Value: variant.FromInt64(int64(tx.ResponseCode))}}
	case fullname.ARGS:
		return selectKeyed(append(append([]Element{}, tx.argsGet.all()...), tx.argsPost.all()...), name)
	case fullname.ARGS_GET:
		return selectKeyed(tx.argsGet.all(), name)
	case fullname.ARGS_POST:
		return selectKeyed(tx.argsPost.all(), name)
	case fullname.ARGS_NAMES:
		return namesOf(append(append([]Element{}, tx.argsGet.all()...), tx.argsPost.all()...))
	case fullname.ARGS_GET_NAMES:
		return namesOf(tx.argsGet.all())
	case fullname.ARGS_POST_NAMES:
		return namesOf(tx.argsPost.all())
	case fullname.FILES:
		return selectKeyed(tx.files.all(), name)
	case fullname.FILES_NAMES:
		return namesOf(tx.files.all())
	case fullname.REQUEST_COOKIES:
		return selectKeyed(tx.cookies.all(), name)
	case fullname.REQUEST_COOKIES_NAMES:
		return namesOf(tx.cookies.all())
	case fullname.REQUEST_HEADERS:
		return selectKeyed(tx.requestHeaders.all(), name)
	case fullname.REQUEST_HEADERS_NAMES:
		return namesOf(tx.requestHeaders.all())
	case fullname.RESPONSE_HEADERS:
		return selectKeyed(tx.responseHeaders.all(), name)
	case fullname.RESPONSE_HEADERS_NAMES:
		return namesOf(tx.responseHeaders.all())
	case fullname.GEO:
		return selectKeyed(tx.geo.all(), name)
	case fullname.ENV:
		return selectKeyed(tx.env.all(), name)
	case fullname.TX:
		if name.SubKind == fullname.SubNone {
			return tx.AllTX()
		}
		if name.SubKind == fullname.SubLiteral {
			if n, err := strconv.Atoi(name.Sub); err == nil && n >= 0 && n <= 9 {
				return Results{{Value: variant.FromString(tx.Capture(n)), SubName: name.Sub}}
			}
		}
		return selectKeyed(tx.AllTX(), name)
	case fullname.RULE:
		return v.ruleMeta(rule, name.Sub)
	case fullname.MATCHED_VAR:
		return v.matchedVar(tx, rule)
	case fullname.MATCHED_VAR_NAME:
		return v.matchedVarName(tx, rule)
	case fullname.MATCHED_VARS:
		return v.matchedVars(tx, rule)
	case fullname.MATCHED_VARS_NAMES:
		return v.matchedVarsNames(tx, rule)
	case fullname.TIME_EPOCH:
		return Results{{Value: variant.FromInt64(time.Now().Unix())}}
	case fullname.TIME_YEAR:
		return scalar(strconv.Itoa(time.Now().Year()))
	case fullname.TIME_DAY:
		return scalar(strconv.Itoa(time.Now().Day()))
	case fullname.TIME_HOUR:
		return scalar(strconv.Itoa(time.Now().Hour()))
	case fullname.TIME_MIN:
		return scalar(strconv.Itoa(time.Now().Minute()))
	case fullname.TIME_SEC:
		return scalar(strconv.Itoa(time.Now().Second()))
	case fullname.TIME:
		return scalar(time.Now().Format("15:04:05"))
	case fullname.UNIQUE_ID:
		return scalar(tx.ID)
	case fullname.DURATION:
		return Results{{Value: variant.FromInt64(int64(time.Since(time.Unix(0, tx.Timestamp)) / time.Millisecond))}}
	}
	return nil
}

func scalar(s string) Results {
	return Results{{Value: variant.FromString(s)}}
}

// selectKeyed applies the sub-name selection rule of spec.md §4.2 to a
// collection's elements: empty sub-name yields everything, /regex/
// yields key matches, @file@ yields multi-pattern key matches, and a
// literal sub-name yields only that key (case-folded).
func selectKeyed(all []Element, name fullname.FullName) Results {
	switch name.SubKind {
	case fullname.SubNone:
		return Results(all)
	case fullname.SubLiteral:
		fk := fullname.Fold(name.Sub)
		var out Results
		for _, e := range all {
			if e.SubName == fk {
				out = append(out, e)
			}
		}
		return out
	case fullname.SubRegex:
		re, err := regexp.Compile(name.Sub)
		if err != nil {
			return nil
		}
		var out Results
		for _, e := range all {
			if re.MatchString(e.SubName) {
				out = append(out, e)
			}
		}
		return out
	case fullname.SubFile:
		lf, err := loadPatternFile(name.Sub)
		if err != nil {
			return nil
		}
		var out Results
		for _, e := range all {
			if lf.matches(e.SubName) {
				out = append(out, e)
			}
		}
		return out
	}
	return nil
}

func namesOf(all []Element) Results {
	var out Results
	for _, e := range all {
		out = append(out, Element{Value: variant.FromString(e.SubName), SubName: e.SubName})
	}
	return out
}

// ruleMeta implements the RULE variable family: RULE:id, RULE:phase,
// RULE:operator_value (the raw operand text used to build the operator).
func (v *variableNode) ruleMeta(rule *Rule, sub string) Results {
	if rule == nil {
		return nil
	}
	switch strings.ToLower(sub) {
	case "id":
		return Results{{Value: variant.FromInt64(rule.ID)}}
	case "phase":
		return Results{{Value: variant.FromInt64(int64(rule.Phase))}}
	case "operator_value":
		return scalar(rule.OperatorValue)
	case "msg":
		return scalar(rule.Msg)
	default:
		return Results{{Value: variant.FromInt64(rule.ID)}}
	}
}

// chainDepthFor returns the bucket MATCHED_VAR/MATCHED_VAR_NAME/
// MATCHED_VARS/MATCHED_VARS_NAMES read from when referenced by rule: the
// parent chain link's accumulated match, not rule's own (rule's own match
// for this test hasn't happened yet — that's what evaluating rule even
// means). pushMatched stores a link's match at clamp(chainIndex, 0), so
// the parent one level up is clamp(chainIndex-1, 0).
func (v *variableNode) chainDepthFor(rule *Rule) int {
	if rule == nil {
		return 0
	}
	d := rule.chainIndex - 1
	if d < 0 {
		return 0
	}
	return d
}

func (v *variableNode) matchedVar(tx *Transaction, rule *Rule) Results {
	list := tx.matchedAt(v.chainDepthFor(rule))
	if len(list) == 0 {
		return nil
	}
	last := list[len(list)-1]
	return scalar(last.Value)
}

func (v *variableNode) matchedVarName(tx *Transaction, rule *Rule) Results {
	list := tx.matchedAt(v.chainDepthFor(rule))
	if len(list) == 0 {
		return nil
	}
	last := list[len(list)-1]
	return scalar(last.CollectionName + ":" + last.Key)
}

func (v *variableNode) matchedVars(tx *Transaction, rule *Rule) Results {
	list := tx.matchedAt(v.chainDepthFor(rule))
	var out Results
	for _, m := range list {
		out = append(out, Element{Value: variant.FromString(m.Value), SubName: m.Key})
	}
	return out
}

func (v *variableNode) matchedVarsNames(tx *Transaction, rule *Rule) Results {
	list := tx.matchedAt(v.chainDepthFor(rule))
	var out Results
	for _, m := range list {
		out = append(out, Element{Value: variant.FromString(m.CollectionName + ":" + m.Key), SubName: m.Key})
	}
	return out
}
