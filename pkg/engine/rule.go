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
	"github.com/sirupsen/logrus"
	"github.com/tossoengine/secengine/pkg/fullname"
	"github.com/tossoengine/secengine/pkg/transformations"
	"github.com/tossoengine/secengine/pkg/variant"
)

// Disruptive is the rule.disruptive / default_action.disruptive field of
// spec.md §7's resolution table.
type Disruptive int

const (
	DisruptiveNone Disruptive = iota
	DisruptivePass
	DisruptiveAllow
	DisruptiveAllowPhase
	DisruptiveAllowRequest
	DisruptiveBlock
	DisruptiveDeny
	DisruptiveDrop
	DisruptiveRedirect
)

// transformStep is one entry in a rule's transform chain (spec.md §4.3).
type transformStep struct {
	name string
	fn   transformations.Func
}

// Rule is the compiled node of spec.md §3: aggregated variables, operator,
// transforms, actions and flow flags.
type Rule struct {
	ID       int64
	Phase    int
	Msg      string
	Tags     []string
	Rev      string
	Severity int

	Variables     []Variable
	Operator      Operator
	OperatorName  string
	OperatorValue string
	Negate        bool

	defaultTransforms []transformStep
	localTransforms   []transformStep

	actionsMatched   []Action
	actionsUnmatched []Action

	Disruptive Disruptive
	Status     int
	RedirectTo string

	Capture    bool
	MultiMatch bool
	Log        bool
	LogSet     bool
	AuditLog   bool

	// Flow control.
	Skip      int
	SkipAfter string

	// Chain linkage. chainIndex is -1 for a non-chained or top rule, and
	// 0,1,2... for successive chained children. parent/top are read-only
	// metadata, never used for ownership (spec.md §3/§9).
	Chain      *Rule
	chainIndex int
	parent     *Rule
	top        *Rule

	// chainAlways implements the Always-branch option of spec.md §9's
	// design note: evaluate the chain regardless of whether this rule's
	// own variables matched.
	chainAlways bool
}

// NewRule constructs an empty rule for id/phase; the caller populates
// Variables/Operator/transforms/actions before RuleSet.Finalize.
func NewRule(id int64, phase int) *Rule {
	return &Rule{ID: id, Phase: phase, chainIndex: -1, Disruptive: DisruptiveNone}
}

// AddVariable appends an accepted variable, in registration order
// (spec.md §5: "accepted variables run in registration order").
func (r *Rule) AddVariable(v Variable) {
	r.Variables = append(r.Variables, v)
}

// AddDefaultTransform appends a transform inherited from SecDefaultAction;
// these run before any rule-local transform (spec.md §4.3).
func (r *Rule) AddDefaultTransform(name string) error {
	fn, ok := transformations.Registry[name]
	if !ok {
		return unknownTransformError(name)
	}
	r.defaultTransforms = append(r.defaultTransforms, transformStep{name: name, fn: fn})
	return nil
}

// AddTransform appends a rule-local transformation (the `t:<name>` action).
func (r *Rule) AddTransform(name string) error {
	fn, ok := transformations.Registry[name]
	if !ok {
		return unknownTransformError(name)
	}
	r.localTransforms = append(r.localTransforms, transformStep{name: name, fn: fn})
	return nil
}

// ClearTransforms implements `t:none`: drop every transform accumulated so
// far, default and rule-local alike.
func (r *Rule) ClearTransforms() {
	r.defaultTransforms = nil
	r.localTransforms = nil
}

func (r *Rule) transformChain() []transformStep {
	if len(r.defaultTransforms) == 0 {
		return r.localTransforms
	}
	if len(r.localTransforms) == 0 {
		return r.defaultTransforms
	}
	out := make([]transformStep, 0, len(r.defaultTransforms)+len(r.localTransforms))
	out = append(out, r.defaultTransforms...)
	out = append(out, r.localTransforms...)
	return out
}

// AddAction registers a per-rule action under its Matched or Unmatched
// branch (spec.md §4.5); an Always-branch action is appended to both.
func (r *Rule) AddAction(a Action, branch ActionBranch) {
	switch branch {
	case BranchMatched:
		r.actionsMatched = append(r.actionsMatched, a)
	case BranchUnmatched:
		r.actionsUnmatched = append(r.actionsUnmatched, a)
	case BranchAlways:
		r.actionsMatched = append(r.actionsMatched, a)
		r.actionsUnmatched = append(r.actionsUnmatched, a)
	}
}

// SetChainAlways selects the Always chain-continuation branch (spec.md
// §9 design note): the chain runs whether or not this rule's own
// variables matched, instead of only on a match.
func (r *Rule) SetChainAlways(always bool) { r.chainAlways = always }

// SetChain attaches child as this rule's chained continuation and wires
// its back-pointers (spec.md §3 chain/chain_index/parent/top).
func (r *Rule) SetChain(child *Rule) {
	top := r
	if r.top != nil {
		top = r.top
	}
	child.parent = r
	child.top = top
	child.chainIndex = r.chainIndex + 1
	r.Chain = child
}

// ApplyExceptVariable implements the compile-time finalisation step of
// spec.md §4.6 #1 for one `!var` entry: called by the directive front end
// as soon as both the accepted variable list and the `!var` token for it
// have been parsed.
func (r *Rule) ApplyExceptVariable(main fullname.Main, kind fullname.SubKind, spec string) {
	r.applyExceptVariable(main, kind, spec)
}

func (r *Rule) applyExceptVariable(main fullname.Main, kind fullname.SubKind, spec string) {
	for i, v := range r.Variables {
		vn, ok := v.(*variableNode)
		if !ok || vn.name.Main != main {
			continue
		}
		if vn.name.Main.IsCollection() && vn.name.SubKind == fullname.SubNone {
			_ = vn.AddException(kind, spec)
			continue
		}
		if kind == fullname.SubLiteral && fullname.Fold(vn.name.Sub) == fullname.Fold(spec) {
			r.Variables = append(r.Variables[:i], r.Variables[i+1:]...)
			return
		}
	}
}

// inheritDefaults implements spec.md §4.6 #2: any non-set meta/flow flag
// inherits the phase's default-action rule.
func (r *Rule) inheritDefaults(def *Rule) {
	if def == nil {
		return
	}
	if r.Disruptive == DisruptiveNone {
		r.Disruptive = def.Disruptive
		r.Status = def.Status
		r.RedirectTo = def.RedirectTo
	}
	if !r.LogSet {
		r.Log = def.Log
	}
}

// resolveSkipAfter implements spec.md §4.6 #3, turning a marker name into
// a numeric skip using the phase's marker snapshot. skip wins over
// skipAfter if both are set (spec.md §4.6 tie-break).
func (r *Rule) resolveSkipAfter(markerIndex, currentIndex int) {
	if r.Skip > 0 {
		return
	}
	if r.SkipAfter == "" {
		return
	}
	if markerIndex < 0 {
		r.Skip = 0
		return
	}
	if delta := markerIndex - currentIndex; delta > 0 {
		r.Skip = delta
	}
}

// Evaluate runs the four-stage pipeline of spec.md §4.6 against tx,
// returning whether the rule (including any chain) matched.
func (r *Rule) Evaluate(tx *Transaction, log *logrus.Logger) bool {
	tx.currentRule = r
	depth := r.chainIndex
	if depth < 0 {
		depth = 0
	}
	tx.stageCaptures(depth, nil)

	if r.Operator == nil {
		// SecAction: unconditional, runs actions once with branch Matched.
		r.runActions(tx, r.actionsMatched, log)
		return r.continueChain(tx, log, true)
	}

	anyMatched := false
	for _, v := range r.Variables {
		for _, elem := range v.Evaluate(tx, r) {
			matched, captures, tVal, transformsUsed := r.testOne(tx, elem)
			if matched {
				anyMatched = true
				tx.pushMatched(depth, MatchedVariable{
					CollectionName: string(v.FullName().Main),
					Key:            elem.SubName,
					Value:          tVal,
					Original:       elem.Value.String(),
					Transforms:     transformsUsed,
				})
				if r.Capture {
					tx.stageCaptures(depth, captures)
				}
				r.runActions(tx, r.actionsMatched, log)
			} else {
				r.runActions(tx, r.actionsUnmatched, log)
			}
		}
	}

	return r.continueChain(tx, log, anyMatched)
}

// testOne runs transform+operator for a single extracted value, honouring
// multiMatch semantics (spec.md §4.6 "Multi-match variant").
func (r *Rule) testOne(tx *Transaction, elem Element) (matched bool, captures []string, tVal string, used []string) {
	raw := elem.Value.String()
	chain := r.transformChain()

	if r.MultiMatch {
		cur := raw
		res := r.evalOperator(tx, cur)
		if res.Matched != r.Negate {
			return true, res.Captures, cur, nil
		}
		for _, step := range chain {
			next, changed := tx.cachedTransform(cur, step.name, func() (string, bool) { return step.fn(cur) })
			used = append(used, step.name)
			if !changed {
				continue
			}
			cur = next
			res = r.evalOperator(tx, cur)
			if res.Matched != r.Negate {
				return true, res.Captures, cur, used
			}
		}
		return false, nil, cur, used
	}

	cur := raw
	for _, step := range chain {
		next, changed := tx.cachedTransform(cur, step.name, func() (string, bool) { return step.fn(cur) })
		if changed {
			cur = next
			used = append(used, step.name)
		}
	}
	res := r.evalOperator(tx, cur)
	matched = res.Matched != r.Negate
	return matched, res.Captures, cur, used
}

func (r *Rule) evalOperator(tx *Transaction, s string) OperatorResult {
	if r.Operator == nil {
		return OperatorResult{}
	}
	return r.Operator.Evaluate(tx, variant.FromString(s))
}

// continueChain implements spec.md §4.6's `rule_matched = chain.evaluate`
// recursion, honouring the Always/Matched chain-continuation choice
// (spec.md §9 design note).
func (r *Rule) continueChain(tx *Transaction, log *logrus.Logger, matched bool) bool {
	result := matched
	if r.Chain != nil {
		if matched || r.chainAlways {
			result = r.Chain.Evaluate(tx, log)
		} else {
			result = false
		}
	}
	tx.currentRule = r
	return result
}

func (r *Rule) runActions(tx *Transaction, actions []Action, log *logrus.Logger) {
	for _, a := range actions {
		a.Apply(tx, r, log)
	}
}

type unknownTransformErr struct{ name string }

func (e *unknownTransformErr) Error() string { return "engine: unknown transform " + e.name }

func unknownTransformError(name string) error { return &unknownTransformErr{name: name} }
