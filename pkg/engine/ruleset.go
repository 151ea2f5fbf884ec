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

	"github.com/tossoengine/secengine/pkg/fullname"
)

const numPhases = 5

// ruleLocation is an index-based chain/removal reference: (phase, index
// into rules_by_phase[phase]). spec.md §9 explicitly allows this form in
// place of self-referential pointers.
type ruleLocation struct {
	phase int
	index int
}

// RuleSet is the compiled, immutable, Send+Sync rule container of
// spec.md §3. It is built once at compile time by the directive front
// end and then frozen: Transaction evaluation never mutates it.
type RuleSet struct {
	rulesByPhase   [numPhases][]*Rule
	defaultActions [numPhases]*Rule
	markers        map[string][numPhases]int

	byID  map[int64][]ruleLocation
	byMsg map[string][]ruleLocation
	byTag map[string][]ruleLocation

	txVariableIndex map[string]int
	txVariableNames []string

	frozen bool
}

// NewRuleSet constructs an empty, mutable RuleSet; directives append to
// it via AddRule/AddMarker/SetDefaultAction until Finalize is called.
func NewRuleSet() *RuleSet {
	rs := &RuleSet{
		markers:         map[string][numPhases]int{},
		byID:            map[int64][]ruleLocation{},
		byMsg:           map[string][]ruleLocation{},
		byTag:           map[string][]ruleLocation{},
		txVariableIndex: map[string]int{},
	}
	for i := 0; i < numPhases; i++ {
		rs.defaultActions[i] = &Rule{Phase: i + 1, chainIndex: -1, Disruptive: DisruptivePass}
	}
	return rs
}

// AddRule appends a top-level (and any already-chained) rule to its
// phase's vector. Chained children are reachable only via r.Chain, never
// inserted into rulesByPhase themselves (spec.md §3: "that rule is
// present in rules_by_phase" refers only to the chain's root ancestor
// relationship check, not every link).
func (rs *RuleSet) AddRule(r *Rule) error {
	if rs.frozen {
		return fmt.Errorf("ruleset: cannot add rule %d after Finalize", r.ID)
	}
	if r.Phase < 1 || r.Phase > numPhases {
		return fmt.Errorf("ruleset: rule %d has invalid phase %d", r.ID, r.Phase)
	}
	idx := len(rs.rulesByPhase[r.Phase-1])
	rs.rulesByPhase[r.Phase-1] = append(rs.rulesByPhase[r.Phase-1], r)
	loc := ruleLocation{phase: r.Phase - 1, index: idx}
	rs.byID[r.ID] = append(rs.byID[r.ID], loc)
	if r.Msg != "" {
		rs.byMsg[fullname.Fold(r.Msg)] = append(rs.byMsg[fullname.Fold(r.Msg)], loc)
	}
	for _, tag := range r.Tags {
		rs.byTag[fullname.Fold(tag)] = append(rs.byTag[fullname.Fold(tag)], loc)
	}
	return nil
}

// SetDefaultAction installs phase's SecDefaultAction rule.
func (rs *RuleSet) SetDefaultAction(phase int, r *Rule) error {
	if phase < 1 || phase > numPhases {
		return fmt.Errorf("ruleset: invalid phase %d", phase)
	}
	rs.defaultActions[phase-1] = r
	return nil
}

// AddMarker records a SecMarker's position in every phase's vector at the
// moment it was declared (spec.md §3: "index of the last preceding rule
// at marker definition time").
func (rs *RuleSet) AddMarker(name string) {
	var snapshot [numPhases]int
	for p := 0; p < numPhases; p++ {
		snapshot[p] = len(rs.rulesByPhase[p]) - 1
	}
	rs.markers[fullname.Fold(name)] = snapshot
}

// RemoveByID implements SecRuleRemoveById at compile time: the rule stays
// in the phase vector (so indices remain stable for markers/chains), but
// its variables, chain and actions are cleared and its operator is
// replaced by noMatch, so it never matches and carries no actions.
func (rs *RuleSet) RemoveByID(id int64) {
	for _, loc := range rs.byID[id] {
		rs.neutralize(loc)
	}
}

// RemoveByMsg implements SecRuleRemoveByMsg.
func (rs *RuleSet) RemoveByMsg(msg string) {
	for _, loc := range rs.byMsg[fullname.Fold(msg)] {
		rs.neutralize(loc)
	}
}

// RemoveByTag implements SecRuleRemoveByTag.
func (rs *RuleSet) RemoveByTag(tag string) {
	for _, loc := range rs.byTag[fullname.Fold(tag)] {
		rs.neutralize(loc)
	}
}

func (rs *RuleSet) neutralize(loc ruleLocation) {
	r := rs.rulesByPhase[loc.phase][loc.index]
	r.Variables = nil
	r.Operator = &constOp{name: "noMatch", matched: false}
	r.Chain = nil
	r.actionsMatched = nil
	r.actionsUnmatched = nil
	r.Disruptive = DisruptiveNone
}

// RulesInPhase returns the top-level rules registered for phase
// (1-indexed), for host introspection (e.g. a lint report).
func (rs *RuleSet) RulesInPhase(phase int) []*Rule {
	if phase < 1 || phase > numPhases {
		return nil
	}
	return rs.rulesByPhase[phase-1]
}

// RuleByID returns the first top-level rule registered under id, if any.
func (rs *RuleSet) RuleByID(id int64) (*Rule, bool) {
	locs := rs.byID[id]
	if len(locs) == 0 {
		return nil, false
	}
	loc := locs[0]
	return rs.rulesByPhase[loc.phase][loc.index], true
}

// markerIndex resolves a SecMarker name to the index snapshot recorded
// for phase (0-based), or -1 if the marker is unknown.
func (rs *RuleSet) markerIndex(name string, phase int) int {
	snap, ok := rs.markers[fullname.Fold(name)]
	if !ok {
		return -1
	}
	return snap[phase]
}

// TXVariableSlot resolves name to its pre-reserved slot, creating one if
// this is the first reference (compile-time only — spec.md §3).
func (rs *RuleSet) TXVariableSlot(name string) int {
	fk := fullname.Fold(name)
	if idx, ok := rs.txVariableIndex[fk]; ok {
		return idx
	}
	idx := len(rs.txVariableNames)
	rs.txVariableIndex[fk] = idx
	rs.txVariableNames = append(rs.txVariableNames, fk)
	return idx
}

// TXSlotCount returns the number of pre-reserved TX slots.
func (rs *RuleSet) TXSlotCount() int {
	return len(rs.txVariableNames)
}

func (rs *RuleSet) txVariableIndexMap() map[string]int { return rs.txVariableIndex }

// Finalize freezes the RuleSet: for every rule it inherits phase
// default-action flags and resolves skipAfter into a numeric skip
// (spec.md §4.6 "Compile-time finalisation"), then verifies the chain
// links. After Finalize, AddRule/SetDefaultAction/AddMarker must not be
// called again.
func (rs *RuleSet) Finalize() error {
	for p := 0; p < numPhases; p++ {
		def := rs.defaultActions[p]
		for i, r := range rs.rulesByPhase[p] {
			for cur := r; cur != nil; cur = cur.Chain {
				cur.inheritDefaults(def)
				if cur == r {
					mIdx := -1
					if r.SkipAfter != "" {
						mIdx = rs.markerIndex(r.SkipAfter, p)
					}
					r.resolveSkipAfter(mIdx, i)
				}
			}
		}
	}
	if err := rs.verifyChainInvariant(); err != nil {
		return err
	}
	rs.frozen = true
	return nil
}

// verifyChainInvariant checks spec.md §8 invariant 2: following
// parent/chain_index+1 from any chained rule reaches a chainIndex == -1
// rule that is present in rules_by_phase.
func (rs *RuleSet) verifyChainInvariant() error {
	for p := 0; p < numPhases; p++ {
		for _, r := range rs.rulesByPhase[p] {
			depth := -1
			for cur := r; cur != nil; cur = cur.Chain {
				if cur.chainIndex != depth {
					return fmt.Errorf("ruleset: rule %d chain depth mismatch at link %d", r.ID, depth)
				}
				depth++
			}
		}
	}
	return nil
}
