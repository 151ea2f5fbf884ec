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
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tossoengine/secengine/pkg/fullname"
	"github.com/tossoengine/secengine/pkg/utils"
	"github.com/tossoengine/secengine/pkg/variant"
)

// HeaderExtractor lets the host hand over request/response headers
// without the engine ever touching wire bytes (spec.md §1 non-goal: no
// HTTP parsing in the core).
type HeaderExtractor func(find func(key, value string))

// BodyExtractor streams body slices to the engine; the host decides how
// (and whether) to buffer, per SecRequestBodyAccess/SecResponseBodyAccess.
type BodyExtractor func() []string

// Intervention is returned by the process_* API to tell the host to stop.
type Intervention struct {
	Disruptive Disruptive
	Status     int
	RedirectTo string
	RuleID     int64
	Msg        string
}

// LogCallback is invoked synchronously for every matched top-level rule
// whose effective `log` flag is true (spec.md §6).
type LogCallback func(tx *Transaction, r *Rule)

// Transaction is the per-request evaluation state of spec.md §3. It is
// created for exactly one HTTP exchange and is not safe for concurrent
// use — the host owns it single-threaded, matching spec.md §5.
type Transaction struct {
	ID        string
	Timestamp int64
	ruleSet   *RuleSet
	log       *logrus.Logger

	// Request/response line info.
	Method        string
	URIRaw        string
	URI           string
	QueryString   string
	Protocol      string
	RemoteAddr    string
	RemotePort    int
	ResponseCode  int

	// Collections.
	argsGet        orderedMap
	argsPost       orderedMap
	requestHeaders orderedMap
	responseHeaders orderedMap
	cookies        orderedMap
	files          orderedMap
	geo            orderedMap
	env            orderedMap

	// TX variable slots, indexed via RuleSet.TXVariableIndex plus any
	// runtime-created name, which grows a transaction-local tail.
	txVars      []variant.Variant
	txNames     []string // parallel to txVars, for iteration order
	txLocalIdx  map[string]int

	// Captures TX:0..TX:9, one stage buffer per chain depth.
	captures [][10]string

	// matchedVariables[chainDepth] accumulates MatchedVariable records,
	// cleared at each top-level rule boundary (spec.md §9).
	matchedVariables [][]MatchedVariable

	// transformCache maps (input pointer identity via the string's own
	// interned address, transform name) -> cached result, implementing
	// spec.md §4.3's transform cache. Go strings don't expose a stable
	// pointer, so the cache is keyed by (inputString, transformName);
	// this is semantically equivalent for this engine's usage pattern
	// because every transformed value is interned before reuse, giving
	// it a distinct Go string value per call site.
	transformCache map[transformCacheKey]transformCacheEntry

	ruleRemoveFlags map[int]map[int]bool // phase -> index -> removed
	ruleTargetRemove map[string]bool     // "rulePtr|main|sub" -> removed

	currentPhase      int
	currentRuleIndex  int
	currentRule       *Rule
	engineDone        bool

	// currentLogData holds the most recently expanded `logdata:` text for
	// the rule currently matching, read by a LogCallback immediately
	// afterwards. It lives on the transaction, not the Rule, since the
	// expansion is request-dependent.
	currentLogData string

	interner variant.Interner

	persistentKeys map[string]string // collection name -> storage key

	mu sync.Mutex // declared but not locked by any Transaction method

	auditLogEnabled bool
	logDir          string
	auditID         string
}

type transformCacheKey struct {
	input     string
	transform string
}

type transformCacheEntry struct {
	value   string
	changed bool
}

// orderedMap preserves HTTP parse order / insertion order, the
// determinism guarantee of spec.md §4.2.
type orderedMap struct {
	keys   []string
	values map[string][]string
}

func newOrderedMap() orderedMap {
	return orderedMap{values: map[string][]string{}}
}

func (m *orderedMap) add(key, value string) {
	fk := fullname.Fold(key)
	if _, ok := m.values[fk]; !ok {
		m.keys = append(m.keys, fk)
	}
	m.values[fk] = append(m.values[fk], value)
}

// set overwrites key's entire value list with a single value, used by
// runtime actions like setenv that behave as assignment rather than the
// append-on-parse behaviour of header/argument collections.
func (m *orderedMap) set(key, value string) {
	fk := fullname.Fold(key)
	if _, ok := m.values[fk]; !ok {
		m.keys = append(m.keys, fk)
	}
	m.values[fk] = []string{value}
}

func (m *orderedMap) get(key string) []string {
	return m.values[fullname.Fold(key)]
}

func (m *orderedMap) all() []Element {
	var out []Element
	for _, k := range m.keys {
		for _, v := range m.values[k] {
			out = append(out, Element{Value: variant.FromString(v), SubName: k})
		}
	}
	return out
}

// newTransaction builds a Transaction bound to rs. Host code reaches this
// through Engine.MakeTransaction.
func newTransaction(rs *RuleSet, log *logrus.Logger) *Transaction {
	t := &Transaction{
		ID:               utils.RandomString(32),
		Timestamp:        time.Now().UnixNano(),
		ruleSet:          rs,
		log:              log,
		argsGet:          newOrderedMap(),
		argsPost:         newOrderedMap(),
		requestHeaders:   newOrderedMap(),
		responseHeaders:  newOrderedMap(),
		cookies:          newOrderedMap(),
		files:            newOrderedMap(),
		geo:              newOrderedMap(),
		env:              newOrderedMap(),
		txVars:           make([]variant.Variant, rs.TXSlotCount()),
		txNames:          make([]string, rs.TXSlotCount()),
		txLocalIdx:       map[string]int{},
		captures:         [][10]string{{}},
		matchedVariables: [][]MatchedVariable{{}},
		transformCache:   map[transformCacheKey]transformCacheEntry{},
		ruleRemoveFlags:  map[int]map[int]bool{},
		ruleTargetRemove: map[string]bool{},
		persistentKeys:   map[string]string{},
	}
	for name, idx := range rs.txVariableIndex {
		if idx < len(t.txNames) {
			t.txNames[idx] = name
		}
	}
	return t
}

// ProcessURI records the request line (spec.md §6 API #7).
func (t *Transaction) ProcessURI(uri, method, protocol string) {
	t.Method = method
	t.Protocol = protocol
	t.URIRaw = uri
	if u, err := url.Parse(uri); err == nil {
		t.URI = u.Path
		t.QueryString = u.RawQuery
		for k, vs := range u.Query() {
			for _, v := range vs {
				t.argsGet.add(k, v)
			}
		}
	} else {
		t.URI = uri
	}
}

// ProcessRequestHeaders runs phase 1 (spec.md §6 API #8).
func (t *Transaction) ProcessRequestHeaders(extract HeaderExtractor, logCb LogCallback) *Intervention {
	if extract != nil {
		extract(func(k, v string) { t.requestHeaders.add(k, v) })
	}
	return t.ProcessPhase(1, logCb)
}

// ProcessRequestBody runs phase 2 (spec.md §6 API #9). Body values are
// parsed as a application/x-www-form-urlencoded-style ARGS_POST
// collection; richer content types (multipart, JSON) are a host-provided
// extension point left to ARGS_POST/FILES population before this call in
// a fuller host integration.
func (t *Transaction) ProcessRequestBody(extract BodyExtractor, logCb LogCallback) *Intervention {
	if extract != nil {
		for _, slice := range extract() {
			if vs, err := url.ParseQuery(slice); err == nil {
				for k, v := range vs {
					for _, vv := range v {
						t.argsPost.add(k, vv)
					}
				}
			}
		}
	}
	return t.ProcessPhase(2, logCb)
}

// ProcessResponseHeaders runs phase 3 (spec.md §6 API #10).
func (t *Transaction) ProcessResponseHeaders(status int, protocol string, extract HeaderExtractor, logCb LogCallback) *Intervention {
	t.ResponseCode = status
	if extract != nil {
		extract(func(k, v string) { t.responseHeaders.add(k, v) })
	}
	return t.ProcessPhase(3, logCb)
}

// ProcessResponseBody runs phase 4 (spec.md §6 API #11).
func (t *Transaction) ProcessResponseBody(extract BodyExtractor, logCb LogCallback) *Intervention {
	return t.ProcessPhase(4, logCb)
}

// ProcessLogging runs phase 5, which exists purely to let SecRule target
// the logging stage (e.g. to tag a transaction after the fact).
func (t *Transaction) ProcessLogging(logCb LogCallback) *Intervention {
	return t.ProcessPhase(5, logCb)
}

// tx variable access ---------------------------------------------------

func (t *Transaction) txSlot(name string) int {
	fk := fullname.Fold(name)
	if idx, ok := t.ruleSet.txVariableIndex[fk]; ok {
		return idx
	}
	if idx, ok := t.txLocalIdx[fk]; ok {
		return idx
	}
	idx := len(t.txVars)
	t.txVars = append(t.txVars, variant.Nil)
	t.txNames = append(t.txNames, fk)
	t.txLocalIdx[fk] = idx
	return idx
}

// GetTX reads a TX variable by name.
func (t *Transaction) GetTX(name string) variant.Variant {
	fk := fullname.Fold(name)
	if idx, ok := t.ruleSet.txVariableIndex[fk]; ok && idx < len(t.txVars) {
		return t.txVars[idx]
	}
	if idx, ok := t.txLocalIdx[fk]; ok {
		return t.txVars[idx]
	}
	return variant.Nil
}

// SetTX writes a TX variable by name, growing the local slot table if
// necessary (bounded only by Go's slice growth; the spec's "pre-reserved
// budget" language describes the C++ implementation's fixed allocation,
// not a behavioural requirement this port must reproduce).
func (t *Transaction) SetTX(name string, v variant.Variant) {
	idx := t.txSlot(name)
	t.txVars[idx] = v
}

// UnsetTX removes a TX variable.
func (t *Transaction) UnsetTX(name string) {
	fk := fullname.Fold(name)
	if idx, ok := t.ruleSet.txVariableIndex[fk]; ok && idx < len(t.txVars) {
		t.txVars[idx] = variant.Nil
		return
	}
	if idx, ok := t.txLocalIdx[fk]; ok {
		t.txVars[idx] = variant.Nil
	}
}

// AllTX returns every non-empty TX variable, in slot order (deterministic
// per spec.md §4.2; insertion order for TX is slot-assignment order since
// TX is populated at request time only).
func (t *Transaction) AllTX() []Element {
	var out []Element
	for i, v := range t.txVars {
		if v.IsEmpty() {
			continue
		}
		name := ""
		if i < len(t.txNames) {
			name = t.txNames[i]
		}
		out = append(out, Element{Value: v, SubName: name})
	}
	return out
}

// captures -------------------------------------------------------------

func (t *Transaction) stageCaptures(depth int, groups []string) {
	for len(t.captures) <= depth {
		t.captures = append(t.captures, [10]string{})
	}
	var c [10]string
	for i := 0; i < 10 && i < len(groups); i++ {
		c[i] = groups[i]
	}
	t.captures[depth] = c
}

// Capture returns TX:N for the current chain depth's capture buffer.
func (t *Transaction) Capture(n int) string {
	depth := t.currentChainDepth()
	if depth >= len(t.captures) || n < 0 || n >= 10 {
		return ""
	}
	return t.captures[depth][n]
}

func (t *Transaction) currentChainDepth() int {
	if t.currentRule == nil || t.currentRule.chainIndex < 0 {
		return 0
	}
	return t.currentRule.chainIndex
}

// matched variables ------------------------------------------------------

func (t *Transaction) pushMatched(depth int, m MatchedVariable) {
	for len(t.matchedVariables) <= depth {
		t.matchedVariables = append(t.matchedVariables, nil)
	}
	t.matchedVariables[depth] = append(t.matchedVariables[depth], m)
}

func (t *Transaction) matchedAt(depth int) []MatchedVariable {
	if depth < 0 || depth >= len(t.matchedVariables) {
		return nil
	}
	return t.matchedVariables[depth]
}

func (t *Transaction) resetChainMatches() {
	t.matchedVariables = t.matchedVariables[:0]
	t.captures = t.captures[:0]
	t.currentLogData = ""
}

// transform cache --------------------------------------------------------

func (t *Transaction) cachedTransform(input, name string, run func() (string, bool)) (string, bool) {
	key := transformCacheKey{input: input, transform: name}
	if e, ok := t.transformCache[key]; ok {
		if !e.changed {
			return input, false
		}
		return e.value, true
	}
	out, changed := run()
	if changed {
		out = t.interner.Intern(out)
	}
	t.transformCache[key] = transformCacheEntry{value: out, changed: changed}
	if !changed {
		return input, false
	}
	return out, true
}

// rule removal -------------------------------------------------------------

func (t *Transaction) removeRule(phase, index int) {
	if index <= t.currentRuleIndex && phase == t.currentPhase {
		// Cannot un-run a rule that already ran this phase.
		return
	}
	m, ok := t.ruleRemoveFlags[phase]
	if !ok {
		m = map[int]bool{}
		t.ruleRemoveFlags[phase] = m
	}
	m[index] = true
}

func (t *Transaction) ruleRemoved(phase, index int) bool {
	return t.ruleRemoveFlags[phase][index]
}

func (t *Transaction) removeTarget(ruleID int64, main fullname.Main, sub string) {
	t.ruleTargetRemove[targetKey(ruleID, main, sub)] = true
}

func targetKey(ruleID int64, main fullname.Main, sub string) string {
	return strings.Join([]string{strconv.FormatInt(ruleID, 10), string(main), sub}, "|")
}

func (t *Transaction) targetRemoved(ruleID int64, main fullname.Main, sub string) bool {
	return t.ruleTargetRemove[targetKey(ruleID, main, sub)]
}

// persistent collections ---------------------------------------------------

// InitCollection records a persistent-collection key for later lookup by
// the host's CollectionStore (spec.md §4.5 initcol; §9 open question for
// setuid/setsid/setrsc, which also just record a key here).
func (t *Transaction) InitCollection(name, key string) {
	t.persistentKeys[fullname.Fold(name)] = key
}

// CollectionKey returns the persistent-collection key for name, if set.
func (t *Transaction) CollectionKey(name string) (string, bool) {
	k, ok := t.persistentKeys[fullname.Fold(name)]
	return k, ok
}

// GetAuditPath returns the directory and filename the audit logger should
// write this transaction's full record to.
func (t *Transaction) GetAuditPath() (dir, file string) {
	return t.logDir, t.ID + ".json"
}
