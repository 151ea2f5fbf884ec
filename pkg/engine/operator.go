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
	"net"
	"strconv"
	"strings"

	"github.com/corazawaf/libinjection-go"
	"github.com/sirupsen/logrus"
	"github.com/tossoengine/secengine/pkg/pattern"
	"github.com/tossoengine/secengine/pkg/variant"
)

// OperatorResult is what an Operator.Evaluate returns: whether the
// operand matched and, if so, the capture groups to stage into TX:0..9.
type OperatorResult struct {
	Matched  bool
	Captures []string // Captures[0] is the whole match, like regexp convention
}

// Operator is the node interface of spec.md §4.4.
type Operator interface {
	Evaluate(tx *Transaction, operand variant.Variant) OperatorResult
	Name() string
}

// NewOperator builds the operator named name with raw operand text data
// (the right-hand side of the directive, e.g. the regex body for `@rx`).
// log receives warnings for absorbed runtime failures (spec.md §7).
func NewOperator(name, data string, log *logrus.Logger) (Operator, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctor, ok := operatorRegistry[name]
	if !ok {
		return nil, fmt.Errorf("operator: unknown operator %q", name)
	}
	return ctor(data, log)
}

type operatorCtor func(data string, log *logrus.Logger) (Operator, error)

var operatorRegistry map[string]operatorCtor

func init() {
	operatorRegistry = map[string]operatorCtor{
		"rx":                   newRxOp,
		"rxGlobal":             newRxGlobalOp,
		"beginsWith":           newBeginsWithOp,
		"endsWith":             newEndsWithOp,
		"contains":             newContainsOp,
		"containsWord":         newContainsWordOp,
		"within":               newWithinOp,
		"streq":                newStreqOp,
		"strmatch":             newStrmatchOp,
		"pm":                   newPmOp,
		"pmFromFile":           newPmFromFileOp,
		"ipMatch":              newIPMatchOp,
		"ipMatchFromFile":      newIPMatchFromFileOp,
		"eq":                   newEqOp,
		"ge":                   newGeOp,
		"gt":                   newGtOp,
		"le":                   newLeOp,
		"lt":                   newLtOp,
		"detectSqli":           newDetectSqliOp,
		"detectXSS":            newDetectXSSOp,
		"unconditionalMatch":   newUnconditionalMatchOp,
		"noMatch":              newNoMatchOp,
		"validateByteRange":    newValidateByteRangeOp,
		"validateDtd":          newUnsupportedOp("validateDtd"),
		"validateSchema":       newUnsupportedOp("validateSchema"),
		"validateUrlEncoding":  newValidateURLEncodingOp,
		"validateUtf8Encoding": newValidateUTF8EncodingOp,
		"verifyCC":             newVerifyCCOp,
		"verifyCPF":            newVerifyCPFOp,
		"verifySSN":            newVerifySSNOp,
		"rsub":                 newRsubOp,
		"geoLookup":            newGeoLookupOp,
		"inspectFile":          newUnsupportedOp("inspectFile"),
		"fuzzyHash":            newUnsupportedOp("fuzzyHash"),
		"xor":                  newXorOp,
		"rbl":                  newUnsupportedOp("rbl"),
	}
}

// --- rx family --------------------------------------------------------

type rxOp struct {
	name    string
	backend pattern.Backend
	log     *logrus.Logger
}

func newRxOp(data string, log *logrus.Logger) (Operator, error) {
	b, err := pattern.NewHybrid(data, false, pattern.DefaultStepLimit, log)
	if err != nil {
		return nil, fmt.Errorf("rx: %w", err)
	}
	return &rxOp{name: "rx", backend: b, log: log}, nil
}

func newRxGlobalOp(data string, log *logrus.Logger) (Operator, error) {
	b, err := pattern.NewHybrid(data, false, pattern.DefaultStepLimit, log)
	if err != nil {
		return nil, fmt.Errorf("rxGlobal: %w", err)
	}
	return &rxOp{name: "rxGlobal", backend: b, log: log}, nil
}

func (o *rxOp) Name() string { return o.name }

func (o *rxOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	s := operand.String()
	spans := o.backend.Scan(s)
	if len(spans) == 0 {
		return OperatorResult{}
	}
	if automaton, ok := o.backend.(*pattern.Automaton); ok {
		idx := automaton.SubmatchIndexes(s)
		if idx != nil {
			groups := make([]string, 0, len(idx)/2)
			for i := 0; i < len(idx); i += 2 {
				if idx[i] < 0 {
					groups = append(groups, "")
					continue
				}
				groups = append(groups, s[idx[i]:idx[i+1]])
			}
			return OperatorResult{Matched: true, Captures: groups}
		}
	}
	sp := spans[0]
	return OperatorResult{Matched: true, Captures: []string{s[sp.From:sp.To]}}
}

// --- simple string predicates ------------------------------------------

type predicateOp struct {
	name string
	fn   func(subject, data string) bool
	data string
}

func (o *predicateOp) Name() string { return o.name }

func (o *predicateOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	s := operand.String()
	if o.fn(s, o.data) {
		return OperatorResult{Matched: true, Captures: []string{s}}
	}
	return OperatorResult{}
}

func newBeginsWithOp(data string, log *logrus.Logger) (Operator, error) {
	return &predicateOp{name: "beginsWith", data: data, fn: func(s, d string) bool { return strings.HasPrefix(s, d) }}, nil
}

func newEndsWithOp(data string, log *logrus.Logger) (Operator, error) {
	return &predicateOp{name: "endsWith", data: data, fn: func(s, d string) bool { return strings.HasSuffix(s, d) }}, nil
}

func newContainsOp(data string, log *logrus.Logger) (Operator, error) {
	return &predicateOp{name: "contains", data: data, fn: func(s, d string) bool { return strings.Contains(s, d) }}, nil
}

func newContainsWordOp(data string, log *logrus.Logger) (Operator, error) {
	return &predicateOp{name: "containsWord", data: data, fn: func(s, d string) bool {
		for _, w := range strings.FieldsFunc(s, func(r rune) bool { return !isWordRune(r) }) {
			if w == d {
				return true
			}
		}
		return false
	}}, nil
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

func newWithinOp(data string, log *logrus.Logger) (Operator, error) {
	items := strings.Split(data, " ")
	return &predicateOp{name: "within", data: data, fn: func(s, _ string) bool {
		for _, it := range items {
			if it == s {
				return true
			}
		}
		return false
	}}, nil
}

func newStreqOp(data string, log *logrus.Logger) (Operator, error) {
	return &predicateOp{name: "streq", data: data, fn: func(s, d string) bool { return s == d }}, nil
}

// newStrmatchOp is streq's case-insensitive/substring-anywhere sibling
// used by older rule sets before `@contains` was split out.
func newStrmatchOp(data string, log *logrus.Logger) (Operator, error) {
	return &predicateOp{name: "strmatch", data: data, fn: func(s, d string) bool {
		return strings.Contains(strings.ToLower(s), strings.ToLower(d))
	}}, nil
}

// --- multi-pattern family ------------------------------------------------

type multiOp struct {
	name  string
	multi *pattern.Multi
}

func (o *multiOp) Name() string { return o.name }

func (o *multiOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	s := operand.String()
	spans := o.multi.Scan(s)
	if len(spans) == 0 {
		return OperatorResult{}
	}
	sp := spans[0]
	return OperatorResult{Matched: true, Captures: []string{s[sp.From:sp.To]}}
}

func newPmOp(data string, log *logrus.Logger) (Operator, error) {
	items := strings.Split(data, " ")
	return &multiOp{name: "pm", multi: pattern.NewMulti(items, true)}, nil
}

func newPmFromFileOp(data string, log *logrus.Logger) (Operator, error) {
	lf, err := loadPatternFile(data)
	if err != nil {
		return nil, err
	}
	if lf.multi != nil {
		return &multiOp{name: "pmFromFile", multi: lf.multi}, nil
	}
	var items []string
	for k := range lf.literal {
		items = append(items, k)
	}
	return &multiOp{name: "pmFromFile", multi: pattern.NewMulti(items, true)}, nil
}

// --- IP matching ---------------------------------------------------------

type ipMatchOp struct {
	name string
	nets []*net.IPNet
	ips  []net.IP
}

func (o *ipMatchOp) Name() string { return o.name }

func (o *ipMatchOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	ip := net.ParseIP(strings.TrimSpace(operand.String()))
	if ip == nil {
		return OperatorResult{}
	}
	for _, n := range o.nets {
		if n.Contains(ip) {
			return OperatorResult{Matched: true, Captures: []string{ip.String()}}
		}
	}
	for _, known := range o.ips {
		if known.Equal(ip) {
			return OperatorResult{Matched: true, Captures: []string{ip.String()}}
		}
	}
	return OperatorResult{}
}

func parseIPList(items []string) (*ipMatchOp, error) {
	op := &ipMatchOp{name: "ipMatch"}
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if strings.Contains(it, "/") {
			_, n, err := net.ParseCIDR(it)
			if err != nil {
				return nil, fmt.Errorf("ipMatch: invalid CIDR %q: %w", it, err)
			}
			op.nets = append(op.nets, n)
			continue
		}
		ip := net.ParseIP(it)
		if ip == nil {
			return nil, fmt.Errorf("ipMatch: invalid IP %q", it)
		}
		op.ips = append(op.ips, ip)
	}
	return op, nil
}

func newIPMatchOp(data string, log *logrus.Logger) (Operator, error) {
	return parseIPList(strings.Split(data, ","))
}

func newIPMatchFromFileOp(data string, log *logrus.Logger) (Operator, error) {
	lf, err := loadPatternFile(data)
	if err != nil {
		return nil, err
	}
	var items []string
	for k := range lf.literal {
		items = append(items, k)
	}
	// Dotted IPv4 entries contain '.', so the loader files them under the
	// multi-pattern set rather than the literal one.
	if lf.multi != nil {
		for i := 0; lf.multi.PatternAt(i) != ""; i++ {
			items = append(items, lf.multi.PatternAt(i))
		}
	}
	op, err := parseIPList(items)
	if err != nil {
		return nil, err
	}
	op.name = "ipMatchFromFile"
	return op, nil
}

// --- numeric comparisons --------------------------------------------------

func numericOperand(tx *Transaction, v variant.Variant, data string, log *logrus.Logger) (float64, float64, bool) {
	lhs, err1 := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
	rhsText := expandTXMacro(tx, data)
	rhs, err2 := strconv.ParseFloat(strings.TrimSpace(rhsText), 64)
	if err1 != nil || err2 != nil {
		log.Warn("operator: non-numeric comparison operand, treating as no-match")
		return 0, 0, false
	}
	return lhs, rhs, true
}

func newComparisonOp(name string, cmp func(a, b float64) bool) operatorCtor {
	return func(data string, log *logrus.Logger) (Operator, error) {
		return &comparisonOp{name: name, data: data, cmp: cmp, log: log}, nil
	}
}

type comparisonOp struct {
	name string
	data string
	cmp  func(a, b float64) bool
	log  *logrus.Logger
}

func (o *comparisonOp) Name() string { return o.name }

func (o *comparisonOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	a, b, ok := numericOperand(tx, operand, o.data, o.log)
	if !ok {
		return OperatorResult{}
	}
	if o.cmp(a, b) {
		return OperatorResult{Matched: true, Captures: []string{operand.String()}}
	}
	return OperatorResult{}
}

var newEqOp = newComparisonOp("eq", func(a, b float64) bool { return a == b })
var newGeOp = newComparisonOp("ge", func(a, b float64) bool { return a >= b })
var newGtOp = newComparisonOp("gt", func(a, b float64) bool { return a > b })
var newLeOp = newComparisonOp("le", func(a, b float64) bool { return a <= b })
var newLtOp = newComparisonOp("lt", func(a, b float64) bool { return a < b })

// --- libinjection-backed detectors --------------------------------------

type libinjectionOp struct {
	name string
	fn   func(s string) (bool, string)
}

func (o *libinjectionOp) Name() string { return o.name }

func (o *libinjectionOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	s := operand.String()
	matched, fingerprint := o.fn(s)
	if matched {
		return OperatorResult{Matched: true, Captures: []string{fingerprint}}
	}
	return OperatorResult{}
}

func newDetectSqliOp(data string, log *logrus.Logger) (Operator, error) {
	return &libinjectionOp{name: "detectSqli", fn: func(s string) (bool, string) {
		return libinjection.IsSQLi(s)
	}}, nil
}

func newDetectXSSOp(data string, log *logrus.Logger) (Operator, error) {
	return &libinjectionOp{name: "detectXSS", fn: func(s string) (bool, string) {
		return libinjection.IsXSS(s), ""
	}}, nil
}

// --- trivial operators -----------------------------------------------

type constOp struct {
	name    string
	matched bool
}

func (o *constOp) Name() string { return o.name }
func (o *constOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	return OperatorResult{Matched: o.matched, Captures: []string{operand.String()}}
}

func newUnconditionalMatchOp(data string, log *logrus.Logger) (Operator, error) {
	return &constOp{name: "unconditionalMatch", matched: true}, nil
}

func newNoMatchOp(data string, log *logrus.Logger) (Operator, error) {
	return &constOp{name: "noMatch", matched: false}, nil
}

// newUnsupportedOp builds an operator stub for a back-end this core does
// not own (geo/IP databases, file content inspection, fuzzy hashing,
// realtime blackhole lists, DTD/schema validation) — spec.md §1 treats
// these pattern back-ends as collaborators; absent a host-provided
// implementation they report "no match" and log a warning, per spec.md
// §7's absorb-don't-fail philosophy.
func newUnsupportedOp(name string) operatorCtor {
	return func(data string, log *logrus.Logger) (Operator, error) {
		return &unsupportedOp{name: name, log: log}, nil
	}
}

type unsupportedOp struct {
	name string
	log  *logrus.Logger
}

func (o *unsupportedOp) Name() string { return o.name }
func (o *unsupportedOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	o.log.WithField("operator", o.name).Warn("operator: no host-provided backend configured, reporting no-match")
	return OperatorResult{}
}

// --- byte-range / encoding validation -------------------------------------

type validateByteRangeOp struct {
	allowed [256]bool
}

func newValidateByteRangeOp(data string, log *logrus.Logger) (Operator, error) {
	op := &validateByteRangeOp{}
	for _, part := range strings.Split(data, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err1 := strconv.Atoi(strings.TrimSpace(lo))
			hiN, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("validateByteRange: bad range %q", part)
			}
			for b := loN; b <= hiN && b < 256; b++ {
				op.allowed[b] = true
			}
		} else {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("validateByteRange: bad value %q", part)
			}
			op.allowed[n] = true
		}
	}
	return op, nil
}

func (o *validateByteRangeOp) Name() string { return "validateByteRange" }

func (o *validateByteRangeOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	s := operand.String()
	for i := 0; i < len(s); i++ {
		if !o.allowed[s[i]] {
			return OperatorResult{Matched: true, Captures: []string{s}}
		}
	}
	return OperatorResult{}
}

type validateURLEncodingOp struct{}

func newValidateURLEncodingOp(data string, log *logrus.Logger) (Operator, error) {
	return &validateURLEncodingOp{}, nil
}

func (o *validateURLEncodingOp) Name() string { return "validateUrlEncoding" }

func (o *validateURLEncodingOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	s := operand.String()
	for i := 0; i < len(s); i++ {
		if s[i] == '%' {
			if i+2 >= len(s) || !isHexDigit(s[i+1]) || !isHexDigit(s[i+2]) {
				return OperatorResult{Matched: true, Captures: []string{s}}
			}
		}
	}
	return OperatorResult{}
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

type validateUTF8EncodingOp struct{}

func newValidateUTF8EncodingOp(data string, log *logrus.Logger) (Operator, error) {
	return &validateUTF8EncodingOp{}, nil
}

func (o *validateUTF8EncodingOp) Name() string { return "validateUtf8Encoding" }

func (o *validateUTF8EncodingOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	s := operand.String()
	for _, r := range s {
		if r == '�' {
			return OperatorResult{Matched: true, Captures: []string{s}}
		}
	}
	return OperatorResult{}
}

// --- verify-digit operators ------------------------------------------------

type verifyOp struct {
	name string
	fn   func(s string) bool
}

func (o *verifyOp) Name() string { return o.name }
func (o *verifyOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	s := operand.String()
	if o.fn(s) {
		return OperatorResult{Matched: true, Captures: []string{s}}
	}
	return OperatorResult{}
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func luhnValid(digits string) bool {
	if len(digits) < 12 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if alt {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alt = !alt
	}
	return sum%10 == 0
}

func newVerifyCCOp(data string, log *logrus.Logger) (Operator, error) {
	return &verifyOp{name: "verifyCC", fn: func(s string) bool { return luhnValid(onlyDigits(s)) }}, nil
}

func newVerifyCPFOp(data string, log *logrus.Logger) (Operator, error) {
	return &verifyOp{name: "verifyCPF", fn: func(s string) bool {
		d := onlyDigits(s)
		return len(d) == 11 && verifyModulo11CPF(d)
	}}, nil
}

func verifyModulo11CPF(d string) bool {
	check := func(n int) int {
		sum := 0
		for i := 0; i < n; i++ {
			sum += int(d[i]-'0') * (n + 1 - i)
		}
		r := (sum * 10) % 11
		if r == 10 {
			r = 0
		}
		return r
	}
	return check(9) == int(d[9]-'0') && check(10) == int(d[10]-'0')
}

func newVerifySSNOp(data string, log *logrus.Logger) (Operator, error) {
	return &verifyOp{name: "verifySSN", fn: func(s string) bool {
		d := onlyDigits(s)
		if len(d) != 9 {
			return false
		}
		return d[:3] != "000" && d[3:5] != "00" && d[5:] != "0000"
	}}, nil
}

// --- macro-based and misc -------------------------------------------------

// rsubOp implements @rsub: a regex-substitution operator that always
// "matches" rather than gating the rule. It applies the substitution to
// its operand and reports the rewritten text as the capture; it does not
// modify TX variables.
type rsubOp struct {
	slot string
	re   pattern.Backend
	repl string
}

func newRsubOp(data string, log *logrus.Logger) (Operator, error) {
	// Syntax: "s/regex/replacement/" applied against the TX slot named in
	// the left-hand target; this operator only performs the substitution
	// against its own operand text and reports the result as the capture.
	parts := strings.SplitN(data, "/", 4)
	if len(parts) < 3 {
		return nil, fmt.Errorf("rsub: expected s/regex/replacement/, got %q", data)
	}
	b, err := pattern.NewAutomaton(parts[1], false)
	if err != nil {
		return nil, fmt.Errorf("rsub: %w", err)
	}
	return &rsubOp{re: b, repl: parts[2]}, nil
}

func (o *rsubOp) Name() string { return "rsub" }

func (o *rsubOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	s := operand.String()
	a, ok := o.re.(*pattern.Automaton)
	if !ok {
		return OperatorResult{Matched: true, Captures: []string{s}}
	}
	idx := a.SubmatchIndexes(s)
	if idx == nil {
		return OperatorResult{Matched: true, Captures: []string{s}}
	}
	out := s[:idx[0]] + o.repl + s[idx[1]:]
	return OperatorResult{Matched: true, Captures: []string{out}}
}

// geoLookupOp is a collaborator stub per spec.md §1/§4.2 (GEO variable):
// without a host-provided MaxMind-style database it reports no match.
type geoLookupOp struct{ log *logrus.Logger }

func newGeoLookupOp(data string, log *logrus.Logger) (Operator, error) {
	return &geoLookupOp{log: log}, nil
}

func (o *geoLookupOp) Name() string { return "geoLookup" }

func (o *geoLookupOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	ip := net.ParseIP(strings.TrimSpace(operand.String()))
	if ip == nil {
		return OperatorResult{}
	}
	o.log.Debug("operator: geoLookup has no host-provided database configured, reporting no-match")
	return OperatorResult{}
}

type xorOp struct{ key []byte }

func newXorOp(data string, log *logrus.Logger) (Operator, error) {
	return &xorOp{key: []byte(data)}, nil
}

func (o *xorOp) Name() string { return "xor" }

func (o *xorOp) Evaluate(tx *Transaction, operand variant.Variant) OperatorResult {
	s := []byte(operand.String())
	if len(o.key) == 0 {
		return OperatorResult{}
	}
	out := make([]byte, len(s))
	for i, c := range s {
		out[i] = c ^ o.key[i%len(o.key)]
	}
	return OperatorResult{Matched: true, Captures: []string{string(out)}}
}
