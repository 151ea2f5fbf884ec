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
	"strings"

	"github.com/tossoengine/secengine/pkg/fullname"
)

// ExpandMacro expands every `%{VARIABLE.sub}` / `%{TX.name}` occurrence
// in template against tx (and, for RULE:*, against r). An unresolvable
// reference expands to the empty string (spec.md §7: "Macro expansion
// failure ⇒ expand to empty string").
func ExpandMacro(tx *Transaction, r *Rule, template string) string {
	var out strings.Builder
	i := 0
	for i < len(template) {
		start := strings.Index(template[i:], "%{")
		if start < 0 {
			out.WriteString(template[i:])
			break
		}
		start += i
		out.WriteString(template[i:start])
		end := strings.IndexByte(template[start+2:], '}')
		if end < 0 {
			out.WriteString(template[start:])
			break
		}
		end += start + 2
		out.WriteString(resolveMacro(tx, r, template[start+2:end]))
		i = end + 1
	}
	return out.String()
}

func resolveMacro(tx *Transaction, r *Rule, ref string) string {
	main, sub, _ := strings.Cut(ref, ".")
	mainTok, ok := fullname.ParseMain(strings.TrimSpace(main))
	if !ok {
		return ""
	}
	if mainTok == fullname.RULE {
		v := &variableNode{name: fullname.FullName{Main: fullname.RULE, Sub: sub, SubKind: fullname.SubLiteral}}
		res := v.ruleMeta(r, sub)
		if len(res) == 0 {
			return ""
		}
		return res[0].Value.String()
	}
	v := NewVariable(fullname.FullName{Main: mainTok, Sub: sub, SubKind: fullname.SubLiteral})
	res := v.Evaluate(tx, r)
	if len(res) == 0 {
		return ""
	}
	return res[0].Value.String()
}

// expandTXMacro is the narrower form used by setvar, setenv and initcol
// values and by numeric operator operands, which only ever reference
// TX.name in practice; it falls back to the
// full macro expander so any valid %{...} reference still resolves.
func expandTXMacro(tx *Transaction, s string) string {
	if !strings.Contains(s, "%{") {
		return s
	}
	return ExpandMacro(tx, tx.currentRule, s)
}
