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
	"testing"

	"github.com/tossoengine/secengine/pkg/engine"
)

func newTestEngine(t *testing.T, text string) *engine.Engine {
	t.Helper()
	eng := engine.New(engine.LogLevelError, "")
	if err := Load(eng, text, "."); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := eng.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return eng
}

func TestSecRuleBlocksOnMatch(t *testing.T) {
	eng := newTestEngine(t, `
SecRule ARGS:foo "@rx attack" "id:1,phase:1,deny,status:403"
`)

	tx := eng.MakeTransaction()
	tx.ProcessURI("/?foo=attack", "GET", "HTTP/1.1")
	iv := tx.ProcessRequestHeaders(nil, nil)
	if iv == nil {
		t.Fatal("expected an intervention, got none")
	}
	if iv.Status != 403 {
		t.Errorf("status = %d, want 403", iv.Status)
	}
	if iv.RuleID != 1 {
		t.Errorf("rule id = %d, want 1", iv.RuleID)
	}
}

func TestSecRulePassesWhenNoMatch(t *testing.T) {
	eng := newTestEngine(t, `
SecRule ARGS:foo "@rx attack" "id:1,phase:1,deny,status:403"
`)

	tx := eng.MakeTransaction()
	tx.ProcessURI("/?foo=safe", "GET", "HTTP/1.1")
	if iv := tx.ProcessRequestHeaders(nil, nil); iv != nil {
		t.Fatalf("unexpected intervention: %+v", iv)
	}
}

func TestChainRequiresAllLinks(t *testing.T) {
	eng := newTestEngine(t, `
SecRule REQUEST_METHOD "@streq POST" "id:2,phase:1,deny,status:403,chain"
  SecRule ARGS:foo "@rx attack" ""
`)

	tx := eng.MakeTransaction()
	tx.ProcessURI("/?foo=attack", "GET", "HTTP/1.1")
	if iv := tx.ProcessRequestHeaders(nil, nil); iv != nil {
		t.Fatalf("chain should not fire on GET: %+v", iv)
	}

	tx2 := eng.MakeTransaction()
	tx2.ProcessURI("/?foo=attack", "POST", "HTTP/1.1")
	if iv := tx2.ProcessRequestHeaders(nil, nil); iv == nil {
		t.Fatal("expected chain to fire on POST with matching ARGS")
	}
}

func TestSecRuleRemoveByIdNeutralisesRule(t *testing.T) {
	eng := newTestEngine(t, `
SecRule ARGS:foo "@rx attack" "id:3,phase:1,deny,status:403"
SecRuleRemoveById 3
`)

	tx := eng.MakeTransaction()
	tx.ProcessURI("/?foo=attack", "GET", "HTTP/1.1")
	if iv := tx.ProcessRequestHeaders(nil, nil); iv != nil {
		t.Fatalf("removed rule should not fire: %+v", iv)
	}
}

func TestSecActionSetsTXVariable(t *testing.T) {
	eng := newTestEngine(t, `
SecAction "id:4,phase:1,setvar:tx.score=10,pass"
SecRule TX:score "@eq 10" "id:5,phase:1,deny,status:406"
`)

	tx := eng.MakeTransaction()
	tx.ProcessURI("/", "GET", "HTTP/1.1")
	iv := tx.ProcessRequestHeaders(nil, nil)
	if iv == nil || iv.Status != 406 {
		t.Fatalf("expected status 406 intervention, got %+v", iv)
	}
}

func TestSecMarkerSkipAfter(t *testing.T) {
	eng := newTestEngine(t, `
SecRule ARGS:foo "@rx attack" "id:6,phase:1,skipAfter:END,pass"
SecRule ARGS:foo "@rx attack" "id:7,phase:1,deny,status:500"
SecMarker "END"
SecRule ARGS:foo "@rx attack" "id:8,phase:1,deny,status:409"
`)

	tx := eng.MakeTransaction()
	tx.ProcessURI("/?foo=attack", "GET", "HTTP/1.1")
	iv := tx.ProcessRequestHeaders(nil, nil)
	if iv == nil {
		t.Fatal("expected an intervention")
	}
	if iv.Status != 409 {
		t.Errorf("status = %d, want 409 (rule 7 should have been skipped)", iv.Status)
	}
}

func TestParseErrorReportsLocation(t *testing.T) {
	eng := engine.New(engine.LogLevelError, "")
	err := Load(eng, "NotARealDirective foo\n", ".")
	if err == nil {
		t.Fatal("expected a parse error")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("error type = %T, want *ParseError", err)
	}
	if pe.Line != 1 {
		t.Errorf("line = %d, want 1", pe.Line)
	}
}
