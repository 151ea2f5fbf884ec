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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tossoengine/secengine/pkg/engine"
)

// These scenarios exercise the disruptive-resolution table (rule.disruptive
// x default_action.disruptive) end to end through the directive front end,
// rather than unit-testing resolveDisruptive in isolation.

func TestBlockActionDefersToDefaultAction(t *testing.T) {
	eng := newTestEngine(t, `
SecDefaultAction "phase:1,deny,status:500"
SecRule ARGS:foo "@rx attack" "id:10,phase:1,block"
`)

	tx := eng.MakeTransaction()
	tx.ProcessURI("/?foo=attack", "GET", "HTTP/1.1")
	iv := tx.ProcessRequestHeaders(nil, nil)
	require.NotNil(t, iv, "block should inherit the default action's deny")
	assert.Equal(t, 500, iv.Status)
	assert.EqualValues(t, 10, iv.RuleID)
}

func TestBlockActionPassesWhenDefaultActionPasses(t *testing.T) {
	eng := newTestEngine(t, `
SecDefaultAction "phase:1,pass"
SecRule ARGS:foo "@rx attack" "id:11,phase:1,block"
`)

	tx := eng.MakeTransaction()
	tx.ProcessURI("/?foo=attack", "GET", "HTTP/1.1")
	iv := tx.ProcessRequestHeaders(nil, nil)
	assert.Nil(t, iv, "block should not intervene when the default action passes")
}

func TestAllowOverridesDefaultActionDeny(t *testing.T) {
	eng := newTestEngine(t, `
SecDefaultAction "phase:1,deny,status:403"
SecRule REMOTE_ADDR "@streq 127.0.0.1" "id:12,phase:1,allow"
`)

	tx := eng.MakeTransaction()
	tx.RemoteAddr = "127.0.0.1"
	tx.ProcessURI("/", "GET", "HTTP/1.1")
	iv := tx.ProcessRequestHeaders(nil, nil)
	assert.Nil(t, iv, "allow always wins regardless of default action")
}

func TestCaptureExposesNumberedGroups(t *testing.T) {
	eng := newTestEngine(t, `
SecRule ARGS:foo "@rx att(a+)ck" "id:13,phase:1,capture,setvar:tx.group1=%{TX.1},pass"
SecRule TX:group1 "@streq aaa" "id:14,phase:1,deny,status:418"
`)

	tx := eng.MakeTransaction()
	tx.ProcessURI("/?foo=attaaack", "GET", "HTTP/1.1")
	iv := tx.ProcessRequestHeaders(nil, nil)
	require.NotNil(t, iv)
	assert.Equal(t, 418, iv.Status)
}

func TestMultiMatchFindsLaterTransformMatch(t *testing.T) {
	eng := newTestEngine(t, `
SecRule ARGS:foo "@rx attack" "id:15,phase:1,multiMatch,t:lowercase,deny,status:403"
`)

	tx := eng.MakeTransaction()
	tx.ProcessURI("/?foo=ATTACK", "GET", "HTTP/1.1")
	iv := tx.ProcessRequestHeaders(nil, nil)
	require.NotNil(t, iv, "multiMatch should retest after the lowercase transform changes the value")
	assert.Equal(t, 403, iv.Status)
}

func TestCtlRuleRemoveByIdIsTransactionLocal(t *testing.T) {
	eng := newTestEngine(t, `
SecRule REQUEST_METHOD "@streq POST" "id:16,phase:1,ctl:ruleRemoveById=17,pass"
SecRule ARGS:foo "@rx attack" "id:17,phase:1,deny,status:403"
`)

	txGet := eng.MakeTransaction()
	txGet.ProcessURI("/?foo=attack", "GET", "HTTP/1.1")
	ivGet := txGet.ProcessRequestHeaders(nil, nil)
	require.NotNil(t, ivGet, "rule 17 must still fire for a request that never removes it")
	assert.Equal(t, 403, ivGet.Status)

	txPost := eng.MakeTransaction()
	txPost.ProcessURI("/?foo=attack", "POST", "HTTP/1.1")
	ivPost := txPost.ProcessRequestHeaders(nil, nil)
	assert.Nil(t, ivPost, "rule 17 should be removed for this transaction only")
}

func TestRedirectCarriesLocationAndStatus(t *testing.T) {
	eng := newTestEngine(t, `
SecRule ARGS:foo "@rx attack" "id:18,phase:1,redirect:'https://example.test/blocked',status:302"
`)

	tx := eng.MakeTransaction()
	tx.ProcessURI("/?foo=attack", "GET", "HTTP/1.1")
	iv := tx.ProcessRequestHeaders(nil, nil)
	require.NotNil(t, iv)
	assert.Equal(t, 302, iv.Status)
	assert.Equal(t, "https://example.test/blocked", iv.RedirectTo)
}

func TestLogCallbackRespectsDefaultActionNolog(t *testing.T) {
	eng := newTestEngine(t, `
SecDefaultAction "phase:1,pass,nolog"
SecRule ARGS:foo "@rx attack" "id:19,phase:1,pass"
`)

	var logged []int64
	tx := eng.MakeTransaction()
	tx.ProcessURI("/?foo=attack", "GET", "HTTP/1.1")
	tx.ProcessRequestHeaders(nil, func(tx *engine.Transaction, r *engine.Rule) {
		logged = append(logged, r.ID)
	})
	assert.Empty(t, logged, "rule should inherit nolog from the default action")
}

func TestLogCallbackFiresWhenRuleOverridesLog(t *testing.T) {
	eng := newTestEngine(t, `
SecDefaultAction "phase:1,pass,nolog"
SecRule ARGS:foo "@rx attack" "id:20,phase:1,pass,log"
`)

	var logged []int64
	tx := eng.MakeTransaction()
	tx.ProcessURI("/?foo=attack", "GET", "HTTP/1.1")
	tx.ProcessRequestHeaders(nil, func(tx *engine.Transaction, r *engine.Rule) {
		logged = append(logged, r.ID)
	})
	assert.Equal(t, []int64{20}, logged)
}
