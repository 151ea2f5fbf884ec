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

// Package engine implements a ModSecurity-compatible WAF rule engine: a
// compiled RuleSet built once at load time, and a per-request Transaction
// that runs the variable/transform/operator/action pipeline across the
// five processing phases.
package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogLevel mirrors spec.md §6's Engine::new(log_level, ...) parameter,
// translated to a logrus level.
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelInfo:
		return logrus.InfoLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

// Engine is the compile-time host object of spec.md §6: it accumulates
// directives into a RuleSet and, once Init is called, mints Transactions
// against the frozen result.
type Engine struct {
	log     *logrus.Logger
	ruleSet *RuleSet
	audit   *ConcurrentLogger

	requestBodyAccess  bool
	responseBodyAccess bool
	ruleEngineMode     RuleEngineMode

	Store CollectionStore
}

// RuleEngineMode is SecRuleEngine's On/Off/DetectionOnly setting.
type RuleEngineMode int

const (
	RuleEngineOn RuleEngineMode = iota
	RuleEngineOff
	RuleEngineDetectionOnly
)

// New constructs an Engine; must be called on the main thread (spec.md §6
// API #1). logFile is not read; the audit log is configured through
// SetAuditLog.
func New(level LogLevel, logFile string) *Engine {
	log := logrus.New()
	log.SetLevel(level.logrusLevel())
	return &Engine{
		log:            log,
		ruleSet:        NewRuleSet(),
		ruleEngineMode: RuleEngineOn,
		Store:          NewMemoryCollectionStore(),
	}
}

// Logger exposes the engine's diagnostic logger, e.g. so a directive
// front end can log compile-time warnings through the same sink.
func (e *Engine) Logger() *logrus.Logger { return e.log }

// RuleSet exposes the engine's mutable-until-Init RuleSet to the
// directive front end.
func (e *Engine) RuleSet() *RuleSet { return e.ruleSet }

// SetRuleEngineMode implements the SecRuleEngine directive.
func (e *Engine) SetRuleEngineMode(m RuleEngineMode) { e.ruleEngineMode = m }

// SetBodyAccess implements SecRequestBodyAccess/SecResponseBodyAccess.
func (e *Engine) SetBodyAccess(request, response bool) {
	e.requestBodyAccess = request
	e.responseBodyAccess = response
}

// SetAuditLog wires a ConcurrentLogger for SecAuditLog/SecAuditLogStorageDir.
func (e *Engine) SetAuditLog(indexFile, storageDir string) error {
	l := &ConcurrentLogger{}
	if err := l.Init(indexFile, storageDir, e.log); err != nil {
		return fmt.Errorf("engine: configuring audit log: %w", err)
	}
	e.audit = l
	return nil
}

// Init freezes the rule set through RuleSet.Finalize: default actions are
// inherited, skipAfter targets resolved and chain links verified
// (spec.md §6 API #4). No further AddRule/SetDefaultAction/AddMarker
// calls are permitted afterward.
func (e *Engine) Init() error {
	return e.ruleSet.Finalize()
}

// MakeTransaction builds a Transaction bound to this engine's frozen rule
// set (spec.md §6 API #5).
func (e *Engine) MakeTransaction() *Transaction {
	tx := newTransaction(e.ruleSet, e.log)
	if e.audit != nil {
		tx.auditLogEnabled = true
	}
	return tx
}

// LogAndClose writes tx's audit record (if enabled) through the engine's
// ConcurrentLogger. A host calls this once per transaction, typically
// from its own ProcessLogging-stage hook.
func (e *Engine) LogAndClose(tx *Transaction) error {
	if e.audit == nil {
		return nil
	}
	return e.audit.WriteAudit(tx)
}

// AuditLogCallback returns a LogCallback that records every matched rule
// into the engine's ConcurrentLogger, suitable for passing directly to
// Transaction.Process* when SecAuditLog is configured.
func (e *Engine) AuditLogCallback() LogCallback {
	if e.audit == nil {
		return nil
	}
	return e.audit.RecordMatch
}

// Enabled reports whether request-time rule evaluation should run at all
// (SecRuleEngine Off skips it entirely; DetectionOnly still evaluates but
// the host is expected to ignore Intervention.Disruptive's Deny/Drop/
// Redirect outcomes and only honour Allow).
func (e *Engine) Enabled() bool { return e.ruleEngineMode != RuleEngineOff }

// DetectionOnly reports whether SecRuleEngine is DetectionOnly.
func (e *Engine) DetectionOnly() bool { return e.ruleEngineMode == RuleEngineDetectionOnly }
