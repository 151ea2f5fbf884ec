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
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// auditRecord is the per-transaction JSON body written alongside the CLF
// index line, covering the request/response summary and every matched
// rule's id and message (the audit-log "parts" of spec.md §6, trimmed to
// the subset this engine tracks directly).
type auditRecord struct {
	ID           string         `json:"id"`
	Timestamp    string         `json:"timestamp"`
	Method       string         `json:"method"`
	URI          string         `json:"uri"`
	Protocol     string         `json:"protocol"`
	RemoteAddr   string         `json:"remote_addr"`
	ResponseCode int            `json:"response_code"`
	MatchedRules []matchedEntry `json:"matched_rules"`
}

type matchedEntry struct {
	ID      int64  `json:"id"`
	Msg     string `json:"msg"`
	LogData string `json:"logdata,omitempty"`
}

// ConcurrentLogger is the audit-log sink: a CLF-style index line per
// transaction plus a JSON record, serialised by a single mutex, matching
// the teacher's own locking discipline.
type ConcurrentLogger struct {
	mux       sync.RWMutex
	auditLog  *os.File
	file      string
	directory string
	log       *logrus.Logger

	matched map[string][]matchedEntry
}

// Init opens file (appending) as the CLF index and directory as the root
// for per-transaction JSON records.
func (l *ConcurrentLogger) Init(file, directory string, log *logrus.Logger) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	l.auditLog = f
	l.file = file
	l.directory = directory
	l.log = log
	l.matched = map[string][]matchedEntry{}
	return nil
}

// RecordMatch appends one matched-rule entry to tx's pending audit
// record; the engine's phase driver invokes this from a LogCallback.
func (l *ConcurrentLogger) RecordMatch(tx *Transaction, r *Rule) {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.matched[tx.ID] = append(l.matched[tx.ID], matchedEntry{ID: r.ID, Msg: ExpandMacro(tx, r, r.Msg), LogData: tx.currentLogData})
}

// WriteAudit writes tx's full audit record: one CLF line to the index
// file and one JSON document under directory/.
func (l *ConcurrentLogger) WriteAudit(tx *Transaction) error {
	l.mux.Lock()
	defer l.mux.Unlock()

	ts := time.Unix(0, tx.Timestamp).Format("02/Jan/2006:15:04:05 -0700")
	logDir, fname := tx.GetAuditPath()
	if logDir == "" {
		logDir = l.directory
	}
	filePath := path.Join(logDir, fname)

	if err := os.MkdirAll(logDir, 0777); err != nil {
		return err
	}

	record := auditRecord{
		ID:           tx.ID,
		Timestamp:    ts,
		Method:       tx.Method,
		URI:          tx.URIRaw,
		Protocol:     tx.Protocol,
		RemoteAddr:   tx.RemoteAddr,
		ResponseCode: tx.ResponseCode,
		MatchedRules: l.matched[tx.ID],
	}
	delete(l.matched, tx.ID)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return err
	}

	line := fmt.Sprintf("%s - - [%s] %q %d %s %s",
		tx.RemoteAddr, ts, fmt.Sprintf("%s %s %s", tx.Method, tx.URIRaw, tx.Protocol), tx.ResponseCode, tx.ID, filePath)
	if _, err := fmt.Fprintln(l.auditLog, line); err != nil {
		return err
	}
	if l.log != nil {
		l.log.WithField("tx", tx.ID).Debug("engine: audit record written")
	}
	return nil
}

// Close releases the underlying index-file handle.
func (l *ConcurrentLogger) Close() error {
	if l.auditLog == nil {
		return nil
	}
	return l.auditLog.Close()
}
