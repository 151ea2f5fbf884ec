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

// Package fullname implements the closed, interned set of variable main
// names and the FullName identity pair (main_name, sub_name).
package fullname

import "strings"

// Main is one of the closed set of ~80 variable main names.
type Main string

// SubKind classifies how sub_name selects within a collection.
type SubKind uint8

const (
	// SubNone means the reference names the whole collection.
	SubNone SubKind = iota
	// SubLiteral means sub_name is a case-folded literal key.
	SubLiteral
	// SubRegex means sub_name is a /regex/.
	SubRegex
	// SubFile means sub_name is an @file@ reference.
	SubFile
)

// The closed set of main names this engine recognises. Not all ~80 of the
// original directive language are modelled — ParseMain rejects unlisted
// ones — but every category named in spec.md §4.2 has at least one
// member here.
const (
	ARGS                   Main = "ARGS"
	ARGS_GET               Main = "ARGS_GET"
	ARGS_POST              Main = "ARGS_POST"
	ARGS_NAMES             Main = "ARGS_NAMES"
	ARGS_GET_NAMES         Main = "ARGS_GET_NAMES"
	ARGS_POST_NAMES        Main = "ARGS_POST_NAMES"
	FILES                  Main = "FILES"
	FILES_NAMES            Main = "FILES_NAMES"
	REQUEST_COOKIES        Main = "REQUEST_COOKIES"
	REQUEST_COOKIES_NAMES  Main = "REQUEST_COOKIES_NAMES"
	REQUEST_HEADERS        Main = "REQUEST_HEADERS"
	REQUEST_HEADERS_NAMES  Main = "REQUEST_HEADERS_NAMES"
	RESPONSE_HEADERS       Main = "RESPONSE_HEADERS"
	RESPONSE_HEADERS_NAMES Main = "RESPONSE_HEADERS_NAMES"
	REQUEST_METHOD         Main = "REQUEST_METHOD"
	REQUEST_URI            Main = "REQUEST_URI"
	REQUEST_URI_RAW        Main = "REQUEST_URI_RAW"
	REQUEST_LINE           Main = "REQUEST_LINE"
	REQUEST_PROTOCOL       Main = "REQUEST_PROTOCOL"
	REQUEST_BASENAME       Main = "REQUEST_BASENAME"
	QUERY_STRING           Main = "QUERY_STRING"
	REMOTE_ADDR            Main = "REMOTE_ADDR"
	REMOTE_PORT            Main = "REMOTE_PORT"
	RESPONSE_STATUS        Main = "RESPONSE_STATUS"
	RESPONSE_BODY          Main = "RESPONSE_BODY"
	REQUEST_BODY           Main = "REQUEST_BODY"
	TX                     Main = "TX"
	RULE                   Main = "RULE"
	MATCHED_VAR            Main = "MATCHED_VAR"
	MATCHED_VAR_NAME       Main = "MATCHED_VAR_NAME"
	MATCHED_VARS           Main = "MATCHED_VARS"
	MATCHED_VARS_NAMES     Main = "MATCHED_VARS_NAMES"
	GEO                    Main = "GEO"
	TIME                   Main = "TIME"
	TIME_DAY               Main = "TIME_DAY"
	TIME_HOUR              Main = "TIME_HOUR"
	TIME_MIN               Main = "TIME_MIN"
	TIME_SEC               Main = "TIME_SEC"
	TIME_YEAR              Main = "TIME_YEAR"
	TIME_EPOCH             Main = "TIME_EPOCH"
	ENV                    Main = "ENV"
	DURATION               Main = "DURATION"
	UNIQUE_ID              Main = "UNIQUE_ID"
)

// FullName identifies a variable reference.
type FullName struct {
	Main    Main
	SubKind SubKind
	Sub     string // literal (as written; folded when compared), regex body, or file path
	Count   bool   // "&ARGS" style counter reference
	Not     bool   // "!ARGS:foo" exception, resolved away at compile time
}

// Fold case-folds a literal sub_name the way TX variable names and
// collection keys are folded throughout the engine.
func Fold(s string) string { return strings.ToLower(s) }

// ParseMain parses a directive-language target token's main part,
// returning the canonical Main and true if recognised.
func ParseMain(tok string) (Main, bool) {
	m := Main(strings.ToUpper(strings.TrimSpace(tok)))
	switch m {
	case ARGS, ARGS_GET, ARGS_POST, ARGS_NAMES, ARGS_GET_NAMES, ARGS_POST_NAMES,
		FILES, FILES_NAMES, REQUEST_COOKIES, REQUEST_COOKIES_NAMES,
		REQUEST_HEADERS, REQUEST_HEADERS_NAMES, RESPONSE_HEADERS, RESPONSE_HEADERS_NAMES,
		REQUEST_METHOD, REQUEST_URI, REQUEST_URI_RAW, REQUEST_LINE, REQUEST_PROTOCOL,
		REQUEST_BASENAME, QUERY_STRING, REMOTE_ADDR, REMOTE_PORT, RESPONSE_STATUS,
		RESPONSE_BODY, REQUEST_BODY, TX, RULE, MATCHED_VAR, MATCHED_VAR_NAME, MATCHED_VARS,
		MATCHED_VARS_NAMES, GEO, TIME, TIME_DAY, TIME_HOUR, TIME_MIN, TIME_SEC, TIME_YEAR,
		TIME_EPOCH, ENV, DURATION, UNIQUE_ID:
		return m, true
	}
	return m, false
}

// IsCollection reports whether main names a multi-valued collection as
// opposed to a scalar (the distinction variable nodes use to decide
// whether sub-name absence means "whole collection" or "the only value").
func (m Main) IsCollection() bool {
	switch m {
	case ARGS, ARGS_GET, ARGS_POST, FILES, REQUEST_COOKIES, REQUEST_HEADERS,
		RESPONSE_HEADERS, TX, MATCHED_VARS, GEO, ENV,
		ARGS_NAMES, ARGS_GET_NAMES, ARGS_POST_NAMES, FILES_NAMES,
		REQUEST_COOKIES_NAMES, REQUEST_HEADERS_NAMES, RESPONSE_HEADERS_NAMES,
		MATCHED_VARS_NAMES:
		return true
	default:
		return false
	}
}
