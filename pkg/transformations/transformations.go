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

// Package transformations implements the pure string->string functions of
// spec.md §4.3. Every Func returns (result, changed); changed=false means
// "no change", in which case the caller keeps the previous value instead
// of substituting an equal-but-freshly-allocated string (cheap to detect,
// saves a transform-cache write for the common no-op case).
package transformations

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"unicode"
)

// Func is the signature every transform implements.
type Func func(string) (string, bool)

// Registry maps a directive-language transform name (``t:name``) to its
// implementation. None resets the chain at compile time (see
// engine.Rule.ClearTransforms) and has no runtime entry.
var Registry = map[string]Func{
	"base64Decode":      Base64Decode,
	"base64DecodeExt":   Base64DecodeExt,
	"base64Encode":      Base64Encode,
	"cmdLine":           CmdLine,
	"compressWhitespace": CompressWhitespace,
	"cssDecode":         CSSDecode,
	"escapeSeqDecode":   EscapeSeqDecode,
	"hexDecode":         HexDecode,
	"hexEncode":         HexEncode,
	"htmlEntityDecode":  HTMLEntityDecode,
	"jsDecode":          JSDecode,
	"length":            Length,
	"lowercase":         Lowercase,
	"uppercase":         Uppercase,
	"md5":               MD5,
	"sha1":              SHA1,
	"normalisePath":     NormalisePath,
	"normalisePathWin":  NormalisePathWin,
	"parityEven7Bit":    ParityEven7Bit,
	"parityOdd7Bit":     ParityOdd7Bit,
	"parityZero7Bit":    ParityZero7Bit,
	"removeComments":    RemoveComments,
	"removeCommentsChar": RemoveCommentsChar,
	"removeNulls":       RemoveNulls,
	"removeWhitespace":  RemoveWhitespace,
	"replaceComments":   ReplaceComments,
	"replaceNulls":      ReplaceNulls,
	"sqlHexDecode":      SQLHexDecode,
	"trim":              Trim,
	"trimLeft":          TrimLeft,
	"trimRight":         TrimRight,
	"urlDecode":         URLDecode,
	"urlDecodeUni":      URLDecodeUni,
	"urlEncode":         URLEncode,
	"utf8ToUnicode":     UTF8ToUnicode,
}

// Lookup returns the transform for name, or nil if unknown (compile-time
// error; "none" is handled by the rule builder, not here).
func Lookup(name string) Func { return Registry[name] }

func Lowercase(s string) (string, bool) {
	r := strings.ToLower(s)
	return r, r != s
}

func Uppercase(s string) (string, bool) {
	r := strings.ToUpper(s)
	return r, r != s
}

func Trim(s string) (string, bool) {
	r := strings.TrimSpace(s)
	return r, r != s
}

func TrimLeft(s string) (string, bool) {
	r := strings.TrimLeft(s, " \t\n\r\v\f")
	return r, r != s
}

func TrimRight(s string) (string, bool) {
	r := strings.TrimRight(s, " \t\n\r\v\f")
	return r, r != s
}

func CompressWhitespace(s string) (string, bool) {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	r := b.String()
	return r, r != s
}

func RemoveWhitespace(s string) (string, bool) {
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	r := b.String()
	return r, r != s
}

func RemoveNulls(s string) (string, bool) {
	if !strings.ContainsRune(s, 0) {
		return s, false
	}
	return strings.ReplaceAll(s, "\x00", ""), true
}

func ReplaceNulls(s string) (string, bool) {
	if !strings.ContainsRune(s, 0) {
		return s, false
	}
	return strings.ReplaceAll(s, "\x00", " "), true
}

func Length(s string) (string, bool) {
	return strconv.Itoa(len(s)), true
}

func HexEncode(s string) (string, bool) {
	return hex.EncodeToString([]byte(s)), true
}

func HexDecode(s string) (string, bool) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return s, false
	}
	return string(b), true
}

func Base64Encode(s string) (string, bool) {
	return base64.StdEncoding.EncodeToString([]byte(s)), true
}

func Base64Decode(s string) (string, bool) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return s, false
		}
	}
	return string(b), true
}

// Base64DecodeExt is the "lenient" variant that tolerates embedded
// non-alphabet bytes by stripping them before decoding, matching
// ModSecurity's base64DecodeExt behaviour on malformed attacker input.
func Base64DecodeExt(s string) (string, bool) {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '+' || r == '/' || r == '=' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	decoded, err := base64.StdEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(cleaned, "="))
	if err != nil {
		return s, false
	}
	return string(decoded), true
}

func SHA1(s string) (string, bool) {
	h := sha1.Sum([]byte(s))
	return string(h[:]), true
}

func URLEncode(s string) (string, bool) {
	return url.QueryEscape(s), true
}

func URLDecode(s string) (string, bool) {
	r, err := url.QueryUnescape(s)
	if err != nil {
		return s, false
	}
	return r, r != s
}

// URLDecodeUni additionally decodes IIS-style ``%u`` unicode escapes
// before falling back to standard percent-decoding.
func URLDecodeUni(s string) (string, bool) {
	var b strings.Builder
	changed := false
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+5 < len(s) && (s[i+1] == 'u' || s[i+1] == 'U') {
			if n, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
				b.WriteRune(rune(n))
				i += 5
				changed = true
				continue
			}
		}
		b.WriteByte(s[i])
	}
	out, err := url.QueryUnescape(b.String())
	if err != nil {
		return b.String(), changed
	}
	return out, changed || out != s
}

// CSSDecode implements the CSS escape decoding ModSecurity uses to defeat
// CSS-encoded XSS payloads: ``\`` followed by 1-6 hex digits (optionally
// followed by one whitespace) becomes the referenced code point.
func CSSDecode(s string) (string, bool) {
	var b strings.Builder
	changed := false
	i := 0
	for i < len(s) {
		if s[i] == '\\' && i+1 < len(s) {
			j := i + 1
			hexStart := j
			for j < len(s) && j < hexStart+6 && isHex(s[j]) {
				j++
			}
			if j > hexStart {
				if n, err := strconv.ParseUint(s[hexStart:j], 16, 32); err == nil {
					b.WriteRune(rune(n))
					if j < len(s) && (s[j] == ' ' || s[j] == '\t') {
						j++
					}
					i = j
					changed = true
					continue
				}
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String(), changed
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// JSDecode implements JavaScript string-escape decoding: \n \t \r \b \f \v
// \\ \" \' and \xHH / \uHHHH numeric escapes.
func JSDecode(s string) (string, bool) {
	var b strings.Builder
	changed := false
	i := 0
	for i < len(s) {
		if s[i] == '\\' && i+1 < len(s) {
			c := s[i+1]
			switch c {
			case 'n':
				b.WriteByte('\n')
				i += 2
				changed = true
				continue
			case 't':
				b.WriteByte('\t')
				i += 2
				changed = true
				continue
			case 'r':
				b.WriteByte('\r')
				i += 2
				changed = true
				continue
			case 'b':
				b.WriteByte('\b')
				i += 2
				changed = true
				continue
			case 'f':
				b.WriteByte('\f')
				i += 2
				changed = true
				continue
			case 'v':
				b.WriteByte('\v')
				i += 2
				changed = true
				continue
			case '\\', '"', '\'':
				b.WriteByte(c)
				i += 2
				changed = true
				continue
			case 'x':
				if i+4 <= len(s) && isHex(s[i+2]) && isHex(s[i+3]) {
					if n, err := strconv.ParseUint(s[i+2:i+4], 16, 32); err == nil {
						b.WriteRune(rune(n))
						i += 4
						changed = true
						continue
					}
				}
			case 'u':
				if i+6 <= len(s) {
					if n, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
						b.WriteRune(rune(n))
						i += 6
						changed = true
						continue
					}
				}
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String(), changed
}

func EscapeSeqDecode(s string) (string, bool) { return JSDecode(s) }

// HTMLEntityDecode handles the common named and numeric entity forms.
func HTMLEntityDecode(s string) (string, bool) {
	replacer := strings.NewReplacer(
		"&lt;", "<", "&gt;", ">", "&amp;", "&", "&quot;", `"`, "&apos;", "'", "&nbsp;", " ",
	)
	out := replacer.Replace(s)
	var b strings.Builder
	i := 0
	changed := out != s
	for i < len(out) {
		if out[i] == '&' && i+1 < len(out) && out[i+1] == '#' {
			j := i + 2
			hexMode := j < len(out) && (out[j] == 'x' || out[j] == 'X')
			if hexMode {
				j++
			}
			start := j
			for j < len(out) && out[j] != ';' && j-start < 6 {
				j++
			}
			if j < len(out) && out[j] == ';' && j > start {
				base := 10
				if hexMode {
					base = 16
				}
				if n, err := strconv.ParseUint(out[start:j], base, 32); err == nil {
					b.WriteRune(rune(n))
					i = j + 1
					changed = true
					continue
				}
			}
		}
		b.WriteByte(out[i])
		i++
	}
	return b.String(), changed
}

// NormalisePath collapses ``/./``, ``//`` and resolves ``/../`` segments
// in a POSIX-style path, the canonical defence against path-traversal
// obfuscation.
func NormalisePath(s string) (string, bool) {
	r := normalisePathSlashes(s, '/')
	return r, r != s
}

// NormalisePathWin is NormalisePath after folding backslashes to forward
// slashes first, for Windows-style paths.
func NormalisePathWin(s string) (string, bool) {
	folded := strings.ReplaceAll(s, "\\", "/")
	r := normalisePathSlashes(folded, '/')
	return r, r != s
}

func normalisePathSlashes(s string, sep byte) string {
	leadingSlash := len(s) > 0 && s[0] == sep
	parts := strings.Split(s, string(sep))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, p)
		}
	}
	joined := strings.Join(out, string(sep))
	if leadingSlash {
		return string(sep) + joined
	}
	return joined
}

// ParityEven7Bit / ParityOdd7Bit / ParityZero7Bit set the 8th bit of every
// byte so that, respectively, the byte has even parity, odd parity, or the
// 8th bit is always zero — used to normalise parity-bit-smuggled payloads.
func ParityEven7Bit(s string) (string, bool)  { return applyParity(s, parityEven) }
func ParityOdd7Bit(s string) (string, bool)   { return applyParity(s, parityOdd) }
func ParityZero7Bit(s string) (string, bool)  { return applyParity(s, parityZero) }

type parityMode int

const (
	parityEven parityMode = iota
	parityOdd
	parityZero
)

func applyParity(s string, mode parityMode) (string, bool) {
	b := []byte(s)
	changed := false
	for i, c := range b {
		low7 := c & 0x7f
		ones := popcount(low7)
		var want byte
		switch mode {
		case parityEven:
			if ones%2 != 0 {
				want = 0x80
			}
		case parityOdd:
			if ones%2 == 0 {
				want = 0x80
			}
		case parityZero:
			want = 0
		}
		nc := low7 | want
		if nc != c {
			changed = true
		}
		b[i] = nc
	}
	return string(b), changed
}

func popcount(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}

// RemoveComments strips /*...*/ and the rest of this family used to
// smuggle SQL tokens; it removes the comment bodies entirely.
func RemoveComments(s string) (string, bool) {
	return stripComments(s, "")
}

// RemoveCommentsChar removes exactly the comment delimiters (/* */ -- #)
// while leaving their contents, defeating "/**/"-as-whitespace tricks
// without destroying the payload a detection rule needs to see.
func RemoveCommentsChar(s string) (string, bool) {
	r := strings.NewReplacer("/*", "", "*/", "", "--", "", "#", "").Replace(s)
	return r, r != s
}

// ReplaceComments substitutes comment bodies with a single space instead
// of deleting them, preserving token boundaries.
func ReplaceComments(s string) (string, bool) {
	return stripComments(s, " ")
}

func stripComments(s, replacement string) (string, bool) {
	var b strings.Builder
	changed := false
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '/' && s[i+1] == '*' {
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				b.WriteString(replacement)
				changed = true
				break
			}
			b.WriteString(replacement)
			i += end + 4
			changed = true
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	r := b.String()
	return r, changed || r != s
}

// SQLHexDecode decodes a 0x-prefixed SQL hex literal (e.g. 0x414243) into
// its raw bytes; non-matching input passes through unchanged.
func SQLHexDecode(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "0x") && !strings.HasPrefix(t, "0X") {
		return s, false
	}
	hexPart := t[2:]
	if len(hexPart)%2 != 0 {
		return s, false
	}
	b, err := hex.DecodeString(hexPart)
	if err != nil {
		return s, false
	}
	return string(b), true
}

// CmdLine normalises shell-command obfuscation: collapses whitespace,
// drops backslash line continuations, and strips a narrow set of
// no-op separator characters attackers use to break up blocked tokens.
func CmdLine(s string) (string, bool) {
	r := s
	r = strings.ReplaceAll(r, "\\", "")
	r = strings.ReplaceAll(r, "'", "")
	r = strings.ReplaceAll(r, "\"", "")
	r = strings.ReplaceAll(r, "^", "")
	r = strings.ReplaceAll(r, ",", "")
	r = strings.ReplaceAll(r, ";", " ")
	out, _ := CompressWhitespace(r)
	out, _ = Trim(out)
	return out, out != s
}

// UTF8ToUnicode renders every non-ASCII rune as a ``\uXXXX`` (or ``\UXXXXXXXX`` for
// values beyond the BMP) escape, exposing homoglyph and overlong-encoding
// tricks to downstream regex operators that only need to see ASCII.
func UTF8ToUnicode(s string) (string, bool) {
	var b strings.Builder
	changed := false
	for _, r := range s {
		if r < 0x80 {
			b.WriteRune(r)
			continue
		}
		changed = true
		if r > 0xFFFF {
			b.WriteString("\\U")
			h := strconv.FormatInt(int64(r), 16)
			for len(h) < 8 {
				h = "0" + h
			}
			b.WriteString(h)
		} else {
			b.WriteString("\\u")
			h := strconv.FormatInt(int64(r), 16)
			for len(h) < 4 {
				h = "0" + h
			}
			b.WriteString(h)
		}
	}
	return b.String(), changed
}
