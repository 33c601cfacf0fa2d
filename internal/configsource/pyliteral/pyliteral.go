// Package pyliteral parses the restricted Python dict-literal syntax used
// by pybal's legacy (non-JSON) pool configuration files, e.g.:
//
//	{ 'host': 'pybal-test2002.codfw.wmnet', 'weight':10, 'enabled': True }
//
// This grammar must never execute arbitrary code (Python's own
// ast.literal_eval enforces the same restriction), which rules out
// reaching for a generic expression evaluator even where one exists in the
// ecosystem; it only ever needs to understand a flat dict of string keys to
// string/int/float/bool/None values, so a small hand-written scanner over
// text/scanner is the appropriate tool, not a missing-dependency gap.
package pyliteral

import (
	"fmt"
	"strconv"
	"strings"
	"text/scanner"
)

// Parse parses one dict literal line into a map. Returns an error for
// anything that isn't a flat {'key': value, ...} structure.
func Parse(line string) (map[string]any, error) {
	var s scanner.Scanner
	s.Init(strings.NewReader(line))
	s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats | scanner.ScanStrings | scanner.ScanChars
	s.Error = func(*scanner.Scanner, string) {} // we surface our own errors

	tok := s.Scan()
	if tok != '{' {
		return nil, fmt.Errorf("pyliteral: expected '{', got %q", s.TokenText())
	}

	result := make(map[string]any)
	for {
		tok = s.Scan()
		if tok == '}' {
			break
		}
		key, err := stringToken(&s, tok)
		if err != nil {
			return nil, fmt.Errorf("pyliteral: bad key: %w", err)
		}

		if tok = s.Scan(); tok != ':' {
			return nil, fmt.Errorf("pyliteral: expected ':' after key %q", key)
		}

		tok = s.Scan()
		val, err := valueToken(&s, tok)
		if err != nil {
			return nil, fmt.Errorf("pyliteral: bad value for key %q: %w", key, err)
		}
		result[key] = val

		tok = s.Scan()
		if tok == ',' {
			continue
		}
		if tok == '}' {
			break
		}
		return nil, fmt.Errorf("pyliteral: expected ',' or '}', got %q", s.TokenText())
	}
	return result, nil
}

func stringToken(s *scanner.Scanner, tok rune) (string, error) {
	if tok != scanner.String && tok != scanner.Char {
		return "", fmt.Errorf("expected a quoted string, got %q", s.TokenText())
	}
	return strconv.Unquote(normalizeQuotes(s.TokenText()))
}

// normalizeQuotes rewrites Python single-quoted strings to Go double-quoted
// form so strconv.Unquote can parse them.
func normalizeQuotes(tok string) string {
	if len(tok) >= 2 && tok[0] == '\'' && tok[len(tok)-1] == '\'' {
		inner := tok[1 : len(tok)-1]
		inner = strings.ReplaceAll(inner, `"`, `\"`)
		inner = strings.ReplaceAll(inner, `\'`, `'`)
		return `"` + inner + `"`
	}
	return tok
}

func valueToken(s *scanner.Scanner, tok rune) (any, error) {
	text := s.TokenText()
	switch tok {
	case scanner.String, scanner.Char:
		return stringToken(s, tok)
	case scanner.Int:
		return strconv.Atoi(text)
	case scanner.Float:
		return strconv.ParseFloat(text, 64)
	case scanner.Ident:
		switch text {
		case "True":
			return true, nil
		case "False":
			return false, nil
		case "None":
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected identifier %q", text)
	case '-':
		next := s.Scan()
		v, err := valueToken(s, next)
		if err != nil {
			return nil, err
		}
		switch n := v.(type) {
		case int:
			return -n, nil
		case float64:
			return -n, nil
		}
		return nil, fmt.Errorf("unary minus on non-numeric value")
	default:
		return nil, fmt.Errorf("unexpected token %q", text)
	}
}
