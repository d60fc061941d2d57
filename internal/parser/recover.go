package parser

import (
	"encoding/json"
	"regexp"
	"strings"
)

// recoverJSON tries the tolerant repair steps in order and returns the
// first successfully-decoded map, or ErrParseFailed if every step fails.
func recoverJSON(raw string) (map[string]interface{}, error) {
	candidates := []string{raw}
	candidates = append(candidates, stripTrailingCommas(raw))
	candidates = append(candidates, quoteUnquotedKeys(raw))
	candidates = append(candidates, singleToDoubleQuotes(raw))
	candidates = append(candidates, quoteBareValues(raw))
	candidates = append(candidates, stripComments(raw))
	if largest := extractLargestObject(raw); largest != "" {
		candidates = append(candidates, largest)
	}

	// Also try the steps composed together, since a real malformed
	// payload often needs more than one repair at once.
	composed := raw
	composed = stripComments(composed)
	composed = singleToDoubleQuotes(composed)
	composed = quoteUnquotedKeys(composed)
	composed = quoteBareValues(composed)
	composed = stripTrailingCommas(composed)
	candidates = append(candidates, composed)
	if largest := extractLargestObject(composed); largest != "" {
		candidates = append(candidates, largest)
	}

	for _, candidate := range candidates {
		var out map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &out); err == nil {
			return out, nil
		}
	}

	return nil, ErrParseFailed
}

var trailingCommaPattern = regexp.MustCompile(`,(\s*[\]}])`)

// (ii) strip trailing commas before ] or }.
func stripTrailingCommas(s string) string {
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

var unquotedKeyPattern = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)

// (iii) quote unquoted object keys, e.g. {foo: 1} -> {"foo": 1}.
func quoteUnquotedKeys(s string) string {
	return unquotedKeyPattern.ReplaceAllString(s, `$1"$2"$3`)
}

var singleQuotedStringPattern = regexp.MustCompile(`'([^'\\]*(?:\\.[^'\\]*)*)'`)

// (iv) convert single-quoted strings to double-quoted.
func singleToDoubleQuotes(s string) string {
	return singleQuotedStringPattern.ReplaceAllString(s, `"$1"`)
}

var bareValuePattern = regexp.MustCompile(`:(\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*[,}\]])`)

// (v) quote bare identifier values, except the JSON literals true/false/null.
func quoteBareValues(s string) string {
	return bareValuePattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := bareValuePattern.FindStringSubmatch(match)
		word := sub[2]
		if word == "true" || word == "false" || word == "null" {
			return match
		}
		return ":" + sub[1] + `"` + word + `"` + sub[3]
	})
}

var lineCommentPattern = regexp.MustCompile(`//[^\n]*`)
var blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)

// (vi) strip // line comments and /* ... */ block comments.
func stripComments(s string) string {
	s = blockCommentPattern.ReplaceAllString(s, "")
	s = lineCommentPattern.ReplaceAllString(s, "")
	return s
}

// (vii) extract the largest {...} substring, from the first '{' to the last
// '}', and retry parsing just that. Brace balance is not checked.
func extractLargestObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}
