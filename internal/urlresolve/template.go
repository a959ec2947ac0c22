package urlresolve

import "strings"

// BodyExpressionPrefix is the only runtime expression source supported in
// URL templates.
const BodyExpressionPrefix = "$request.body"

// SplitRuntimeExpression separates a leading {$...} runtime expression from
// the rest of the template. ok is false when the template does not start with
// one; the whole template is then returned as rest.
func SplitRuntimeExpression(template string) (expr, rest string, ok bool) {
	if !strings.HasPrefix(template, "{$") {
		return "", template, false
	}
	end := strings.IndexByte(template, '}')
	if end < 0 {
		return "", template, false
	}
	return template[1:end], template[end+1:], true
}

// Placeholders returns the {token} names in s in order of appearance.
// Unterminated braces end the scan.
func Placeholders(s string) []string {
	var tokens []string
	for {
		start := strings.IndexByte(s, '{')
		if start < 0 {
			return tokens
		}
		end := strings.IndexByte(s[start:], '}')
		if end < 0 {
			return tokens
		}
		tokens = append(tokens, s[start+1:start+end])
		s = s[start+end+1:]
	}
}
