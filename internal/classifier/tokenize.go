package classifier

import "strings"

// isIdentByte reports whether c can appear inside an unquoted identifier or
// a backtick-quoted one.
func isIdentByte(c byte) bool {
	return c == '_' || c == '.' || c == '`' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// tokenize splits comment-stripped SQL into identifier tokens, single
// punctuation tokens ("," and "("), and drops whitespace. Case is preserved
// exactly as it appears in the input, which is what lets table-name
// extraction recover the author's original case without a separate
// lookup-in-the-raw-string pass.
func tokenize(sql string) []string {
	var tokens []string
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == ',':
			tokens = append(tokens, ",")
			i++
		case c == '(':
			tokens = append(tokens, "(")
			i++
		case isIdentByte(c):
			j := i
			for j < len(sql) {
				if sql[j] == '`' {
					// A backtick-quoted run may hold spaces or punctuation;
					// it extends to the closing backtick.
					k := strings.IndexByte(sql[j+1:], '`')
					if k == -1 {
						j = len(sql)
						break
					}
					j += k + 2
					continue
				}
				if !isIdentByte(sql[j]) {
					break
				}
				j++
			}
			tokens = append(tokens, sql[i:j])
			i = j
		default:
			tokens = append(tokens, string(c))
			i++
		}
	}
	return tokens
}

func stripBackticks(s string) string {
	return strings.Trim(s, "`")
}
