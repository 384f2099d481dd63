package classifier

import "strings"

// tableKeywords introduce a table reference (or comma-separated list of
// them): FROM/JOIN/INTO/UPDATE/TABLE.
var tableKeywords = map[string]bool{
	"FROM":   true,
	"JOIN":   true,
	"INTO":   true,
	"UPDATE": true,
	"TABLE":  true,
}

// stopKeywords end a table-reference list: either a join-flavor keyword
// (which is itself re-examined as a trigger on the next outer loop
// iteration) or a clause that can't introduce another table name.
var stopKeywords = map[string]bool{
	"WHERE": true, "ON": true, "SET": true, "VALUES": true,
	"GROUP": true, "ORDER": true, "LIMIT": true, "HAVING": true,
	"USING": true, "JOIN": true, "INNER": true, "LEFT": true,
	"RIGHT": true, "FULL": true, "OUTER": true, "CROSS": true,
	"SELECT": true, ";": true,
}

// extractTables scans a comment-stripped SQL string (original case
// preserved) for table references following FROM/JOIN/INTO/UPDATE/TABLE.
// Comma-separated lists are split; a table entry starting with "(" is a
// subquery and is skipped; backtick quoting is stripped; duplicates are
// dropped case-insensitively, keeping the first-seen casing.
func extractTables(strippedSQL string) []string {
	tokens := tokenize(strippedSQL)
	upper := make([]string, len(tokens))
	for i, t := range tokens {
		upper[i] = strings.ToUpper(t)
	}

	var names []string
	seen := make(map[string]bool)

	for i := 0; i < len(tokens); i++ {
		if !tableKeywords[upper[i]] {
			continue
		}

		j := i + 1
		for j < len(tokens) {
			if stopKeywords[upper[j]] {
				break
			}
			if tokens[j] == "," {
				j++
				continue
			}
			if tokens[j] == "(" {
				// Subquery: skip this entry's tokens until the next comma
				// or a stop keyword. The entry itself yields no name, but
				// the scan resumes at that stop keyword, so a FROM/JOIN
				// inside the subquery is still a trigger and its table is
				// recovered.
				for j < len(tokens) && tokens[j] != "," && !stopKeywords[upper[j]] {
					j++
				}
				continue
			}

			name := stripBackticks(tokens[j])
			key := strings.ToLower(name)
			if name != "" && !seen[key] {
				seen[key] = true
				names = append(names, name)
			}

			// Consume the rest of this entry (alias tokens) up to the next
			// comma or a stop keyword.
			j++
			for j < len(tokens) && tokens[j] != "," && !stopKeywords[upper[j]] {
				j++
			}
		}

		i = j - 1
	}

	return names
}
