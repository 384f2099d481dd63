package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sqlguard/sqlguard/internal/wireerr"
)

var whereRegexp = regexp.MustCompile(`(?i)\bWHERE\b`)

// Classify runs the full sub-parser pipeline:
// multi-statement gate, comment removal, normalization, first-keyword
// classification, table extraction, and WHERE-presence detection.
//
// It returns wireerr.ErrInvalidSQL if sql contains a top-level ';' outside
// string literals and comments — the classifier refuses to guess which of
// the batched statements policy should apply to.
func Classify(sql string) (ParsedQuery, error) {
	if hasTopLevelSemicolon(sql) {
		return ParsedQuery{}, fmt.Errorf("%w: multiple statements separated by ';'", wireerr.ErrInvalidSQL)
	}

	stripped := stripComments(sql)
	normalized := strings.ToUpper(stripped)

	tag := classifyFirstKeyword(normalized)

	return ParsedQuery{
		Tag:            tag,
		Tables:         extractTables(stripped),
		RawSQL:         sql,
		StrippedSQL:    stripped,
		HasWhereClause: whereRegexp.MatchString(normalized),
	}, nil
}

// classifyFirstKeyword maps the first whitespace-delimited token of the
// normalized (upper-cased, comment-stripped) SQL to a command tag.
func classifyFirstKeyword(normalized string) CommandTag {
	trimmed := strings.TrimSpace(normalized)
	if trimmed == "" {
		return Unknown
	}
	end := strings.IndexAny(trimmed, " \t\n\r(")
	var first string
	if end == -1 {
		first = trimmed
	} else {
		first = trimmed[:end]
	}
	if tag, ok := keywordTags[first]; ok {
		return tag
	}
	return Unknown
}
