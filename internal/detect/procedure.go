package detect

import (
	"regexp"
	"strings"

	"github.com/sqlguard/sqlguard/internal/classifier"
)

// ProcedureTag discriminates the kind of stored-procedure or dynamic-SQL
// activity a query represents.
type ProcedureTag int

const (
	NoProcedure ProcedureTag = iota
	Call
	CreateProcedure
	AlterProcedure
	DropProcedure
	PrepareExecute
)

// ProcedureInfo is the detector's output. Name is only meaningful for Call.
type ProcedureInfo struct {
	Tag         ProcedureTag
	Name        string
	IsDynamicSQL bool
}

var callNameRegexp = regexp.MustCompile(`(?i)CALL\s+([\w.]+)\s*\(`)

var procedureWordRegexp = regexp.MustCompile(`\bPROCEDURE\b`)

// Inspect dispatches on the parsed query's command tag. CREATE/ALTER/DROP
// only yield a procedure tag if the upper-cased, comment-stripped SQL
// contains PROCEDURE as a whole word — a commented-out PROCEDURE must not
// reclassify plain table DDL, which falls through to table-level ACLs.
func Inspect(pq classifier.ParsedQuery) ProcedureInfo {
	switch pq.Tag {
	case classifier.Call:
		name := ""
		if m := callNameRegexp.FindStringSubmatch(pq.RawSQL); len(m) == 2 {
			name = m[1]
		}
		return ProcedureInfo{Tag: Call, Name: name}

	case classifier.Create:
		if hasProcedureKeyword(pq.StrippedSQL) {
			return ProcedureInfo{Tag: CreateProcedure}
		}
		return ProcedureInfo{Tag: NoProcedure}

	case classifier.Alter:
		if hasProcedureKeyword(pq.StrippedSQL) {
			return ProcedureInfo{Tag: AlterProcedure}
		}
		return ProcedureInfo{Tag: NoProcedure}

	case classifier.Drop:
		if hasProcedureKeyword(pq.StrippedSQL) {
			return ProcedureInfo{Tag: DropProcedure}
		}
		return ProcedureInfo{Tag: NoProcedure}

	case classifier.Prepare, classifier.Execute:
		return ProcedureInfo{Tag: PrepareExecute, IsDynamicSQL: true}

	default:
		return ProcedureInfo{Tag: NoProcedure}
	}
}

func hasProcedureKeyword(strippedSQL string) bool {
	return procedureWordRegexp.MatchString(strings.ToUpper(strippedSQL))
}
