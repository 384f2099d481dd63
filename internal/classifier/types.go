// Package classifier implements sqlguard's sub-parser: good enough to
// assign a command tag, recover referenced table names, and flag WHERE
// presence, fast, without attempting to be a real SQL parser. Its
// documented limits (a parenthesized subquery entry yields no name of its
// own, split keywords evade comment stripping, encoded payloads are
// invisible) are compensated for by
// the injection/procedure detectors and the policy engine's fail-close
// defaults.
package classifier

// CommandTag is the discriminated variant tag for a parsed query's type.
type CommandTag int

const (
	Unknown CommandTag = iota
	Select
	Insert
	Update
	Delete
	Drop
	Truncate
	Alter
	Create
	Call
	Prepare
	Execute
)

// String renders the tag the way the rest of sqlguard logs and compares it:
// upper-case, matching the keyword that produced it.
func (t CommandTag) String() string {
	switch t {
	case Select:
		return "SELECT"
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	case Drop:
		return "DROP"
	case Truncate:
		return "TRUNCATE"
	case Alter:
		return "ALTER"
	case Create:
		return "CREATE"
	case Call:
		return "CALL"
	case Prepare:
		return "PREPARE"
	case Execute:
		return "EXECUTE"
	default:
		return "UNKNOWN"
	}
}

var keywordTags = map[string]CommandTag{
	"SELECT":   Select,
	"INSERT":   Insert,
	"UPDATE":   Update,
	"DELETE":   Delete,
	"DROP":     Drop,
	"TRUNCATE": Truncate,
	"ALTER":    Alter,
	"CREATE":   Create,
	"CALL":     Call,
	"PREPARE":  Prepare,
	"EXECUTE":  Execute,
}

// ParsedQuery is the classifier's output: a command tag, the tables it
// could recover, the untouched original text, the comment-stripped text,
// and whether a WHERE clause is present. Unknown must never be allowed to
// reach the policy evaluator as an allowable decision; Evaluate treats it
// as blocked.
type ParsedQuery struct {
	Tag    CommandTag
	Tables []string
	// RawSQL is the original statement, retained unchanged for logging and
	// pattern matching. StrippedSQL has comments removed (case preserved),
	// for keyword checks that must not be fooled by commented-out words.
	RawSQL         string
	StrippedSQL    string
	HasWhereClause bool
}
