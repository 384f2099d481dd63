// Package policy evaluates a parsed query and session context against an
// atomically-swappable PolicyConfig. Every evaluation path that is not an
// explicit, final Allow resolves to Block: the zero value of Action is
// Block, and only the last step of Evaluate may upgrade a decision.
package policy

import "time"

// Action is the outcome of an evaluation. The zero value is Block so a
// decision variable that is never explicitly set defaults to the safe
// outcome.
type Action int

const (
	Block Action = iota
	Allow
	Log
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "Allow"
	case Log:
		return "Log"
	default:
		return "Block"
	}
}

// Result is the outcome of one Evaluate call.
type Result struct {
	Action      Action
	MatchedRule string
	Reason      string
}

func blockResult(matchedRule, reason string) Result {
	return Result{Action: Block, MatchedRule: matchedRule, Reason: reason}
}

// TimeRestriction is an allow-window expressed as local wall-clock time in
// an IANA zone. A window where Start > End crosses midnight and is
// inclusive of both halves.
type TimeRestriction struct {
	Start string // "HH:MM"
	End   string // "HH:MM"
	Zone  string // IANA zone name, e.g. "America/New_York"
}

// AccessRule is one entry of the ordered access-control list.
type AccessRule struct {
	User            string // glob, "*" allowed
	SourceCIDR      string // optional IPv4 CIDR; empty matches any
	AllowedTables   []string
	AllowedOps      []string
	BlockedOps      []string
	TimeRestriction *TimeRestriction
}

// ProcedureControl governs CALL/CREATE|ALTER|DROP PROCEDURE/PREPARE/EXECUTE.
type ProcedureControl struct {
	Mode             string // "whitelist" | "blacklist"
	Names            []string
	BlockDynamicSQL  bool
	BlockCreateAlter bool
}

// DataProtection governs result-set and schema-level restrictions.
type DataProtection struct {
	MaxResultRows     int
	BlockSchemaAccess bool
}

// SQLRules governs statement- and pattern-level blocking. When
// WarnUnrestrictedWrites is set, an UPDATE or DELETE with no WHERE clause
// that would otherwise be allowed is downgraded to a Log decision; it is
// never escalated to Block and never changes a Block outcome.
type SQLRules struct {
	BlockStatements        []string
	BlockPatterns          []string
	WarnUnrestrictedWrites bool
}

// GlobalSettings are process-wide operational settings.
type GlobalSettings struct {
	LogLevel           string
	MaxConnections     int
	IdleTimeoutSeconds int
}

// Config is the immutable policy document. A new value is constructed on
// load and swapped in as a whole; nothing in this package mutates a Config
// in place.
type Config struct {
	Global           GlobalSettings
	AccessControl    []AccessRule
	SQLRules         SQLRules
	ProcedureControl ProcedureControl
	DataProtection   DataProtection
}

// protectedSchemas are blocked when DataProtection.BlockSchemaAccess is set.
var protectedSchemas = map[string]bool{
	"information_schema": true,
	"mysql":               true,
	"performance_schema":  true,
	"sys":                 true,
}

// SessionContext is the read-only per-connection context Evaluate consults.
type SessionContext struct {
	User      string
	ClientIP  string // dotted-quad IPv4; empty if unknown
	Now       time.Time
}
