package policy

import (
	"fmt"
	"net"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sqlguard/sqlguard/internal/classifier"
	"github.com/sqlguard/sqlguard/internal/detect"
)

// Query bundles what Evaluate needs from the classifier and detectors.
// Built by the session engine after running the classifier and both
// detectors over one ComQuery frame.
type Query struct {
	Parsed    classifier.ParsedQuery
	Injection detect.InjectionResult
	Procedure detect.ProcedureInfo
}

// Evaluate runs the ordered evaluation pipeline. Every step may
// short-circuit to Block; only the final step produces Allow, and only
// when an access rule was selected.
func (e *Engine) Evaluate(q Query, sc SessionContext) Result {
	cfg := e.cfg.Load()

	// 1. Null config.
	if cfg == nil {
		return blockResult("no-config", "no policy configuration loaded")
	}

	// 2. Unknown command never reaches here as allowable.
	if q.Parsed.Tag == classifier.Unknown {
		return blockResult("unknown-command", "unrecognized SQL command")
	}

	cmdName := q.Parsed.Tag.String()

	// 3. Blocked statements.
	for _, blocked := range cfg.SQLRules.BlockStatements {
		if strings.EqualFold(blocked, cmdName) {
			return blockResult("block-statement", fmt.Sprintf("statement %s is blocked", cmdName))
		}
	}

	// 4. Block patterns (raw SQL, case-insensitive).
	for _, src := range cfg.SQLRules.BlockPatterns {
		re, err := regexp.Compile("(?i)" + src)
		if err != nil {
			continue // invalid pattern, already warned at load time
		}
		if re.MatchString(q.Parsed.RawSQL) {
			return blockResult("block-pattern", fmt.Sprintf("matched block pattern %q", src))
		}
	}

	// 5. Injection detector verdict. The detector compiles the same pattern
	// set as step 4 but fails close when that set is empty, so this step is
	// what blocks every query when no valid patterns were loaded.
	if q.Injection.Detected {
		return blockResult("injection-pattern", q.Injection.Reason)
	}

	// 6. Access-rule selection.
	rule, ruleOK := selectAccessRule(cfg.AccessControl, sc)
	if !ruleOK {
		return blockResult("no-access-rule", "no access rule matched user/source")
	}

	// 7. Blocked operations (takes precedence over allow).
	for _, op := range rule.BlockedOps {
		if strings.EqualFold(op, cmdName) {
			return blockResult("blocked-operation", fmt.Sprintf("operation %s is blocked for this rule", cmdName))
		}
	}

	// 8. Time restriction.
	if rule.TimeRestriction != nil {
		ok, err := withinTimeWindow(*rule.TimeRestriction, sc.Now)
		if err != nil || !ok {
			return blockResult("time-restriction", "outside allowed time window")
		}
	}

	// 9. Allowed tables.
	if !containsStar(rule.AllowedTables) && len(q.Parsed.Tables) > 0 {
		for _, tbl := range q.Parsed.Tables {
			if !containsFold(rule.AllowedTables, tbl) {
				return blockResult("table-not-allowed", fmt.Sprintf("table %q not in allowed list", tbl))
			}
		}
	}

	// 10. Allowed operations.
	if len(rule.AllowedOps) > 0 && !containsStar(rule.AllowedOps) {
		if !containsFold(rule.AllowedOps, cmdName) {
			return blockResult("operation-not-allowed", fmt.Sprintf("operation %s not in allowed list", cmdName))
		}
	}

	// 11. Procedure control.
	if res, blocked := evaluateProcedureControl(cfg.ProcedureControl, q.Procedure); blocked {
		return res
	}

	// 12. Schema protection.
	if cfg.DataProtection.BlockSchemaAccess {
		for _, tbl := range q.Parsed.Tables {
			name := strings.ToLower(tbl)
			schema, _, _ := strings.Cut(name, ".")
			if protectedSchemas[name] || protectedSchemas[schema] {
				return blockResult("schema-protected", fmt.Sprintf("access to %q is blocked", tbl))
			}
		}
	}

	// 13. Allow — optionally downgraded to Log for an unrestricted write.
	// The downgrade runs only where Allow would otherwise fire, so no Block
	// outcome above can ever be weakened by it.
	if cfg.SQLRules.WarnUnrestrictedWrites && !q.Parsed.HasWhereClause &&
		(q.Parsed.Tag == classifier.Update || q.Parsed.Tag == classifier.Delete) {
		return Result{
			Action:      Log,
			MatchedRule: "unrestricted-write",
			Reason:      fmt.Sprintf("%s with no WHERE clause", cmdName),
		}
	}

	return Result{
		Action:      Allow,
		MatchedRule: "access-rule:" + sc.User,
		Reason:      "matched access rule",
	}
}

// EvaluateError is invoked whenever the classifier failed to parse the SQL.
// It must return Block and must never be upgraded to Allow or Log under any
// condition, including internal errors — it is declared non-throwing.
func (e *Engine) EvaluateError(parseErr error) Result {
	reason := "SQL parse error"
	if parseErr != nil {
		reason = fmt.Sprintf("SQL parse error: %s", parseErr.Error())
	}
	return blockResult("parse-error", reason)
}

func selectAccessRule(rules []AccessRule, sc SessionContext) (AccessRule, bool) {
	for _, r := range rules {
		if !userMatches(r.User, sc.User) {
			continue
		}
		if !cidrMatches(r.SourceCIDR, sc.ClientIP) {
			continue
		}
		return r, true
	}
	return AccessRule{}, false
}

func userMatches(pattern, user string) bool {
	if pattern == "*" || pattern == "" {
		return pattern == "*"
	}
	if pattern == user {
		return true
	}
	matched, err := path.Match(pattern, user)
	return err == nil && matched
}

func cidrMatches(cidr, clientIP string) bool {
	if cidr == "" {
		return true
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	return network.Contains(ip)
}

func withinTimeWindow(tr TimeRestriction, now time.Time) (bool, error) {
	loc, err := time.LoadLocation(tr.Zone)
	if err != nil {
		return false, err
	}
	startMin, err := parseHHMM(tr.Start)
	if err != nil {
		return false, err
	}
	endMin, err := parseHHMM(tr.End)
	if err != nil {
		return false, err
	}

	local := now.In(loc)
	nowMin := local.Hour()*60 + local.Minute()

	if startMin <= endMin {
		return nowMin >= startMin && nowMin <= endMin, nil
	}
	// Crosses midnight: inclusive of both halves.
	return nowMin >= startMin || nowMin <= endMin, nil
}

func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("policy: malformed time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("policy: malformed hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("policy: malformed minute in %q", s)
	}
	return h*60 + m, nil
}

func containsStar(list []string) bool {
	return containsFold(list, "*")
}

func containsFold(list []string, needle string) bool {
	for _, v := range list {
		if strings.EqualFold(v, needle) {
			return true
		}
	}
	return false
}

func evaluateProcedureControl(pc ProcedureControl, info detect.ProcedureInfo) (Result, bool) {
	switch info.Tag {
	case detect.PrepareExecute:
		if pc.BlockDynamicSQL {
			return blockResult("procedure-control", "dynamic SQL is blocked"), true
		}

	case detect.Call:
		switch strings.ToLower(pc.Mode) {
		case "whitelist":
			if !containsFold(pc.Names, info.Name) {
				return blockResult("procedure-control", fmt.Sprintf("procedure %q not whitelisted", info.Name)), true
			}
		case "blacklist":
			if containsFold(pc.Names, info.Name) {
				return blockResult("procedure-control", fmt.Sprintf("procedure %q is blacklisted", info.Name)), true
			}
		}

	case detect.CreateProcedure, detect.AlterProcedure:
		if pc.BlockCreateAlter {
			return blockResult("procedure-control", "CREATE/ALTER PROCEDURE is blocked"), true
		}
	}
	return Result{}, false
}
