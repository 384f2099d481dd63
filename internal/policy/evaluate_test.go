package policy

import (
	"testing"
	"time"

	"github.com/sqlguard/sqlguard/internal/classifier"
	"github.com/sqlguard/sqlguard/internal/detect"
)

func mustClassify(t *testing.T, sql string) classifier.ParsedQuery {
	t.Helper()
	pq, err := classifier.Classify(sql)
	if err != nil {
		t.Fatalf("classify(%q): %v", sql, err)
	}
	return pq
}

func TestEvaluateNullConfigBlocks(t *testing.T) {
	e := NewEngine(nil)
	res := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT 1")}, SessionContext{User: "alice"})
	if res.Action != Block || res.MatchedRule != "no-config" {
		t.Fatalf("result = %+v", res)
	}
}

func TestEvaluateUnknownCommandBlocks(t *testing.T) {
	e := NewEngine(&Config{})
	pq := classifier.ParsedQuery{Tag: classifier.Unknown}
	res := e.Evaluate(Query{Parsed: pq}, SessionContext{User: "alice"})
	if res.Action != Block || res.MatchedRule != "unknown-command" {
		t.Fatalf("result = %+v", res)
	}
}

func permissiveConfig() *Config {
	return &Config{
		AccessControl: []AccessRule{
			{User: "*", AllowedTables: []string{"*"}, AllowedOps: []string{"*"}},
		},
	}
}

func TestEvaluateAllowPath(t *testing.T) {
	e := NewEngine(permissiveConfig())
	res := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT 1")}, SessionContext{User: "alice"})
	if res.Action != Allow {
		t.Fatalf("result = %+v", res)
	}
}

func TestEvaluateBlockByStatement(t *testing.T) {
	cfg := permissiveConfig()
	cfg.SQLRules.BlockStatements = []string{"DROP"}
	e := NewEngine(cfg)
	res := e.Evaluate(Query{Parsed: mustClassify(t, "DROP TABLE users")}, SessionContext{User: "alice"})
	if res.Action != Block || res.MatchedRule != "block-statement" {
		t.Fatalf("result = %+v", res)
	}
}

func TestEvaluateBlockByPattern(t *testing.T) {
	cfg := permissiveConfig()
	cfg.SQLRules.BlockPatterns = []string{`union\s+select`}
	e := NewEngine(cfg)
	res := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT 1 UNION SELECT 2")}, SessionContext{User: "alice"})
	if res.Action != Block || res.MatchedRule != "block-pattern" {
		t.Fatalf("result = %+v", res)
	}
}

func TestEvaluateInjectionVerdictBlocks(t *testing.T) {
	e := NewEngine(permissiveConfig())
	res := e.Evaluate(Query{
		Parsed:    mustClassify(t, "SELECT 1"),
		Injection: detect.InjectionResult{Detected: true, Reason: "matched injection pattern"},
	}, SessionContext{User: "alice"})
	if res.Action != Block || res.MatchedRule != "injection-pattern" {
		t.Fatalf("result = %+v", res)
	}
}

func TestEvaluateEmptyDetectorSetBlocksEveryQuery(t *testing.T) {
	// An empty pattern set puts the detector in fail-close active mode;
	// every verdict it produces must translate into a Block even though
	// the config's own block_patterns list has nothing to match.
	e := NewEngine(permissiveConfig())
	d := detect.NewInjectionDetector(nil, nil)
	res := e.Evaluate(Query{
		Parsed:    mustClassify(t, "SELECT 1"),
		Injection: d.Check("SELECT 1"),
	}, SessionContext{User: "alice"})
	if res.Action != Block || res.MatchedRule != "injection-pattern" {
		t.Fatalf("result = %+v", res)
	}
}

func TestEvaluateNoAccessRuleBlocks(t *testing.T) {
	cfg := &Config{AccessControl: []AccessRule{{User: "bob"}}}
	e := NewEngine(cfg)
	res := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT 1")}, SessionContext{User: "alice"})
	if res.Action != Block || res.MatchedRule != "no-access-rule" {
		t.Fatalf("result = %+v", res)
	}
}

func TestEvaluateBlockedOperationTakesPrecedence(t *testing.T) {
	cfg := &Config{AccessControl: []AccessRule{
		{User: "*", AllowedTables: []string{"*"}, AllowedOps: []string{"*"}, BlockedOps: []string{"DELETE"}},
	}}
	e := NewEngine(cfg)
	res := e.Evaluate(Query{Parsed: mustClassify(t, "DELETE FROM users")}, SessionContext{User: "alice"})
	if res.Action != Block || res.MatchedRule != "blocked-operation" {
		t.Fatalf("result = %+v", res)
	}
}

func TestEvaluateAllowedTablesEnforced(t *testing.T) {
	cfg := &Config{AccessControl: []AccessRule{
		{User: "*", AllowedTables: []string{"orders"}, AllowedOps: []string{"*"}},
	}}
	e := NewEngine(cfg)

	res := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT * FROM orders")}, SessionContext{User: "alice"})
	if res.Action != Allow {
		t.Fatalf("result = %+v, want Allow for orders", res)
	}

	res2 := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT * FROM secrets")}, SessionContext{User: "alice"})
	if res2.Action != Block || res2.MatchedRule != "table-not-allowed" {
		t.Fatalf("result = %+v, want table-not-allowed", res2)
	}
}

func TestEvaluateAllowedOperationsEnforced(t *testing.T) {
	cfg := &Config{AccessControl: []AccessRule{
		{User: "*", AllowedTables: []string{"*"}, AllowedOps: []string{"SELECT"}},
	}}
	e := NewEngine(cfg)

	res := e.Evaluate(Query{Parsed: mustClassify(t, "INSERT INTO orders (id) VALUES (1)")}, SessionContext{User: "alice"})
	if res.Action != Block || res.MatchedRule != "operation-not-allowed" {
		t.Fatalf("result = %+v", res)
	}
}

func TestEvaluateSchemaProtection(t *testing.T) {
	cfg := &Config{
		AccessControl:  []AccessRule{{User: "*", AllowedTables: []string{"*"}, AllowedOps: []string{"*"}}},
		DataProtection: DataProtection{BlockSchemaAccess: true},
	}
	e := NewEngine(cfg)
	res := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT * FROM mysql.user")}, SessionContext{User: "alice"})
	if res.Action != Block || res.MatchedRule != "schema-protected" {
		t.Fatalf("result = %+v", res)
	}
}

func TestEvaluateProcedureControlWhitelist(t *testing.T) {
	cfg := &Config{
		AccessControl: []AccessRule{{User: "*", AllowedTables: []string{"*"}, AllowedOps: []string{"*"}}},
		ProcedureControl: ProcedureControl{
			Mode:  "whitelist",
			Names: []string{"reset_password"},
		},
	}
	e := NewEngine(cfg)
	pq := mustClassify(t, "CALL reset_password(1)")
	info := detect.Inspect(pq)

	res := e.Evaluate(Query{Parsed: pq, Procedure: info}, SessionContext{User: "alice"})
	if res.Action != Allow {
		t.Fatalf("result = %+v, want Allow for whitelisted procedure", res)
	}

	pq2 := mustClassify(t, "CALL drop_everything(1)")
	info2 := detect.Inspect(pq2)
	res2 := e.Evaluate(Query{Parsed: pq2, Procedure: info2}, SessionContext{User: "alice"})
	if res2.Action != Block || res2.MatchedRule != "procedure-control" {
		t.Fatalf("result = %+v, want Block for non-whitelisted procedure", res2)
	}
}

func TestEvaluateProcedureControlBlocksDynamicSQL(t *testing.T) {
	cfg := &Config{
		AccessControl:    []AccessRule{{User: "*", AllowedTables: []string{"*"}, AllowedOps: []string{"*"}}},
		ProcedureControl: ProcedureControl{BlockDynamicSQL: true},
	}
	e := NewEngine(cfg)
	pq := mustClassify(t, "PREPARE stmt1 FROM 'SELECT 1'")
	info := detect.Inspect(pq)
	res := e.Evaluate(Query{Parsed: pq, Procedure: info}, SessionContext{User: "alice"})
	if res.Action != Block || res.MatchedRule != "procedure-control" {
		t.Fatalf("result = %+v", res)
	}
}

func TestEvaluateTimeRestrictionMidnightCrossing(t *testing.T) {
	cfg := &Config{
		AccessControl: []AccessRule{{
			User: "*", AllowedTables: []string{"*"}, AllowedOps: []string{"*"},
			TimeRestriction: &TimeRestriction{Start: "22:00", End: "02:00", Zone: "UTC"},
		}},
	}
	e := NewEngine(cfg)

	// 23:30 UTC is within the 22:00-02:00 window.
	evening := time.Date(2026, 7, 29, 23, 30, 0, 0, time.UTC)
	res := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT 1")}, SessionContext{User: "alice", Now: evening})
	if res.Action != Allow {
		t.Fatalf("result = %+v, want Allow at 23:30", res)
	}

	// 12:00 UTC is outside the window.
	midday := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	res2 := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT 1")}, SessionContext{User: "alice", Now: midday})
	if res2.Action != Block || res2.MatchedRule != "time-restriction" {
		t.Fatalf("result = %+v, want Block at 12:00", res2)
	}
}

func TestEvaluateTimeRestrictionBadZoneBlocks(t *testing.T) {
	cfg := &Config{
		AccessControl: []AccessRule{{
			User: "*", AllowedTables: []string{"*"}, AllowedOps: []string{"*"},
			TimeRestriction: &TimeRestriction{Start: "00:00", End: "23:59", Zone: "Not/AZone"},
		}},
	}
	e := NewEngine(cfg)
	res := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT 1")}, SessionContext{User: "alice", Now: time.Now()})
	if res.Action != Block || res.MatchedRule != "time-restriction" {
		t.Fatalf("result = %+v, want Block on bad zone", res)
	}
}

func TestEvaluateUnrestrictedWriteDowngradesToLog(t *testing.T) {
	cfg := permissiveConfig()
	cfg.SQLRules.WarnUnrestrictedWrites = true
	e := NewEngine(cfg)

	res := e.Evaluate(Query{Parsed: mustClassify(t, "DELETE FROM orders")}, SessionContext{User: "alice"})
	if res.Action != Log || res.MatchedRule != "unrestricted-write" {
		t.Fatalf("result = %+v, want Log/unrestricted-write for no-WHERE DELETE", res)
	}

	res2 := e.Evaluate(Query{Parsed: mustClassify(t, "DELETE FROM orders WHERE id = 1")}, SessionContext{User: "alice"})
	if res2.Action != Allow {
		t.Fatalf("result = %+v, want Allow for DELETE with WHERE", res2)
	}

	res3 := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT * FROM orders")}, SessionContext{User: "alice"})
	if res3.Action != Allow {
		t.Fatalf("result = %+v, want Allow for SELECT regardless of WHERE", res3)
	}
}

func TestEvaluateUnrestrictedWriteNeverWeakensBlock(t *testing.T) {
	cfg := permissiveConfig()
	cfg.SQLRules.WarnUnrestrictedWrites = true
	cfg.SQLRules.BlockStatements = []string{"DELETE"}
	e := NewEngine(cfg)

	res := e.Evaluate(Query{Parsed: mustClassify(t, "DELETE FROM orders")}, SessionContext{User: "alice"})
	if res.Action != Block || res.MatchedRule != "block-statement" {
		t.Fatalf("result = %+v, want the statement Block to win over the Log downgrade", res)
	}
}

func TestEvaluateErrorAlwaysBlocks(t *testing.T) {
	e := NewEngine(permissiveConfig())
	res := e.EvaluateError(nil)
	if res.Action != Block {
		t.Fatalf("EvaluateError action = %v, want Block", res.Action)
	}
}

func TestEvaluationOrderMonotonicity(t *testing.T) {
	// Inserting a higher-priority Block rule must never turn a previously
	// Blocked query into Allow.
	cfg := &Config{AccessControl: []AccessRule{{User: "bob"}}}
	e := NewEngine(cfg)
	before := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT 1")}, SessionContext{User: "alice"})
	if before.Action != Block {
		t.Fatalf("expected Block before reload, got %+v", before)
	}

	cfg2 := &Config{
		SQLRules:      SQLRules{BlockStatements: []string{"SELECT"}},
		AccessControl: []AccessRule{{User: "*", AllowedTables: []string{"*"}, AllowedOps: []string{"*"}}},
	}
	e.Reload(cfg2)
	after := e.Evaluate(Query{Parsed: mustClassify(t, "SELECT 1")}, SessionContext{User: "alice"})
	if after.Action != Block {
		t.Fatalf("expected Block after reload, got %+v", after)
	}
}

func TestReloadIsRaceSafeAcrossGoroutines(t *testing.T) {
	e := NewEngine(permissiveConfig())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			e.Reload(permissiveConfig())
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		e.Evaluate(Query{Parsed: mustClassify(t, "SELECT 1")}, SessionContext{User: "alice"})
	}
	<-done
}
