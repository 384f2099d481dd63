// Package policyconfig loads the YAML policy document consumed by
// internal/policy and watches it for changes, following the same
// read-substitute-unmarshal-validate pipeline and fsnotify-debounced
// watcher the upstream configuration loader uses for its own YAML file.
package policyconfig

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sqlguard/sqlguard/internal/policy"
)

// document is the on-disk YAML shape. Its fields map onto policy.Config's
// in-memory shape; the two are kept distinct so YAML tags never leak into
// the evaluation package.
type document struct {
	Global struct {
		LogLevel           string `yaml:"log_level"`
		MaxConnections     int    `yaml:"max_connections"`
		IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
	} `yaml:"global"`

	AccessControl []struct {
		User            string   `yaml:"user"`
		SourceCIDR      string   `yaml:"source_ip_cidr"`
		AllowedTables   []string `yaml:"allowed_tables"`
		AllowedOps      []string `yaml:"allowed_operations"`
		BlockedOps      []string `yaml:"blocked_operations"`
		TimeRestriction *struct {
			Range string `yaml:"range"`
			Zone  string `yaml:"zone"`
		} `yaml:"time_restriction"`
	} `yaml:"access_control"`

	SQLRules struct {
		BlockStatements        []string `yaml:"block_statements"`
		BlockPatterns          []string `yaml:"block_patterns"`
		WarnUnrestrictedWrites bool     `yaml:"warn_unrestricted_writes"`
	} `yaml:"sql_rules"`

	ProcedureControl struct {
		Mode             string   `yaml:"mode"`
		Names            []string `yaml:"names"`
		BlockDynamicSQL  bool     `yaml:"block_dynamic_sql"`
		BlockCreateAlter bool     `yaml:"block_create_alter"`
	} `yaml:"procedure_control"`

	DataProtection struct {
		MaxResultRows     int  `yaml:"max_result_rows"`
		BlockSchemaAccess bool `yaml:"block_schema_access"`
	} `yaml:"data_protection"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// timeRangePattern matches the "HH:MM-HH:MM" range syntax; actual bounds
// checking happens in the policy package at evaluation time, this only
// rejects unparsable documents at load time.
var timeRangePattern = regexp.MustCompile(`^\d{2}:\d{2}-\d{2}:\d{2}$`)

// Load reads, env-substitutes, parses and validates a policy YAML document,
// returning the in-memory policy.Config the engine consumes.
func Load(path string) (*policy.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	data = substituteEnvVars(data)

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}

	if err := validate(&doc); err != nil {
		return nil, fmt.Errorf("validating policy file: %w", err)
	}

	return toConfig(&doc), nil
}

func validate(doc *document) error {
	// Invariant from the policy document contract: an empty block-patterns
	// list is rejected at load time rather than silently allowed through.
	if len(doc.SQLRules.BlockPatterns) == 0 {
		return fmt.Errorf("sql_rules.block_patterns must be non-empty")
	}
	for i, rule := range doc.AccessControl {
		if rule.User == "" {
			return fmt.Errorf("access_control[%d]: user is required", i)
		}
		if rule.TimeRestriction != nil {
			if !timeRangePattern.MatchString(rule.TimeRestriction.Range) {
				return fmt.Errorf("access_control[%d]: time_restriction.range %q must be HH:MM-HH:MM", i, rule.TimeRestriction.Range)
			}
			if rule.TimeRestriction.Zone == "" {
				return fmt.Errorf("access_control[%d]: time_restriction.zone is required", i)
			}
		}
	}
	switch doc.ProcedureControl.Mode {
	case "", "whitelist", "blacklist":
	default:
		return fmt.Errorf("procedure_control.mode %q must be whitelist or blacklist", doc.ProcedureControl.Mode)
	}
	return nil
}

func toConfig(doc *document) *policy.Config {
	cfg := &policy.Config{
		Global: policy.GlobalSettings{
			LogLevel:           doc.Global.LogLevel,
			MaxConnections:     doc.Global.MaxConnections,
			IdleTimeoutSeconds: doc.Global.IdleTimeoutSeconds,
		},
		SQLRules: policy.SQLRules{
			BlockStatements:        doc.SQLRules.BlockStatements,
			BlockPatterns:          doc.SQLRules.BlockPatterns,
			WarnUnrestrictedWrites: doc.SQLRules.WarnUnrestrictedWrites,
		},
		ProcedureControl: policy.ProcedureControl{
			Mode:             doc.ProcedureControl.Mode,
			Names:            doc.ProcedureControl.Names,
			BlockDynamicSQL:  doc.ProcedureControl.BlockDynamicSQL,
			BlockCreateAlter: doc.ProcedureControl.BlockCreateAlter,
		},
		DataProtection: policy.DataProtection{
			MaxResultRows:     doc.DataProtection.MaxResultRows,
			BlockSchemaAccess: doc.DataProtection.BlockSchemaAccess,
		},
	}

	for _, rule := range doc.AccessControl {
		ar := policy.AccessRule{
			User:          rule.User,
			SourceCIDR:    rule.SourceCIDR,
			AllowedTables: rule.AllowedTables,
			AllowedOps:    rule.AllowedOps,
			BlockedOps:    rule.BlockedOps,
		}
		if rule.TimeRestriction != nil {
			start, end := splitRange(rule.TimeRestriction.Range)
			ar.TimeRestriction = &policy.TimeRestriction{
				Start: start,
				End:   end,
				Zone:  rule.TimeRestriction.Zone,
			}
		}
		cfg.AccessControl = append(cfg.AccessControl, ar)
	}

	return cfg
}

func splitRange(r string) (start, end string) {
	// validate already confirmed the HH:MM-HH:MM shape.
	return r[:5], r[6:]
}

// Watcher watches the policy file for changes and reloads the given engine
// on a debounced basis.
type Watcher struct {
	path    string
	engine  *policy.Engine
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	stopCh  chan struct{}

	// OnApply, if set, runs after each successful reload with the config
	// that was just swapped in. Used to apply global settings (log level)
	// that live outside the engine. Set it before the first reload fires.
	OnApply func(*policy.Config)
}

// NewWatcher starts watching path and calling engine.Reload on change.
func NewWatcher(path string, engine *policy.Engine) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating policy file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching policy file: %w", err)
	}

	pw := &Watcher{
		path:    path,
		engine:  engine,
		watcher: w,
		stopCh:  make(chan struct{}),
	}
	go pw.run()
	return pw, nil
}

func (pw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, pw.reload)
			}
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[policyconfig] watcher error: %v", err)
		case <-pw.stopCh:
			return
		}
	}
}

// Reload re-reads the policy file and swaps it into the engine. On failure
// the previous config is retained and a warning is logged — a reload never
// falls back to allow-all.
func (pw *Watcher) Reload() {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	cfg, err := Load(pw.path)
	if err != nil {
		log.Printf("[policyconfig] reload failed, retaining current policy: %v", err)
		return
	}
	pw.engine.Reload(cfg)
	if pw.OnApply != nil {
		pw.OnApply(cfg)
	}
	log.Printf("[policyconfig] policy reloaded from %s", pw.path)
}

func (pw *Watcher) reload() { pw.Reload() }

// Stop stops the watcher.
func (pw *Watcher) Stop() error {
	close(pw.stopCh)
	return pw.watcher.Close()
}
