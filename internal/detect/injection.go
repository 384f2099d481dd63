// Package detect implements the two detectors that run over a ParsedQuery
// (and, for injection, the raw SQL) before the policy engine sees it: a
// configurable regex-based injection detector and a procedure/dynamic-SQL
// detector. Neither detector blocks anything itself; each verdict feeds a
// dedicated step of the policy engine's evaluation pipeline, which is where
// the block decision is made.
package detect

import (
	"log/slog"
	"regexp"
)

// InjectionResult is the detector's verdict for one SQL string.
type InjectionResult struct {
	Detected bool
	Source   string // the regex source that matched, for audit logging only
	Reason   string
}

// InjectionDetector runs a configured set of case-insensitive regexes
// against raw SQL text. An empty compiled set is a misconfiguration the
// detector refuses to silently ignore: it enters fail-close active mode,
// in which every check reports detected=true and the evaluator's injection
// step blocks every query. This is deliberately redundant with the config
// loader's own empty-pattern rejection; defense in depth in case the
// loader is ever bypassed.
type InjectionDetector struct {
	patterns []*regexp.Regexp
}

// NewInjectionDetector compiles each source case-insensitively. A source
// that fails to compile is logged and skipped rather than rejecting the
// whole set. If zero patterns are loaded, Check will report a detection on
// every call.
func NewInjectionDetector(sources []string, logger *slog.Logger) *InjectionDetector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &InjectionDetector{}
	for _, src := range sources {
		re, err := regexp.Compile("(?i)" + src)
		if err != nil {
			logger.Warn("injection detector: skipping invalid pattern", "pattern", src, "error", err)
			continue
		}
		d.patterns = append(d.patterns, re)
	}
	return d
}

// Check reports the first matching pattern, if any. With zero compiled
// patterns it always reports a detection (fail-close active mode).
func (d *InjectionDetector) Check(sql string) InjectionResult {
	if len(d.patterns) == 0 {
		return InjectionResult{
			Detected: true,
			Reason:   "no valid patterns loaded",
		}
	}
	for _, re := range d.patterns {
		if re.MatchString(sql) {
			return InjectionResult{
				Detected: true,
				Source:   re.String(),
				Reason:   "matched injection pattern",
			}
		}
	}
	return InjectionResult{Detected: false}
}
