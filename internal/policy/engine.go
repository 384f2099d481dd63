package policy

import (
	"sync"
	"sync/atomic"
)

// Engine holds an atomically-swappable Config. Evaluate acquires the
// current snapshot with a single atomic load at the start of the call and
// uses that reference for its entire duration, so a concurrent Reload
// never changes the config an in-flight evaluation observes.
type Engine struct {
	cfg atomic.Pointer[Config]
	wmu sync.Mutex // serializes Reload calls; reads never block on it
}

// NewEngine constructs an Engine. cfg may be nil, in which case every
// Evaluate call blocks with matched rule "no-config" until Reload is called.
func NewEngine(cfg *Config) *Engine {
	e := &Engine{}
	e.cfg.Store(cfg)
	return e
}

// Reload atomically replaces the policy document. A nil cfg is permitted
// and causes subsequent evaluations to Block — operational fail-close,
// e.g. while waiting for a corrected config to be pushed.
func (e *Engine) Reload(cfg *Config) {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	e.cfg.Store(cfg)
}

// Current returns the presently active config, or nil if none is loaded.
func (e *Engine) Current() *Config {
	return e.cfg.Load()
}
