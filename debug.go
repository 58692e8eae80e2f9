package taskpool

import (
	"context"
	"strings"
	"sync"

	"github.com/zoobzio/capitan"
)

// DebugSink receives an already-enabled debug line. The default sink
// forwards it to capitan as a Signal named after the namespace, so
// enabling a namespace and subscribing to capitan signals compose rather
// than compete.
type DebugSink func(namespace string, msg string)

// Debugger implements namespaced, wildcard-matched, zero-cost-when-disabled
// debug channels. No example in the retrieval pack implements this exact
// namespace/wildcard/lazy contract, so this piece is hand-rolled against
// the standard library rather than grounded on a pack dependency.
type Debugger struct {
	mu       sync.RWMutex
	patterns []string
	sink     DebugSink
}

// NewDebugger builds a Debugger enabled for the given patterns (e.g.
// "pool:*", "pool:breaker", "*:error"). A nil or empty pattern list
// disables every namespace.
func NewDebugger(patterns []string) *Debugger {
	d := &Debugger{patterns: append([]string(nil), patterns...)}
	d.sink = func(namespace, msg string) {
		capitan.Info(context.Background(), capitan.Signal(namespace), FieldError.Field(msg))
	}
	return d
}

// SetSink overrides the default capitan-forwarding sink.
func (d *Debugger) SetSink(sink DebugSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// Enabled reports whether namespace matches any configured pattern.
func (d *Debugger) Enabled(namespace string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.patterns {
		if matchNamespace(p, namespace) {
			return true
		}
	}
	return false
}

// Log calls produce, the lazy message producer, and emits the result only
// if namespace is enabled. produce is never invoked when the namespace is
// disabled, so disabled calls cost one Enabled check and nothing else.
func (d *Debugger) Log(namespace string, produce func() string) {
	if !d.Enabled(namespace) {
		return
	}
	d.mu.RLock()
	sink := d.sink
	d.mu.RUnlock()
	if sink != nil {
		sink(namespace, produce())
	}
}

// matchNamespace reports whether pattern matches namespace under the
// ":"-separated wildcard rules: a "*" segment matches exactly one segment,
// and pattern/namespace must have the same segment count.
func matchNamespace(pattern, namespace string) bool {
	if pattern == namespace {
		return true
	}
	pSegs := strings.Split(pattern, ":")
	nSegs := strings.Split(namespace, ":")
	if len(pSegs) != len(nSegs) {
		return false
	}
	for i, p := range pSegs {
		if p == "*" {
			continue
		}
		if p != nSegs[i] {
			return false
		}
	}
	return true
}
