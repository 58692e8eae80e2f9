package taskpool

import "testing"

func TestDebuggerEnabledExactMatch(t *testing.T) {
	d := NewDebugger([]string{"pool:breaker"})
	if !d.Enabled("pool:breaker") {
		t.Fatal("exact pattern should be enabled")
	}
	if d.Enabled("pool:queue") {
		t.Fatal("non-matching namespace should not be enabled")
	}
}

func TestDebuggerWildcardSegmentMatch(t *testing.T) {
	d := NewDebugger([]string{"pool:*"})
	if !d.Enabled("pool:breaker") {
		t.Fatal("wildcard segment should match any single segment")
	}
	if d.Enabled("pool:breaker:extra") {
		t.Fatal("wildcard pattern should not match a namespace with more segments")
	}
}

func TestDebuggerEmptyPatternsDisablesEverything(t *testing.T) {
	d := NewDebugger(nil)
	if d.Enabled("anything") {
		t.Fatal("no configured patterns should mean nothing is enabled")
	}
}

func TestDebuggerLogOnlyInvokesProduceWhenEnabled(t *testing.T) {
	d := NewDebugger([]string{"pool:*"})
	var captured string
	d.SetSink(func(namespace, msg string) { captured = msg })

	called := false
	d.Log("pool:breaker", func() string { called = true; return "hello" })
	if !called || captured != "hello" {
		t.Fatal("Log() should call produce and forward its result to the sink when enabled")
	}

	called = false
	captured = ""
	d.Log("other:thing", func() string { called = true; return "world" })
	if called || captured != "" {
		t.Fatal("Log() must not call produce for a disabled namespace")
	}
}
