package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry in memory for assertions.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger returns a TestLogger that records Debug and above.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(zapcore.DebugLevel)
	return &TestLogger{Logger: &Logger{zap: zap.New(core)}, logs: logs}
}

// All returns the recorded entries.
func (t *TestLogger) All() []observer.LoggedEntry { return t.logs.All() }

// Reset discards the recorded entries.
func (t *TestLogger) Reset() { t.logs.TakeAll() }

func (t *TestLogger) find(level zapcore.Level, msg string) []observer.LoggedEntry {
	var out []observer.LoggedEntry
	for _, e := range t.logs.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			out = append(out, e)
		}
	}
	return out
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if len(t.find(level, msg)) == 0 {
		tb.Errorf("no %s entry containing %q in %d recorded entries", level, msg, len(t.logs.All()))
	}
}

// AssertNotLogged fails tb if an entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if n := len(t.find(level, msg)); n > 0 {
		tb.Errorf("found %d unexpected %s entries containing %q", n, level, msg)
	}
}

// AssertField fails tb unless an entry with message msg carries key=want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.logs.FilterMessage(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && got == want {
			return
		}
	}
	tb.Errorf("no entry %q with field %s=%v", msg, key, want)
}

// AssertTraceCorrelation fails tb unless entry msg carries a trace id.
func (t *TestLogger) AssertTraceCorrelation(tb testing.TB, msg string) {
	tb.Helper()
	for _, e := range t.logs.FilterMessage(msg).All() {
		if _, ok := e.ContextMap()["trace_id"]; ok {
			return
		}
	}
	tb.Errorf("entry %q has no trace_id", msg)
}

// AssertNoSecrets fails tb if a recorded message or string field matches
// one of the default redaction patterns.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	patterns, err := compilePatterns(NewDefaultConfig().Redaction.Patterns)
	if err != nil {
		tb.Fatal(err)
	}
	for _, e := range t.logs.All() {
		values := []string{e.Message}
		for _, f := range e.Context {
			if f.Type == zapcore.StringType {
				values = append(values, f.String)
			}
		}
		for _, v := range values {
			for _, re := range patterns {
				if re.MatchString(v) {
					tb.Errorf("entry %q leaks a secret matching %s", e.Message, re)
				}
			}
		}
	}
}
