package logger

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	if l := New("prod", ""); l.Desugar().Core().Enabled(zap.DebugLevel) {
		t.Error("prod logger should not enable debug")
	}
	if l := New("dev", ""); !l.Desugar().Core().Enabled(zap.DebugLevel) {
		t.Error("dev logger should enable debug")
	}
	if l := New("prod", "debug"); !l.Desugar().Core().Enabled(zap.DebugLevel) {
		t.Error("level override ignored")
	}
	if l := New("dev", "bogus"); l == nil {
		t.Error("nil logger")
	}
}
