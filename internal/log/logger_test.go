package log

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerLevels(t *testing.T) {
	t.Parallel()

	var (
		buf bytes.Buffer
		lvl slog.LevelVar
	)
	lvl.Set(slog.LevelInfo)
	l := NewWithWriter(&buf, &lvl)

	l.Debug("hidden", "k", 1)
	assert.Empty(t, buf.String(), "debug output should be suppressed at INFO")

	l.Info("published", "key", "jquery/jquery@1.0.0")
	assert.Contains(t, buf.String(), "published")
	assert.Contains(t, buf.String(), "jquery/jquery@1.0.0")

	buf.Reset()
	lvl.Set(slog.LevelDebug)
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")

	buf.Reset()
	l.Error(errors.New("boom"), "publish failed")
	assert.Contains(t, buf.String(), "publish failed")
	assert.Contains(t, buf.String(), "boom")
}

func TestLoggerWith(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo).With("component", "lock")
	l.Info("acquired")
	assert.Contains(t, buf.String(), "component")
	assert.Contains(t, buf.String(), "lock")
}

func TestReplaceRecordAttributes(t *testing.T) {
	t.Parallel()

	src := &slog.Source{File: "/home/dev/go/src/" + modulePrefix + "internal/store/sql.go", Line: 42}
	got := replaceRecordAttributes(nil, slog.Any(slog.SourceKey, src))
	assert.Equal(t, "internal/store/sql.go", got.Value.Any().(*slog.Source).File)

	other := slog.String("msg", "unchanged")
	assert.Equal(t, other, replaceRecordAttributes(nil, other))
}
