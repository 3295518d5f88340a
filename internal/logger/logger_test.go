package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"namingd/internal/config"
)

func TestNew_JSONLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithStdout(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	l.Named("push").Info("ignored")
	l.Named("push").Warn("推送暂时失败", zap.String("clientId", "c1"))
	require.NoError(t, l.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "push", entry["logger"])
	assert.Equal(t, "c1", entry["clientId"])
}

func TestNew_RotatingFile(t *testing.T) {
	dir := t.TempDir()
	l, err := newWithStdout(config.LogConfig{Level: "info", Format: "console", Dir: dir}, &bytes.Buffer{})
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Sync())

	matches, err := filepath.Glob(filepath.Join(dir, "namingd-*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	body, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), "hello")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("whatever"))
}

func TestNewRaftLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewRaftLogger(config.LogConfig{Level: "warn"}, &buf)
	assert.Equal(t, hclog.Warn, l.GetLevel())
	assert.Equal(t, "raft", l.Name())

	l.Info("dropped")
	l.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}
