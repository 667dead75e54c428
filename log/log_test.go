package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFacadeWritesThroughInstalledLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))

	Infof("board %d alive", 6)
	Errorf("board %d dead", 7)
	Debug("chips ", 63)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "board 6 alive", entries[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "chips 63", entries[2].Message)
}

func TestNamedLoggerCarriesName(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))

	Named("chain.8").Infof("state %s", "Running")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "chain.8", entries[0].LoggerName)
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	err := Configure(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestConfigureWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miner.log")
	require.NoError(t, Configure(Config{Level: "debug", Encoding: "json", File: path, MaxSizeMB: 1}))

	Infof("hello %s", "file")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}
