package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s9_miner/config"
)

func TestPrintTiming(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printTiming(&out, config.Default()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "hashboard 6 on /dev/ttyS1")
	assert.Contains(t, lines[0], "divisor 1, actual 1562500")
	assert.Contains(t, lines[0], "reg 0x00680221")
	assert.Contains(t, lines[0], "36296 ticks")
}

func TestPrintTimingBadBaud(t *testing.T) {
	cfg := config.Default()
	cfg.Chains[0].BaudRate = 3_500_000
	assert.Error(t, printTiming(&bytes.Buffer{}, cfg))
}

func TestLoadConfigFlags(t *testing.T) {
	require.NoError(t, rootCmd.Flags().Set("log-level", "debug"))
	require.NoError(t, rootCmd.Flags().Set("metrics-listen", ":9999"))
	defer func() {
		rootCmd.Flags().Set("log-level", "")
		rootCmd.Flags().Set("metrics-listen", "")
	}()

	cfg, err := loadConfig(rootCmd)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9999", cfg.Metrics.Listen)
}
