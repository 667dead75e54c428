package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPowerOf2(t *testing.T) {
	assert.True(t, IsPowerOf2(1))
	assert.True(t, IsPowerOf2(64))
	assert.False(t, IsPowerOf2(0))
	assert.False(t, IsPowerOf2(48))

	assert.Equal(t, uint64(0), ClosestPowerOf2(0))
	assert.Equal(t, uint64(1), ClosestPowerOf2(1))
	assert.Equal(t, uint64(32), ClosestPowerOf2(48))
	assert.Equal(t, uint64(64), ClosestPowerOf2(64))
	assert.Equal(t, uint64(1)<<63, ClosestPowerOf2(^uint64(0)))
}

func TestUptime(t *testing.T) {
	assert.Equal(t, 0.01, UptimeInSec(5, 10))
	assert.Equal(t, 2.5, UptimeInSec(12.5, 10))
	assert.NotEmpty(t, UptimeInString())
}
