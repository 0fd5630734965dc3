package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEqualizer_PadsFastPath(t *testing.T) {
	eq := NewEqualizer(50 * time.Millisecond)

	start := time.Now()
	eq.PadFrom(start)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	// Upper bound: minimum plus full jitter, with scheduling slack.
	assert.Less(t, elapsed, 150*time.Millisecond)
}

func TestEqualizer_SkipsWhenWorkTookLonger(t *testing.T) {
	eq := NewEqualizer(20 * time.Millisecond)

	start := time.Now().Add(-time.Second)
	before := time.Now()
	eq.PadFrom(start)

	assert.Less(t, time.Since(before), 5*time.Millisecond)
}

func TestEqualizer_ZeroMinimumDisablesPadding(t *testing.T) {
	eq := NewEqualizer(0)

	before := time.Now()
	eq.PadFrom(time.Now())

	assert.Less(t, time.Since(before), 5*time.Millisecond)
}

func TestEqualizer_NilReceiverIsSafe(t *testing.T) {
	var eq *Equalizer
	eq.PadFrom(time.Now())
}
