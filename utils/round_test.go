package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRound2(t *testing.T) {
	assert.InDelta(t, 3.14, Round2(3.14159), 1e-9)
	assert.InDelta(t, 7.9, Round2(7.899), 1e-9)
	assert.InDelta(t, -2.5, Round2(-2.499), 1e-9)
	assert.Zero(t, Round2(0))
}

func TestRound4(t *testing.T) {
	assert.InDelta(t, 0.3333, Round4(1.0/3.0), 1e-9)
	assert.InDelta(t, 5.0, Round4(5.0), 1e-9)
	assert.InDelta(t, 12.3457, Round4(12.345678), 1e-9)
}
