package clock

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvance(t *testing.T) {
	c := NewFake(1000)
	assert.EqualValues(t, 1000, c.NowMS64())
	c.Advance(500)
	assert.EqualValues(t, 1500, c.NowMS64())
}

func TestDeltaMS64AcrossWrap(t *testing.T) {
	// mark is just below the 32-bit wrap, now has wrapped past it in 64-bit
	// space; DeltaMS64 must still report the small, correct elapsed time.
	mark := int64(math.MaxUint32) - 100
	now := mark + 5000

	delta := DeltaMS64(now, mark)
	assert.EqualValues(t, 5000, delta)

	// The 32-bit truncated forms alias and must NOT be compared directly.
	fake := NewFake(now)
	wrapped := fake.NowMS()
	assert.NotEqual(t, now, int64(wrapped), "truncated form is expected to alias")
}

func TestNewMonotonicIsNonDecreasing(t *testing.T) {
	c := New()
	first := c.NowMS64()
	second := c.NowMS64()
	assert.GreaterOrEqual(t, second, first)
}
