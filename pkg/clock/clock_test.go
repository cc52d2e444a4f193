package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	tf "github.com/spacetime-network/chronos/pkg/testhelpers/testflags"
)

func TestMockClock(t *testing.T) {
	tf.UnitTest(t)

	start := time.Unix(1600000000, 0)
	mc := NewMock(start)
	assert.Equal(t, uint64(1600000000), UnixSeconds(mc.Now()))

	mc.Add(90 * time.Second)
	assert.Equal(t, uint64(1600000090), UnixSeconds(mc.Now()))
	assert.True(t, FromUnixSeconds(1600000090).Equal(mc.Now()))
}

func TestSystemClock(t *testing.T) {
	tf.UnitTest(t)

	before := time.Now()
	now := NewSystemClock().Now()
	assert.False(t, now.Before(before))
	assert.Zero(t, UnixSeconds(time.Unix(-5, 0)))
}
