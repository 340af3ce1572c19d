package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToUTC(t *testing.T) {
	c := New(nil)
	require.NotNil(t, c.Location)
	assert.Equal(t, time.UTC, c.Location)
}

func TestWallNowUsesConfiguredZone(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	c := New(loc)
	wall := c.WallNow()
	assert.Equal(t, loc, wall.Location())
}

func TestSleepRespectsDuration(t *testing.T) {
	c := New(nil)
	start := c.Now()
	<-c.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, c.Now().Sub(start), 10*time.Millisecond)
}
