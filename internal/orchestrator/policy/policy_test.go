package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, 10, c.Rounds.MaxRounds)
	assert.True(t, c.Sessions.TeardownOnDone)
	assert.Positive(t, c.Dispatch.DefaultTimeout)
}

func TestValidate_FixesOutOfRange(t *testing.T) {
	c := &Config{}
	c.Dispatch.DefaultTimeout = -time.Second
	c.Dispatch.MaxConcurrency = -1
	require.NoError(t, c.Validate())

	assert.Equal(t, 10, c.Rounds.MaxRounds)
	assert.Equal(t, 10*time.Minute, c.Dispatch.DefaultTimeout)
	assert.Equal(t, 8, c.Dispatch.MaxConcurrency)
	assert.Equal(t, 64, c.Dispatch.InboxBuffer)
	assert.Equal(t, 100, c.Events.BufferSize)
}

func TestValidate_KeepsValidValues(t *testing.T) {
	c := Default()
	c.Rounds.MaxRounds = 5
	c.Dispatch.DefaultTimeout = 0
	require.NoError(t, c.Validate())
	assert.Equal(t, 5, c.Rounds.MaxRounds)
	assert.Zero(t, c.Dispatch.DefaultTimeout)
}
