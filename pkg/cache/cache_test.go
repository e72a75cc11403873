package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetSetRoundTrip(t *testing.T) {
	c := New(DefaultStatsTTL)
	c.Set("host1", 42, DefaultStatsTTL)

	v, ok := c.Get("host1")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestGetMissingKey(t *testing.T) {
	c := New(DefaultStatsTTL)
	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.Set("k", "v", 20*time.Millisecond)

	time.Sleep(60 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	c := New(DefaultStatsTTL)
	c.Set("k", "v", DefaultStatsTTL)
	c.Delete("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
}
