package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRAMEvictsLeastRecentlyUsed(t *testing.T) {
	c := newRAMCache(10)
	c.Put("a", []byte("aaaa"))
	c.Put("b", []byte("bbbb"))

	_, _ = c.Get("a") // a is now most recent
	c.Put("c", []byte("cccc"))

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
	assert.Equal(t, int64(8), c.TotalSize())
}

func TestRAMSkipsOversizedPayload(t *testing.T) {
	c := newRAMCache(4)
	c.Put("big", []byte("too large"))
	_, ok := c.Get("big")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestRAMReplaceUpdatesTotal(t *testing.T) {
	c := newRAMCache(100)
	c.Put("k", []byte("12345"))
	c.Put("k", []byte("12"))
	assert.Equal(t, int64(2), c.TotalSize())
	assert.Equal(t, 1, c.Len())

	c.Delete("k")
	assert.Equal(t, int64(0), c.TotalSize())
	c.Delete("k")
}

func TestRAMFillSkipsAfterWrite(t *testing.T) {
	c := newRAMCache(100)
	gen := c.Gen()
	c.Put("k", []byte("new"))
	assert.False(t, c.Fill("k", []byte("old"), gen))
	got, _ := c.Get("k")
	assert.Equal(t, "new", string(got))

	gen = c.Gen()
	c.Delete("k")
	assert.False(t, c.Fill("k", []byte("new"), gen))
	_, ok := c.Get("k")
	assert.False(t, ok)

	assert.True(t, c.Fill("k", []byte("fresh"), c.Gen()))
	got, _ = c.Get("k")
	assert.Equal(t, "fresh", string(got))
}
