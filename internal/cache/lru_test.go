package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var evicted []string
	c := NewLRU[string, int](2, clk, func(k string, _ int) { evicted = append(evicted, k) })
	exp := clk.Now().Add(time.Hour)

	c.Set("a", 1, exp)
	c.Set("b", 2, exp)
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Set("c", 3, exp)

	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, 2, c.Len())
}

func TestLRUExpiry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC))
	c := NewLRU[string, string](10, clk, nil)
	c.Set("k", "v", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))

	clk.Advance(59 * time.Minute)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clk.Advance(time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUDeleteFunc(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := NewLRU[string, string](10, clk, nil)
	exp := clk.Now().Add(time.Hour)
	c.Set("t1|a", "t1", exp)
	c.Set("t1|b", "t1", exp)
	c.Set("t2|a", "t2", exp)

	removed := c.DeleteFunc(func(_ string, tenant string) bool { return tenant == "t1" })
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Delete("t2|a"))
	assert.False(t, c.Delete("t2|a"))
}

func TestLRUConcurrentAccess(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := NewLRU[int, int](8, clk, nil)
	exp := clk.Now().Add(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set(j%12, i, exp)
				c.Get(j % 12)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 8)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "acme|aws", Key(" ACME ", "", "aws"))
}
