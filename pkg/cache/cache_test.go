package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupInsert(t *testing.T) {
	c, err := NewMemoryCache(16, 1024)
	require.NoError(t, err)

	_, ok := c.Lookup("https://example.com/a.jpg-160-webp-80")
	assert.False(t, ok)

	c.Insert("https://example.com/a.jpg-160-webp-80", []byte("q80"))
	c.Insert("https://example.com/a.jpg-160-webp-90", []byte("q90!"))

	got, ok := c.Lookup("https://example.com/a.jpg-160-webp-80")
	assert.True(t, ok)
	assert.Equal(t, []byte("q80"), got)

	got, ok = c.Lookup("https://example.com/a.jpg-160-webp-90")
	assert.True(t, ok)
	assert.Equal(t, []byte("q90!"), got)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(7), c.Bytes())
}

func TestInsertOverwrites(t *testing.T) {
	c, err := NewMemoryCache(16, 1024)
	require.NoError(t, err)

	c.Insert("k", []byte("first"))
	c.Insert("k", []byte("second!"))
	c.Insert("k", []byte("second!"))

	got, ok := c.Lookup("k")
	assert.True(t, ok)
	assert.Equal(t, []byte("second!"), got)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(7), c.Bytes())
}

func TestEviction(t *testing.T) {
	testCases := []struct {
		name       string
		maxEntries int
		maxBytes   int64
		inserts    int
		valueSize  int
		expectLen  int
	}{
		{name: "by entries", maxEntries: 3, maxBytes: 1 << 20, inserts: 10, valueSize: 10, expectLen: 3},
		{name: "by bytes", maxEntries: 100, maxBytes: 50, inserts: 10, valueSize: 10, expectLen: 5},
		{name: "under both", maxEntries: 100, maxBytes: 1 << 20, inserts: 10, valueSize: 10, expectLen: 10},
	}

	for _, tC := range testCases {
		t.Run(tC.name, func(t *testing.T) {
			c, err := NewMemoryCache(tC.maxEntries, tC.maxBytes)
			require.NoError(t, err)

			for i := 0; i < tC.inserts; i++ {
				c.Insert(fmt.Sprintf("key-%d", i), make([]byte, tC.valueSize))
			}

			assert.Equal(t, tC.expectLen, c.Len())
			assert.Equal(t, int64(tC.expectLen*tC.valueSize), c.Bytes())
			assert.LessOrEqual(t, c.Bytes(), tC.maxBytes)

			// most recent insert survives, the oldest is gone
			_, ok := c.Lookup(fmt.Sprintf("key-%d", tC.inserts-1))
			assert.True(t, ok)
			if tC.expectLen < tC.inserts {
				_, ok = c.Lookup("key-0")
				assert.False(t, ok)
			}
		})
	}
}

func TestLookupRefreshesRecency(t *testing.T) {
	c, err := NewMemoryCache(2, 1024)
	require.NoError(t, err)

	c.Insert("a", []byte("a"))
	c.Insert("b", []byte("b"))
	_, ok := c.Lookup("a")
	require.True(t, ok)
	c.Insert("c", []byte("c"))

	_, ok = c.Lookup("a")
	assert.True(t, ok)
	_, ok = c.Lookup("b")
	assert.False(t, ok)
}

func TestOversizedValueNotStored(t *testing.T) {
	c, err := NewMemoryCache(4, 8)
	require.NoError(t, err)

	c.Insert("small", []byte("1234"))
	c.Insert("huge", make([]byte, 9))

	_, ok := c.Lookup("huge")
	assert.False(t, ok)
	_, ok = c.Lookup("small")
	assert.True(t, ok)
	assert.Equal(t, int64(4), c.Bytes())
}

func TestNewMemoryCacheValidation(t *testing.T) {
	_, err := NewMemoryCache(0, 10)
	assert.Error(t, err)
	_, err = NewMemoryCache(10, 0)
	assert.Error(t, err)
}

func TestConcurrentAccess(t *testing.T) {
	c, err := NewMemoryCache(64, 4096)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("key-%d", (i*j)%100)
				c.Insert(key, []byte(key))
				c.Lookup(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 64)
	assert.LessOrEqual(t, c.Bytes(), int64(4096))
}
