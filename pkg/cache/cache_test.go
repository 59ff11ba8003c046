package cache

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagate/pkg/logger"
)

func body(n int) []byte {
	return bytes.Repeat([]byte{'x'}, n)
}

func TestTenByteScenario(t *testing.T) {
	c := New(10)

	require.True(t, c.Put("a", body(6), "image/jpeg"))
	require.True(t, c.Put("b", body(6), "image/jpeg"))

	_, ok := c.Get("a")
	assert.False(t, ok, "a should have been evicted")
	e, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", e.ContentType)
	assert.Equal(t, int64(6), c.Bytes())
	assert.Equal(t, 1, c.Len())
}

func TestLRUOrder(t *testing.T) {
	const s = 4
	c := New(2 * s)

	c.Put("A", body(s), "image/avif")
	c.Put("B", body(s), "image/avif")
	_, ok := c.Get("A")
	require.True(t, ok)
	c.Put("C", body(s), "image/avif")

	assert.True(t, c.Contains("A"))
	assert.False(t, c.Contains("B"))
	assert.True(t, c.Contains("C"))
	assert.Equal(t, []string{"A", "C"}, c.Keys())
}

func TestFirstWriterWins(t *testing.T) {
	c := New(100)

	assert.True(t, c.Put("k", []byte("first"), "image/jpeg"))
	assert.False(t, c.Put("k", []byte("second!"), "image/png"))

	e, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "first", string(e.Body))
	assert.Equal(t, "image/jpeg", e.ContentType)
	assert.Equal(t, int64(5), c.Bytes())
}

func TestOversizedEntry(t *testing.T) {
	c := New(10)
	c.Put("small1", body(3), "")
	c.Put("small2", body(3), "")

	c.Put("huge", body(25), "")

	assert.Equal(t, []string{"huge"}, c.Keys())
	assert.Equal(t, int64(25), c.Bytes())

	// The next insert pushes the oversized entry out
	c.Put("next", body(4), "")
	assert.Equal(t, []string{"next"}, c.Keys())
	assert.Equal(t, int64(4), c.Bytes())
}

func TestEvictionTiesFollowInsertionOrder(t *testing.T) {
	c := New(9)
	c.Put("one", body(3), "")
	c.Put("two", body(3), "")
	c.Put("three", body(3), "")

	c.Put("four", body(5), "")

	assert.Equal(t, []string{"three", "four"}, c.Keys())
}

func TestByteInvariantRandomized(t *testing.T) {
	const max = 1000
	c := New(max)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("k%d", rng.Intn(300))
		size := rng.Intn(400) + 1
		if rng.Intn(50) == 0 {
			size = max + rng.Intn(200)
		}
		c.Put(key, body(size), "")
		if rng.Intn(3) == 0 {
			c.Get(fmt.Sprintf("k%d", rng.Intn(300)))
		}

		cur := c.Bytes()
		if cur > max {
			// Only a lone oversized entry may exceed the budget
			require.Equal(t, 1, c.Len(), "iteration %d: %d bytes over %d entries", i, cur, c.Len())
		}
	}
}

func TestStats(t *testing.T) {
	c := New(10)
	c.Put("a", body(6), "")
	c.Get("a")
	c.Get("missing")
	c.Put("b", body(6), "")

	s := c.Stats()
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, int64(6), s.Bytes)
	assert.Equal(t, int64(10), s.MaxBytes)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.Evictions)
	assert.Nil(t, s.Disk)
}

func TestEvictHook(t *testing.T) {
	var evicted []string
	c := New(4, WithEvictHook(func(key string, e *Entry) {
		evicted = append(evicted, key)
	}))
	c.Put("a", body(2), "")
	c.Put("b", body(2), "")
	c.Put("c", body(2), "")

	assert.Equal(t, []string{"a"}, evicted)
}

func TestConcurrentAccess(t *testing.T) {
	c := New(500)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (i*7+w)%50)
				if _, ok := c.Get(key); !ok {
					c.Put(key, body(i%30+1), "")
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Bytes(), int64(500))
}

func TestSpillTierPromotion(t *testing.T) {
	disk, err := OpenDiskStore(t.TempDir(), 1<<20, logger.NewNopLogger())
	require.NoError(t, err)
	defer disk.Close()

	c := New(10, WithSpill(disk))
	c.Put("a", []byte("aaaaaa"), "image/avif")
	c.Put("b", []byte("bbbbbb"), "image/jpeg")
	require.False(t, c.Contains("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, disk.Flush(ctx))
	require.True(t, disk.Has("a"))

	e, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "aaaaaa", string(e.Body))
	assert.Equal(t, "image/avif", e.ContentType)

	// Promoted back into RAM, pushing b out to disk
	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))

	s := c.Stats()
	assert.Equal(t, uint64(1), s.DiskHits)
	require.NotNil(t, s.Disk)
}

func TestDiskStoreBudget(t *testing.T) {
	dir := t.TempDir()
	disk, err := OpenDiskStore(dir, 600, logger.NewNopLogger())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		disk.PutAsync(fmt.Sprintf("k%d", i), &Entry{Body: body(100), ContentType: "image/jpeg"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, disk.Flush(ctx))

	st := disk.Stats()
	assert.LessOrEqual(t, st.Bytes, int64(600))
	assert.True(t, disk.Has("k9"), "newest entry must survive")
	assert.False(t, disk.Has("k0"), "oldest entry must go first")

	// Index is rebuilt from leveldb on reopen
	require.NoError(t, disk.Close())
	reopened, err := OpenDiskStore(dir, 600, logger.NewNopLogger())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, st.Entries, reopened.Stats().Entries)
	e, ok := reopened.Get("k9")
	require.True(t, ok)
	assert.Len(t, e.Body, 100)
}

func TestDiskStoreClosedIsInert(t *testing.T) {
	disk, err := OpenDiskStore(t.TempDir(), 1<<10, logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, disk.Close())

	disk.PutAsync("late", &Entry{Body: body(1)})
	assert.NoError(t, disk.Flush(context.Background()))
	assert.NoError(t, disk.Close())
}
