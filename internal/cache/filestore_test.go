package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kz-records/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreReadWrite(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "kz_records"))
	require.NoError(t, err)

	_, _, err = store.Read(ctx, KeyMaps)
	assert.ErrorIs(t, err, domain.ErrCacheMiss)

	writtenAt := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.Write(ctx, KeyMaps, []byte(`["kz_grotto"]`), writtenAt))

	payload, got, err := store.Read(ctx, KeyMaps)
	require.NoError(t, err)
	assert.Equal(t, `["kz_grotto"]`, string(payload))
	assert.True(t, got.Equal(writtenAt), "mtime %v", got)

	_, err = os.Stat(filepath.Join(store.Dir(), "maps.cache"))
	assert.NoError(t, err)
}

func TestFileStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Write(ctx, "k", []byte("one"), time.Unix(100, 0)))
	require.NoError(t, store.Write(ctx, "k", []byte("two"), time.Unix(200, 0)))

	payload, writtenAt, err := store.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(payload))
	assert.Equal(t, int64(200), writtenAt.Unix())

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.Write(ctx, KeyMaps, []byte("[]"), now))
	require.NoError(t, store.Write(ctx, KeyStatistics, []byte("{}"), now))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "README"), []byte("keep"), 0o644))

	require.NoError(t, store.Delete(ctx, KeyMaps))
	require.NoError(t, store.Delete(ctx, KeyMaps))
	_, _, err = store.Read(ctx, KeyMaps)
	assert.ErrorIs(t, err, domain.ErrCacheMiss)

	require.NoError(t, store.Clear(ctx))
	_, _, err = store.Read(ctx, KeyStatistics)
	assert.ErrorIs(t, err, domain.ErrCacheMiss)

	_, err = os.Stat(filepath.Join(store.Dir(), "README"))
	assert.NoError(t, err)
}

func TestFileStoreRejectsPathKeys(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "..", "../escape", `a\b`} {
		assert.Error(t, store.Write(ctx, key, []byte("x"), time.Now()), key)
	}
}

func TestCacheOverFileStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	c := New(store, testTTLs, discardLogger(), WithClock(clock.Now))

	calls := 0
	compute := func(context.Context) domain.Statistics {
		calls++
		return domain.Statistics{TotalRecords: 10, TotalPlayers: 3, TotalMaps: 2}
	}

	ttl := c.TTLFor(KeyStatistics)
	first := GetOrCompute(ctx, c, KeyStatistics, ttl, compute)
	clock.Advance(ttl - time.Second)
	second := GetOrCompute(ctx, c, KeyStatistics, ttl, compute)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	clock.Advance(time.Second)
	GetOrCompute(ctx, c, KeyStatistics, ttl, compute)
	assert.Equal(t, 2, calls)
}
