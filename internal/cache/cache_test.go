package cache

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Faultbox/normalsynth/internal/config"
	"github.com/Faultbox/normalsynth/internal/engine/texture"
)

func newDisk(t *testing.T, dir string, maxBytes int64) *DiskStore {
	t.Helper()
	d, err := NewDiskStore(zaptest.NewLogger(t), config.CacheConfig{
		Disk:      true,
		Dir:       dir,
		Extension: "nmc",
		MaxBytes:  maxBytes,
	})
	require.NoError(t, err)
	return d
}

// mipChain builds a three-level texture: a smooth base that compresses and
// noisy mips that do not.
func mipChain(seed uint64) *texture.Texture {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	tex := texture.New(16, 16)
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			tex.Set(x, y, [4]uint8{uint8(x * 16), uint8(y * 16), 255, 255})
		}
	}
	for _, sz := range []int{8, 4} {
		l := texture.NewLevel(sz, sz)
		for i := range l.Pix {
			l.Pix[i] = uint8(r.Uint32())
		}
		tex.Levels = append(tex.Levels, l)
	}
	return tex
}

func noise(seed uint64, size int) *texture.Texture {
	r := rand.New(rand.NewPCG(seed, 7))
	tex := texture.New(size, size)
	for i := range tex.Base().Pix {
		tex.Base().Pix[i] = uint8(r.Uint32())
	}
	return tex
}

func TestDiskRoundTripBitExact(t *testing.T) {
	t.Parallel()
	d := newDisk(t, t.TempDir(), 0)

	tex := mipChain(1)
	res := texture.NewResource(tex)
	res.View.MostDetailedMip = 1
	require.NoError(t, d.Write(0xabcdef, tex, res.View))

	got, view, err := d.Read(0xabcdef)
	require.NoError(t, err)
	assert.Equal(t, res.View, view)
	assert.Equal(t, tex.Width, got.Width)
	assert.Equal(t, tex.Height, got.Height)
	assert.Equal(t, tex.Format, got.Format)
	require.Len(t, got.Levels, 3)
	for i := range tex.Levels {
		assert.Equal(t, tex.Levels[i], got.Levels[i], "level %d", i)
	}

	assert.FileExists(t, d.mipPath(0xabcdef, 2))
	assert.FileExists(t, d.infoPath(0xabcdef))
}

func TestDiskRoundTripCompressedFormat(t *testing.T) {
	t.Parallel()
	d := newDisk(t, t.TempDir(), 0)

	tex := &texture.Texture{
		Width:  8,
		Height: 8,
		Format: texture.FormatBC1,
		Levels: []texture.Level{{Width: 8, Height: 8, Stride: 16, Pix: make([]byte, 32)}},
	}
	for i := range tex.Levels[0].Pix {
		tex.Levels[0].Pix[i] = uint8(i * 3)
	}
	view := texture.ViewDesc{Format: texture.FormatBC1, Dimension: texture.ViewDimensionTexture2D, MipLevels: 1}
	require.NoError(t, d.Write(5, tex, view))

	got, gotView, err := d.Read(5)
	require.NoError(t, err)
	assert.Equal(t, tex, got)
	assert.Equal(t, view, gotView)
}

func TestDiskReadUnknown(t *testing.T) {
	t.Parallel()
	d := newDisk(t, t.TempDir(), 0)
	_, _, err := d.Read(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskBudgetEvictsLeastRecentlyAccessed(t *testing.T) {
	t.Parallel()
	d := newDisk(t, t.TempDir(), 0)

	require.NoError(t, d.Write(1, noise(1, 16), texture.ViewDesc{}))
	one := d.Size()
	require.Positive(t, one)
	d.maxBytes = 2*one + one/2

	require.NoError(t, d.Write(2, noise(2, 16), texture.ViewDesc{}))
	_, _, err := d.Read(1)
	require.NoError(t, err)
	require.NoError(t, d.Write(3, noise(3, 16), texture.ViewDesc{}))

	assert.True(t, d.Has(1))
	assert.False(t, d.Has(2))
	assert.True(t, d.Has(3))
	assert.LessOrEqual(t, d.Size(), d.maxBytes)
	assert.NoDirExists(t, d.entryDir(2))
}

func TestDiskCorruptEntryIsKeptAndSkipped(t *testing.T) {
	t.Parallel()
	d := newDisk(t, t.TempDir(), 0)
	tex := mipChain(2)
	require.NoError(t, d.Write(9, tex, texture.ViewDesc{}))

	path := d.mipPath(9, 1)
	good, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, good[:len(good)/2], 0o644))

	c := New(zaptest.NewLogger(t), d)
	_, ok := c.Get(9)
	assert.False(t, ok)
	assert.True(t, d.IsCorrupt(9))
	assert.FileExists(t, path)

	// Restoring the file does not help within this process.
	require.NoError(t, os.WriteFile(path, good, 0o644))
	_, ok = c.Get(9)
	assert.False(t, ok)
	assert.Equal(t, int64(2), c.Stats().Misses)

	_, _, err = d.Read(9)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDiskFailedWriteLeavesNothing(t *testing.T) {
	t.Parallel()
	d := newDisk(t, t.TempDir(), 0)
	require.NoError(t, d.Write(1, noise(1, 8), texture.ViewDesc{}))
	size, n := d.Size(), d.Len()

	// A directory where the second mip file should go makes that write fail
	// after the first mip is already on disk.
	require.NoError(t, os.MkdirAll(d.mipPath(5, 1), 0o750))
	err := d.Write(5, mipChain(5), texture.ViewDesc{})
	require.ErrorIs(t, err, ErrCorrupt)

	assert.NoDirExists(t, d.entryDir(5))
	assert.False(t, d.Has(5))
	assert.Equal(t, n, d.Len())
	assert.Equal(t, size, d.Size())
}

// An ordinary miss is not worth a warning; only unreadable entries are.
func TestCacheMissIsQuiet(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	c := New(zap.New(core), newDisk(t, t.TempDir(), 0))

	_, ok := c.Get(77)
	assert.False(t, ok)
	assert.Zero(t, logs.FilterMessage("disk cache read treated as a miss").Len())
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestDiskScanRebuildsIndex(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d := newDisk(t, dir, 0)
	require.NoError(t, d.Write(1, noise(1, 8), texture.ViewDesc{}))
	require.NoError(t, d.Write(2, mipChain(3), texture.ViewDesc{MipLevels: 3}))
	size := d.Size()

	// A directory without metadata is an interrupted write and is reclaimed.
	partial := filepath.Join(dir, "00000000000000ff")
	require.NoError(t, os.MkdirAll(partial, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(partial, "0.nmc"), []byte("half"), 0o644))

	reopened := newDisk(t, dir, 0)
	assert.Equal(t, 2, reopened.Len())
	assert.Equal(t, size, reopened.Size())
	assert.NoDirExists(t, partial)

	got, view, err := reopened.Read(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), view.MipLevels)
	assert.Equal(t, mipChain(3).Levels, got.Levels)
}

func TestDiskClearOnStart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d := newDisk(t, dir, 0)
	require.NoError(t, d.Write(1, noise(1, 8), texture.ViewDesc{}))

	cleared, err := NewDiskStore(zaptest.NewLogger(t), config.CacheConfig{Dir: dir, ClearOnStart: true})
	require.NoError(t, err)
	assert.Zero(t, cleared.Len())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCacheMemoryReferences(t *testing.T) {
	t.Parallel()
	c := New(zaptest.NewLogger(t), nil)

	res := texture.NewResource(texture.New(4, 4))
	require.NoError(t, c.Put(7, res))
	assert.Equal(t, int32(2), res.RefCount())

	got, ok := c.Get(7)
	require.True(t, ok)
	assert.Same(t, res, got)
	assert.Equal(t, int32(3), res.RefCount())

	// Two outside holders remain, so nothing is evicted.
	assert.Zero(t, c.EvictUnused())
	got.Release()
	res.Release()
	assert.Equal(t, 1, c.EvictUnused())
	assert.Zero(t, res.RefCount())

	_, ok = c.Get(7)
	assert.False(t, ok)
	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 0.5, s.HitRate(), 1e-9)
}

func TestCachePutReplaces(t *testing.T) {
	t.Parallel()
	c := New(nil, nil)
	a := texture.NewResource(texture.New(2, 2))
	b := texture.NewResource(texture.New(2, 2))

	require.NoError(t, c.Put(1, a))
	require.NoError(t, c.Put(1, a))
	assert.Equal(t, int32(2), a.RefCount())

	require.NoError(t, c.Put(1, b))
	assert.Equal(t, int32(1), a.RefCount())
	assert.Equal(t, int32(2), b.RefCount())

	c.Clear()
	assert.Zero(t, c.Len())
	assert.Equal(t, int32(1), b.RefCount())
}

func TestCachePromotesDiskHits(t *testing.T) {
	t.Parallel()
	d := newDisk(t, t.TempDir(), 0)
	tex := mipChain(4)

	writer := New(zaptest.NewLogger(t), d)
	require.NoError(t, writer.Put(3, texture.NewResource(tex)))

	reader := New(zaptest.NewLogger(t), d)
	assert.True(t, reader.contains(3))
	got, ok := reader.Get(3)
	require.True(t, ok)
	assert.Equal(t, tex.Levels, got.Texture.Levels)
	assert.Equal(t, 1, reader.Len())
	assert.Equal(t, int32(2), got.RefCount())

	_, ok = reader.Get(3)
	require.True(t, ok)
	s := reader.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.DiskHits)
	assert.Positive(t, s.DiskBytes)
}

func TestHashPairs(t *testing.T) {
	t.Parallel()
	c := New(nil, nil)

	assert.True(t, c.IsPair(4, 4))
	assert.False(t, c.IsPair(1, 2))

	c.AddHashPair(1, 2)
	c.AddHashPair(2, 3)
	c.AddHashPair(10, 11)

	assert.True(t, c.IsPair(1, 2))
	assert.True(t, c.IsPair(3, 1))
	assert.False(t, c.IsPair(1, 10))

	c.forgetHash(2)
	assert.False(t, c.IsPair(1, 2))
	assert.True(t, c.IsPair(1, 3))
}

func TestEvictionForgetsPairsOfLostHashes(t *testing.T) {
	t.Parallel()
	put := func(c *Cache, hash uint64) {
		res := texture.NewResource(noise(hash, 4))
		require.NoError(t, c.Put(hash, res))
		res.Release()
	}

	mem := New(zaptest.NewLogger(t), nil)
	put(mem, 1)
	put(mem, 2)
	mem.AddHashPair(1, 2)
	assert.Equal(t, 2, mem.EvictUnused())
	assert.False(t, mem.IsPair(1, 2))

	// Entries still on disk keep their pairs.
	disk := New(zaptest.NewLogger(t), newDisk(t, t.TempDir(), 0))
	put(disk, 1)
	put(disk, 2)
	disk.AddHashPair(1, 2)
	assert.Equal(t, 2, disk.EvictUnused())
	assert.True(t, disk.IsPair(1, 2))
}

func TestLRUOrder(t *testing.T) {
	t.Parallel()
	var l lruList[int]
	a := l.PushFront(1)
	l.PushFront(2)
	c := l.PushFront(3)

	oldest, ok := l.Oldest()
	require.True(t, ok)
	assert.Equal(t, 1, oldest)

	l.Touch(a)
	oldest, _ = l.Oldest()
	assert.Equal(t, 2, oldest)

	l.Remove(c)
	assert.Equal(t, 2, l.Len())
	l.Reset()
	_, ok = l.Oldest()
	assert.False(t, ok)
}
