package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
	"go.trai.ch/zerr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Faultbox/normalsynth/internal/config"
	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/internal/logger"
)

// payloadHeader is the u64 original size and u64 compressed size in front of
// every mip payload.
const payloadHeader = 16

// diskInfo is the metadata file written next to the mip payloads.
type diskInfo struct {
	Width  int         `yaml:"width"`
	Height int         `yaml:"height"`
	Format uint32      `yaml:"format"`
	Levels []diskLevel `yaml:"levels"`
	View   diskView    `yaml:"view"`
}

type diskLevel struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	Stride int `yaml:"stride"`
	Bytes  int `yaml:"bytes"`
}

type diskView struct {
	Format          uint32 `yaml:"format"`
	Dimension       uint32 `yaml:"dimension"`
	MipLevels       uint32 `yaml:"mip_levels"`
	MostDetailedMip uint32 `yaml:"most_detailed_mip"`
}

type diskEntry struct {
	size int64
	node *lruNode[uint64]
}

// DiskStore persists finished textures under one directory per hash and
// keeps the total below a byte budget by dropping the least recently
// accessed entries.
type DiskStore struct {
	log      *zap.Logger
	dir      string
	ext      string
	maxBytes int64

	mu    sync.Mutex
	index map[uint64]*diskEntry
	order lruList[uint64]
	total int64

	corruptMu sync.RWMutex
	corrupt   map[uint64]struct{}
}

// NewDiskStore opens the store described by cfg, creating the directory. The
// index is rebuilt from disk, or the directory emptied with ClearOnStart.
func NewDiskStore(log *zap.Logger, cfg config.CacheConfig) (*DiskStore, error) {
	ext := cfg.Extension
	if ext == "" {
		ext = ".nmc"
	}
	if ext[0] != '.' {
		ext = "." + ext
	}
	d := &DiskStore{
		log:      logger.OrNop(log),
		dir:      filepath.Clean(cfg.Dir),
		ext:      ext,
		maxBytes: cfg.MaxBytes,
		index:    make(map[uint64]*diskEntry),
		corrupt:  make(map[uint64]struct{}),
	}
	if err := os.MkdirAll(d.dir, 0o750); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to create disk cache directory"), "dir", d.dir)
	}
	if cfg.ClearOnStart {
		if err := d.Clear(); err != nil {
			return nil, err
		}
		return d, nil
	}
	if err := d.Scan(); err != nil {
		return nil, err
	}
	return d, nil
}

// Dir returns the root directory of the store.
func (d *DiskStore) Dir() string { return d.dir }

func (d *DiskStore) entryDir(hash uint64) string {
	return filepath.Join(d.dir, fmt.Sprintf("%016x", hash))
}

func (d *DiskStore) infoPath(hash uint64) string {
	return filepath.Join(d.entryDir(hash), "info"+d.ext)
}

func (d *DiskStore) mipPath(hash uint64, mip int) string {
	return filepath.Join(d.entryDir(hash), strconv.Itoa(mip)+d.ext)
}

// Scan rebuilds the index from the entry directories on disk. Entry
// directories without a metadata file are leftovers of interrupted writes
// and are removed.
func (d *DiskStore) Scan() error {
	dirs, err := os.ReadDir(d.dir)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to read disk cache directory"), "dir", d.dir)
	}

	type found struct {
		hash   uint64
		size   int64
		access time.Time
	}
	var entries []found
	for _, de := range dirs {
		if !de.IsDir() || len(de.Name()) != 16 {
			continue
		}
		hash, err := strconv.ParseUint(de.Name(), 16, 64)
		if err != nil {
			continue
		}
		st, err := os.Stat(d.infoPath(hash))
		if errors.Is(err, fs.ErrNotExist) {
			d.log.Debug("removing disk cache entry without metadata", zap.String("dir", de.Name()))
			if err := os.RemoveAll(d.entryDir(hash)); err != nil {
				d.log.Warn("failed to remove partial disk cache entry", zap.String("dir", de.Name()), zap.Error(err))
			}
			continue
		}
		if err != nil {
			continue
		}
		size, err := dirSize(d.entryDir(hash))
		if err != nil {
			continue
		}
		entries = append(entries, found{hash: hash, size: size, access: st.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].access.Before(entries[j].access) })

	d.mu.Lock()
	defer d.mu.Unlock()
	d.index = make(map[uint64]*diskEntry, len(entries))
	d.order.Reset()
	d.total = 0
	for _, e := range entries {
		d.index[e.hash] = &diskEntry{size: e.size, node: d.order.PushFront(e.hash)}
		d.total += e.size
	}
	d.log.Info("disk cache scanned",
		zap.String("dir", d.dir),
		zap.Int("entries", len(entries)),
		zap.Int64("bytes", d.total))
	return nil
}

// Has reports whether hash is indexed.
func (d *DiskStore) Has(hash uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[hash]
	return ok
}

// Len returns the number of indexed entries.
func (d *DiskStore) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

// Size returns the indexed bytes on disk.
func (d *DiskStore) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// IsCorrupt reports whether hash failed to read or write in this process.
func (d *DiskStore) IsCorrupt(hash uint64) bool {
	d.corruptMu.RLock()
	defer d.corruptMu.RUnlock()
	_, ok := d.corrupt[hash]
	return ok
}

func (d *DiskStore) markCorrupt(hash uint64, path string, err error) error {
	d.corruptMu.Lock()
	d.corrupt[hash] = struct{}{}
	d.corruptMu.Unlock()
	d.log.Error("disk cache entry unusable",
		zap.String("hash", fmt.Sprintf("%016x", hash)),
		zap.String("path", path),
		zap.Error(err))
	return zerr.With(zerr.With(zerr.Wrap(ErrCorrupt, err.Error()), "hash", hash), "path", path)
}

// Write stores tex and view under hash, then evicts down to the budget.
func (d *DiskStore) Write(hash uint64, tex *texture.Texture, view texture.ViewDesc) error {
	if d.IsCorrupt(hash) {
		return zerr.With(zerr.Wrap(ErrCorrupt, "write refused"), "hash", hash)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.index[hash]; ok {
		d.order.Touch(e.node)
		return nil
	}

	dir := d.entryDir(hash)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return d.markCorrupt(hash, dir, err)
	}
	// Partial entries are never indexed, so remove them rather than leak
	// bytes outside the budget.
	fail := func(path string, err error) error {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			d.log.Warn("failed to remove partial disk cache entry", zap.String("dir", dir), zap.Error(rmErr))
		}
		return d.markCorrupt(hash, path, err)
	}

	info := diskInfo{
		Width:  tex.Width,
		Height: tex.Height,
		Format: uint32(tex.Format),
		View: diskView{
			Format:          uint32(view.Format),
			Dimension:       view.Dimension,
			MipLevels:       view.MipLevels,
			MostDetailedMip: view.MostDetailedMip,
		},
	}
	var size int64
	for i := range tex.Levels {
		l := &tex.Levels[i]
		path := d.mipPath(hash, i)
		payload, err := encodePayload(l.Pix)
		if err != nil {
			return fail(path, err)
		}
		//nolint:gosec // Path is derived from the store directory and a hash
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			return fail(path, err)
		}
		size += int64(len(payload))
		info.Levels = append(info.Levels, diskLevel{Width: l.Width, Height: l.Height, Stride: l.Stride, Bytes: len(l.Pix)})
	}

	meta, err := yaml.Marshal(&info)
	if err != nil {
		return fail(d.infoPath(hash), err)
	}
	//nolint:gosec // Path is derived from the store directory and a hash
	if err := os.WriteFile(d.infoPath(hash), meta, 0o644); err != nil {
		return fail(d.infoPath(hash), err)
	}
	size += int64(len(meta))

	d.index[hash] = &diskEntry{size: size, node: d.order.PushFront(hash)}
	d.total += size
	d.evictLocked()
	return nil
}

// Read loads the entry for hash. Unknown hashes give ErrNotFound; entries
// that fail to read or decode give ErrCorrupt and stay on disk.
func (d *DiskStore) Read(hash uint64) (*texture.Texture, texture.ViewDesc, error) {
	var view texture.ViewDesc
	if d.IsCorrupt(hash) {
		return nil, view, zerr.With(zerr.Wrap(ErrCorrupt, "read refused"), "hash", hash)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.index[hash]
	if !ok {
		return nil, view, zerr.With(zerr.Wrap(ErrNotFound, "not indexed"), "hash", hash)
	}

	infoPath := d.infoPath(hash)
	//nolint:gosec // Path is derived from the store directory and a hash
	meta, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, view, d.markCorrupt(hash, infoPath, err)
	}
	var info diskInfo
	if err := yaml.Unmarshal(meta, &info); err != nil {
		return nil, view, d.markCorrupt(hash, infoPath, err)
	}
	if len(info.Levels) == 0 || info.Width <= 0 || info.Height <= 0 {
		return nil, view, d.markCorrupt(hash, infoPath, errors.New("metadata has no levels"))
	}

	tex := &texture.Texture{
		Width:  info.Width,
		Height: info.Height,
		Format: texture.Format(info.Format),
		Levels: make([]texture.Level, len(info.Levels)),
	}
	for i, dl := range info.Levels {
		path := d.mipPath(hash, i)
		//nolint:gosec // Path is derived from the store directory and a hash
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, view, d.markCorrupt(hash, path, err)
		}
		pix, err := decodePayload(payload)
		if err != nil {
			return nil, view, d.markCorrupt(hash, path, err)
		}
		if len(pix) != dl.Bytes {
			return nil, view, d.markCorrupt(hash, path,
				fmt.Errorf("payload is %d bytes, metadata says %d", len(pix), dl.Bytes))
		}
		tex.Levels[i] = texture.Level{Width: dl.Width, Height: dl.Height, Stride: dl.Stride, Pix: pix}
	}

	view = texture.ViewDesc{
		Format:          texture.Format(info.View.Format),
		Dimension:       info.View.Dimension,
		MipLevels:       info.View.MipLevels,
		MostDetailedMip: info.View.MostDetailedMip,
	}
	d.touchLocked(hash, e)
	return tex, view, nil
}

// Touch marks hash as accessed now.
func (d *DiskStore) Touch(hash uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.index[hash]; ok {
		d.touchLocked(hash, e)
	}
}

func (d *DiskStore) touchLocked(hash uint64, e *diskEntry) {
	d.order.Touch(e.node)
	now := time.Now()
	// The metadata mtime is the access time Scan restores.
	if err := os.Chtimes(d.infoPath(hash), now, now); err != nil {
		d.log.Debug("failed to update disk cache access time", zap.Error(err))
	}
}

// Remove deletes the entry for hash.
func (d *DiskStore) Remove(hash uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(hash)
}

func (d *DiskStore) removeLocked(hash uint64) error {
	e, ok := d.index[hash]
	if !ok {
		return nil
	}
	delete(d.index, hash)
	d.order.Remove(e.node)
	d.total -= e.size
	if err := os.RemoveAll(d.entryDir(hash)); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to remove disk cache entry"), "hash", hash)
	}
	return nil
}

func (d *DiskStore) evictLocked() {
	if d.maxBytes <= 0 {
		return
	}
	for d.total > d.maxBytes {
		hash, ok := d.order.Oldest()
		if !ok {
			return
		}
		size := d.index[hash].size
		if err := d.removeLocked(hash); err != nil {
			d.log.Warn("disk cache eviction failed", zap.Error(err))
		}
		d.log.Debug("evicted disk cache entry",
			zap.String("hash", fmt.Sprintf("%016x", hash)),
			zap.Int64("bytes", size))
	}
}

// Clear removes every entry directory and resets the index and corrupt set.
func (d *DiskStore) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dirs, err := os.ReadDir(d.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return zerr.With(zerr.Wrap(err, "failed to read disk cache directory"), "dir", d.dir)
	}
	for _, de := range dirs {
		if err := os.RemoveAll(filepath.Join(d.dir, de.Name())); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to clear disk cache"), "path", de.Name())
		}
	}
	d.index = make(map[uint64]*diskEntry)
	d.order.Reset()
	d.total = 0

	d.corruptMu.Lock()
	clear(d.corrupt)
	d.corruptMu.Unlock()
	return nil
}

func encodePayload(pix []byte) ([]byte, error) {
	out := make([]byte, payloadHeader+lz4.CompressBlockBound(len(pix)))
	n, err := lz4.CompressBlock(pix, out[payloadHeader:], nil)
	if err != nil {
		return nil, zerr.Wrap(err, "lz4 compression failed")
	}
	if n == 0 || n >= len(pix) {
		// Incompressible: stored raw, marked by equal sizes.
		n = copy(out[payloadHeader:], pix)
	}
	binary.LittleEndian.PutUint64(out[0:], uint64(len(pix)))
	binary.LittleEndian.PutUint64(out[8:], uint64(n))
	return out[:payloadHeader+n], nil
}

func decodePayload(payload []byte) ([]byte, error) {
	if len(payload) < payloadHeader {
		return nil, errors.New("payload shorter than its header")
	}
	orig := binary.LittleEndian.Uint64(payload[0:])
	comp := binary.LittleEndian.Uint64(payload[8:])
	body := payload[payloadHeader:]
	if uint64(len(body)) != comp {
		return nil, fmt.Errorf("payload body is %d bytes, header says %d", len(body), comp)
	}
	if orig > 1<<31 {
		return nil, fmt.Errorf("payload size %d out of range", orig)
	}
	pix := make([]byte, orig)
	if comp == orig {
		copy(pix, body)
		return pix, nil
	}
	n, err := lz4.UncompressBlock(body, pix)
	if err != nil {
		return nil, zerr.Wrap(err, "lz4 decompression failed")
	}
	if uint64(n) != orig {
		return nil, fmt.Errorf("decompressed %d bytes, header says %d", n, orig)
	}
	return pix, nil
}

func dirSize(dir string) (int64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, f := range files {
		info, err := f.Info()
		if err != nil {
			return 0, err
		}
		n += info.Size()
	}
	return n, nil
}
