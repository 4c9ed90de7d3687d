// Package assets resolves texture paths against data directories and
// texture packs and decodes them, keeping decoded images cached.
package assets

import (
	"bytes"
	"errors"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/internal/logger"
	"github.com/Faultbox/normalsynth/pkg/pack"
)

// ErrNotFound is returned when no source holds a path.
var ErrNotFound = zerr.New("texture not found")

// source is one place textures are looked up in.
type source interface {
	read(path string) ([]byte, error)
	has(path string) bool
	close() error
	name() string
}

type dirSource struct{ root string }

func (d dirSource) path(p string) string {
	return filepath.Join(d.root, filepath.FromSlash(normalize(p)))
}

func (d dirSource) read(p string) ([]byte, error) {
	//nolint:gosec // Paths are resolved under a configured data directory
	data, err := os.ReadFile(d.path(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (d dirSource) has(p string) bool {
	st, err := os.Stat(d.path(p))
	return err == nil && !st.IsDir()
}

func (d dirSource) close() error { return nil }
func (d dirSource) name() string { return d.root }

type packSource struct {
	path    string
	archive *pack.Archive
}

func (p packSource) read(name string) ([]byte, error) {
	data, err := p.archive.Read(name)
	if errors.Is(err, pack.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (p packSource) has(name string) bool { return p.archive.Contains(name) }
func (p packSource) close() error         { return p.archive.Close() }
func (p packSource) name() string         { return p.path }

// Manager loads textures from its sources. It implements texture.Loader.
type Manager struct {
	log     *zap.Logger
	sources []source
	cache   *Cache
	mu      sync.RWMutex
}

// NewManager creates a manager with no sources.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		log:   logger.OrNop(log),
		cache: NewCache(),
	}
}

// AddDir adds a data directory. Sources are searched in reverse order, so
// the last one added wins.
func (m *Manager) AddDir(root string) error {
	st, err := os.Stat(root)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to open data directory"), "dir", root)
	}
	if !st.IsDir() {
		return zerr.With(zerr.New("not a directory"), "dir", root)
	}
	m.mu.Lock()
	m.sources = append(m.sources, dirSource{root: root})
	m.mu.Unlock()
	return nil
}

// AddPack adds a texture pack.
func (m *Manager) AddPack(path string) error {
	a, err := pack.Open(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sources = append(m.sources, packSource{path: path, archive: a})
	m.mu.Unlock()
	m.log.Info("texture pack added", zap.String("path", path), zap.Int("files", a.Len()))
	return nil
}

// AddSource adds a directory or, for files, a texture pack.
func (m *Manager) AddSource(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to open texture source"), "path", path)
	}
	if st.IsDir() {
		return m.AddDir(path)
	}
	return m.AddPack(path)
}

// Exists reports whether any source holds path.
func (m *Manager) Exists(path string) bool {
	if path == "" {
		return false
	}
	if _, ok := m.cache.Peek(normalize(path)); ok {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.sources) - 1; i >= 0; i-- {
		if m.sources[i].has(path) {
			return true
		}
	}
	return false
}

// ReadFile returns the raw bytes of path from the highest-priority source.
func (m *Manager) ReadFile(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.sources) - 1; i >= 0; i-- {
		data, err := m.sources[i].read(path)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, zerr.With(zerr.With(zerr.Wrap(err, "failed to read texture"), "path", path), "source", m.sources[i].name())
		}
	}
	return nil, zerr.With(zerr.Wrap(ErrNotFound, "no source holds it"), "path", path)
}

// Load decodes path. Decoded images are cached and shared, so callers must
// not modify them.
func (m *Manager) Load(path string) (*image.NRGBA, error) {
	key := normalize(path)
	if img, ok := m.cache.Get(key); ok {
		return img, nil
	}

	data, err := m.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := texture.Decode(bytes.NewReader(data), path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to decode texture"), "path", path)
	}
	m.cache.Set(key, img)
	m.log.Debug("texture loaded",
		zap.String("path", path),
		zap.Int("width", img.Rect.Dx()),
		zap.Int("height", img.Rect.Dy()))
	return img, nil
}

// Stats returns the decoded-image cache statistics.
func (m *Manager) Stats() (hits, misses int) { return m.cache.Stats() }

// Close closes every pack and empties the cache.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		if err := s.close(); err != nil {
			m.log.Warn("failed to close texture source", zap.String("source", s.name()), zap.Error(err))
		}
	}
	m.sources = nil
	m.cache.Clear()
}

func normalize(path string) string {
	return strings.ToLower(strings.TrimPrefix(strings.ReplaceAll(path, "\\", "/"), "/"))
}

var _ texture.Loader = (*Manager)(nil)

// Cache holds decoded images by normalized path.
type Cache struct {
	data map[string]*image.NRGBA
	mu   sync.Mutex

	hits   int
	misses int
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{data: make(map[string]*image.NRGBA)}
}

// Get looks key up and counts the hit or miss.
func (c *Cache) Get(key string) (*image.NRGBA, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.data[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return img, ok
}

// Peek looks key up without touching the statistics.
func (c *Cache) Peek(key string) (*image.NRGBA, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.data[key]
	return img, ok
}

// Set stores an image.
func (c *Cache) Set(key string, img *image.NRGBA) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = img
}

// Clear drops every image and resets the statistics.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.data)
	c.hits = 0
	c.misses = 0
}

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
