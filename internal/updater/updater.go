// Package updater is the body of one synthesis job: it resolves the
// materials of the dirty submeshes, processes the character's geometry,
// renders or reuses the normal maps and hands them back to the coordinator.
package updater

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	stdmath "math"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.trai.ch/zerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/normalsynth/internal/cache"
	"github.com/Faultbox/normalsynth/internal/condition"
	"github.com/Faultbox/normalsynth/internal/config"
	"github.com/Faultbox/normalsynth/internal/engine/geometry"
	"github.com/Faultbox/normalsynth/internal/engine/raster"
	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/internal/logger"
	"github.com/Faultbox/normalsynth/internal/scene"
	"github.com/Faultbox/normalsynth/internal/task"
)

// DefaultHeadSlots is the body-region bit of the head.
const DefaultHeadSlots uint32 = 1 << 0

// loadWorkers bounds concurrent texture decodes within one job.
const loadWorkers = 4

// Request is one submesh to render.
type Request struct {
	Slot           uint32
	Submesh        string
	Source         string
	Detail         string
	Overlay        string
	Mask           string
	DetailStrength float32
}

func (r Request) empty() bool {
	return r.Source == "" && r.Detail == "" && r.Overlay == "" && r.Mask == ""
}

// mergeKey groups submeshes drawn into one texture: those sharing a source.
func (r Request) mergeKey() string {
	if r.Source != "" {
		return strings.ToLower(r.Source)
	}
	return r.Submesh
}

// Exister is implemented by loaders that can answer whether a path exists
// without decoding it.
type Exister interface {
	Exists(path string) bool
}

// Options configures an Updater.
type Options struct {
	Geometry       geometry.Params
	DetailStrength float32
	HeadSlots      uint32
	// Hook is called with the stage name before every token check.
	Hook task.Hook
}

// OptionsFromConfig reads the geometry and texture sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Geometry:       geometry.ParamsFromConfig(cfg.Geometry),
		DetailStrength: cfg.Texture.DetailStrength,
		HeadSlots:      DefaultHeadSlots,
	}
}

// Updater implements task.Updater.
type Updater struct {
	log    *zap.Logger
	host   scene.Host
	tokens *task.Tokens
	geom   *geometry.Processor
	engine *raster.Engine
	cache  *cache.Cache
	loader texture.Loader
	conds  *condition.Set
	opts   Options

	// last cache key produced per (character, merge key)
	mu   sync.Mutex
	last map[string]uint64
}

// New creates an updater. conds may be nil to bake every character.
func New(log *zap.Logger, host scene.Host, tokens *task.Tokens, geom *geometry.Processor,
	engine *raster.Engine, c *cache.Cache, loader texture.Loader, conds *condition.Set, opts Options,
) *Updater {
	if conds == nil {
		conds = condition.NewSet(log)
	}
	if opts.HeadSlots == 0 {
		opts.HeadSlots = DefaultHeadSlots
	}
	return &Updater{
		log:    logger.OrNop(log),
		host:   host,
		tokens: tokens,
		geom:   geom,
		engine: engine,
		cache:  c,
		loader: loader,
		conds:  conds,
		opts:   opts,
		last:   make(map[string]uint64),
	}
}

// current fires the hook and reports whether tok is still live.
func (u *Updater) current(tok task.Token, stage string) bool {
	if u.opts.Hook != nil {
		u.opts.Hook(stage, tok)
	}
	return u.tokens.Current(tok)
}

func (u *Updater) check(tok task.Token, stage string) error {
	if !u.current(tok, stage) {
		return zerr.With(zerr.Wrap(task.ErrSuperseded, "token checked"), "stage", stage)
	}
	return nil
}

// group is the set of requests rendered into one texture.
type group struct {
	key      string
	hash     uint64
	requests []Request
}

// Update renders the submeshes of tok.Character that belong to tok.Slots.
// Every output carries one reference owned by the caller.
func (u *Updater) Update(ctx context.Context, tok task.Token) ([]task.Output, error) {
	if err := u.check(tok, "update"); err != nil {
		return nil, err
	}

	ch, ok := u.host.Character(tok.Character)
	if !ok {
		return nil, zerr.With(zerr.Wrap(scene.ErrGone, "character lookup"), "character", tok.Character)
	}
	cond := u.conds.Match(ch)
	if !cond.Enable {
		u.log.Debug("character disabled by condition",
			zap.Uint32("character", ch.ID),
			zap.String("file", cond.File))
		return nil, nil
	}

	bufs, err := u.host.SubmeshBuffers(tok.Character)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read submesh buffers"), "character", tok.Character)
	}

	reqs := u.requests(tok, bufs, cond)
	if len(reqs) == 0 {
		u.log.Debug("no textured submesh in dirty slots", zap.String("token", tok.String()))
		return nil, nil
	}

	if err := u.check(tok, "extract"); err != nil {
		return nil, err
	}
	raw, err := u.geom.Extract(bufs)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to extract geometry"), "character", tok.Character)
	}
	snap, err := u.geom.Process(ctx, raw, u.opts.Geometry, func(stage string) bool {
		return u.current(tok, stage)
	})
	if err != nil {
		return nil, err
	}

	groups := u.group(snap, reqs)

	var outs []task.Output
	var pending []group
	for _, g := range groups {
		if res, ok := u.reuse(tok, g); ok {
			outs = append(outs, outputs(g, res)...)
			continue
		}
		pending = append(pending, g)
	}

	if len(pending) > 0 {
		baked, err := u.bake(ctx, tok, snap, pending)
		if err != nil {
			task.Release(outs)
			return nil, err
		}
		outs = append(outs, baked...)
	}

	if err := u.check(tok, "publish"); err != nil {
		task.Release(outs)
		return nil, err
	}
	u.log.Debug("update finished",
		zap.String("token", tok.String()),
		zap.Int("outputs", len(outs)),
		zap.Int("baked", len(pending)))
	return outs, nil
}

// requests resolves the material textures of every submesh in tok.Slots.
func (u *Updater) requests(tok task.Token, bufs []scene.SubmeshBuffers, cond condition.Condition) []Request {
	var reqs []Request
	for _, b := range bufs {
		if b.Slot&tok.Slots == 0 {
			continue
		}
		if b.Slot&u.opts.HeadSlots != 0 && !cond.HeadEnable {
			u.log.Debug("head disabled by condition", zap.String("submesh", b.Name))
			continue
		}
		mat, err := u.host.MaterialTexturePaths(tok.Character, b.Name)
		if err != nil {
			u.log.Warn("skipping submesh without material",
				zap.Uint32("character", tok.Character),
				zap.String("submesh", b.Name),
				zap.Error(err))
			continue
		}

		r := Request{
			Slot:           b.Slot,
			Submesh:        b.Name,
			Source:         mat.Source,
			Detail:         mat.Detail,
			Overlay:        mat.Overlay,
			Mask:           mat.Mask,
			DetailStrength: u.opts.DetailStrength,
		}
		if r.Detail == "" && r.Source != "" {
			if n := DetailPath(r.Source); u.exists(n) {
				r.Detail = n
			}
		}
		if p := u.proxy(cond.ProxyDetailFolder, r.Detail, r.Source, "_n"); p != "" {
			r.Detail = p
		}
		if p := u.proxy(cond.ProxyOverlayFolder, r.Overlay, r.Source, ""); p != "" {
			r.Overlay = p
		}
		if r.empty() {
			continue
		}
		reqs = append(reqs, r)
	}
	return reqs
}

// DetailPath returns the conventional detail map of a source texture:
// "body.dds" becomes "body_n.dds".
func DetailPath(source string) string {
	ext := path.Ext(source)
	return strings.TrimSuffix(source, ext) + "_n" + ext
}

// proxy looks for name, or the source's file name with suffix added, in
// folders and returns the first path that exists.
func (u *Updater) proxy(folders []string, name, source, suffix string) string {
	if len(folders) == 0 {
		return ""
	}
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		if source == "" {
			return ""
		}
		src := path.Base(strings.ReplaceAll(source, "\\", "/"))
		ext := path.Ext(src)
		base = strings.TrimSuffix(src, ext) + suffix + ext
	}
	for _, f := range folders {
		if p := path.Join(f, base); u.exists(p) {
			return p
		}
	}
	return ""
}

func (u *Updater) exists(p string) bool {
	if e, ok := u.loader.(Exister); ok {
		return e.Exists(p)
	}
	_, err := u.loader.Load(p)
	return err == nil
}

// group splits requests by merge key and computes each group's cache key.
// Groups come out in order of their first request.
func (u *Updater) group(s *geometry.Snapshot, reqs []Request) []group {
	var groups []group
	index := make(map[string]int)
	for _, r := range reqs {
		k := r.mergeKey()
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, group{key: k})
		}
		groups[i].requests = append(groups[i].requests, r)
	}
	for i := range groups {
		groups[i].hash = u.cacheKey(s, groups[i].requests)
	}
	return groups
}

// cacheKey digests slot, texture paths, detail strength and processed
// normals of every request in a group, in submesh order.
func (u *Updater) cacheKey(s *geometry.Snapshot, reqs []Request) uint64 {
	sorted := append([]Request(nil), reqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Submesh < sorted[j].Submesh })

	d := xxhash.New()
	var buf [8]byte
	for _, r := range sorted {
		binary.LittleEndian.PutUint32(buf[:4], r.Slot)
		_, _ = d.Write(buf[:4])
		for _, p := range []string{r.Source, r.Detail, r.Overlay, r.Mask} {
			_, _ = d.WriteString(strings.ToLower(p))
			_, _ = d.Write([]byte{0})
		}
		binary.LittleEndian.PutUint32(buf[:4], stdmath.Float32bits(r.DetailStrength))
		_, _ = d.Write(buf[:4])
		if sm, ok := s.Submesh(r.Submesh); ok {
			binary.LittleEndian.PutUint64(buf[:], geometry.HashSubmesh(s, sm))
			_, _ = d.Write(buf[:])
		}
	}
	return d.Sum64()
}

func (u *Updater) lastKey(tok task.Token, g group) string {
	return fmt.Sprintf("%d/%s", tok.Character, g.key)
}

// reuse returns a cached texture for g: its own key first, then the key of
// the previous bake when the two are known to give the same texture.
func (u *Updater) reuse(tok task.Token, g group) (*texture.Resource, bool) {
	if res, ok := u.cache.Get(g.hash); ok {
		u.remember(tok, g)
		return res, true
	}
	u.mu.Lock()
	prev, ok := u.last[u.lastKey(tok, g)]
	u.mu.Unlock()
	if ok && prev != g.hash && u.cache.IsPair(prev, g.hash) {
		if res, ok := u.cache.Get(prev); ok {
			u.log.Debug("reusing paired texture",
				zap.String("previous", fmt.Sprintf("%016x", prev)),
				zap.String("hash", fmt.Sprintf("%016x", g.hash)))
			return res, true
		}
	}
	return nil, false
}

func (u *Updater) remember(tok task.Token, g group) (prev uint64, ok bool) {
	k := u.lastKey(tok, g)
	u.mu.Lock()
	defer u.mu.Unlock()
	prev, ok = u.last[k]
	u.last[k] = g.hash
	return prev, ok
}

// bake loads the layers of every pending group, renders them and stores the
// results in the cache.
func (u *Updater) bake(ctx context.Context, tok task.Token, s *geometry.Snapshot, groups []group) ([]task.Output, error) {
	if err := u.check(tok, "load"); err != nil {
		return nil, err
	}
	images, err := u.loadAll(ctx, groups)
	if err != nil {
		return nil, err
	}

	var jobs []raster.Job
	byKey := make(map[string]group, len(groups))
	for _, g := range groups {
		byKey[g.key] = g
		for _, r := range g.requests {
			jobs = append(jobs, raster.Job{
				Submesh:  r.Submesh,
				MergeKey: g.key,
				Layers: raster.Layers{
					Source:  images[r.Source],
					Detail:  images[r.Detail],
					Overlay: images[r.Overlay],
					Mask:    images[r.Mask],
				},
				DetailStrength: r.DetailStrength,
			})
		}
	}

	results, err := u.engine.Synthesize(ctx, s, jobs, func(stage string) bool {
		return u.current(tok, stage)
	})
	if err != nil {
		return nil, err
	}

	var outs []task.Output
	for _, r := range results {
		g := byKey[r.MergeKey]
		res := texture.NewResource(r.Texture)
		if err := u.cache.Put(g.hash, res); err != nil {
			u.log.Warn("failed to cache normal map",
				zap.String("hash", fmt.Sprintf("%016x", g.hash)),
				zap.Error(err))
		}
		if prev, ok := u.remember(tok, g); ok && prev != g.hash {
			u.pairIfSame(prev, g.hash, res)
		}
		outs = append(outs, outputs(group{key: g.key, requests: requestsFor(g, r.Submeshes)}, res)...)
	}
	return outs, nil
}

// pairIfSame records prev and hash as a pair when their textures match.
func (u *Updater) pairIfSame(prev, hash uint64, res *texture.Resource) {
	old, ok := u.cache.Get(prev)
	if !ok {
		return
	}
	defer old.Release()
	if sameTexture(old.Texture, res.Texture) {
		u.cache.AddHashPair(prev, hash)
	}
}

func sameTexture(a, b *texture.Texture) bool {
	if a.Width != b.Width || a.Height != b.Height || a.Format != b.Format || len(a.Levels) != len(b.Levels) {
		return false
	}
	for i := range a.Levels {
		if !bytes.Equal(a.Levels[i].Pix, b.Levels[i].Pix) {
			return false
		}
	}
	return true
}

func requestsFor(g group, submeshes []string) []Request {
	var out []Request
	for _, r := range g.requests {
		for _, name := range submeshes {
			if r.Submesh == name {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// outputs hands res to every submesh of g. The caller's reference goes to
// the first output; the rest acquire their own.
func outputs(g group, res *texture.Resource) []task.Output {
	if len(g.requests) == 0 {
		res.Release()
		return nil
	}
	outs := make([]task.Output, 0, len(g.requests))
	for i, r := range g.requests {
		ref := res
		if i > 0 {
			ref = res.Acquire()
		}
		outs = append(outs, task.Output{Submesh: r.Submesh, Resource: ref})
	}
	return outs
}

// loadAll decodes every distinct texture path of groups concurrently. A
// texture that cannot be loaded is logged and left out, which renders as
// the layer's default.
func (u *Updater) loadAll(ctx context.Context, groups []group) (map[string]*image.NRGBA, error) {
	paths := make(map[string]struct{})
	for _, g := range groups {
		for _, r := range g.requests {
			for _, p := range []string{r.Source, r.Detail, r.Overlay, r.Mask} {
				if p != "" {
					paths[p] = struct{}{}
				}
			}
		}
	}

	var mu sync.Mutex
	images := make(map[string]*image.NRGBA, len(paths))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(loadWorkers)
	for p := range paths {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := u.loader.Load(p)
			if err != nil {
				u.log.Warn("failed to load texture", zap.String("path", p), zap.Error(err))
				return nil
			}
			mu.Lock()
			images[p] = img
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, zerr.Wrap(err, "failed to load textures")
	}
	return images, nil
}

var _ task.Updater = (*Updater)(nil)
