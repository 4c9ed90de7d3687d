// Package detect finds characters whose mesh regions changed since the last
// tick by hashing the live vertex data of every registered region.
package detect

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.trai.ch/zerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/normalsynth/internal/config"
	"github.com/Faultbox/normalsynth/internal/logger"
	"github.com/Faultbox/normalsynth/internal/scene"
	"github.com/Faultbox/normalsynth/pkg/math"
)

// Phase is where a region is in the detection cycle.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseHashing
	PhaseCompared
)

func (p Phase) String() string {
	switch p {
	case PhaseHashing:
		return "hashing"
	case PhaseCompared:
		return "compared"
	default:
		return "idle"
	}
}

// regionHash is the digest pair of one (character, slot) region. A zero
// Previous means no baseline has been recorded yet.
type regionHash struct {
	Current  uint64
	Previous uint64
	Phase    Phase
}

type character struct {
	regions map[uint32]*regionHash
	blocked bool
}

// Dirty names the regions of one character that changed.
type Dirty struct {
	Character uint32
	Slots     uint32
}

// Options configures a Detector.
type Options struct {
	// Distance gates characters farther than this from the observer. Zero
	// disables the gate.
	Distance float32
	// Workers bounds the number of characters hashed at once.
	Workers int
	// PrimaryAlways exempts the primary character from the distance gate.
	PrimaryAlways bool
}

// OptionsFromConfig maps the detect section of the configuration.
func OptionsFromConfig(cfg config.DetectConfig) Options {
	return Options{Distance: cfg.Distance, Workers: cfg.Workers, PrimaryAlways: cfg.PrimaryAlways}
}

// Detector tracks region digests per character.
type Detector struct {
	log  *zap.Logger
	host scene.Host
	opts Options

	mu    sync.RWMutex
	chars map[uint32]*character
}

// New creates a detector reading live data from host.
func New(log *zap.Logger, host scene.Host, opts Options) *Detector {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Detector{
		log:   logger.OrNop(log),
		host:  host,
		opts:  opts,
		chars: make(map[uint32]*character),
	}
}

// Register creates the region entry for (id, slot) without a baseline. The
// first comparison after Register never reports the region dirty.
func (d *Detector) Register(id, slot uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regionLocked(id, slot)
}

func (d *Detector) regionLocked(id, slot uint32) *regionHash {
	c, ok := d.chars[id]
	if !ok {
		c = &character{regions: make(map[uint32]*regionHash)}
		d.chars[id] = c
	}
	r, ok := c.regions[slot]
	if !ok {
		r = &regionHash{}
		c.regions[slot] = r
	}
	return r
}

// InitialHash hashes the region now and records it as the baseline, so the
// next change is reported.
func (d *Detector) InitialHash(id, slot uint32) error {
	sum, err := d.hash(id, slot)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.regionLocked(id, slot)
	r.Current, r.Previous, r.Phase = sum, sum, PhaseIdle
	return nil
}

// Track registers every slot the character's submeshes occupy and seeds
// their baselines.
func (d *Detector) Track(id uint32) error {
	bufs, err := d.host.SubmeshBuffers(id)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to read submeshes"), "character", id)
	}
	var slots uint32
	for _, b := range bufs {
		slots |= b.Slot
	}
	for slot := uint32(1); slot != 0 && slot <= slots; slot <<= 1 {
		if slots&slot == 0 {
			continue
		}
		if err := d.InitialHash(id, slot); err != nil {
			return err
		}
	}
	return nil
}

// Block suspends detection for a character while a collaborator mutates it.
func (d *Detector) Block(id uint32) { d.setBlocked(id, true) }

// Unblock resumes detection for a character.
func (d *Detector) Unblock(id uint32) { d.setBlocked(id, false) }

func (d *Detector) setBlocked(id uint32, blocked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.chars[id]; ok {
		c.blocked = blocked
	}
}

// Blocked reports whether a character is blocked.
func (d *Detector) Blocked(id uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.chars[id]
	return ok && c.blocked
}

// Remove forgets a character.
func (d *Detector) Remove(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.chars, id)
}

// Tracked reports whether any region of id is registered.
func (d *Detector) Tracked(id uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.chars[id]
	return ok
}

func (d *Detector) hash(id, slot uint32) (uint64, error) {
	digest := xxhash.New()
	if err := d.host.WriteRegion(id, slot, digest); err != nil {
		return 0, err
	}
	return digest.Sum64(), nil
}

type candidate struct {
	id    uint32
	slots []uint32
}

// Tick hashes every eligible region once and returns the characters with
// changed regions, ordered by id.
func (d *Detector) Tick(ctx context.Context, observer math.Vec3) ([]Dirty, error) {
	candidates, gone := d.candidates(observer)
	for _, id := range gone {
		d.Remove(id)
		d.log.Debug("stopped tracking unloaded character", zap.Uint32("character", id))
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sums := make([][]uint64, len(candidates))
	lost := make([]bool, len(candidates))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for i, c := range candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out := make([]uint64, len(c.slots))
			for j, slot := range c.slots {
				sum, err := d.hash(c.id, slot)
				if errors.Is(err, scene.ErrGone) {
					lost[i] = true
					return nil
				}
				if err != nil {
					d.log.Warn("region hash failed",
						zap.Uint32("character", c.id),
						zap.Uint32("slot", slot),
						zap.Error(err))
					return nil
				}
				out[j] = sum
			}
			sums[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var dirty []Dirty
	for i, c := range candidates {
		if lost[i] {
			delete(d.chars, c.id)
			continue
		}
		st, ok := d.chars[c.id]
		if !ok || st.blocked || sums[i] == nil {
			continue
		}
		var mask uint32
		for j, slot := range c.slots {
			r, ok := st.regions[slot]
			if !ok {
				continue
			}
			r.Current = sums[i][j]
			if r.Previous^r.Current != 0 && r.Previous != 0 {
				mask |= slot
			}
			r.Previous = r.Current
			r.Phase = PhaseCompared
		}
		if mask != 0 {
			dirty = append(dirty, Dirty{Character: c.id, Slots: mask})
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].Character < dirty[j].Character })
	return dirty, nil
}

// candidates picks the characters to hash this tick and marks their regions
// as hashing. gone lists tracked characters the host no longer has.
func (d *Detector) candidates(observer math.Vec3) (out []candidate, gone []uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	limit := d.opts.Distance * d.opts.Distance
	for id, st := range d.chars {
		info, ok := d.host.Character(id)
		if !ok {
			gone = append(gone, id)
			continue
		}
		if st.blocked {
			continue
		}
		exempt := info.Primary && d.opts.PrimaryAlways
		if !exempt && d.opts.Distance > 0 {
			delta := info.Position.Sub(observer)
			if delta.LengthSquared() > limit {
				continue
			}
		}
		c := candidate{id: id}
		for slot, r := range st.regions {
			c.slots = append(c.slots, slot)
			r.Phase = PhaseHashing
		}
		sort.Slice(c.slots, func(i, j int) bool { return c.slots[i] < c.slots[j] })
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, gone
}

// Phase returns the phase of one region, for diagnostics.
func (d *Detector) Phase(id, slot uint32) Phase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.chars[id]; ok {
		if r, ok := c.regions[slot]; ok {
			return r.Phase
		}
	}
	return PhaseIdle
}
