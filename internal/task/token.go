// Package task schedules synthesis jobs: cancellation tokens, the GPU
// submission lane, frame-deferred work and the coordinator tying them to the
// host's frame loop.
package task

import (
	"fmt"
	"sync"

	"go.trai.ch/zerr"
)

// ErrSuperseded is returned by job stages whose token is no longer current.
// It is expected and never logged above debug.
var ErrSuperseded = zerr.New("task superseded")

// Token identifies one job for a (character, slots) key. A newer token for
// the same key supersedes every older one.
type Token struct {
	Character uint32
	Slots     uint32
	Counter   uint64
}

// Key is the (character, slots) pair a token belongs to.
type Key struct {
	Character uint32
	Slots     uint32
}

// Key returns the token's key.
func (t Token) Key() Key { return Key{Character: t.Character, Slots: t.Slots} }

func (t Token) String() string {
	return fmt.Sprintf("%d/%#x#%d", t.Character, t.Slots, t.Counter)
}

// Tokens is the table of live tokens.
type Tokens struct {
	mu      sync.RWMutex
	counter uint64
	live    map[Key]uint64
}

// NewTokens creates an empty table.
func NewTokens() *Tokens {
	return &Tokens{live: make(map[Key]uint64)}
}

// Issue returns a fresh token for (character, slots), superseding the
// previous one. Counters strictly increase across all keys.
func (t *Tokens) Issue(character, slots uint32) Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter++
	k := Key{Character: character, Slots: slots}
	t.live[k] = t.counter
	return Token{Character: character, Slots: slots, Counter: t.counter}
}

// Current reports whether tok is still the live token of its key.
func (t *Tokens) Current(tok Token) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.live[tok.Key()]
	return ok && c == tok.Counter
}

// Check returns ErrSuperseded when tok is no longer current.
func (t *Tokens) Check(tok Token) error {
	if t.Current(tok) {
		return nil
	}
	return zerr.With(zerr.Wrap(ErrSuperseded, "token checked"), "token", tok.String())
}

// Release removes tok's key, but only while tok is still current.
func (t *Tokens) Release(tok Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := tok.Key()
	if c, ok := t.live[k]; ok && c == tok.Counter {
		delete(t.live, k)
	}
}

// Len returns the number of live keys.
func (t *Tokens) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.live)
}
