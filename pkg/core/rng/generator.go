// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rng

import (
	"math/rand"
	"sync"
	"time"
)

// Generator is the ambient random number generator: a State that is advanced every time
// values are drawn. It is safe for concurrent use.
type Generator struct {
	mu    sync.Mutex
	state State
}

// NewGenerator creates a Generator with the given seed and offset 0.
func NewGenerator(seed uint64) *Generator {
	return &Generator{state: State{Seed: seed}}
}

// StateFromSeed creates a State from an arbitrary seed, mixing its bits.
func StateFromSeed(seed int64) State {
	return State{Seed: rand.New(rand.NewSource(seed)).Uint64()}
}

var (
	defaultGenerator     *Generator
	defaultGeneratorOnce sync.Once
)

// Default returns the process-wide Generator, seeded from the clock on first use.
func Default() *Generator {
	defaultGeneratorOnce.Do(func() {
		defaultGenerator = &Generator{state: StateFromSeed(time.Now().UTC().UnixNano())}
	})
	return defaultGenerator
}

// State returns the current state.
func (g *Generator) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetState sets the current state.
func (g *Generator) SetState(state State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = state
}

// Seed sets a new seed and resets the offset to 0.
func (g *Generator) Seed(seed uint64) {
	g.SetState(State{Seed: seed})
}

// Advance reserves n values: it returns the state to draw them from, and advances the
// offset by OffsetIncrement(n).
func (g *Generator) Advance(n int) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.state
	g.state.Offset += OffsetIncrement(n)
	return state
}

// Uniform draws n values uniformly distributed in [0, 1), advancing the generator.
func (g *Generator) Uniform(n int) []float64 {
	state := g.Advance(n)
	return Uniform(state.Seed, state.Offset, n)
}

// Scoped saves the current state and returns a function that restores it.
// Use it with defer, so the state is restored on every exit path:
//
//	defer gen.Scoped()()
func (g *Generator) Scoped() (restore func()) {
	saved := g.State()
	return func() {
		g.SetState(saved)
	}
}
