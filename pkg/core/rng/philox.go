// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rng holds the pseudo-random number generator state used by buffer operations.
//
// The state is a (seed, offset) capsule: values are a pure function of the seed and the
// offset of the first value drawn, using the counter-based Philox4x32-10 algorithm. This
// makes it possible to thread the state explicitly through a traced function and get the
// exact same values as eager execution.
package rng

import (
	"math"
	"math/bits"
)

const (
	philoxM0 = 0xD2511F53
	philoxM1 = 0xCD9E8D57
	philoxW0 = 0x9E3779B9
	philoxW1 = 0xBB67AE85

	philoxRounds = 10

	// ValuesPerCounter is the number of 32 bits values generated per Philox counter.
	ValuesPerCounter = 4
)

// State of the random number generator. Offset is the number of values already drawn,
// always a multiple of ValuesPerCounter.
type State struct {
	Seed, Offset uint64
}

// OffsetIncrement returns by how much the offset advances after drawing n values:
// n rounded up to a multiple of ValuesPerCounter.
func OffsetIncrement(n int) uint64 {
	return uint64((n + ValuesPerCounter - 1) / ValuesPerCounter * ValuesPerCounter)
}

// Philox4x32 returns the 4 random values for the given key and counter.
func Philox4x32(key [2]uint32, counter [4]uint32) [4]uint32 {
	c := counter
	k0, k1 := key[0], key[1]
	for round := 0; round < philoxRounds; round++ {
		hi0, lo0 := bits.Mul32(philoxM0, c[0])
		hi1, lo1 := bits.Mul32(philoxM1, c[2])
		c = [4]uint32{hi1 ^ c[1] ^ k0, lo1, hi0 ^ c[3] ^ k1, lo0}
		k0 += philoxW0
		k1 += philoxW1
	}
	return c
}

// Bits returns n random 32 bits values for seed, starting at offset.
// The offset must be a multiple of ValuesPerCounter.
func Bits(seed, offset uint64, n int) []uint32 {
	key := [2]uint32{uint32(seed), uint32(seed >> 32)}
	values := make([]uint32, n)
	base := offset / ValuesPerCounter
	for ii := 0; ii < n; ii += ValuesPerCounter {
		counter := base + uint64(ii/ValuesPerCounter)
		block := Philox4x32(key, [4]uint32{uint32(counter), uint32(counter >> 32), 0, 0})
		copy(values[ii:], block[:])
	}
	return values
}

// Uniform returns n values uniformly distributed in [0, 1) for seed, starting at offset.
func Uniform(seed, offset uint64, n int) []float64 {
	values := make([]float64, n)
	maxValue := float64(math.Nextafter32(1.0, 0.0))
	for ii, v := range Bits(seed, offset, n) {
		values[ii] = min(float64(v)/float64(1<<32), maxValue)
	}
	return values
}
