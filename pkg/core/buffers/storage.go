// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/google/uuid"
	"github.com/x448/float16"
)

// StorageKey identifies a backing store. Two buffers alias (may share memory) iff their
// storages have the same key. It is only used for equality and hashing, never to reach
// the contents.
type StorageKey uuid.UUID

// String implements fmt.Stringer.
func (k StorageKey) String() string {
	return uuid.UUID(k).String()
}

// Storage is the backing store of one or more buffers.
//
// Values are kept on the host widened to float64, and rounded to the precision of the
// storage dtype on every write. A symbolic storage has a size and dtype, but no values:
// it is used for placeholders during tracing.
type Storage struct {
	key   StorageKey
	dtype dtypes.DType
	size  int
	data  []float64
}

// NewStorage allocates a zero-initialized storage with size elements.
func NewStorage(dtype dtypes.DType, size int) *Storage {
	s := NewSymbolicStorage(dtype, size)
	s.data = make([]float64, size)
	return s
}

// NewSymbolicStorage creates a storage without values.
func NewSymbolicStorage(dtype dtypes.DType, size int) *Storage {
	if size < 0 {
		exceptions.Panicf("buffers.NewStorage: invalid negative size %d", size)
	}
	return &Storage{
		key:   StorageKey(uuid.New()),
		dtype: dtype,
		size:  size,
	}
}

// Key returns the backing-store identity.
func (s *Storage) Key() StorageKey { return s.key }

// DType of the elements in the storage.
func (s *Storage) DType() dtypes.DType { return s.dtype }

// Len returns the number of elements in the storage.
func (s *Storage) Len() int { return s.size }

// IsSymbolic returns whether the storage holds no values.
func (s *Storage) IsSymbolic() bool { return s.data == nil }

// Memory returns the number of bytes the storage would take in its native dtype.
func (s *Storage) Memory() uintptr {
	return uintptr(s.size * s.dtype.Size())
}

// Load returns the value at the storage position pos.
func (s *Storage) Load(pos int) float64 {
	if s.data == nil {
		exceptions.Panicf("buffers.Storage.Load: storage %s is symbolic, it has no values", s.key)
	}
	return s.data[pos]
}

// Store writes v at the storage position pos, rounded to the storage dtype.
func (s *Storage) Store(pos int, v float64) {
	if s.data == nil {
		exceptions.Panicf("buffers.Storage.Store: storage %s is symbolic, it has no values", s.key)
	}
	s.data[pos] = RoundToDType(s.dtype, v)
}

// cloneData returns a new storage (with a new key) holding a copy of the values.
func (s *Storage) cloneData() *Storage {
	c := NewSymbolicStorage(s.dtype, s.size)
	if s.data != nil {
		c.data = make([]float64, s.size)
		copy(c.data, s.data)
	}
	return c
}

// RoundToDType rounds v to the values representable by dtype.
//
// Integer types truncate toward zero, Bool maps any non-zero to 1, and the reduced
// precision float types go through their Go implementations.
func RoundToDType(dtype dtypes.DType, v float64) float64 {
	switch dtype {
	case dtypes.Float64:
		return v
	case dtypes.Float32:
		return float64(float32(v))
	case dtypes.Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case dtypes.BFloat16:
		return float64(bfloat16.FromFloat32(float32(v)).Float32())
	case dtypes.Bool:
		if v != 0 {
			return 1
		}
		return 0
	case dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return math.Trunc(v)
	default:
		return v
	}
}
