/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package xslices provide missing functionality to the slices package: mostly mapping, masking
// and index bookkeeping used when rewriting calling conventions.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// Last returns the last element of a slice. It panics if the slice is empty.
func Last[T any](slice []T) T {
	return slice[len(slice)-1]
}

// Pop last element of the slice, and returns slice with one less element.
// If slice is empty it returns the zero value for `T` and returns slice unchanged.
func Pop[T any](slice []T) (T, []T) {
	var value T
	if len(slice) > 0 {
		value = slice[len(slice)-1]
		slice = slice[:len(slice)-1]
	}
	return value, slice
}

// SliceWithValue creates a slice of given size filled with given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}

// Iota returns a slice of incremental int values, starting with start and of length len.
// Eg: Iota(3.0, 2) -> []float64{3.0, 4.0}
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Prod returns the product of all elements, 1 for an empty slice.
func Prod[T constraints.Integer | constraints.Float](slice []T) T {
	p := T(1)
	for _, v := range slice {
		p *= v
	}
	return p
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Filter returns the elements of in for which keep returns true, preserving order.
func Filter[T any](in []T, keep func(e T) bool) []T {
	out := make([]T, 0, len(in))
	for _, e := range in {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Mask returns the elements of in whose corresponding mask entry is true.
// It panics if the lengths differ.
func Mask[T any](in []T, mask []bool) []T {
	if len(in) != len(mask) {
		panic("xslices.Mask: slice and mask have different lengths")
	}
	out := make([]T, 0, len(in))
	for ii, e := range in {
		if mask[ii] {
			out = append(out, e)
		}
	}
	return out
}

// Gather returns `[in[indices[0]], in[indices[1]], ...]`.
func Gather[T any](in []T, indices []int) []T {
	out := make([]T, len(indices))
	for ii, idx := range indices {
		out[ii] = in[idx]
	}
	return out
}

// IndicesWhere returns the indices of the elements for which pred returns true.
func IndicesWhere[T any](in []T, pred func(e T) bool) []int {
	var indices []int
	for ii, e := range in {
		if pred(e) {
			indices = append(indices, ii)
		}
	}
	return indices
}

// Count returns the number of elements for which pred returns true.
func Count[T any](in []T, pred func(e T) bool) (n int) {
	for _, e := range in {
		if pred(e) {
			n++
		}
	}
	return
}
