// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"github.com/pkg/errors"
)

var (
	// ErrUnsupportedAliasing is returned when the aliasing or mutation of the arguments can't be
	// compiled: mutated aliases that are not differentiable views of each other or have different
	// dtypes, duplicated mutated arguments that are composite or exported, and the aliasing and
	// mutation patterns that export forbids.
	ErrUnsupportedAliasing = errors.New("unsupported aliasing")

	// ErrInvariant is returned when an internal consistency check fails: a calling convention that
	// doesn't round-trip, or a compiled graph that returns an unexpected number of values.
	ErrInvariant = errors.New("internal invariant violated")
)

// unsupportedf panics with ErrUnsupportedAliasing and the formatted message.
func unsupportedf(format string, args ...any) {
	panic(errors.Wrapf(ErrUnsupportedAliasing, format, args...))
}

// invariantf panics with ErrInvariant and the formatted message.
func invariantf(format string, args ...any) {
	panic(errors.Wrapf(ErrInvariant, format, args...))
}
