// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"slices"

	"github.com/pkg/errors"
)

// ViewKind enumerates the metadata-only view operations.
type ViewKind int

//go:generate go tool enumer -type=ViewKind -trimprefix=ViewKind -output=gen_viewkind_enumer.go views.go

const (
	// ViewKindAlias is the identity view: same geometry, new buffer.
	ViewKindAlias ViewKind = iota

	// ViewKindReshape changes the dims of a contiguous buffer. One dimension can be -1, and it is inferred.
	ViewKindReshape

	// ViewKindTranspose swaps two axes.
	ViewKindTranspose

	// ViewKindNarrow restricts one axis to the range [Start, Start+Length).
	ViewKindNarrow

	// ViewKindUnsqueeze inserts an axis of dimension 1.
	ViewKindUnsqueeze

	// ViewKindAsStrided sets an absolute geometry over the storage, ignoring the geometry it is applied to.
	ViewKindAsStrided
)

// ViewStep is one view operation. Only the fields relevant to Kind are used.
type ViewStep struct {
	Kind ViewKind

	// Dims for ViewKindReshape and ViewKindAsStrided.
	Dims []int

	// Strides and Offset for ViewKindAsStrided.
	Strides []int
	Offset  int

	// Axis for ViewKindTranspose, ViewKindNarrow and ViewKindUnsqueeze, Axis2 for ViewKindTranspose.
	Axis, Axis2 int

	// Start and Length for ViewKindNarrow.
	Start, Length int

	// Custom, if not empty, names the user-defined view function that produced the step.
	// Views with custom steps can't be regenerated by the runtime from their bases.
	Custom string
}

// AliasStep returns the identity view step.
func AliasStep() ViewStep { return ViewStep{Kind: ViewKindAlias} }

// ReshapeStep returns a reshape step. At most one dimension can be -1.
func ReshapeStep(dims ...int) ViewStep {
	return ViewStep{Kind: ViewKindReshape, Dims: slices.Clone(dims)}
}

// TransposeStep returns a step that swaps axis1 and axis2.
func TransposeStep(axis1, axis2 int) ViewStep {
	return ViewStep{Kind: ViewKindTranspose, Axis: axis1, Axis2: axis2}
}

// NarrowStep returns a step that restricts axis to [start, start+length).
func NarrowStep(axis, start, length int) ViewStep {
	return ViewStep{Kind: ViewKindNarrow, Axis: axis, Start: start, Length: length}
}

// UnsqueezeStep returns a step that inserts an axis of dimension 1 at axis.
func UnsqueezeStep(axis int) ViewStep {
	return ViewStep{Kind: ViewKindUnsqueeze, Axis: axis}
}

// AsStridedStep returns a step that sets the absolute geometry g.
func AsStridedStep(g Geometry) ViewStep {
	return ViewStep{Kind: ViewKindAsStrided, Dims: slices.Clone(g.Dims), Strides: slices.Clone(g.Strides), Offset: g.Offset}
}

// WithCustom returns a copy of the step marked as produced by the user-defined view function name.
func (s ViewStep) WithCustom(name string) ViewStep {
	s.Custom = name
	return s
}

// Apply returns the geometry resulting from applying the step to g.
func (s ViewStep) Apply(g Geometry) (Geometry, error) {
	rank := len(g.Dims)
	switch s.Kind {
	case ViewKindAlias:
		return g.Clone(), nil

	case ViewKindReshape:
		if !g.IsContiguous() {
			return Geometry{}, errors.Errorf("reshape of non-contiguous geometry %s not supported", g)
		}
		dims := slices.Clone(s.Dims)
		inferred := -1
		known := 1
		for axis, dim := range dims {
			switch {
			case dim == -1 && inferred == -1:
				inferred = axis
			case dim < 0:
				return Geometry{}, errors.Errorf("invalid reshape dims %v", s.Dims)
			default:
				known *= dim
			}
		}
		size := g.Size()
		if inferred >= 0 {
			if known == 0 || size%known != 0 {
				return Geometry{}, errors.Errorf("can't infer dimension of reshape %v for size %d", s.Dims, size)
			}
			dims[inferred] = size / known
			known = size
		}
		if known != size {
			return Geometry{}, errors.Errorf("reshape %v incompatible with dims %v", s.Dims, g.Dims)
		}
		return ContiguousGeometry(dims, g.Offset), nil

	case ViewKindTranspose:
		if s.Axis < 0 || s.Axis >= rank || s.Axis2 < 0 || s.Axis2 >= rank {
			return Geometry{}, errors.Errorf("transpose axes (%d, %d) out of range for rank %d", s.Axis, s.Axis2, rank)
		}
		r := g.Clone()
		r.Dims[s.Axis], r.Dims[s.Axis2] = r.Dims[s.Axis2], r.Dims[s.Axis]
		r.Strides[s.Axis], r.Strides[s.Axis2] = r.Strides[s.Axis2], r.Strides[s.Axis]
		return r, nil

	case ViewKindNarrow:
		if s.Axis < 0 || s.Axis >= rank {
			return Geometry{}, errors.Errorf("narrow axis %d out of range for rank %d", s.Axis, rank)
		}
		if s.Start < 0 || s.Length < 0 || s.Start+s.Length > g.Dims[s.Axis] {
			return Geometry{}, errors.Errorf("narrow range [%d, %d) out of bounds for axis %d of dims %v",
				s.Start, s.Start+s.Length, s.Axis, g.Dims)
		}
		r := g.Clone()
		r.Offset += s.Start * g.Strides[s.Axis]
		r.Dims[s.Axis] = s.Length
		return r, nil

	case ViewKindUnsqueeze:
		if s.Axis < 0 || s.Axis > rank {
			return Geometry{}, errors.Errorf("unsqueeze axis %d out of range for rank %d", s.Axis, rank)
		}
		stride := 1
		if s.Axis < rank {
			stride = g.Strides[s.Axis] * max(g.Dims[s.Axis], 1)
		}
		r := g.Clone()
		r.Dims = slices.Insert(r.Dims, s.Axis, 1)
		r.Strides = slices.Insert(r.Strides, s.Axis, stride)
		return r, nil

	case ViewKindAsStrided:
		if len(s.Dims) != len(s.Strides) {
			return Geometry{}, errors.Errorf("as_strided with %d dims and %d strides", len(s.Dims), len(s.Strides))
		}
		return Geometry{Dims: slices.Clone(s.Dims), Strides: slices.Clone(s.Strides), Offset: s.Offset}, nil

	default:
		return Geometry{}, errors.Errorf("unknown view kind %s", s.Kind)
	}
}

// Alias records how a view was derived from its root base.
//
// Base is the geometry of the root when the view was created, Steps the view operations
// applied from it, and Result the geometry of the view. Alias values are immutable.
type Alias struct {
	Base   Geometry
	Steps  []ViewStep
	Result Geometry
}

// IdentityAlias returns the alias of a buffer with geometry g to itself.
func IdentityAlias(g Geometry) *Alias {
	return &Alias{Base: g.Clone(), Result: g.Clone()}
}

// Then returns a new Alias with step appended, producing the geometry result.
func (a *Alias) Then(step ViewStep, result Geometry) *Alias {
	return &Alias{
		Base:   a.Base.Clone(),
		Steps:  append(slices.Clone(a.Steps), step),
		Result: result.Clone(),
	}
}

// IsCustom returns whether any of the steps is a user-defined view function.
func (a *Alias) IsCustom() bool {
	return slices.ContainsFunc(a.Steps, func(s ViewStep) bool { return s.Custom != "" })
}

// Replay regenerates the view against base, using apply to perform each view step.
//
// If base has the geometry the view was recorded against, the steps are replayed in order.
// Otherwise the view is regenerated with a storage-absolute ViewKindAsStrided step, which
// assumes base shares the storage layout of the original base. An alias without steps
// returns base itself if its geometry matches.
func (a *Alias) Replay(base *Buffer, apply func(x *Buffer, step ViewStep) *Buffer) *Buffer {
	if a == nil || (len(a.Steps) == 0 && base.geom.Equal(a.Result)) {
		return base
	}
	x := base
	for _, step := range a.StepsFrom(base.geom) {
		x = apply(x, step)
	}
	return x
}

// StepsFrom returns the steps that derive the view from a base with geometry g: the recorded
// steps if g is the geometry they were recorded against, or a single absolute
// ViewKindAsStrided step otherwise.
func (a *Alias) StepsFrom(g Geometry) []ViewStep {
	if g.Equal(a.Base) {
		return a.Steps
	}
	return []ViewStep{AsStridedStep(a.Result)}
}

// View returns a new buffer sharing the storage of b, with the geometry resulting from step.
// The new buffer's base is the root of b, and its alias record extends the one from b.
// It panics if the step can't be applied.
func View(b *Buffer, step ViewStep) *Buffer {
	geom, err := step.Apply(b.geom)
	if err != nil {
		panic(errors.WithMessagef(err, "buffers.View(%s, %s)", b, step.Kind))
	}
	checkBounds(b.storage, geom)
	root, alias := b.base, b.alias
	if root == nil {
		root, alias = b, IdentityAlias(b.geom)
	}
	return &Buffer{
		storage:      b.storage,
		geom:         geom,
		requiresGrad: b.requiresGrad,
		base:         root,
		alias:        alias.Then(step, geom),
		composite:    b.composite,
	}
}

// Detach returns a new buffer sharing the storage and geometry of b, without base or
// gradient tracking.
func Detach(b *Buffer) *Buffer {
	return &Buffer{
		storage:   b.storage,
		geom:      b.geom.Clone(),
		composite: b.composite,
	}
}

// ViewInPlace changes the geometry of b in place by applying step. The storage is untouched.
func ViewInPlace(b *Buffer, step ViewStep) {
	geom, err := step.Apply(b.geom)
	if err != nil {
		panic(errors.WithMessagef(err, "buffers.ViewInPlace(%s, %s)", b, step.Kind))
	}
	checkBounds(b.storage, geom)
	if b.alias != nil {
		b.alias = b.alias.Then(step, geom)
	}
	b.geom = geom
}

// Restride sets the geometry of b in place. The storage is untouched.
func Restride(b *Buffer, geom Geometry) {
	if b.geom.Equal(geom) {
		return
	}
	ViewInPlace(b, AsStridedStep(geom))
}

// Clone returns a new root buffer with a contiguous copy of the values of b.
// Symbolic buffers clone to new symbolic buffers.
func Clone(b *Buffer) *Buffer {
	var c *Buffer
	if b.IsSymbolic() {
		c = Symbolic(b.DType(), b.geom.Dims...)
	} else {
		c = New(b.DType(), b.geom.Dims...)
		c.Fill(b.Values())
	}
	if b.dynamicAxes != nil {
		c.dynamicAxes = b.dynamicAxes.Clone()
	}
	return c
}

// StorageBase returns a 1-D root buffer spanning the whole storage of b.
func StorageBase(b *Buffer) *Buffer {
	return &Buffer{
		storage:      b.storage,
		geom:         ContiguousGeometry([]int{b.storage.Len()}, 0),
		requiresGrad: b.requiresGrad,
		composite:    b.composite,
	}
}

// ApplySteps applies the steps in order, starting from g.
func ApplySteps(g Geometry, steps []ViewStep) (Geometry, error) {
	var err error
	for _, step := range steps {
		g, err = step.Apply(g)
		if err != nil {
			return Geometry{}, err
		}
	}
	return g, nil
}
