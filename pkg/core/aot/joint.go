// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"slices"
	"sync"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// joint computes the forward returns of a functionalized function along with the gradients of
// its primals, given the gradient seeds (tangents) of the forward returns that take them.
type joint struct {
	fn         ops.Fn
	meta       *ViewAndMutationMeta
	grad       GradEngine
	noTangents bool

	// nilGrads marks the primals that got no gradient the first time the joint ran.
	nilGrads     []bool
	nilGradsOnce sync.Once
}

// createJoint returns the joint of forward, the functionalized function described by meta.
func createJoint(forward ops.Fn, meta *ViewAndMutationMeta, grad GradEngine, noTangents bool) *joint {
	return &joint{fn: forward, meta: meta, grad: grad, noTangents: noTangents}
}

// freshInput returns a copy of p with the same layout, so in-place updates of the copy don't
// reach p, and view steps recorded against p apply to it.
func freshInput(o ops.Ops, p *buffers.Buffer) *buffers.Buffer {
	if p.IsContiguous() && p.Offset() == 0 && p.Storage().Len() == p.Size() {
		return o.Clone(p)
	}
	return o.ViewScatter(p, p, []buffers.ViewStep{buffers.AsStridedStep(p.Geometry())})
}

// call runs the forward over primals and returns its results, along with the gradients of the
// primals seeded by tangents. The gradient of a primal that doesn't require gradients, or that
// doesn't affect any output, is nil.
func (j *joint) call(o ops.Ops, primals, tangents []*buffers.Buffer) (outs, grads []*buffers.Buffer) {
	meta := j.meta
	if len(primals) != meta.NumInputs() {
		invariantf("joint called with %d primals, metadata expects %d:\n%s", len(primals), meta.NumInputs(), meta)
	}
	grads = make([]*buffers.Buffer, len(primals))
	o.WithGrad(func() {
		var diffPrimals []*buffers.Buffer
		var diffIndices []int
		args := slices.Clone(primals)
		for ii, p := range primals {
			info := meta.inputs[ii]
			if !info.RequiresGrad {
				continue
			}
			leaf := buffers.Detach(p).SetRequiresGrad(true)
			diffPrimals = append(diffPrimals, leaf)
			diffIndices = append(diffIndices, ii)
			args[ii] = leaf
			if info.MutatesData {
				// Gradients are taken with respect to the values before the mutation.
				args[ii] = freshInput(o, leaf)
			}
		}

		outs = j.fn(o, args)
		if len(outs) != len(meta.tangentMask) {
			invariantf("forward returned %d values, metadata expects %d:\n%s", len(outs), len(meta.tangentMask), meta)
		}
		var needed, neededTangents []*buffers.Buffer
		numTangents := 0
		for ii, out := range outs {
			if !meta.tangentMask[ii] {
				continue
			}
			if numTangents >= len(tangents) {
				invariantf("joint called with %d tangents, metadata expects more:\n%s", len(tangents), meta)
			}
			tangent := tangents[numTangents]
			numTangents++
			if out.RequiresGrad() {
				needed = append(needed, out)
				neededTangents = append(neededTangents, tangent)
			}
		}
		if numTangents != len(tangents) {
			invariantf("joint called with %d tangents, metadata expects %d:\n%s", len(tangents), numTangents, meta)
		}
		if len(needed) == 0 || len(diffPrimals) == 0 {
			return
		}
		if j.noTangents {
			if len(neededTangents) != 1 || neededTangents[0].Size() != 1 {
				unsupportedf("without tangents the function must have exactly one single-element output requiring gradients, got %d",
					len(neededTangents))
			}
			neededTangents = nil
		}
		diffGrads, err := j.grad.Grad(needed, diffPrimals, neededTangents, true)
		if err != nil {
			panic(errors.WithMessagef(err, "computing the gradients of the joint"))
		}
		for k, ii := range diffIndices {
			grads[ii] = diffGrads[k]
		}
	})

	j.nilGradsOnce.Do(func() {
		j.nilGrads = make([]bool, len(grads))
		for ii, g := range grads {
			j.nilGrads[ii] = g == nil
			if g == nil && meta.inputs[ii].RequiresGrad {
				klog.V(1).Infof("primal #%d requires gradients, but doesn't affect any output", ii)
			}
		}
	})
	return outs, grads
}

// flat returns the joint as one function over (primals..., tangents...), returning
// (forward returns..., gradients of the primals...).
//
// If the random number generator is functionalized, the primals are followed by the forward
// seed and offset, and the tangents by the backward ones. The forward returns are then followed
// by the new forward offset, and the gradients by the new backward offset.
func (j *joint) flat(numPrimals, numTangents int) ops.Fn {
	withRNG := j.meta.rngFunctionalized
	return func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		primals := args[:numPrimals]
		tangentsStart := numPrimals
		forwardOps := o
		var fwdRNG *rngOps
		if withRNG {
			fwdRNG = &rngOps{Ops: o, seed: args[numPrimals], offset: args[numPrimals+1]}
			forwardOps = fwdRNG
			tangentsStart += 2
		}
		tangents := args[tangentsStart : tangentsStart+numTangents]
		outs, grads := j.call(forwardOps, primals, tangents)

		results := slices.Clone(outs)
		if withRNG {
			_, offset := fwdRNG.RNGState()
			results = append(results, offset)
		}
		results = append(results, grads...)
		if withRNG {
			// Gradients don't draw random numbers: the backward offset is returned unchanged.
			results = append(results, xslices.Last(args))
		}
		return results
	}
}
