// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/support/sets"
	"k8s.io/klog/v2"
)

// runtimeWrapper returns the function with the calling convention described by meta, given
// call, which runs the compiled graph and returns its forward returns.
//
// After each call, the mutations of the inputs returned by the graph are applied to the
// caller's buffers, and the outputs that alias inputs or intermediates are regenerated from
// them, so the aliasing seen by the caller is the one of the function run eagerly.
func (c *compilation) runtimeWrapper(meta *ViewAndMutationMeta, call runtimeFn) runtimeFn {
	o := c.cfg.Ops
	name := c.cfg.Name
	needsAutograd := c.needsAutograd
	return func(args []*buffers.Buffer) []*buffers.Buffer {
		var raw []*buffers.Buffer
		if needsAutograd {
			raw = call(args)
		} else {
			o.NoGrad(func() { raw = call(args) })
		}
		if len(raw) != meta.NumForwardReturns() {
			invariantf("compiled graph returned %d values, metadata expects %d:\n%s", len(raw), meta.NumForwardReturns(), meta)
		}
		numMutated, numOutputs := meta.NumMutatedRuntime(), meta.NumOutputs()
		updates := raw[:numMutated]
		outs := raw[numMutated : numMutated+numOutputs]
		bases := raw[numMutated+numOutputs:]

		for k, ii := range meta.mutatedRuntime {
			applyMutation(o, meta.inputs[ii], args[ii], updates[k])
		}

		results := make([]*buffers.Buffer, numOutputs)
		for ii, info := range meta.outputs {
			var out *buffers.Buffer
			switch info.Type {
			case OutputTypeNonAlias, OutputTypeUnsafeViewAlias, OutputTypeCustomView:
				out = outs[ii]
			case OutputTypeIsInput:
				out = args[info.BaseIdx]
			case OutputTypeAliasOfInput:
				out = regenerateAlias(o, info, args[info.BaseIdx], outs[ii])
			case OutputTypeAliasOfIntermediate, OutputTypeAliasOfIntermediateSavedAsOutput:
				out = regenerateAlias(o, info, bases[info.BaseIdx], outs[ii])
			case OutputTypeAliasOfIntermediateBaseIsUserOutput:
				out = regenerateAlias(o, info, outs[info.BaseIdx], outs[ii])
			default:
				invariantf("unknown output type %s for output #%d", info.Type, ii)
			}
			if len(info.DynamicDims) > 0 && out.DynamicAxes() == nil {
				out.MarkDynamic(sets.Sorted(info.DynamicDims)...)
			}
			results[ii] = out
		}
		if klog.V(2).Enabled() {
			klog.Infof("aot %q: applied %d input mutations, regenerated %d aliased outputs",
				name, numMutated, meta.NumAliasedOutputs())
		}
		return results
	}
}

// applyMutation applies to the caller's buffer original the mutation described by info, given
// the updated value returned by the graph.
func applyMutation(o ops.Ops, info InputInfo, original, updated *buffers.Buffer) {
	if info.MutatesMetadata {
		restride(o, original, updated.Geometry())
	}
	if !info.MutatesData {
		return
	}
	if original.IsLeaf() && original.RequiresGrad() {
		// Leaves tracked for gradients can only be mutated through a detached alias.
		o.NoGrad(func() { o.CopyInPlace(o.Detach(original), updated) })
		return
	}
	o.CopyInPlace(original, updated)
}

// restride sets the geometry of x in place, tracking it for gradients unless x is a leaf.
func restride(o ops.Ops, x *buffers.Buffer, geom buffers.Geometry) {
	if x.Geometry().Equal(geom) {
		return
	}
	if x.IsLeaf() && x.RequiresGrad() {
		buffers.Restride(x, geom)
		return
	}
	o.ViewInPlace(x, buffers.AsStridedStep(geom))
}

// regenerateAlias returns a new alias of base for the output described by info. Without a
// recorded view, it takes the geometry of the value returned by the graph.
func regenerateAlias(o ops.Ops, info OutputInfo, base, graphOut *buffers.Buffer) *buffers.Buffer {
	var out *buffers.Buffer
	if info.View != nil {
		out = info.View.Replay(base, o.View)
	} else {
		out = ops.AsStrided(o, base, graphOut.Geometry())
	}
	if !info.RequiresGrad && out.RequiresGrad() {
		out = o.Detach(out)
	}
	return out
}
