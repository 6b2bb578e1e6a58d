// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"slices"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/ops"
)

// functionalize returns the side-effect-free version of fn, for the calling convention
// described by meta.
//
// The returned function computes the updated values of the inputs whose mutations are applied
// by the runtime wrapper, followed by the outputs and the intermediate bases. Mutations kept in
// the graph are copied back into the arguments at the end. If grad is given, mutations hidden
// from gradient tracking are kept transparent to gradients.
func functionalize(fn ops.Fn, meta *ViewAndMutationMeta, grad GradEngine) ops.Fn {
	return func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		f := newFunctionalOps(o, grad, args)
		outs := fn(f, slices.Clone(f.inputs))
		if len(outs) != meta.NumOutputs() {
			invariantf("function returned %d outputs, metadata expects %d:\n%s", len(outs), meta.NumOutputs(), meta)
		}
		results := make([]*buffers.Buffer, 0, meta.NumForwardReturns())
		for _, ii := range meta.mutatedRuntime {
			results = append(results, f.valueOf(f.inputs[ii]))
		}
		results = append(results, f.valuesOf(outs)...)
		results = append(results, f.intermediateBases(outs, meta)...)

		for _, ii := range meta.graphHandled {
			updated := f.valueOf(f.inputs[ii])
			copyBack := func() { o.CopyInPlace(args[ii], updated) }
			if meta.inputs[ii].MutationsHiddenFromGrad {
				o.NoGrad(copyBack)
			} else {
				copyBack()
			}
		}
		return results
	}
}
