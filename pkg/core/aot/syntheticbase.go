// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"slices"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/support/sets"
	"github.com/gomlx/aotgraph/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// SyntheticBaseEntry tells how an argument of the original calling convention is obtained from
// the arguments after synthetic bases are created.
type SyntheticBaseEntry struct {
	// Index of the argument in the new calling convention: the argument itself if View is nil,
	// or the base it is regenerated from.
	Index int

	// View regenerates the argument from the base at Index.
	View *buffers.Alias
}

// SyntheticBaseInfo has one entry per argument of the original calling convention.
type SyntheticBaseInfo []SyntheticBaseEntry

// unpack returns the original arguments from the new ones, using apply to take views.
func (info SyntheticBaseInfo) unpack(args []*buffers.Buffer, apply func(x *buffers.Buffer, step buffers.ViewStep) *buffers.Buffer) []*buffers.Buffer {
	outer := make([]*buffers.Buffer, len(info))
	for ii, entry := range info {
		if entry.View == nil {
			outer[ii] = args[entry.Index]
			continue
		}
		outer[ii] = entry.View.Replay(args[entry.Index], apply)
	}
	return outer
}

// Regenerate returns buffers standing for the original arguments, given the new arguments.
// Regenerated arguments are views of their synthetic bases.
func (info SyntheticBaseInfo) Regenerate(args []*buffers.Buffer) []*buffers.Buffer {
	return info.unpack(args, buffers.View)
}

// sameStructure returns whether info and info2 build the same arguments from the same slots.
func (info SyntheticBaseInfo) sameStructure(info2 SyntheticBaseInfo) bool {
	return slices.EqualFunc(info, info2, func(e, e2 SyntheticBaseEntry) bool {
		if e.Index != e2.Index || (e.View == nil) != (e2.View == nil) {
			return false
		}
		return e.View == nil || e.View.Result.Equal(e2.View.Result)
	})
}

// computeOverlappingInputs returns the indices, among the given ones, of the arguments that may
// overlap with at least one other of them.
func computeOverlappingInputs(args []*buffers.Buffer, indices []int, definitelyDisjoint OverlapTest) []int {
	overlapping := sets.Make[int]()
	for j := range indices {
		for i := range j {
			if !definitelyDisjoint(args[indices[i]], args[indices[j]]) {
				overlapping.Insert(indices[i], indices[j])
			}
		}
	}
	return sets.Sorted(overlapping)
}

// mergeViewInputs replaces each group of arguments that share a storage, may overlap and of which
// at least one is data-mutated, by a single base argument.
//
// The new arguments are the bases followed by the remaining arguments, in their original order.
// It returns args and a nil info if no group needs a base.
func mergeViewInputs(args []*buffers.Buffer, mutatesData []bool, isInference bool,
	definitelyDisjoint OverlapTest) ([]*buffers.Buffer, SyntheticBaseInfo) {
	groups := make(map[buffers.StorageKey][]int)
	var keys []buffers.StorageKey
	for ii, arg := range args {
		key := arg.StorageKey()
		if _, found := groups[key]; !found {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], ii)
	}

	var baseArgs []*buffers.Buffer
	var otherIndices []int
	info := make(SyntheticBaseInfo, len(args))
	for _, key := range keys {
		group := groups[key]
		if len(group) <= 1 || !slices.ContainsFunc(group, func(ii int) bool { return mutatesData[ii] }) {
			otherIndices = append(otherIndices, group...)
			continue
		}
		if len(computeOverlappingInputs(args, group, definitelyDisjoint)) <= 1 {
			klog.V(1).Infof("arguments %v share a storage but don't overlap", group)
			otherIndices = append(otherIndices, group...)
			continue
		}
		for jj := 1; jj < len(group); jj++ {
			idx1, idx2 := group[jj-1], group[jj]
			if !isInference && !buffers.AreDifferentiableViews(args[idx1], args[idx2]) {
				unsupportedf("arguments #%d and #%d share a storage and are mutated, but are not differentiable views of a common base",
					idx1, idx2)
			}
			if !buffers.SameDTypeViews(args[idx1], args[idx2]) {
				unsupportedf("arguments #%d (%s) and #%d (%s) share a storage and are mutated, but have different dtypes",
					idx1, args[idx1].DType(), idx2, args[idx2].DType())
			}
		}
		base := groupBase(args, group)
		slot := len(baseArgs)
		baseArgs = append(baseArgs, base)
		for _, ii := range group {
			info[ii] = SyntheticBaseEntry{Index: slot, View: aliasFromBase(base, args[ii])}
		}
	}
	if len(baseArgs) == 0 {
		return args, nil
	}
	for k, ii := range otherIndices {
		info[ii] = SyntheticBaseEntry{Index: len(baseArgs) + k}
	}
	return append(baseArgs, xslices.Gather(args, otherIndices)...), info
}

// groupBase returns the base shared by the arguments of the group: their common recorded base,
// or a 1-D buffer over their whole storage if none has one.
func groupBase(args []*buffers.Buffer, group []int) *buffers.Buffer {
	var base *buffers.Buffer
	for _, ii := range group {
		b := args[ii].Base()
		if b == nil {
			continue
		}
		if base == nil {
			base = b
		} else if b != base {
			unsupportedf("mutated arguments %v share a storage, but are views of different bases", group)
		}
	}
	if base == nil {
		return buffers.StorageBase(args[group[0]])
	}
	for _, ii := range group {
		if args[ii].Base() == nil && args[ii] != base {
			unsupportedf("mutated arguments %v share a storage, but argument #%d is neither their base nor a view of it", group, ii)
		}
	}
	return base
}

// aliasFromBase returns how to regenerate arg from base: the recorded derivation if arg is a view
// of base, or a storage-absolute view otherwise. The base itself is regenerated as an alias.
func aliasFromBase(base, arg *buffers.Buffer) *buffers.Alias {
	g := arg.Geometry()
	switch {
	case arg == base:
		return &buffers.Alias{Base: g, Steps: []buffers.ViewStep{buffers.AliasStep()}, Result: g}
	case arg.Base() == base:
		return arg.Alias()
	default:
		return &buffers.Alias{Base: base.Geometry(), Steps: []buffers.ViewStep{buffers.AsStridedStep(g)}, Result: g}
	}
}

// syntheticBaseMetadata returns the metadata of the function taking the merged arguments, and the
// original arguments whose metadata mutations are returned as extra trailing outputs.
func syntheticBaseMetadata(m *ViewAndMutationMeta, info SyntheticBaseInfo, outerArgs, innerArgs []*buffers.Buffer) (
	*ViewAndMutationMeta, []int) {
	slots := make([][]int, len(innerArgs))
	for outer, entry := range info {
		slots[entry.Index] = append(slots[entry.Index], outer)
	}
	inputs := make([]InputInfo, len(innerArgs))
	for inner, outers := range slots {
		anyLeaf, allLeaf := false, true
		requiresGrad, hidden := false, true
		for _, outer := range outers {
			in := m.inputs[outer]
			anyLeaf = anyLeaf || in.IsLeaf
			allLeaf = allLeaf && in.IsLeaf
			requiresGrad = requiresGrad || in.RequiresGrad
			if in.MutatesData {
				hidden = hidden && in.MutationsHiddenFromGrad
			}
		}
		if anyLeaf != allLeaf {
			unsupportedf("mutated arguments %v share a storage, but only some of them are leaves", outers)
		}
		merged := InputInfo{IsLeaf: anyLeaf, RequiresGrad: requiresGrad}
		if len(outers) > 1 {
			merged.MutatesData = true
			merged.MutationsHiddenFromGrad = hidden
		} else {
			in := m.inputs[outers[0]]
			merged.MutatesData = in.MutatesData
			merged.MutatesMetadata = in.MutatesMetadata
			merged.MutationsHiddenFromGrad = in.MutationsHiddenFromGrad
		}
		inputs[inner] = merged
	}

	outputs := make([]OutputInfo, 0, len(m.outputs))
	for _, out := range m.outputs {
		if out.Type == OutputTypeAliasOfInput || out.Type == OutputTypeIsInput {
			entry := info[out.BaseIdx]
			out.BaseIdx = entry.Index
			if entry.View != nil {
				out.Type = OutputTypeAliasOfInput
			}
		}
		outputs = append(outputs, out)
	}
	var metadataMutated []int
	for outer, in := range m.inputs {
		if !in.MutatesMetadata || info[outer].View == nil {
			continue
		}
		metadataMutated = append(metadataMutated, outer)
		arg := outerArgs[outer]
		out := OutputInfo{Type: OutputTypeAliasOfInput, BaseIdx: info[outer].Index, RequiresGrad: arg.RequiresGrad()}
		if arg.DynamicAxes() != nil {
			out.DynamicDims = arg.DynamicAxes().Clone()
		}
		outputs = append(outputs, out)
	}

	numOuterInputTangents := 0
	for _, ii := range m.mutatedRuntime {
		if m.inputs[ii].MutatesData && m.inputs[ii].RequiresGrad {
			numOuterInputTangents++
		}
	}
	var tangents []*buffers.Buffer
	for inner, in := range inputs {
		if mutationTypeOf(m.keepInputMutations, in) == MutationTypeOutOfGraph && in.MutatesData && in.RequiresGrad {
			tangents = append(tangents, buffers.Symbolic(innerArgs[inner].DType(), innerArgs[inner].Dims()...))
		}
	}
	tangents = append(tangents, m.tangents[numOuterInputTangents:]...)
	meta := newMeta(inputs, outputs, m.numIntermediateBases, tangents, m.keepInputMutations, m.rngFunctionalized)
	return meta, metadataMutated
}

// syntheticBase is the pipeline stage that merges mutated arguments sharing a storage into
// synthetic bases.
//
// The function is wrapped to regenerate the original arguments from the bases, and to return
// the original arguments that get metadata mutations, which the runtime wrapper applies to the
// caller's buffers.
func syntheticBase(c *compilation, p program) (program, runtimeWrap) {
	isInference := !c.needsAutograd
	definitelyDisjoint := c.cfg.overlapTest()
	mutatesData := xslices.Map(p.meta.inputs, func(in InputInfo) bool { return in.MutatesData })
	innerArgs, info := mergeViewInputs(p.args, mutatesData, isInference, definitelyDisjoint)
	if info == nil {
		return p, nil
	}
	if slices.ContainsFunc(p.args, (*buffers.Buffer).Composite) {
		unsupportedf("mutated arguments that share a storage can't be merged when any argument is composite:\n%s", p.meta)
	}
	if c.cfg.ExportMode {
		unsupportedf("mutated arguments that share a storage are not supported in export mode:\n%s", p.meta)
	}
	meta, metadataMutated := syntheticBaseMetadata(p.meta, info, p.args, innerArgs)

	fn := p.fn
	wrapped := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		outer := info.unpack(args, o.View)
		outs := slices.Clone(fn(o, outer))
		for _, ii := range metadataMutated {
			outs = append(outs, outer[ii])
		}
		return outs
	}
	merged := program{fn: wrapped, args: innerArgs, meta: meta}
	klog.V(1).Infof("aot %q: merged aliased arguments into %d synthetic bases, %d -> %d arguments",
		c.cfg.Name, len(innerArgs)-len(p.args)+numMerged(info), len(p.args), len(innerArgs))
	c.assertMetadata("synthetic_base", merged)

	wrap := func(inner runtimeFn) runtimeFn {
		return func(args []*buffers.Buffer) []*buffers.Buffer {
			innerArgs, runtimeInfo := mergeViewInputs(args, mutatesData, isInference, definitelyDisjoint)
			if !runtimeInfo.sameStructure(info) {
				invariantf("arguments don't alias each other the way they did when the function was compiled:\n%s", meta)
			}
			outs := inner(innerArgs)
			numUserOutputs := len(outs) - len(metadataMutated)
			for k, ii := range metadataMutated {
				restride(c.cfg.Ops, args[ii], outs[numUserOutputs+k].Geometry())
			}
			return outs[:numUserOutputs]
		}
	}
	return merged, wrap
}

// numMerged returns the number of original arguments regenerated from a synthetic base.
func numMerged(info SyntheticBaseInfo) int {
	return xslices.Count(info, func(e SyntheticBaseEntry) bool { return e.View != nil })
}
