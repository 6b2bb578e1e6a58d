// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"slices"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/core/rng"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CollectMetadata runs fn once, without side effects, over placeholders of args, and returns
// what it does to each of its inputs and what each of its outputs aliases.
//
// The state of the random number generator of o (if it exposes one) is restored afterwards.
func CollectMetadata(o ops.Ops, grad GradEngine, fn ops.Fn, args []*buffers.Buffer, keepInputMutations bool) (meta *ViewAndMutationMeta, err error) {
	err = exceptions.TryCatch[error](func() { meta = collectMetadata(o, grad, fn, args, keepInputMutations) })
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// generatorOwner is implemented by Ops that draw from an rng.Generator.
type generatorOwner interface {
	Generator() *rng.Generator
}

// collectMetadata is CollectMetadata, panicking on errors.
func collectMetadata(o ops.Ops, grad GradEngine, fn ops.Fn, args []*buffers.Buffer, keepInputMutations bool) *ViewAndMutationMeta {
	if owner, ok := o.(generatorOwner); ok {
		defer owner.Generator().Scoped()()
	}
	f := newFunctionalOps(o, grad, buffers.Fakify(args))
	outs := fn(f, slices.Clone(f.inputs))
	return f.metadata(outs, keepInputMutations)
}

// metadata reads back the inputs and outputs information once the function returned outs.
func (f *functionalOps) metadata(outs []*buffers.Buffer, keepInputMutations bool) *ViewAndMutationMeta {
	inputs := f.inputInfos()
	outputs, bases := f.classifyOutputs(outs)

	// Tangents: mutated inputs applied at runtime, outputs that take them and intermediate bases.
	var tangents []*buffers.Buffer
	tangentOf := func(v *buffers.Buffer) *buffers.Buffer {
		return buffers.Symbolic(v.DType(), v.Dims()...)
	}
	for ii, info := range inputs {
		if mutationTypeOf(keepInputMutations, info) == MutationTypeOutOfGraph && info.MutatesData && info.RequiresGrad {
			tangents = append(tangents, tangentOf(f.valueOf(f.inputs[ii])))
		}
	}
	for ii, info := range outputs {
		if info.getsTangent() {
			tangents = append(tangents, tangentOf(f.valueOf(outs[ii])))
		}
	}
	for _, fs := range bases {
		tangents = append(tangents, tangentOf(fs.value))
	}
	m := newMeta(inputs, outputs, len(bases), tangents, keepInputMutations, false)
	klog.V(2).Infof("collected metadata:\n%s", m)
	return m
}

// inputInfos compares the final state of each input handle with the original argument.
func (f *functionalOps) inputInfos() []InputInfo {
	infos := make([]InputInfo, len(f.inputs))
	for ii, x := range f.inputs {
		arg := f.args[ii]
		fs := f.handles[x].fs
		infos[ii] = InputInfo{
			MutatesData:     fs.dataMutations > 0,
			MutatesMetadata: !x.Geometry().Equal(arg.Geometry()),
			IsLeaf:          arg.IsLeaf(),
			RequiresGrad:    arg.RequiresGrad() || f.valueOf(x).RequiresGrad(),
		}
		infos[ii].MutationsHiddenFromGrad = infos[ii].MutatesData && fs.hiddenMutations == fs.dataMutations
	}
	return infos
}

// classifyOutputs returns the information of each output, and the functional storages of the
// intermediate bases the graph has to return.
func (f *functionalOps) classifyOutputs(outs []*buffers.Buffer) (infos []OutputInfo, bases []*fstorage) {
	// Index of the first output that is each intermediate root.
	rootOutputs := make(map[*buffers.Buffer]int)
	for ii, x := range outs {
		if x == nil {
			exceptions.Panicf("output #%d is nil", ii)
		}
		h := f.handleOf(x)
		if h.fs.inputIdx < 0 && x == h.fs.root {
			if _, found := rootOutputs[x]; !found {
				rootOutputs[x] = ii
			}
		}
	}
	baseIdx := make(map[*fstorage]int)

	infos = make([]OutputInfo, len(outs))
	for ii, x := range outs {
		h := f.handleOf(x)
		v := f.valueOf(x)
		info := OutputInfo{
			BaseIdx:      -1,
			RequiresGrad: v.RequiresGrad(),
			View:         &buffers.Alias{Base: h.fs.rootGeom.Clone(), Steps: slices.Clone(h.steps), Result: x.Geometry()},
		}
		if v.DynamicAxes() != nil {
			info.DynamicDims = v.DynamicAxes().Clone()
		}
		fs := h.fs
		switch {
		case fs.inputIdx >= 0 && h.isCustom():
			info.Type = OutputTypeCustomView
			info.View = nil
		case fs.inputIdx >= 0 && x == f.inputs[fs.inputIdx]:
			info.Type = OutputTypeIsInput
			info.BaseIdx = fs.inputIdx
		case fs.inputIdx >= 0:
			info.Type = OutputTypeAliasOfInput
			info.BaseIdx = fs.inputIdx
		case x == fs.root:
			if first := rootOutputs[x]; first < ii {
				// The same intermediate returned again.
				info.Type = OutputTypeAliasOfIntermediateBaseIsUserOutput
				info.BaseIdx = first
				info.View = buffers.IdentityAlias(x.Geometry())
			} else {
				info.Type = OutputTypeNonAlias
				info.View = nil
			}
		case h.detached:
			info.Type = OutputTypeUnsafeViewAlias
			info.View = nil
		case h.isCustom():
			info.Type = OutputTypeCustomView
			info.View = nil
		default:
			if first, found := rootOutputs[fs.root]; found {
				info.Type = OutputTypeAliasOfIntermediateBaseIsUserOutput
				info.BaseIdx = first
			} else if idx, found := baseIdx[fs]; found {
				info.Type = OutputTypeAliasOfIntermediate
				info.BaseIdx = idx
			} else {
				info.Type = OutputTypeAliasOfIntermediateSavedAsOutput
				info.BaseIdx = len(bases)
				baseIdx[fs] = len(bases)
				bases = append(bases, fs)
			}
		}
		infos[ii] = info
	}
	return infos, bases
}

// intermediateBases returns the current inner values of the intermediate bases of outs, in the
// order classifyOutputs assigns them.
func (f *functionalOps) intermediateBases(outs []*buffers.Buffer, meta *ViewAndMutationMeta) []*buffers.Buffer {
	bases := make([]*buffers.Buffer, 0, meta.NumIntermediateBases())
	for ii, info := range meta.outputs {
		if info.Type == OutputTypeAliasOfIntermediateSavedAsOutput {
			bases = append(bases, f.handleOf(outs[ii]).fs.value)
		}
	}
	if len(bases) != meta.NumIntermediateBases() {
		panic(errors.Wrapf(ErrInvariant, "function returned %d intermediate bases, metadata expects %d:\n%s",
			len(bases), meta.NumIntermediateBases(), meta))
	}
	return bases
}
