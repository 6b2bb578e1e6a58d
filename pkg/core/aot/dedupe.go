// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"slices"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// dupeMaps describes how duplicated arguments are removed from a calling convention.
type dupeMaps struct {
	// keepArgMask marks the first occurrence of each argument.
	keepArgMask []bool

	// addDupeMap maps each original position to its position in the deduped arguments.
	addDupeMap []int
}

// newDupeMaps returns the maps for args, and whether there is any duplicate.
func newDupeMaps(args []*buffers.Buffer) (d dupeMaps, hasDupes bool) {
	d.keepArgMask = make([]bool, len(args))
	d.addDupeMap = make([]int, len(args))
	seen := make(map[*buffers.Buffer]int, len(args))
	numKept := 0
	for ii, arg := range args {
		if first, found := seen[arg]; found {
			d.addDupeMap[ii] = d.addDupeMap[first]
			hasDupes = true
			continue
		}
		seen[arg] = ii
		d.keepArgMask[ii] = true
		d.addDupeMap[ii] = numKept
		numKept++
	}
	return
}

func (d dupeMaps) removeDupeArgs(args []*buffers.Buffer) []*buffers.Buffer {
	return xslices.Mask(args, d.keepArgMask)
}

func (d dupeMaps) addDupeArgs(args []*buffers.Buffer) []*buffers.Buffer {
	return xslices.Gather(args, d.addDupeMap)
}

// removeDupeMetadata returns the metadata of the function taking the deduped arguments args.
//
// The information of a kept input merges that of all its occurrences, since after
// deduplication the function sees one buffer for all of them.
func removeDupeMetadata(m *ViewAndMutationMeta, d dupeMaps, args []*buffers.Buffer) *ViewAndMutationMeta {
	numKept := xslices.Count(d.keepArgMask, func(keep bool) bool { return keep })
	inputs := make([]InputInfo, numKept)
	occurrences := make([][]int, numKept)
	for ii, info := range m.inputs {
		kept := d.addDupeMap[ii]
		occurrences[kept] = append(occurrences[kept], ii)
		if d.keepArgMask[ii] {
			inputs[kept] = info
			continue
		}
		merged := &inputs[kept]
		if info.MutatesData {
			merged.MutationsHiddenFromGrad = info.MutationsHiddenFromGrad &&
				(merged.MutationsHiddenFromGrad || !merged.MutatesData)
			merged.MutatesData = true
		}
		merged.MutatesMetadata = merged.MutatesMetadata || info.MutatesMetadata
		merged.RequiresGrad = merged.RequiresGrad || info.RequiresGrad
	}

	outputs := make([]OutputInfo, len(m.outputs))
	for ii, info := range m.outputs {
		if info.Type == OutputTypeAliasOfInput || info.Type == OutputTypeIsInput {
			info.BaseIdx = d.addDupeMap[info.BaseIdx]
		}
		outputs[ii] = info
	}

	// Tangents of the mutated inputs: the one of the first occurrence that had one.
	outerTangent := make(map[int]*buffers.Buffer, len(m.mutatedRuntime))
	numInputTangents := 0
	for _, ii := range m.mutatedRuntime {
		if m.inputs[ii].MutatesData && m.inputs[ii].RequiresGrad {
			outerTangent[ii] = m.tangents[numInputTangents]
			numInputTangents++
		}
	}
	var tangents []*buffers.Buffer
	for kept, info := range inputs {
		if mutationTypeOf(m.keepInputMutations, info) != MutationTypeOutOfGraph || !info.MutatesData || !info.RequiresGrad {
			continue
		}
		var tangent *buffers.Buffer
		for _, ii := range occurrences[kept] {
			if t, found := outerTangent[ii]; found {
				tangent = t
				break
			}
		}
		if tangent == nil {
			tangent = buffers.Symbolic(args[kept].DType(), args[kept].Dims()...)
		}
		tangents = append(tangents, tangent)
	}
	tangents = append(tangents, m.tangents[numInputTangents:]...)
	return newMeta(inputs, outputs, m.numIntermediateBases, tangents, m.keepInputMutations, m.rngFunctionalized)
}

// dedupe is the pipeline stage that removes duplicated arguments.
//
// Duplicates that are never mutated are replaced by detached aliases, keeping the calling
// convention. Otherwise the duplicates are removed, and the runtime wrapper removes them from
// every call, after checking they are indeed the same buffers.
func dedupe(c *compilation, p program) (program, runtimeWrap) {
	d, hasDupes := newDupeMaps(p.args)
	if !hasDupes {
		return p, nil
	}

	// Strategy 1: detach duplicates that are never mutated.
	detachable := true
	for ii := range p.args {
		if !d.keepArgMask[ii] && p.meta.inputs[ii].IsMutated() {
			detachable = false
			break
		}
	}
	if detachable {
		args := slices.Clone(p.args)
		for ii, arg := range args {
			if !d.keepArgMask[ii] {
				args[ii] = buffers.Detach(arg).SetRequiresGrad(arg.RequiresGrad())
			}
		}
		klog.V(1).Infof("aot %q: duplicated arguments are not mutated, detaching them", c.cfg.Name)
		return program{fn: p.fn, args: args, meta: p.meta}, nil
	}

	// Strategy 2: remove the duplicates from the calling convention.
	if slices.ContainsFunc(p.args, (*buffers.Buffer).Composite) {
		unsupportedf("duplicated arguments that are mutated can't be removed when any argument is composite:\n%s", p.meta)
	}
	if c.cfg.ExportMode {
		unsupportedf("duplicated arguments that are mutated are not supported in export mode:\n%s", p.meta)
	}
	fn := p.fn
	wrapped := func(o ops.Ops, args []*buffers.Buffer) []*buffers.Buffer {
		return fn(o, d.addDupeArgs(args))
	}
	dedupedArgs := d.removeDupeArgs(p.args)
	deduped := program{fn: wrapped, args: dedupedArgs, meta: removeDupeMetadata(p.meta, d, dedupedArgs)}
	klog.V(1).Infof("aot %q: removing duplicated arguments, %d -> %d", c.cfg.Name, len(p.args), len(deduped.args))
	c.assertMetadata("dedupe", deduped)

	wrap := func(inner runtimeFn) runtimeFn {
		return func(args []*buffers.Buffer) []*buffers.Buffer {
			dedupedArgs := d.removeDupeArgs(args)
			roundTrip := d.addDupeArgs(dedupedArgs)
			for ii, arg := range args {
				if roundTrip[ii] != arg {
					invariantf("argument #%d was compiled as a duplicate of argument #%d, but it is a different buffer",
						ii, slices.Index(args, roundTrip[ii]))
				}
			}
			return inner(dedupedArgs)
		}
	}
	return deduped, wrap
}
