// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"k8s.io/klog/v2"
)

// program is the triple every pipeline stage takes and returns: a function, the arguments it
// is compiled for and its metadata.
type program struct {
	fn   ops.Fn
	args []*buffers.Buffer
	meta *ViewAndMutationMeta
}

// runtimeFn is a compiled function, with the calling convention of some stage.
type runtimeFn func(args []*buffers.Buffer) []*buffers.Buffer

// runtimeWrap converts a runtimeFn with the calling convention after a stage to one with the
// calling convention before it.
type runtimeWrap func(inner runtimeFn) runtimeFn

// stage rewrites a program. It returns a nil runtimeWrap if the calling convention didn't change.
type stage struct {
	name  string
	apply func(c *compilation, p program) (program, runtimeWrap)
}

// stages are applied in order at compile time, and their runtime wrappers in reverse order.
var stages = []stage{
	{"dedupe", dedupe},
	{"synthetic_base", syntheticBase},
}

// compilation holds the state of one call to Compile, Export or ExportJointSimple.
type compilation struct {
	cfg           *Config
	needsAutograd bool

	// Set by dispatch in export mode.
	graph     Graph
	exported  program
	signature *GraphSignature
}

// run applies the stages to p and dispatches the result. It returns the runtime function with
// the calling convention of p, or nil in export mode.
func (c *compilation) run(p program) runtimeFn {
	var wraps []runtimeWrap
	for _, s := range stages {
		var wrap runtimeWrap
		p, wrap = s.apply(c, p)
		if wrap != nil {
			klog.V(1).Infof("aot %q: stage %s rewrote the calling convention to %d arguments", c.cfg.Name, s.name, len(p.args))
			wraps = append(wraps, wrap)
		}
	}
	fn := c.dispatch(p)
	if fn == nil {
		return nil
	}
	for ii := len(wraps) - 1; ii >= 0; ii-- {
		fn = wraps[ii](fn)
	}
	return fn
}

// collect runs the metadata collector on p's function and arguments.
func (c *compilation) collect(p program, keepInputMutations bool) *ViewAndMutationMeta {
	return collectMetadata(c.cfg.Ops, c.cfg.Grad, p.fn, p.args, keepInputMutations)
}

// assertMetadata checks, in debug mode, that the metadata computed by a stage for its rewritten
// program matches the one collected by running it.
func (c *compilation) assertMetadata(stageName string, p program) {
	if !c.cfg.DebugAssert {
		return
	}
	collected := c.collect(p, p.meta.keepInputMutations).withRNGFunctionalized(p.meta.rngFunctionalized)
	if !collected.Equal(p.meta) {
		invariantf("metadata computed by stage %s doesn't match the collected one:\ncomputed:\n%s\ncollected:\n%s",
			stageName, p.meta, collected)
	}
}
