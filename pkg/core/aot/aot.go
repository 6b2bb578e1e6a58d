// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package aot compiles functions over buffers that may mutate and alias their arguments.
//
// The function is traced into a side-effect-free graph: the mutations of its arguments become
// extra outputs (or copies kept at the end of the graph), and the outputs that alias the
// arguments or each other are regenerated by a runtime wrapper around the compiled graph.
// If the arguments require gradients, the graph traced is the joint of the forward and its
// gradients, which is partitioned into a forward and a backward graph, and the compiled
// forward is attached to the gradient engine with the compiled backward as its gradient.
//
// Arguments given more than once are deduplicated, and mutated arguments that share a
// storage are merged into one synthetic base argument, so the graph never sees aliased inputs.
//
// The tracer, partitioner and compiler are collaborators given in the Config. Package aottest
// provides reference ones.
package aot

import (
	"os"
	"slices"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/eager"
	"github.com/gomlx/aotgraph/pkg/core/ops"
	"github.com/gomlx/aotgraph/pkg/core/rng"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GOMLX_AOT_DEBUG is the environment variable that enables DebugAssert in DefaultConfig.
// Any non-empty value other than "0" or "false" enables it.
const GOMLX_AOT_DEBUG = "GOMLX_AOT_DEBUG"

// Config holds the collaborators and options of a compilation.
type Config struct {
	// Name is used in the names of the traced graphs and in logs.
	Name string

	Tracer      Tracer
	Partitioner Partitioner
	Compiler    Compiler

	// InferenceCompiler and BackwardCompiler are optional: Compiler is used if they are nil.
	InferenceCompiler Compiler
	BackwardCompiler  Compiler

	// Ops runs the function, and Grad computes its gradients. Both are usually the same eager.Engine.
	Ops  ops.Ops
	Grad GradEngine

	// Generator is the random number generator whose state is threaded through the graphs
	// with FunctionalizeRNG.
	Generator *rng.Generator

	// OverlapTest tells if two mutated arguments sharing a storage can be kept as separate
	// arguments. It defaults to buffers.DefinitelyDoNotOverlap.
	OverlapTest OverlapTest

	// KeepInferenceInputMutations keeps data mutations of the inputs in the graph, when not
	// compiling for gradients.
	KeepInferenceInputMutations bool

	// FunctionalizeRNG draws random numbers in the graphs from a state given as arguments,
	// and writes the new offset back to Generator after each call.
	FunctionalizeRNG bool

	// ExportMode only traces the function, with the restrictions of export. It is set by Export.
	ExportMode bool

	// NoTangents takes the gradients of the single output requiring gradients, which must have
	// only one element, without gradient seeds.
	NoTangents bool

	// DebugAssert re-collects the metadata after each stage that rewrites the calling convention,
	// and checks it matches the one computed by the stage.
	DebugAssert bool

	// NumParameters is the number of leading arguments named as parameters in the export signature.
	NumParameters int
}

// DefaultConfig returns a Config using a new eager.Engine for ops, gradients and random numbers.
// The tracer, partitioner and compiler must be set.
func DefaultConfig() *Config {
	e := eager.New()
	cfg := &Config{
		Name:      "aot",
		Ops:       e,
		Grad:      e,
		Generator: e.Generator(),
	}
	if v, found := os.LookupEnv(GOMLX_AOT_DEBUG); found && v != "" && v != "0" && v != "false" {
		cfg.DebugAssert = true
	}
	return cfg
}

// overlapTest returns the configured OverlapTest or the default one.
func (cfg *Config) overlapTest() OverlapTest {
	if cfg.OverlapTest != nil {
		return cfg.OverlapTest
	}
	return buffers.DefinitelyDoNotOverlap
}

// validate checks the required collaborators are set.
func (cfg *Config) validate() error {
	if cfg.Ops == nil {
		return errors.New("aot.Config.Ops must be set")
	}
	if cfg.Grad == nil {
		return errors.New("aot.Config.Grad must be set")
	}
	if cfg.Tracer == nil {
		return errors.New("aot.Config.Tracer must be set")
	}
	if cfg.Compiler == nil && !cfg.ExportMode {
		return errors.New("aot.Config.Compiler must be set")
	}
	if cfg.FunctionalizeRNG && cfg.Generator == nil {
		return errors.New("aot.Config.Generator must be set to functionalize random number generation")
	}
	return nil
}

// newCompilation collects the metadata of fn and decides whether it is compiled for gradients.
// It panics on errors.
func newCompilation(fn ops.Fn, args []*buffers.Buffer, cfg *Config) (*compilation, program) {
	needsAutograd := cfg.Ops.GradEnabled() && slices.ContainsFunc(args, (*buffers.Buffer).RequiresGrad)
	keep := cfg.KeepInferenceInputMutations && !needsAutograd
	meta := collectMetadata(cfg.Ops, cfg.Grad, fn, args, keep)
	if needsAutograd && !meta.AnyOutputRequiresGrad() {
		klog.V(1).Infof("aot %q: no output requires gradients, compiling for inference", cfg.Name)
		needsAutograd = false
		if cfg.KeepInferenceInputMutations {
			meta = collectMetadata(cfg.Ops, cfg.Grad, fn, args, true)
		}
	}
	if cfg.ExportMode {
		for ii, info := range meta.inputs {
			if info.MutatesMetadata {
				unsupportedf("export doesn't support mutating the metadata of input #%d:\n%s", ii, meta)
			}
			if info.MutatesData && info.RequiresGrad && needsAutograd {
				unsupportedf("export doesn't support mutating input #%d, which requires gradients:\n%s", ii, meta)
			}
		}
		if idx := slices.IndexFunc(args, (*buffers.Buffer).Composite); idx >= 0 {
			unsupportedf("export doesn't support composite arguments, argument #%d is composite", idx)
		}
		if cfg.FunctionalizeRNG {
			unsupportedf("export doesn't support functionalized random number generation")
		}
	}
	return &compilation{cfg: cfg, needsAutograd: needsAutograd}, program{fn: fn, args: slices.Clone(args), meta: meta}
}

// Compiled is a function compiled by Compile. It is immutable and safe to call concurrently,
// if the Ops and the compiled graphs are.
type Compiled struct {
	name    string
	meta    *ViewAndMutationMeta
	fn      runtimeFn
	numArgs int
}

// Compile traces and compiles fn for arguments like args, and returns a function with the
// same behavior as fn run eagerly: it mutates its arguments the same way, and its outputs
// alias the arguments and each other the same way.
//
// The compiled function must be called with arguments with the same dtypes, dims, aliasing
// and gradient requirements as args.
func Compile(fn ops.Fn, args []*buffers.Buffer, cfg *Config) (compiled *Compiled, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ExportMode {
		return nil, errors.New("aot.Compile called with ExportMode, use aot.Export instead")
	}
	cfgCopy := *cfg
	if err = cfgCopy.validate(); err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() {
		c, p := newCompilation(fn, args, &cfgCopy)
		compiled = &Compiled{
			name:    cfgCopy.Name,
			meta:    p.meta,
			fn:      c.run(p),
			numArgs: len(args),
		}
	})
	if err != nil {
		return nil, err
	}
	return compiled, nil
}

// MustCompile is like Compile, but panics on errors.
func MustCompile(fn ops.Fn, args []*buffers.Buffer, cfg *Config) *Compiled {
	compiled, err := Compile(fn, args, cfg)
	if err != nil {
		panic(err)
	}
	return compiled
}

// Name of the compiled function.
func (c *Compiled) Name() string { return c.name }

// Meta returns the metadata collected for the function, for its original calling convention.
func (c *Compiled) Meta() *ViewAndMutationMeta { return c.meta }

// Call runs the compiled function. It panics on errors.
func (c *Compiled) Call(args ...*buffers.Buffer) []*buffers.Buffer {
	if len(args) != c.numArgs {
		exceptions.Panicf("aot %q: called with %d arguments, it was compiled for %d", c.name, len(args), c.numArgs)
	}
	return c.fn(args)
}

// Exec runs the compiled function, returning errors instead of panicking.
func (c *Compiled) Exec(args ...*buffers.Buffer) (outputs []*buffers.Buffer, err error) {
	err = exceptions.TryCatch[error](func() { outputs = c.Call(args...) })
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// Exported is a function traced by Export.
type Exported struct {
	// Graph is the inference graph, or the joint graph if some argument requires gradients.
	Graph Graph

	Meta      *ViewAndMutationMeta
	Signature *GraphSignature
}

// Export traces fn for arguments like args, without compiling it.
//
// It returns ErrUnsupportedAliasing for mutations of the metadata of an input, mutations of
// inputs requiring gradients, composite arguments, mutated duplicated or aliased arguments, and
// if the Config asks for functionalized random number generation.
func Export(fn ops.Fn, args []*buffers.Buffer, cfg *Config) (exported *Exported, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfgCopy := *cfg
	cfgCopy.ExportMode = true
	if err = cfgCopy.validate(); err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() {
		c, p := newCompilation(fn, args, &cfgCopy)
		if c.run(p) != nil || c.graph == nil {
			invariantf("export of %q didn't produce a graph", cfgCopy.Name)
		}
		exported = &Exported{Graph: c.graph, Meta: c.exported.meta, Signature: c.signature}
	})
	if err != nil {
		return nil, err
	}
	return exported, nil
}

// ExportJointSimple traces fn into one graph without any wrapping: if traceJoint, the joint graph
// of fn and its gradients, otherwise its inference graph with gradients disabled.
//
// Besides the restrictions of Export, fn must not mutate its inputs, and its outputs must not
// alias its inputs or each other, so the graph has exactly the calling convention of fn
// (plus the tangents and gradients of the joint).
func ExportJointSimple(fn ops.Fn, args []*buffers.Buffer, traceJoint bool, cfg *Config) (Graph, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfgCopy := *cfg
	if cfgCopy.Ops == nil {
		return nil, errors.New("aot.Config.Ops must be set")
	}
	var exported *Exported
	var err error
	if traceJoint {
		exported, err = Export(fn, args, &cfgCopy)
	} else {
		cfgCopy.Ops.NoGrad(func() { exported, err = Export(fn, args, &cfgCopy) })
	}
	if err != nil {
		return nil, err
	}
	meta := exported.Meta
	for ii, info := range meta.inputs {
		if info.IsMutated() {
			return nil, errors.Wrapf(ErrUnsupportedAliasing, "input #%d is mutated, which ExportJointSimple doesn't support", ii)
		}
	}
	for ii, info := range meta.outputs {
		if info.Type != OutputTypeNonAlias {
			return nil, errors.Wrapf(ErrUnsupportedAliasing, "output #%d is of type %s, only non-aliased outputs are supported by ExportJointSimple",
				ii, info.Type)
		}
	}
	if meta.numIntermediateBases > 0 {
		return nil, errors.Wrapf(ErrUnsupportedAliasing, "outputs alias intermediate values, which ExportJointSimple doesn't support")
	}
	if traceJoint && !slices.ContainsFunc(args, (*buffers.Buffer).RequiresGrad) {
		klog.Warningf("aot %q: ExportJointSimple asked for a joint graph, but no argument requires gradients", cfgCopy.Name)
	}
	return exported.Graph, nil
}
