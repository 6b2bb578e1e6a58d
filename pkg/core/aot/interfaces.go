// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/core/ops"
)

// Graph is a traced side-effect-free function.
type Graph interface {
	Name() string

	// Inputs returns the example inputs the graph was traced with.
	Inputs() []*buffers.Buffer

	NumOutputs() int
}

// Tracer records a function into a Graph.
type Tracer interface {
	// Trace runs fn once over args, or placeholders with their dtypes and dims, and returns the graph.
	Trace(name string, fn ops.Fn, args []*buffers.Buffer) (Graph, error)
}

// Partitioner splits a joint graph, whose inputs are primals followed by tangents, and whose
// first numForwardOutputs outputs are the forward ones.
//
// The forward graph takes the primals, and returns the forward outputs followed by the values
// saved for the backward. The backward graph takes the saved values followed by the tangents,
// and returns the remaining outputs of the joint graph.
type Partitioner interface {
	Partition(joint Graph, primals, tangents []*buffers.Buffer, numForwardOutputs int) (fw, bw Graph, err error)
}

// Compiler compiles a Graph into an Executable.
type Compiler interface {
	Compile(g Graph, exampleArgs []*buffers.Buffer) (Executable, error)
}

// Executable is a compiled graph.
type Executable interface {
	Call(args ...*buffers.Buffer) ([]*buffers.Buffer, error)
}

// BoxedExecutable is an Executable that takes its arguments as one slice, which it may consume.
type BoxedExecutable interface {
	CallBoxed(args []*buffers.Buffer) ([]*buffers.Buffer, error)
}

// boxed adapts an Executable to BoxedExecutable.
type boxed struct {
	exec Executable
}

// CallBoxed implements BoxedExecutable.
func (b boxed) CallBoxed(args []*buffers.Buffer) ([]*buffers.Buffer, error) {
	return b.exec.Call(args...)
}

// MakeBoxed returns exec as a BoxedExecutable: exec itself if it already implements it.
func MakeBoxed(exec Executable) BoxedExecutable {
	if b, ok := exec.(BoxedExecutable); ok {
		return b
	}
	return boxed{exec}
}

// GradEngine computes gradients of buffers produced by ops.Ops.
type GradEngine interface {
	// Grad returns the gradients of inputs with respect to outputs, seeded by gradOutputs (ones if nil).
	// With allowUnused, inputs that don't affect the outputs get nil gradients.
	Grad(outputs, inputs, gradOutputs []*buffers.Buffer, allowUnused bool) ([]*buffers.Buffer, error)

	// Attach records outputs as computed from inputs by an opaque function whose gradients are
	// given by backward.
	Attach(inputs, outputs []*buffers.Buffer, backward func(gradOutputs []*buffers.Buffer) []*buffers.Buffer)
}

// OverlapTest returns true only if a and b, which share a storage, definitely don't overlap.
type OverlapTest func(a, b *buffers.Buffer) bool
