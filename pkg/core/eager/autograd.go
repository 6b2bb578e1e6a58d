// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package eager

import (
	"slices"

	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/pkg/errors"
)

// BackwardFn returns the gradients of the inputs of an operation given the gradients of its outputs.
// A nil input gradient means no gradient flows to that input.
type BackwardFn func(gradOutputs []*buffers.Buffer) []*buffers.Buffer

// node is one recorded operation on the tape.
type node struct {
	name    string
	entries []*historyEntry
	outputs []*buffers.Buffer

	// inputKeys and inputsRequireGrad are captured at recording time, since the history of an
	// input may later change with an in-place operation.
	inputKeys         []any
	inputsRequireGrad []bool
	backward          BackwardFn
}

// historyEntry is the buffers.History of the output of a node. Its pointer is the key used to
// accumulate the gradient of that output.
type historyEntry struct {
	node  *node
	index int
}

// Name implements buffers.History.
func (h *historyEntry) Name() string { return h.node.name }

// gradKey returns the key the gradient of b is accumulated under: its history entry, or the
// buffer itself for leaves.
func gradKey(b *buffers.Buffer) any {
	if h, ok := b.History().(*historyEntry); ok {
		return h
	}
	return b
}

// record adds an operation to the tape, if gradients are enabled and any of the inputs requires them.
func (e *Engine) record(name string, inputs, outputs []*buffers.Buffer, backward BackwardFn) {
	if !e.gradEnabled || !slices.ContainsFunc(inputs, (*buffers.Buffer).RequiresGrad) {
		return
	}
	n := &node{
		name:              name,
		outputs:           outputs,
		inputKeys:         make([]any, len(inputs)),
		inputsRequireGrad: make([]bool, len(inputs)),
		backward:          backward,
	}
	for ii, input := range inputs {
		n.inputKeys[ii] = gradKey(input)
		n.inputsRequireGrad[ii] = input.RequiresGrad()
	}
	n.entries = make([]*historyEntry, len(outputs))
	for ii, output := range outputs {
		n.entries[ii] = &historyEntry{node: n, index: ii}
		output.SetHistory(n.entries[ii])
		output.SetRequiresGrad(true)
	}
}

// Attach records outputs as computed from inputs by an opaque function, whose gradients are
// given by backward. It is a no-op if gradients are disabled or none of the inputs requires them.
func (e *Engine) Attach(inputs, outputs []*buffers.Buffer, backward func(gradOutputs []*buffers.Buffer) []*buffers.Buffer) {
	e.record("attached", inputs, outputs, backward)
}

// Grad returns the gradients of inputs with respect to outputs, seeded with gradOutputs.
//
// If gradOutputs is nil, every output is seeded with ones. If allowUnused is true, inputs that
// don't affect the outputs get a nil gradient, otherwise they are an error.
// Gradients are computed with gradient tracking disabled.
func (e *Engine) Grad(outputs, inputs, gradOutputs []*buffers.Buffer, allowUnused bool) (grads []*buffers.Buffer, err error) {
	if gradOutputs != nil && len(gradOutputs) != len(outputs) {
		return nil, errors.Errorf("eager.Grad: %d gradOutputs given for %d outputs", len(gradOutputs), len(outputs))
	}
	for ii, output := range outputs {
		if !output.RequiresGrad() {
			return nil, errors.Errorf("eager.Grad: output #%d doesn't require gradients", ii)
		}
	}
	e.NoGrad(func() {
		grads = e.backpropagate(outputs, inputs, gradOutputs)
	})
	if !allowUnused {
		for ii, grad := range grads {
			if grad == nil {
				return nil, errors.Errorf("eager.Grad: input #%d is not used to compute the outputs", ii)
			}
		}
	}
	return grads, nil
}

func (e *Engine) backpropagate(outputs, inputs, gradOutputs []*buffers.Buffer) []*buffers.Buffer {
	accumulated := make(map[any]*buffers.Buffer)
	accumulate := func(key any, g *buffers.Buffer) {
		if previous, found := accumulated[key]; found {
			g = e.Add(previous, g)
		}
		accumulated[key] = g
	}
	for ii, output := range outputs {
		var seed *buffers.Buffer
		if gradOutputs != nil && gradOutputs[ii] != nil {
			seed = gradOutputs[ii]
		} else {
			seed = e.Shift(e.zerosLike(output), 1)
		}
		accumulate(gradKey(output), seed)
	}

	// Reverse topological order of the nodes reachable from the outputs.
	var order []*node
	visited := make(map[*node]bool)
	var visit func(key any)
	visit = func(key any) {
		h, ok := key.(*historyEntry)
		if !ok || visited[h.node] {
			return
		}
		visited[h.node] = true
		for _, inputKey := range h.node.inputKeys {
			visit(inputKey)
		}
		order = append(order, h.node)
	}
	for _, output := range outputs {
		visit(gradKey(output))
	}

	for ii := len(order) - 1; ii >= 0; ii-- {
		n := order[ii]
		gradOutputs := make([]*buffers.Buffer, len(n.outputs))
		anyGrad := false
		for jj, entry := range n.entries {
			gradOutputs[jj] = accumulated[entry]
			anyGrad = anyGrad || gradOutputs[jj] != nil
		}
		if !anyGrad {
			continue
		}
		for jj, g := range gradOutputs {
			if g == nil {
				gradOutputs[jj] = e.zerosLike(n.outputs[jj])
			}
		}
		gradInputs := n.backward(gradOutputs)
		for jj, g := range gradInputs {
			if g != nil && n.inputsRequireGrad[jj] {
				accumulate(n.inputKeys[jj], g)
			}
		}
	}

	grads := make([]*buffers.Buffer, len(inputs))
	for ii, input := range inputs {
		if g, found := accumulated[gradKey(input)]; found {
			grads[ii] = e.compact(g, input)
		}
	}
	return grads
}

// zerosLike returns contiguous zeros with the dtype and dims of x, symbolic if x is.
func (e *Engine) zerosLike(x *buffers.Buffer) *buffers.Buffer {
	return alloc(x.DType(), x.Dims(), x)
}

// compact returns g as a contiguous buffer of the dtype of x, owning its storage.
func (e *Engine) compact(g, x *buffers.Buffer) *buffers.Buffer {
	if g.IsContiguous() && g.Offset() == 0 && g.Storage().Len() == g.Size() && g.DType() == x.DType() {
		return g
	}
	c := alloc(x.DType(), g.Dims(), g)
	if !c.IsSymbolic() {
		c.Fill(g.Values())
	}
	return c
}
