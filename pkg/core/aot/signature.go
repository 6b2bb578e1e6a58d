// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"fmt"
	"strings"
)

// GraphSignature names the inputs and outputs of an exported graph, and tells which of them
// are parameters, mutations and gradients.
//
// The first NumParameters arguments are parameters, named "param<i>", and the others user
// inputs, named "arg<i>". Joint graphs take additionally the tangents, named "tangent<i>".
// Outputs are named "output<k>", by their position in the graph.
type GraphSignature struct {
	Parameters []string
	UserInputs []string

	// Inputs and Outputs name all the inputs and outputs of the graph, in order.
	Inputs  []string
	Outputs []string

	// UserOutputs are the graph outputs that are outputs of the exported function.
	UserOutputs []string

	// ParameterMutations and UserInputMutations map the graph outputs holding updated values to
	// the input they update.
	ParameterMutations map[string]string
	UserInputMutations map[string]string

	// GradientsToParameters and GradientsToUserInputs map the gradient outputs of a joint graph
	// to the input they are the gradient of.
	GradientsToParameters map[string]string
	GradientsToUserInputs map[string]string

	// LossOutput is the output the gradients are taken from, for joint graphs traced without tangents.
	LossOutput string
}

func argName(numParameters, ii int) string {
	if ii < numParameters {
		return fmt.Sprintf("param%d", ii)
	}
	return fmt.Sprintf("arg%d", ii)
}

func outputName(k int) string { return fmt.Sprintf("output%d", k) }

// newGraphSignature returns the signature of the graph traced for meta. If isJoint, the graph
// is the joint one: it takes the tangents after the arguments, and returns the gradients of
// every argument after the forward returns.
func newGraphSignature(meta *ViewAndMutationMeta, numParameters int, isJoint, noTangents bool) *GraphSignature {
	s := &GraphSignature{
		ParameterMutations:    make(map[string]string),
		UserInputMutations:    make(map[string]string),
		GradientsToParameters: make(map[string]string),
		GradientsToUserInputs: make(map[string]string),
	}
	for ii := range meta.inputs {
		name := argName(numParameters, ii)
		if ii < numParameters {
			s.Parameters = append(s.Parameters, name)
		} else {
			s.UserInputs = append(s.UserInputs, name)
		}
		s.Inputs = append(s.Inputs, name)
	}
	if isJoint {
		for k := range meta.tangents {
			s.Inputs = append(s.Inputs, fmt.Sprintf("tangent%d", k))
		}
	}

	numOutputs := 0
	nextOutput := func() string {
		name := outputName(numOutputs)
		s.Outputs = append(s.Outputs, name)
		numOutputs++
		return name
	}
	for _, ii := range meta.mutatedRuntime {
		name := nextOutput()
		if ii < numParameters {
			s.ParameterMutations[name] = argName(numParameters, ii)
		} else {
			s.UserInputMutations[name] = argName(numParameters, ii)
		}
	}
	for _, info := range meta.outputs {
		name := nextOutput()
		s.UserOutputs = append(s.UserOutputs, name)
		if isJoint && noTangents && info.getsTangent() {
			s.LossOutput = name
		}
	}
	for range meta.numIntermediateBases {
		nextOutput()
	}
	if !isJoint {
		return s
	}
	for ii := range meta.inputs {
		name := nextOutput()
		if !meta.inputs[ii].RequiresGrad {
			continue
		}
		if ii < numParameters {
			s.GradientsToParameters[name] = argName(numParameters, ii)
		} else {
			s.GradientsToUserInputs[name] = argName(numParameters, ii)
		}
	}
	return s
}

// String implements fmt.Stringer.
func (s *GraphSignature) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "inputs: %s\n", strings.Join(s.Inputs, ", "))
	_, _ = fmt.Fprintf(&sb, "outputs: %s\n", strings.Join(s.Outputs, ", "))
	_, _ = fmt.Fprintf(&sb, "user outputs: %s", strings.Join(s.UserOutputs, ", "))
	for _, m := range []struct {
		title   string
		mapping map[string]string
	}{
		{"parameter mutations", s.ParameterMutations},
		{"user input mutations", s.UserInputMutations},
		{"gradients to parameters", s.GradientsToParameters},
		{"gradients to user inputs", s.GradientsToUserInputs},
	} {
		if len(m.mapping) == 0 {
			continue
		}
		_, _ = fmt.Fprintf(&sb, "\n%s:", m.title)
		for _, out := range s.Outputs {
			if in, found := m.mapping[out]; found {
				_, _ = fmt.Fprintf(&sb, " %s->%s", out, in)
			}
		}
	}
	if s.LossOutput != "" {
		_, _ = fmt.Fprintf(&sb, "\nloss output: %s", s.LossOutput)
	}
	return sb.String()
}

// export records the traced graph and its signature, in export mode.
func (c *compilation) export(g Graph, p program, isJoint bool) {
	c.graph = g
	c.exported = p
	c.signature = newGraphSignature(p.meta, c.cfg.NumParameters, isJoint, c.cfg.NoTangents)
}
