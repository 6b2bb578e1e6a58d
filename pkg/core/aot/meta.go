// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package aot

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/aotgraph/pkg/core/buffers"
	"github.com/gomlx/aotgraph/pkg/support/sets"
	"github.com/gomlx/aotgraph/pkg/support/xslices"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
)

// MutationType tells how the mutation of an input is carried out by a compiled function.
type MutationType int

//go:generate go tool enumer -type=MutationType -trimprefix=MutationType -output=gen_mutationtype_enumer.go meta.go

const (
	// MutationTypeNone means the input is not mutated.
	MutationTypeNone MutationType = iota

	// MutationTypeInGraph means the input is mutated by a copy placed inside the traced graph.
	MutationTypeInGraph

	// MutationTypeOutOfGraph means the updated input is returned by the graph as an extra output,
	// and the runtime wrapper applies it to the caller's buffer.
	MutationTypeOutOfGraph
)

// OutputType classifies an output by what it aliases.
type OutputType int

//go:generate go tool enumer -type=OutputType -trimprefix=OutputType -output=gen_outputtype_enumer.go meta.go

const (
	// OutputTypeNonAlias is an output that doesn't alias any input or other output.
	OutputTypeNonAlias OutputType = iota

	// OutputTypeAliasOfInput is a view of an input, regenerated at runtime from the caller's input.
	OutputTypeAliasOfInput

	// OutputTypeIsInput is an input returned as is.
	OutputTypeIsInput

	// OutputTypeAliasOfIntermediate is a view of an intermediate value whose base is already returned
	// as an intermediate base by an earlier output.
	OutputTypeAliasOfIntermediate

	// OutputTypeAliasOfIntermediateSavedAsOutput is a view of an intermediate value: its base is
	// returned by the graph as an extra intermediate base.
	OutputTypeAliasOfIntermediateSavedAsOutput

	// OutputTypeAliasOfIntermediateBaseIsUserOutput is a view of an intermediate value whose base is
	// itself one of the user outputs.
	OutputTypeAliasOfIntermediateBaseIsUserOutput

	// OutputTypeUnsafeViewAlias is a detached alias of an intermediate: it is returned as computed.
	OutputTypeUnsafeViewAlias

	// OutputTypeCustomView is a view produced by a user-defined view function, which can't be
	// regenerated: it is returned as computed.
	OutputTypeCustomView
)

// InputInfo describes what a function does to one of its inputs.
type InputInfo struct {
	MutatesData     bool
	MutatesMetadata bool

	// MutationsHiddenFromGrad is set if all data mutations happened with gradient tracking
	// disabled, or through a detached alias.
	MutationsHiddenFromGrad bool

	IsLeaf       bool
	RequiresGrad bool
	MutationType MutationType
}

// IsMutated returns whether the data or the metadata of the input is mutated.
func (info InputInfo) IsMutated() bool {
	return info.MutatesData || info.MutatesMetadata
}

// mutationTypeOf returns how the mutation described by info is handled, given whether
// data mutations may be kept in the graph.
func mutationTypeOf(keepInputMutations bool, info InputInfo) MutationType {
	if !info.IsMutated() {
		return MutationTypeNone
	}
	if keepInputMutations && info.MutatesData &&
		((!info.MutatesMetadata && !info.RequiresGrad) || info.MutationsHiddenFromGrad) {
		return MutationTypeInGraph
	}
	return MutationTypeOutOfGraph
}

// OutputInfo describes one output of a function.
type OutputInfo struct {
	Type OutputType

	// BaseIdx is the index of the aliased value, -1 if none. It indexes the inputs for
	// OutputTypeAliasOfInput and OutputTypeIsInput, the intermediate bases for
	// OutputTypeAliasOfIntermediate and OutputTypeAliasOfIntermediateSavedAsOutput, and the
	// outputs for OutputTypeAliasOfIntermediateBaseIsUserOutput.
	BaseIdx int

	// View tells how to regenerate the output from its base. If nil, the output is regenerated
	// with the geometry of the value returned by the graph.
	View *buffers.Alias

	DynamicDims  sets.Set[int]
	RequiresGrad bool
}

// IsAlias returns whether the output is regenerated by the runtime wrapper, as opposed to
// returned as computed by the graph.
func (info OutputInfo) IsAlias() bool {
	switch info.Type {
	case OutputTypeNonAlias, OutputTypeUnsafeViewAlias, OutputTypeCustomView:
		return false
	case OutputTypeAliasOfInput, OutputTypeIsInput, OutputTypeAliasOfIntermediate,
		OutputTypeAliasOfIntermediateSavedAsOutput, OutputTypeAliasOfIntermediateBaseIsUserOutput:
		return true
	default:
		panic(errors.Wrapf(ErrInvariant, "unknown output type %s", info.Type))
	}
}

// getsTangent returns whether the output receives a gradient seed in the joint graph.
func (info OutputInfo) getsTangent() bool {
	return !info.IsAlias() && info.RequiresGrad
}

// ViewAndMutationMeta is the result of inspecting a function: what it does to each of its inputs,
// what each of its outputs aliases, and what gradient seeds a joint graph of it takes.
//
// It is immutable: the stages that rewrite the calling convention create new values.
type ViewAndMutationMeta struct {
	inputs               []InputInfo
	outputs              []OutputInfo
	numIntermediateBases int
	keepInputMutations   bool
	tangents             []*buffers.Buffer
	rngFunctionalized    bool

	// Derived.
	mutatedRuntime, graphHandled []int
	tangentMask                  []bool
	numAliased, numUnsafeView    int
}

// newMeta creates a ViewAndMutationMeta, recomputing the mutation type of the inputs.
// It panics with ErrInvariant if the tangents don't match the outputs that receive them.
func newMeta(inputs []InputInfo, outputs []OutputInfo, numIntermediateBases int,
	tangents []*buffers.Buffer, keepInputMutations, rngFunctionalized bool) *ViewAndMutationMeta {
	m := &ViewAndMutationMeta{
		inputs:               slices.Clone(inputs),
		outputs:              slices.Clone(outputs),
		numIntermediateBases: numIntermediateBases,
		keepInputMutations:   keepInputMutations,
		tangents:             slices.Clone(tangents),
		rngFunctionalized:    rngFunctionalized,
	}
	for ii := range m.inputs {
		m.inputs[ii].MutationType = mutationTypeOf(keepInputMutations, m.inputs[ii])
		switch m.inputs[ii].MutationType {
		case MutationTypeOutOfGraph:
			m.mutatedRuntime = append(m.mutatedRuntime, ii)
		case MutationTypeInGraph:
			m.graphHandled = append(m.graphHandled, ii)
		case MutationTypeNone:
		default:
			panic(errors.Wrapf(ErrInvariant, "unknown mutation type %s", m.inputs[ii].MutationType))
		}
	}
	for _, inputIdx := range m.mutatedRuntime {
		info := m.inputs[inputIdx]
		m.tangentMask = append(m.tangentMask, info.MutatesData && info.RequiresGrad)
	}
	for _, info := range m.outputs {
		m.tangentMask = append(m.tangentMask, info.getsTangent())
		if info.IsAlias() {
			m.numAliased++
		}
		if info.Type == OutputTypeUnsafeViewAlias {
			m.numUnsafeView++
		}
	}
	for range numIntermediateBases {
		m.tangentMask = append(m.tangentMask, true)
	}
	if numTangents := xslices.Count(m.tangentMask, func(b bool) bool { return b }); numTangents != len(m.tangents) {
		panic(errors.Wrapf(ErrInvariant, "%d traced tangents for %d forward returns that take tangents", len(m.tangents), numTangents))
	}
	return m
}

// withKeepInputMutations returns a copy of m with a different keep-input-mutations policy.
func (m *ViewAndMutationMeta) withKeepInputMutations(keep bool) *ViewAndMutationMeta {
	return newMeta(m.inputs, m.outputs, m.numIntermediateBases, m.tangents, keep, m.rngFunctionalized)
}

// withRNGFunctionalized returns a copy of m that records whether random number generation is functionalized.
func (m *ViewAndMutationMeta) withRNGFunctionalized(functionalized bool) *ViewAndMutationMeta {
	return newMeta(m.inputs, m.outputs, m.numIntermediateBases, m.tangents, m.keepInputMutations, functionalized)
}

// NumInputs returns the number of inputs of the function.
func (m *ViewAndMutationMeta) NumInputs() int { return len(m.inputs) }

// Input returns the information about input ii.
func (m *ViewAndMutationMeta) Input(ii int) InputInfo { return m.inputs[ii] }

// Inputs returns a copy of the information about all inputs.
func (m *ViewAndMutationMeta) Inputs() []InputInfo { return slices.Clone(m.inputs) }

// NumOutputs returns the number of user outputs of the function.
func (m *ViewAndMutationMeta) NumOutputs() int { return len(m.outputs) }

// Output returns the information about output ii.
func (m *ViewAndMutationMeta) Output(ii int) OutputInfo { return m.outputs[ii] }

// Outputs returns a copy of the information about all outputs.
func (m *ViewAndMutationMeta) Outputs() []OutputInfo { return slices.Clone(m.outputs) }

// NumIntermediateBases returns the number of intermediate bases the graph returns after the user outputs.
func (m *ViewAndMutationMeta) NumIntermediateBases() int { return m.numIntermediateBases }

// KeepInputMutations returns whether data-only input mutations may be kept in the graph.
func (m *ViewAndMutationMeta) KeepInputMutations() bool { return m.keepInputMutations }

// TracedTangents returns the placeholders of the gradient seeds of the joint graph.
func (m *ViewAndMutationMeta) TracedTangents() []*buffers.Buffer { return slices.Clone(m.tangents) }

// IsRNGFunctionalized returns whether the random number generator state is threaded through
// the graph's inputs and outputs.
func (m *ViewAndMutationMeta) IsRNGFunctionalized() bool { return m.rngFunctionalized }

// MutatedRuntimeIndices returns the inputs whose mutations are applied by the runtime wrapper.
func (m *ViewAndMutationMeta) MutatedRuntimeIndices() []int { return slices.Clone(m.mutatedRuntime) }

// GraphHandledIndices returns the inputs whose mutations are kept inside the graph.
func (m *ViewAndMutationMeta) GraphHandledIndices() []int { return slices.Clone(m.graphHandled) }

// NumMutatedRuntime returns the number of inputs whose mutations are applied by the runtime wrapper.
func (m *ViewAndMutationMeta) NumMutatedRuntime() int { return len(m.mutatedRuntime) }

// NumForwardReturns returns the number of values returned by the forward graph, not counting
// the random number generator offset: runtime-mutated inputs, user outputs and intermediate bases.
func (m *ViewAndMutationMeta) NumForwardReturns() int {
	return len(m.mutatedRuntime) + len(m.outputs) + m.numIntermediateBases
}

// NumRNGOffsetOutputs returns 1 if the graph returns the updated random number generator offset, 0 otherwise.
func (m *ViewAndMutationMeta) NumRNGOffsetOutputs() int {
	if m.rngFunctionalized {
		return 1
	}
	return 0
}

// TangentMask returns, for each forward return, whether it takes a gradient seed.
func (m *ViewAndMutationMeta) TangentMask() []bool { return slices.Clone(m.tangentMask) }

// NumAliasedOutputs returns the number of outputs regenerated by the runtime wrapper.
func (m *ViewAndMutationMeta) NumAliasedOutputs() int { return m.numAliased }

// NumUnsafeViewOutputs returns the number of outputs that are detached aliases of intermediates.
func (m *ViewAndMutationMeta) NumUnsafeViewOutputs() int { return m.numUnsafeView }

// AnyOutputRequiresGrad returns whether any output, or any input mutation applied by the runtime,
// requires gradients.
func (m *ViewAndMutationMeta) AnyOutputRequiresGrad() bool {
	for _, info := range m.outputs {
		if info.RequiresGrad {
			return true
		}
	}
	for _, ii := range m.mutatedRuntime {
		if m.inputs[ii].MutatesData && m.inputs[ii].RequiresGrad {
			return true
		}
	}
	return false
}

// Equal returns whether m and m2 describe the same calling convention.
// Output views and tangent values are not compared, only the tangents' dtypes and dims.
func (m *ViewAndMutationMeta) Equal(m2 *ViewAndMutationMeta) bool {
	if m.numIntermediateBases != m2.numIntermediateBases || m.keepInputMutations != m2.keepInputMutations ||
		m.rngFunctionalized != m2.rngFunctionalized || !slices.Equal(m.inputs, m2.inputs) ||
		len(m.outputs) != len(m2.outputs) || len(m.tangents) != len(m2.tangents) {
		return false
	}
	for ii, info := range m.outputs {
		info2 := m2.outputs[ii]
		if info.Type != info2.Type || info.BaseIdx != info2.BaseIdx || info.RequiresGrad != info2.RequiresGrad ||
			!info.DynamicDims.Equal(info2.DynamicDims) {
			return false
		}
	}
	for ii, t := range m.tangents {
		t2 := m2.tangents[ii]
		if t.DType() != t2.DType() || !slices.Equal(t.Dims(), t2.Dims()) {
			return false
		}
	}
	return true
}

func boolCell(b bool) string {
	if b {
		return "✓"
	}
	return ""
}

// String renders the metadata as tables, for logging and error messages.
func (m *ViewAndMutationMeta) String() string {
	renderer := lipgloss.NewRenderer(os.Stderr, termenv.WithProfile(termenv.Ascii))
	cellStyle := renderer.NewStyle().Padding(0, 1)
	headerStyle := renderer.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	newTable := func(headers ...string) *lgtable.Table {
		return lgtable.New().
			Border(lipgloss.RoundedBorder()).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == lgtable.HeaderRow {
					return headerStyle
				}
				return cellStyle
			}).
			Headers(headers...)
	}

	inputs := newTable("Input", "MutatesData", "MutatesMetadata", "Hidden", "Leaf", "RequiresGrad", "Mutation")
	for ii, info := range m.inputs {
		inputs.Row(strconv.Itoa(ii), boolCell(info.MutatesData), boolCell(info.MutatesMetadata),
			boolCell(info.MutationsHiddenFromGrad), boolCell(info.IsLeaf), boolCell(info.RequiresGrad),
			info.MutationType.String())
	}
	outputs := newTable("Output", "Type", "Base", "RequiresGrad", "DynamicDims", "Tangent")
	for ii, info := range m.outputs {
		base := ""
		if info.BaseIdx >= 0 {
			base = strconv.Itoa(info.BaseIdx)
		}
		dynamic := ""
		if len(info.DynamicDims) > 0 {
			dynamic = sets.Format(info.DynamicDims)
		}
		outputs.Row(strconv.Itoa(ii), info.Type.String(), base, boolCell(info.RequiresGrad), dynamic,
			boolCell(info.getsTangent()))
	}

	var sb strings.Builder
	sb.WriteString(inputs.String())
	sb.WriteString("\n")
	sb.WriteString(outputs.String())
	sb.WriteString("\n")
	_, _ = fmt.Fprintf(&sb, "intermediate bases: %d, runtime mutations: %v, graph mutations: %v, tangents: %d",
		m.numIntermediateBases, m.mutatedRuntime, m.graphHandled, len(m.tangents))
	if m.keepInputMutations {
		sb.WriteString(", keeping input mutations")
	}
	if m.rngFunctionalized {
		sb.WriteString(", functionalized rng")
	}
	return sb.String()
}
