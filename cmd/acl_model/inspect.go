package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/testacc-art/mmdeploy/pkg/ascend"
	"github.com/testacc-art/mmdeploy/types/shapes"
)

// inspect prints the summary, the bindings and the admissible dynamic shapes of the model.
func inspect(session *ascend.Session) {
	desc := session.Descriptor()
	resolver := session.Resolver()

	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	table.Row("model", session.ModelPath())
	table.Row("device", fmt.Sprintf("%d", session.DeviceID()))
	table.Row("shape mode", resolver.Mode().String())
	table.Row("# inputs", humanize.Comma(int64(len(desc.Inputs()))))
	table.Row("# outputs", humanize.Comma(int64(len(desc.Outputs()))))
	table.Row("input buffers", humanize.Bytes(uint64(sum(desc.InputBufferSizes()))))
	table.Row("output buffers", humanize.Bytes(uint64(sum(desc.OutputBufferSizes()))))
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Bindings"))
	bindings := newHighlightTable(true, lipgloss.Left, lipgloss.Right, lipgloss.Left)
	bindings.Headers("Kind", "Index", "Name", "DType", "Dimensions", "Bytes")
	addBinding := func(kind string, binding *ascend.Binding) {
		bindings.Row(slices.Contains(binding.Dims, shapes.DynamicDim),
			kind, fmt.Sprintf("%d", binding.Index), binding.Name, binding.DType.String(),
			fmt.Sprintf("%v", binding.Dims), humanize.Bytes(uint64(binding.Size)))
	}
	for _, binding := range desc.Inputs() {
		addBinding("input", binding)
	}
	if control := desc.Control(); control != nil {
		addBinding("control", control)
	}
	for _, binding := range desc.Outputs() {
		addBinding("output", binding)
	}
	fmt.Println(bindings.Render())

	if resolver.Mode() == ascend.Static {
		return
	}
	fmt.Println(titleStyle.Render("Admissible shapes"))
	shapesTable := newPlainTable(true, lipgloss.Right, lipgloss.Left)
	switch resolver.Mode() {
	case ascend.DynamicBatch:
		shapesTable.Headers("#", "Batch size")
		for ii, batchSize := range resolver.BatchSizes() {
			shapesTable.Row(fmt.Sprintf("%d", ii), humanize.Comma(int64(batchSize)))
		}
	case ascend.DynamicHW:
		shapesTable.Headers("#", "Height x Width")
		for ii, size := range resolver.ImageSizes() {
			shapesTable.Row(fmt.Sprintf("%d", ii), fmt.Sprintf("%d x %d", size[0], size[1]))
		}
	case ascend.DynamicDims:
		shapesTable.Headers("#", "Dimensions")
		for ii, profile := range resolver.Profiles() {
			shapesTable.Row(fmt.Sprintf("%d", ii), formatProfile(profile.Dims, desc.Inputs()))
		}
	}
	fmt.Println(shapesTable.Render())
}

// formatProfile splits the flattened dimensions of a profile per input.
func formatProfile(profile []int, inputs []*ascend.Binding) string {
	parts := make([]string, 0, len(inputs))
	pos := 0
	for _, binding := range inputs {
		end := min(pos+len(binding.Dims), len(profile))
		parts = append(parts, fmt.Sprintf("%s=%v", binding.Name, profile[pos:end]))
		pos = end
	}
	if pos < len(profile) {
		parts = append(parts, fmt.Sprintf("(extra %v)", profile[pos:]))
	}
	return strings.Join(parts, " ")
}

func sum(values []int) int {
	var total int
	for _, v := range values {
		total += v
	}
	return total
}
