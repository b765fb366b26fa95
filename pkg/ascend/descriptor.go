// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ascend

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/testacc-art/mmdeploy/backends/acl"
	"github.com/testacc-art/mmdeploy/types/shapes"
)

// Binding describes one input or output slot of a loaded model.
type Binding struct {
	// Index of the input or output in the model.
	Index int

	// Name of the tensor. For outputs, it is the last ":" separated component of the name reported by the model.
	Name string

	// Dims are the declared dimensions, with -1 (shapes.DynamicDim) for dynamic axes.
	Dims []int

	// DType is the element type: one of dtypes.Float32, dtypes.Int32 or dtypes.Int64.
	DType dtypes.DType

	// Size in bytes of the device buffer backing the tensor, large enough for its largest admissible shape.
	Size int
}

// Shape returns the declared shape of the binding, which may have dynamic axes.
func (b *Binding) Shape() shapes.Shape {
	return shapes.MakeDynamic(b.DType, b.Dims...)
}

// String implements fmt.Stringer.
func (b *Binding) String() string {
	return fmt.Sprintf("#%d %q %s", b.Index, b.Name, b.Shape())
}

// ModelDescriptor is the description of a loaded model: its input and output bindings, and the dynamic shape
// control input, if the model has one.
//
// It owns the native model description, released with Finalize.
type ModelDescriptor struct {
	rt   acl.Runtime
	desc acl.ModelDesc

	inputs, outputs []*Binding
	control         *Binding
	numInputs       int
}

// NewModelDescriptor creates the description of the loaded model and enumerates its bindings.
//
// It fails with ErrUnsupportedDType if any input or output has a data type other than float32, int32 or int64,
// and with ErrUnsupportedDims if any has a dimension other than -1 (dynamic) or a non-negative value.
func NewModelDescriptor(rt acl.Runtime, modelID acl.ModelID) (*ModelDescriptor, error) {
	desc, err := rt.CreateDesc(modelID)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get the description of model #%d", modelID)
	}
	md := &ModelDescriptor{rt: rt, desc: desc}
	if err = md.enumerate(); err != nil {
		md.Finalize()
		return nil, err
	}
	return md, nil
}

func lookupDType(kind string, index int, name string, code acl.DataType) (dtypes.DType, error) {
	dtype, ok := code.DType()
	if !ok {
		return dtypes.InvalidDType, newError(ErrUnsupportedDType, "%s #%d (%q) has data type %s", kind, index, name, code)
	}
	return dtype, nil
}

// checkDims rejects declared dimensions other than DynamicDim and non-negative values, e.g. the -2 reported
// for inputs of unknown rank.
func checkDims(kind string, index int, name string, dims []int) error {
	if err := shapes.CheckDynamicDims(dims...); err != nil {
		return wrapError(err, ErrUnsupportedDims, "%s #%d (%q) has dimensions %v", kind, index, name, dims)
	}
	return nil
}

func (md *ModelDescriptor) enumerate() error {
	md.numInputs = md.rt.NumInputs(md.desc)
	for ii := range md.numInputs {
		dims, err := md.rt.InputDims(md.desc, ii)
		if err != nil {
			return errors.WithMessagef(err, "input #%d", ii)
		}
		if err = checkDims("input", ii, dims.Name, dims.Dims); err != nil {
			return err
		}
		dtype, err := lookupDType("input", ii, dims.Name, md.rt.InputDataType(md.desc, ii))
		if err != nil {
			return err
		}
		binding := &Binding{
			Index: ii,
			Name:  dims.Name,
			Dims:  dims.Dims,
			DType: dtype,
			Size:  md.rt.InputSize(md.desc, ii),
		}
		if binding.Name == acl.DynamicTensorName {
			md.control = binding
		} else {
			md.inputs = append(md.inputs, binding)
		}
	}

	numOutputs := md.rt.NumOutputs(md.desc)
	for ii := range numOutputs {
		dims, err := md.rt.OutputDims(md.desc, ii)
		if err != nil {
			return errors.WithMessagef(err, "output #%d", ii)
		}
		name := dims.Name
		if idx := strings.LastIndex(name, ":"); idx != -1 {
			name = name[idx+1:]
		}
		if err = checkDims("output", ii, name, dims.Dims); err != nil {
			return err
		}
		dtype, err := lookupDType("output", ii, name, md.rt.OutputDataType(md.desc, ii))
		if err != nil {
			return err
		}
		md.outputs = append(md.outputs, &Binding{
			Index: ii,
			Name:  name,
			Dims:  dims.Dims,
			DType: dtype,
			Size:  md.rt.OutputSize(md.desc, ii),
		})
	}
	return nil
}

// Inputs returns the input bindings, in model order, excluding the dynamic shape control input.
func (md *ModelDescriptor) Inputs() []*Binding { return md.inputs }

// Outputs returns the output bindings, in model order.
func (md *ModelDescriptor) Outputs() []*Binding { return md.outputs }

// Control returns the binding of the dynamic shape control input, or nil if the model has static shapes.
func (md *ModelDescriptor) Control() *Binding { return md.control }

// InputNames returns the names of the inputs, excluding the dynamic shape control input.
func (md *ModelDescriptor) InputNames() []string {
	names := make([]string, len(md.inputs))
	for ii, binding := range md.inputs {
		names[ii] = binding.Name
	}
	return names
}

// OutputNames returns the names of the outputs.
func (md *ModelDescriptor) OutputNames() []string {
	names := make([]string, len(md.outputs))
	for ii, binding := range md.outputs {
		names[ii] = binding.Name
	}
	return names
}

// InputBufferSizes returns the sizes of the buffers of every native input, indexed by the binding index.
// It includes the dynamic shape control input.
func (md *ModelDescriptor) InputBufferSizes() []int {
	sizes := make([]int, md.numInputs)
	for _, binding := range md.inputs {
		sizes[binding.Index] = binding.Size
	}
	if md.control != nil {
		sizes[md.control.Index] = md.control.Size
	}
	return sizes
}

// OutputBufferSizes returns the sizes of the buffers of the outputs.
func (md *ModelDescriptor) OutputBufferSizes() []int {
	sizes := make([]int, len(md.outputs))
	for ii, binding := range md.outputs {
		sizes[ii] = binding.Size
	}
	return sizes
}

// CurrentOutputShapes returns the dimensions of each output for the currently selected shapes.
// It is only meaningful once the shapes of a call are resolved.
func (md *ModelDescriptor) CurrentOutputShapes() ([][]int, error) {
	dimensions := make([][]int, len(md.outputs))
	for ii, binding := range md.outputs {
		dims, err := md.rt.CurrentOutputDims(md.desc, binding.Index)
		if err != nil {
			return nil, errors.WithMessagef(err, "current dimensions of output %q", binding.Name)
		}
		dimensions[ii] = dims.Dims
	}
	return dimensions, nil
}

// DynamicBatch returns the admissible batch sizes, sorted in ascending order.
func (md *ModelDescriptor) DynamicBatch() ([]int, error) {
	batches, err := md.rt.DynamicBatch(md.desc)
	if err != nil {
		return nil, err
	}
	slices.Sort(batches)
	return batches, nil
}

// DynamicHW returns the admissible [height, width] pairs, as reported by the model.
func (md *ModelDescriptor) DynamicHW() ([][2]int, error) {
	return md.rt.DynamicHW(md.desc, acl.AllInputs)
}

// InputDynamicDims returns the admissible dims profiles, in the order reported by the model.
func (md *ModelDescriptor) InputDynamicDims() ([]acl.IODims, error) {
	return md.rt.InputDynamicDims(md.desc, acl.AllInputs)
}

// Finalize releases the native model description. It is safe to call it more than once.
func (md *ModelDescriptor) Finalize() {
	if md.desc == nil {
		return
	}
	if err := md.rt.DestroyDesc(md.desc); err != nil {
		klog.Warningf("failed to destroy model description: %+v", err)
	}
	md.desc = nil
}

// IsFinalized returns whether Finalize was called.
func (md *ModelDescriptor) IsFinalized() bool { return md.desc == nil }
