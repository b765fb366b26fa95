// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sim

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/testacc-art/mmdeploy/backends/acl"
)

// Tensor describes one input or output of a simulated model.
type Tensor struct {
	Name string `yaml:"name"`

	// Dims are the declared dimensions, -1 for dynamic axes.
	Dims []int `yaml:"dims"`

	// DType is the element type name ("float32", "int32", "int64", "float16", "uint8", ...).
	// If empty, DataType is used.
	DType string `yaml:"dtype"`

	// DataType is the ACL data type code, used when DType is empty. Its zero value is acl.Float.
	DataType acl.DataType `yaml:"-"`

	// Size in bytes reported for the tensor. If 0 it is computed from the largest admissible shape.
	Size int `yaml:"size"`
}

// ComputeFn implements the computation of a simulated model.
//
// inputs are the device buffers of the inputs (excluding the dynamic shape control input), trimmed to the
// size of the currently selected input shapes. outputs are the device buffers of the outputs, trimmed to the
// size of the current output shapes.
type ComputeFn func(inputs, outputs [][]byte) error

// OutputDimsFn returns the output dimensions for the given resolved input dimensions.
type OutputDimsFn func(inputDims [][]int) [][]int

// Model is the definition of a simulated model, the contents of a simulated "model file".
//
// A model is compiled with dynamic shapes if any of DynamicBatch, DynamicHW or DynamicDims is given (or if
// Control is set): in that case the model gets an extra input named acl.DynamicTensorName.
type Model struct {
	Inputs  []Tensor `yaml:"inputs"`
	Outputs []Tensor `yaml:"outputs"`

	DynamicBatch []int    `yaml:"dynamic_batch"`
	DynamicHW    [][2]int `yaml:"dynamic_hw"`
	DynamicDims  [][]int  `yaml:"dynamic_dims"`
	Control      bool     `yaml:"control"`

	// Compute is the model computation. If nil, output i is a copy of input (i % numInputs), truncated or
	// zero-padded to the output size.
	Compute ComputeFn `yaml:"-"`

	// OutputDims resolves the output dimensions. If nil, dynamic output axes follow the first input:
	// axis 0 takes its leading dimension and the last two axes take its last two dimensions, any other
	// dynamic axis becomes 1.
	OutputDims OutputDimsFn `yaml:"-"`
}

// ParseModel parses the YAML definition of a model.
func ParseModel(data []byte) (*Model, error) {
	m := &Model{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "failed to parse simulated model definition")
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadModelFile reads and parses the YAML definition of a model from a file.
func ReadModelFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read simulated model %q", path)
	}
	m, err := ParseModel(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "simulated model %q", path)
	}
	return m, nil
}

// aclDTypeNames are the ACL spellings of data types that dtypes.MapOfNames doesn't know.
var aclDTypeNames = map[string]acl.DataType{
	"float":  acl.Float,
	"double": acl.Double,
}

func (t *Tensor) dataType() (acl.DataType, error) {
	if t.DType == "" {
		return t.DataType, nil
	}
	name := strings.ToLower(t.DType)
	if dt, found := aclDTypeNames[name]; found {
		return dt, nil
	}
	if dtype, found := dtypes.MapOfNames[name]; found {
		if dt := acl.FromDType(dtype); dt != acl.DataTypeUndefined {
			return dt, nil
		}
	}
	return acl.DataTypeUndefined, errors.Errorf("tensor %q: unknown dtype %q", t.Name, t.DType)
}

func (m *Model) isDynamic() bool {
	return m.Control || len(m.DynamicBatch) > 0 || len(m.DynamicHW) > 0 || len(m.DynamicDims) > 0
}

func (m *Model) validate() error {
	if len(m.Inputs) == 0 {
		return errors.New("model has no inputs")
	}
	if len(m.Outputs) == 0 {
		return errors.New("model has no outputs")
	}
	numAxes := 0
	for _, list := range [][]Tensor{m.Inputs, m.Outputs} {
		for ii := range list {
			tensor := &list[ii]
			if tensor.Name == "" {
				return errors.Errorf("tensor #%d has no name", ii)
			}
			if tensor.Name == acl.DynamicTensorName {
				return errors.Errorf("tensor name %q is reserved", acl.DynamicTensorName)
			}
			for _, dim := range tensor.Dims {
				if dim < -1 {
					return errors.Errorf("tensor %q has invalid dimensions %v", tensor.Name, tensor.Dims)
				}
			}
			if _, err := tensor.dataType(); err != nil {
				return err
			}
		}
	}
	for _, input := range m.Inputs {
		numAxes += len(input.Dims)
	}
	for _, batch := range m.DynamicBatch {
		if batch <= 0 {
			return errors.Errorf("invalid dynamic batch sizes %v", m.DynamicBatch)
		}
	}
	for _, hw := range m.DynamicHW {
		if hw[0] <= 0 || hw[1] <= 0 {
			return errors.Errorf("invalid dynamic image sizes %v", m.DynamicHW)
		}
	}
	for _, profile := range m.DynamicDims {
		if len(profile) != numAxes {
			return errors.Errorf("dynamic dims profile %v has %d axes, inputs have %d", profile, len(profile), numAxes)
		}
	}
	return nil
}

// selectionKind enumerates the shape selections of a dynamic model.
type selectionKind int

const (
	selectNone selectionKind = iota
	selectBatch
	selectHW
	selectDims
)

// selection is the dynamic shape currently selected for a model.
type selection struct {
	kind          selectionKind
	batch         int
	height, width int
	dims          []int
}

// largestSelection returns the selection that yields the largest shapes, used to size buffers.
func (m *Model) largestSelection() selection {
	switch {
	case len(m.DynamicBatch) > 0:
		return selection{kind: selectBatch, batch: slices.Max(m.DynamicBatch)}
	case len(m.DynamicDims) > 0:
		dims := slices.Clone(m.DynamicDims[0])
		for _, profile := range m.DynamicDims[1:] {
			for ii, dim := range profile {
				dims[ii] = max(dims[ii], dim)
			}
		}
		return selection{kind: selectDims, dims: dims}
	case len(m.DynamicHW) > 0:
		sel := selection{kind: selectHW}
		for _, hw := range m.DynamicHW {
			sel.height = max(sel.height, hw[0])
			sel.width = max(sel.width, hw[1])
		}
		return sel
	}
	return selection{}
}

// inputDims resolves the dynamic axes of the inputs for the selection.
func (m *Model) inputDims(sel selection) [][]int {
	resolved := make([][]int, len(m.Inputs))
	flatPos := 0
	for ii, input := range m.Inputs {
		dims := slices.Clone(input.Dims)
		rank := len(dims)
		for axis, dim := range dims {
			if dim == -1 {
				value := 1
				switch sel.kind {
				case selectBatch:
					if axis == 0 {
						value = sel.batch
					}
				case selectHW:
					if axis == rank-2 {
						value = sel.height
					} else if axis == rank-1 {
						value = sel.width
					}
				case selectDims:
					value = sel.dims[flatPos+axis]
				}
				dims[axis] = value
			}
		}
		flatPos += rank
		resolved[ii] = dims
	}
	return resolved
}

// outputDims resolves the dynamic axes of the outputs for the selection.
func (m *Model) outputDims(sel selection) [][]int {
	inputDims := m.inputDims(sel)
	if m.OutputDims != nil {
		return m.OutputDims(inputDims)
	}
	first := inputDims[0]
	resolved := make([][]int, len(m.Outputs))
	for ii, output := range m.Outputs {
		dims := slices.Clone(output.Dims)
		rank := len(dims)
		for axis, dim := range dims {
			if dim != -1 {
				continue
			}
			value := 1
			switch {
			case axis == 0 && len(first) > 0:
				value = first[0]
			case axis >= rank-2 && len(first) >= 2:
				value = first[len(first)-(rank-axis)]
			}
			dims[axis] = value
		}
		resolved[ii] = dims
	}
	return resolved
}

func numElements(dims []int) int {
	n := 1
	for _, dim := range dims {
		n *= dim
	}
	return n
}
