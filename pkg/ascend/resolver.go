// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ascend

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/testacc-art/mmdeploy/backends/acl"
	"github.com/testacc-art/mmdeploy/types/shapes"
)

// ShapeMode is how a model handles the shapes of its inputs. It is determined once, when the model is loaded.
type ShapeMode int

const (
	// Static models have fixed input shapes.
	Static ShapeMode = iota

	// DynamicBatch models accept one of an enumerated list of batch sizes on the leading axis.
	DynamicBatch

	// DynamicDims models accept one of an enumerated list of profiles with the dimensions of every input axis.
	DynamicDims

	// DynamicHW models accept one of an enumerated list of image [height, width] sizes on the last two axes.
	DynamicHW
)

var shapeModeNames = []string{"Static", "DynamicBatch", "DynamicDims", "DynamicHW"}

// String implements fmt.Stringer.
func (m ShapeMode) String() string {
	if m < 0 || int(m) >= len(shapeModeNames) {
		return fmt.Sprintf("ShapeMode(%d)", int(m))
	}
	return shapeModeNames[m]
}

// ShapeSelection is the outcome of resolving the shapes of a call: the native shape selection to apply.
type ShapeSelection struct {
	Mode ShapeMode

	// BatchSize selected, for DynamicBatch.
	BatchSize int

	// Height and Width selected, for DynamicHW.
	Height, Width int

	// Profile selected (and its index in ShapeResolver.Profiles), for DynamicDims.
	Profile      acl.IODims
	ProfileIndex int
}

// String implements fmt.Stringer.
func (s ShapeSelection) String() string {
	switch s.Mode {
	case DynamicBatch:
		return fmt.Sprintf("batch size %d", s.BatchSize)
	case DynamicHW:
		return fmt.Sprintf("image size %dx%d", s.Height, s.Width)
	case DynamicDims:
		return fmt.Sprintf("profile #%d %v", s.ProfileIndex, s.Profile.Dims)
	default:
		return s.Mode.String()
	}
}

// ShapeResolver classifies the dynamic shape handling of a model, and for each call it validates the shapes
// of the inputs and selects the shapes the model runs with.
type ShapeResolver struct {
	mode    ShapeMode
	inputs  []*Binding
	control *Binding

	batchSizes []int
	imageSizes [][2]int
	profiles   []acl.IODims
}

// NewShapeResolver classifies the model, taking the first that applies:
//
//  1. No dynamic shape control input: Static.
//  2. The model reports dynamic batch sizes: DynamicBatch.
//  3. The model reports dynamic dims profiles: DynamicDims.
//  4. The model reports dynamic image sizes: DynamicHW.
//
// Otherwise it fails with ErrUndeterminedShapeMode.
func NewShapeResolver(md *ModelDescriptor) (*ShapeResolver, error) {
	r := &ShapeResolver{inputs: md.Inputs(), control: md.Control()}
	if r.control == nil {
		r.mode = Static
		return r, nil
	}

	var err error
	r.batchSizes, err = md.DynamicBatch()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to query dynamic batch sizes")
	}
	if len(r.batchSizes) > 0 {
		r.mode = DynamicBatch
		return r, nil
	}

	r.profiles, err = md.InputDynamicDims()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to query dynamic dims profiles")
	}
	if len(r.profiles) > 0 {
		r.mode = DynamicDims
		return r, nil
	}

	r.imageSizes, err = md.DynamicHW()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to query dynamic image sizes")
	}
	if len(r.imageSizes) > 0 {
		r.mode = DynamicHW
		return r, nil
	}
	return nil, newError(ErrUndeterminedShapeMode, "model has input %q but reports no dynamic batch sizes, "+
		"dims profiles or image sizes", acl.DynamicTensorName)
}

// Mode returns the shape mode of the model.
func (r *ShapeResolver) Mode() ShapeMode { return r.mode }

// BatchSizes returns the admissible batch sizes in ascending order, for DynamicBatch models.
func (r *ShapeResolver) BatchSizes() []int { return r.batchSizes }

// ImageSizes returns the admissible [height, width] sizes, for DynamicHW models.
func (r *ShapeResolver) ImageSizes() [][2]int { return r.imageSizes }

// Profiles returns the admissible dims profiles in priority order, for DynamicDims models.
func (r *ShapeResolver) Profiles() []acl.IODims { return r.profiles }

// Plan validates the dimensions of the inputs of a call (given in input binding order) and selects the shapes
// the model should run with. It has no side effects.
//
// It fails with ErrArityMismatch or ErrShapeMismatch if the inputs don't match the declared bindings (or
// ErrUnsupportedDims if a binding has invalid declared dimensions), and with the mode specific errors if no
// admissible shape can be selected.
func (r *ShapeResolver) Plan(inputDims [][]int) (ShapeSelection, error) {
	if len(inputDims) != len(r.inputs) {
		return ShapeSelection{}, newError(ErrArityMismatch, "model has %d inputs, got %d", len(r.inputs), len(inputDims))
	}
	for ii, binding := range r.inputs {
		if err := checkDims("input", binding.Index, binding.Name, binding.Dims); err != nil {
			return ShapeSelection{}, err
		}
		if err := shapes.CheckDims(binding, inputDims[ii]...); err != nil {
			return ShapeSelection{}, wrapError(err, ErrShapeMismatch, "input %q", binding.Name)
		}
	}
	switch r.mode {
	case DynamicBatch:
		return r.planBatch(inputDims)
	case DynamicHW:
		return r.planHW(inputDims)
	case DynamicDims:
		return r.planDims(inputDims)
	default:
		return ShapeSelection{Mode: Static}, nil
	}
}

// planBatch selects the smallest admissible batch size that fits the leading axis of the inputs.
func (r *ShapeResolver) planBatch(inputDims [][]int) (ShapeSelection, error) {
	batchSize := -1
	for ii, binding := range r.inputs {
		if len(binding.Dims) == 0 || binding.Dims[0] != shapes.DynamicDim {
			continue
		}
		dim := inputDims[ii][0]
		if batchSize == -1 {
			batchSize = dim
		} else if batchSize != dim {
			return ShapeSelection{}, newError(ErrInconsistentBatchSize, "%d vs %d (input %q)", batchSize, dim, binding.Name)
		}
	}
	if batchSize == -1 {
		return ShapeSelection{}, newError(ErrUndeterminedBatchSize, "no input has a dynamic leading axis")
	}
	for _, candidate := range r.batchSizes {
		if candidate >= batchSize {
			return ShapeSelection{Mode: DynamicBatch, BatchSize: candidate}, nil
		}
	}
	return ShapeSelection{}, newError(ErrUnsupportedBatchSize, "batch size %d is not supported (%v)", batchSize, r.batchSizes)
}

// planHW selects the image size given by the last two axes of the inputs with dynamic axes.
func (r *ShapeResolver) planHW(inputDims [][]int) (ShapeSelection, error) {
	var size [2]int
	found := false
	for ii, binding := range r.inputs {
		if !slices.Contains(binding.Dims, shapes.DynamicDim) {
			continue
		}
		dims := inputDims[ii]
		if len(dims) < 2 {
			return ShapeSelection{}, newError(ErrUndeterminedImageSize, "input %q has rank %d", binding.Name, len(dims))
		}
		inputSize := [2]int{dims[len(dims)-2], dims[len(dims)-1]}
		if !found {
			size, found = inputSize, true
		} else if size != inputSize {
			return ShapeSelection{}, newError(ErrInconsistentImageSize, "%v vs %v (input %q)", size, inputSize, binding.Name)
		}
	}
	if !found {
		return ShapeSelection{}, newError(ErrUndeterminedImageSize, "no input has dynamic axes")
	}
	if !slices.Contains(r.imageSizes, size) {
		return ShapeSelection{}, newError(ErrUnsupportedImageSize, "size %v is not supported (%v)", size, r.imageSizes)
	}
	return ShapeSelection{Mode: DynamicHW, Height: size[0], Width: size[1]}, nil
}

// planDims selects the first profile matching the flattened dimensions of the inputs. The leading axis of
// each input matches any profile value at least as large as the given dimension, every other axis must
// match exactly.
func (r *ShapeResolver) planDims(inputDims [][]int) (ShapeSelection, error) {
	for index, profile := range r.profiles {
		if profileMatches(profile.Dims, inputDims) {
			return ShapeSelection{Mode: DynamicDims, Profile: profile, ProfileIndex: index}, nil
		}
	}
	return ShapeSelection{}, newError(ErrNoMatchingProfile, "inputs %v, profiles %v", inputDims, profileDims(r.profiles))
}

func profileMatches(profile []int, inputDims [][]int) bool {
	pos := 0
	for _, dims := range inputDims {
		for axis, dim := range dims {
			if pos >= len(profile) {
				return false
			}
			want := profile[pos]
			pos++
			if axis == 0 && dim < want {
				continue
			}
			if dim != want {
				return false
			}
		}
	}
	return true
}

func profileDims(profiles []acl.IODims) [][]int {
	dims := make([][]int, len(profiles))
	for ii, profile := range profiles {
		dims[ii] = profile.Dims
	}
	return dims
}

// Apply issues the native shape selection on the input dataset of the model. Static selections are a no-op.
func (r *ShapeResolver) Apply(rt acl.Runtime, modelID acl.ModelID, inputs acl.Dataset, sel ShapeSelection) error {
	var err error
	switch sel.Mode {
	case Static:
		return nil
	case DynamicBatch:
		err = rt.SetDynamicBatchSize(modelID, inputs, r.control.Index, sel.BatchSize)
	case DynamicHW:
		err = rt.SetDynamicHWSize(modelID, inputs, r.control.Index, sel.Height, sel.Width)
	case DynamicDims:
		err = rt.SetInputDynamicDims(modelID, inputs, r.control.Index, sel.Profile)
	default:
		return errors.Errorf("invalid shape mode %s", sel.Mode)
	}
	if err != nil {
		return errors.WithMessagef(err, "failed to select %s", sel)
	}
	klog.V(2).Infof("model #%d: selected %s", modelID, sel)
	return nil
}
