// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of either a host Tensor or of a model
// input/output binding as declared by a compiled model. DType indicates the type of the unit element,
// and it is the enumeration defined in github.com/gomlx/gopjrt/dtypes.
//
// A model binding may leave some axes undetermined until run time: those axes have dimension
// DynamicDim (-1). Shapes of concrete values (tensors) never have dynamic axes.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - Dynamic axis: an axis whose dimension is only known when the model is executed.
//
// Example: an image classifier compiled for a dynamic batch could declare its input as
// `(float32)[-1 3 224 224]`, created with `shapes.MakeDynamic(dtypes.Float32, -1, 3, 224, 224)`.
// A concrete batch of 2 images has shape `(float32)[2 3 224 224]`, created with
// `shapes.Make(dtypes.Float32, 2, 3, 224, 224)`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DynamicDim is the dimension of an axis that is only resolved at run time.
const DynamicDim = -1

// Shape represents the shape of either a Tensor or the declared shape of a model binding.
//
// Use Make or MakeDynamic to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a concrete Shape structure filled with the values given.
// It panics if any of the dimensions is negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s
}

// MakeDynamic returns a Shape that may have dynamic axes (dimension DynamicDim).
// It panics for any other negative dimension, see CheckDynamicDims.
func MakeDynamic(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	if err := CheckDynamicDims(dimensions...); err != nil {
		exceptions.Panicf("shapes.MakeDynamic(%s): %v", s, err)
	}
	return s
}

// CheckDynamicDims checks that every dimension is either non-negative or DynamicDim.
func CheckDynamicDims(dimensions ...int) error {
	for axis, dim := range dimensions {
		if dim < DynamicDim {
			return errors.Errorf("invalid dimension %d for axis %d", dim, axis)
		}
	}
	return nil
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsDynamic returns whether any of the axes is dynamic.
func (s Shape) IsDynamic() bool {
	return slices.Contains(s.Dimensions, DynamicDim)
}

// DynamicAxes returns the list of axes that are dynamic, in increasing order.
func (s Shape) DynamicAxes() (axes []int) {
	for axis, dim := range s.Dimensions {
		if dim == DynamicDim {
			axes = append(axes, axis)
		}
	}
	return
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
// It panics for dynamic shapes, whose size is not known.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		if d == DynamicDim {
			exceptions.Panicf("Shape.Size() of dynamic shape %s is undefined", s)
		}
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}
