// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/pkg/errors"
)

// HasShape is an interface for objects that have an associated Shape.
// tensors.Tensor, ascend.Binding and Shape itself implement the interface.
type HasShape interface {
	Shape() Shape
}

// Shape implements HasShape.
func (s Shape) Shape() Shape { return s }

// CheckDims checks that the concrete dimensions given can be used where this shape is expected.
// Axes of s with dimension DynamicDim accept any value.
//
// It returns an error if the rank is different or if any of the other dimensions don't match.
func (s Shape) CheckDims(dimensions ...int) error {
	if s.Rank() != len(dimensions) {
		return errors.Errorf("dimensions %v have rank %d, shape %s wants rank %d", dimensions, len(dimensions), s, s.Rank())
	}
	for axis, dim := range s.Dimensions {
		if dim != DynamicDim && dimensions[axis] != dim {
			return errors.Errorf("dimensions %v axis %d is %d, shape %s wants %d", dimensions, axis, dimensions[axis], s, dim)
		}
	}
	return nil
}

// CheckDims checks that the shape of shaped has the given dimensions. See Shape.CheckDims.
func CheckDims(shaped HasShape, dimensions ...int) error {
	return shaped.Shape().CheckDims(dimensions...)
}
