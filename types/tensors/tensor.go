// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a host `Tensor`, a representation of a multi-dimensional array stored in
// host memory, used as input and output of model execution.
//
// A Tensor is defined by its shape (a data type and its axes dimensions) and its content, always stored
// as a contiguous flat slice of the Go type corresponding to the DType (see dtypes.DType.GoType).
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
// Tensors don't own any device memory: transferring their bytes to/from accelerator buffers is done by the
// inference session.
package tensors

import (
	"fmt"
	"reflect"
	"slices"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/testacc-art/mmdeploy/types/shapes"
)

// Tensor represents a multidimensional array stored on the host, defined by its shape, a data type
// (dtypes.DType) and its axes' dimensions, and its actual content stored as a flat (1D) array of values.
type Tensor struct {
	shape shapes.Shape

	// flat holds the array with actual data: a slice of the Go type for the shape's DType.
	flat any
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
// It panics if the shape is invalid or has dynamic axes.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	if shape.IsDynamic() {
		exceptions.Panicf("tensors.FromShape(%s): cannot create a tensor with dynamic axes", shape)
	}
	goType := shape.DType.GoType()
	if goType == nil {
		exceptions.Panicf("tensors.FromShape(%s): dtype has no Go representation", shape)
	}
	size := shape.Size()
	return &Tensor{
		shape: shape.Clone(),
		flat:  reflect.MakeSlice(reflect.SliceOf(goType), size, size).Interface(),
	}
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions, filled with a copy of the given flat values.
// It panics if the number of values doesn't match the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](flat []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(flat) {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(len(flat)=%d, dimensions=%v): number of values "+
			"doesn't match the dimensions", len(flat), dimensions)
	}
	return &Tensor{
		shape: shape,
		flat:  slices.Clone(flat),
	}
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// FlatData returns the flat slice holding the tensor values (not a copy).
func (t *Tensor) FlatData() any { return t.flat }

// Bytes returns a view of the tensor storage as contiguous bytes, in host byte order.
// The returned slice shares memory with the tensor: changes to one are visible in the other.
func (t *Tensor) Bytes() []byte {
	flatV := reflect.ValueOf(t.flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice((*byte)(element0.Addr().UnsafePointer()), sizeBytes)
}

// CopyFlatData returns a copy of the flat data of the tensor.
// It panics if T doesn't match the tensor DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.CopyFlatData[%T]: tensor has shape %s", flat, t.shape)
	}
	return slices.Clone(flat)
}

// String implements fmt.Stringer.
// Large tensors are truncated.
func (t *Tensor) String() string {
	const maxValues = 16
	flatV := reflect.ValueOf(t.flat)
	if flatV.Len() > maxValues {
		return fmt.Sprintf("%s: %v...", t.shape, flatV.Slice(0, maxValues).Interface())
	}
	return fmt.Sprintf("%s: %v", t.shape, t.flat)
}
