// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/testacc-art/mmdeploy/types/shapes"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Int64, 2, 3))
	require.Equal(t, 6, tensor.Size())
	require.Equal(t, 48, int(tensor.Memory()))
	require.Equal(t, make([]int64, 6), CopyFlatData[int64](tensor))
	require.Len(t, tensor.Bytes(), 48)

	require.Panics(t, func() { _ = FromShape(shapes.Shape{}) })
	require.Panics(t, func() { _ = FromShape(shapes.MakeDynamic(dtypes.Float32, -1, 3)) })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5, 6}
	tensor := FromFlatDataAndDimensions(values, 3, 2)
	require.Equal(t, dtypes.Float32, tensor.DType())
	require.Equal(t, []int{3, 2}, tensor.Shape().Dimensions)

	// Values are copied.
	values[0] = 100
	require.Equal(t, float32(1), CopyFlatData[float32](tensor)[0])

	require.Panics(t, func() { _ = FromFlatDataAndDimensions(values, 4, 2) })
	require.Panics(t, func() { _ = CopyFlatData[int32](tensor) })
}

func TestBytes(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int32{1, -1}, 2)
	raw := tensor.Bytes()
	require.Len(t, raw, 8)
	assert.Equal(t, uint32(1), binary.NativeEndian.Uint32(raw[0:4]))
	assert.Equal(t, uint32(math.MaxUint32), binary.NativeEndian.Uint32(raw[4:8]))

	// Bytes is a view: writing to it changes the tensor.
	binary.NativeEndian.PutUint32(raw[0:4], 7)
	require.Equal(t, []int32{7, -1}, CopyFlatData[int32](tensor))
}

func TestConvertDType(t *testing.T) {
	f64 := FromFlatDataAndDimensions([]float64{1.5, -2, 3}, 3)

	same, err := f64.ConvertDType(dtypes.Float64)
	require.NoError(t, err)
	require.Same(t, f64, same)

	f32, err := f64.ConvertDType(dtypes.Float32)
	require.NoError(t, err)
	require.Equal(t, []float32{1.5, -2, 3}, CopyFlatData[float32](f32))

	i32, err := f64.ConvertDType(dtypes.Int32)
	require.NoError(t, err)
	require.Equal(t, []int32{1, -2, 3}, CopyFlatData[int32](i32))

	i64, err := FromFlatDataAndDimensions([]uint8{0, 255}, 2).ConvertDType(dtypes.Int64)
	require.NoError(t, err)
	require.Equal(t, []int64{0, 255}, CopyFlatData[int64](i64))

	half := FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(4)}, 1, 2)
	fromHalf, err := half.ConvertDType(dtypes.Float32)
	require.NoError(t, err)
	require.Equal(t, []float32{0.5, 4}, CopyFlatData[float32](fromHalf))
	require.Equal(t, []int{1, 2}, fromHalf.Shape().Dimensions)

	bf16 := FromFlatDataAndDimensions([]bfloat16.BFloat16{bfloat16.FromFloat32(2)}, 1)
	fromBF16, err := bf16.ConvertDType(dtypes.Int64)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, CopyFlatData[int64](fromBF16))

	toHalf, err := f64.ConvertDType(dtypes.Float16)
	require.NoError(t, err)
	require.Equal(t, float32(-2), CopyFlatData[float16.Float16](toHalf)[1].Float32())

	fromBool, err := FromFlatDataAndDimensions([]bool{true, false}, 2).ConvertDType(dtypes.Float32)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 0}, CopyFlatData[float32](fromBool))

	_, err = f64.ConvertDType(dtypes.Complex64)
	require.Error(t, err)
}
