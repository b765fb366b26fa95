// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/testacc-art/mmdeploy/types/shapes"
)

// number are the Go types that can be numerically cast to each other.
type number interface {
	~float32 | ~float64 | ~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// ConvertDType returns a new Tensor with the values of t numerically cast to the given dtype.
// If t already has the dtype, t itself is returned.
//
// Float16 and BFloat16 values are converted through float32.
// Bool values convert to 0 and 1, and any non-zero value converts to true.
func (t *Tensor) ConvertDType(dtype dtypes.DType) (*Tensor, error) {
	if t.DType() == dtype {
		return t, nil
	}
	var (
		flat any
		err  error
	)
	switch dtype {
	case dtypes.Float32:
		flat, err = castFlat[float32](t.flat)
	case dtypes.Float64:
		flat, err = castFlat[float64](t.flat)
	case dtypes.Int8:
		flat, err = castFlat[int8](t.flat)
	case dtypes.Int16:
		flat, err = castFlat[int16](t.flat)
	case dtypes.Int32:
		flat, err = castFlat[int32](t.flat)
	case dtypes.Int64:
		flat, err = castFlat[int64](t.flat)
	case dtypes.Uint8:
		flat, err = castFlat[uint8](t.flat)
	case dtypes.Uint16:
		flat, err = castFlat[uint16](t.flat)
	case dtypes.Uint32:
		flat, err = castFlat[uint32](t.flat)
	case dtypes.Uint64:
		flat, err = castFlat[uint64](t.flat)
	case dtypes.Float16:
		var f32 []float32
		f32, err = castFlat[float32](t.flat)
		if err == nil {
			f16 := make([]float16.Float16, len(f32))
			for ii, v := range f32 {
				f16[ii] = float16.Fromfloat32(v)
			}
			flat = f16
		}
	case dtypes.BFloat16:
		var f32 []float32
		f32, err = castFlat[float32](t.flat)
		if err == nil {
			bf16 := make([]bfloat16.BFloat16, len(f32))
			for ii, v := range f32 {
				bf16[ii] = bfloat16.FromFloat32(v)
			}
			flat = bf16
		}
	case dtypes.Bool:
		var f64 []float64
		f64, err = castFlat[float64](t.flat)
		if err == nil {
			b := make([]bool, len(f64))
			for ii, v := range f64 {
				b[ii] = v != 0
			}
			flat = b
		}
	default:
		err = errors.Errorf("conversion to dtype %s not supported", dtype)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "Tensor.ConvertDType(%s) of tensor shaped %s", dtype, t.shape)
	}
	return &Tensor{
		shape: shapes.Make(dtype, t.shape.Dimensions...),
		flat:  flat,
	}, nil
}

// castFlat casts every value of the flat slice to T.
func castFlat[T number](flat any) ([]T, error) {
	switch src := flat.(type) {
	case []float32:
		return castSlice[float32, T](src), nil
	case []float64:
		return castSlice[float64, T](src), nil
	case []int8:
		return castSlice[int8, T](src), nil
	case []int16:
		return castSlice[int16, T](src), nil
	case []int32:
		return castSlice[int32, T](src), nil
	case []int64:
		return castSlice[int64, T](src), nil
	case []uint8:
		return castSlice[uint8, T](src), nil
	case []uint16:
		return castSlice[uint16, T](src), nil
	case []uint32:
		return castSlice[uint32, T](src), nil
	case []uint64:
		return castSlice[uint64, T](src), nil
	case []float16.Float16:
		dst := make([]T, len(src))
		for ii, v := range src {
			dst[ii] = T(v.Float32())
		}
		return dst, nil
	case []bfloat16.BFloat16:
		dst := make([]T, len(src))
		for ii, v := range src {
			dst[ii] = T(v.Float32())
		}
		return dst, nil
	case []bool:
		dst := make([]T, len(src))
		for ii, v := range src {
			if v {
				dst[ii] = 1
			}
		}
		return dst, nil
	}
	return nil, errors.Errorf("values of type %T cannot be converted", flat)
}

func castSlice[From, To number](src []From) []To {
	dst := make([]To, len(src))
	for ii, v := range src {
		dst[ii] = To(v)
	}
	return dst
}
