// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package acl

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// DataType is the ACL data type code (aclDataType).
type DataType int

// DataType values, they must match acl/acl_base.h.
const (
	DataTypeUndefined DataType = -1
	Float             DataType = 0
	Float16           DataType = 1
	Int8              DataType = 2
	Int32             DataType = 3
	Uint8             DataType = 4
	Int16             DataType = 6
	Uint16            DataType = 7
	Uint32            DataType = 8
	Int64             DataType = 9
	Uint64            DataType = 10
	Double            DataType = 11
	Bool              DataType = 12
)

var dataTypeNames = map[DataType]string{
	DataTypeUndefined: "ACL_DT_UNDEFINED",
	Float:             "ACL_FLOAT",
	Float16:           "ACL_FLOAT16",
	Int8:              "ACL_INT8",
	Int32:             "ACL_INT32",
	Uint8:             "ACL_UINT8",
	Int16:             "ACL_INT16",
	Uint16:            "ACL_UINT16",
	Uint32:            "ACL_UINT32",
	Int64:             "ACL_INT64",
	Uint64:            "ACL_UINT64",
	Double:            "ACL_DOUBLE",
	Bool:              "ACL_BOOL",
}

// String implements fmt.Stringer.
func (dt DataType) String() string {
	if name, found := dataTypeNames[dt]; found {
		return name
	}
	return fmt.Sprintf("ACL_DT(%d)", int(dt))
}

// supportedDTypes are the data types the inference session binds to host tensors.
var supportedDTypes = map[DataType]dtypes.DType{
	Float: dtypes.Float32,
	Int32: dtypes.Int32,
	Int64: dtypes.Int64,
}

// DType converts the data type code to the corresponding dtypes.DType.
// Only ACL_FLOAT, ACL_INT32 and ACL_INT64 are supported, for everything else ok is false.
func (dt DataType) DType() (dtype dtypes.DType, ok bool) {
	dtype, ok = supportedDTypes[dt]
	return
}

// FromDType returns the data type code for a dtype, or DataTypeUndefined if it has no ACL equivalent.
func FromDType(dtype dtypes.DType) DataType {
	switch dtype {
	case dtypes.Float32:
		return Float
	case dtypes.Float16:
		return Float16
	case dtypes.Int8:
		return Int8
	case dtypes.Int32:
		return Int32
	case dtypes.Uint8:
		return Uint8
	case dtypes.Int16:
		return Int16
	case dtypes.Uint16:
		return Uint16
	case dtypes.Uint32:
		return Uint32
	case dtypes.Int64:
		return Int64
	case dtypes.Uint64:
		return Uint64
	case dtypes.Float64:
		return Double
	case dtypes.Bool:
		return Bool
	}
	return DataTypeUndefined
}

// ElementSize returns the size in bytes of one element of the data type, or 0 if unknown.
func (dt DataType) ElementSize() int {
	switch dt {
	case Int8, Uint8, Bool:
		return 1
	case Float16, Int16, Uint16:
		return 2
	case Float, Int32, Uint32:
		return 4
	case Int64, Uint64, Double:
		return 8
	}
	return 0
}
