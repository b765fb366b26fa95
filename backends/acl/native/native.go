// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build ascend && cgo

// Package native provides the ACL runtime backed by libascendcl, the Ascend Computing Language library.
//
// It requires the CANN toolkit: the header acl/acl.h and the library libascendcl must be reachable by the
// C toolchain (e.g.: CGO_CFLAGS="-I${ASCEND_TOOLKIT_HOME}/include" and CGO_LDFLAGS="-L${ASCEND_TOOLKIT_HOME}/lib64"),
// and it must be built with "-tags ascend".
//
// The runtime configuration (see acl.NewWithConfig) is the path to the JSON configuration given to aclInit,
// and it can be left empty.
package native

/*
#cgo LDFLAGS: -lascendcl
#include <stdlib.h>
#include "acl/acl.h"
*/
import "C"

import (
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/testacc-art/mmdeploy/backends/acl"
)

// RuntimeName to be used in MMDEPLOY_ACL_RUNTIME to specify this runtime.
const RuntimeName = "native"

const (
	memMallocHugeFirst = 0 // ACL_MEM_MALLOC_HUGE_FIRST
	memcpyHostToDevice = 1 // ACL_MEMCPY_HOST_TO_DEVICE
	memcpyDeviceToHost = 2 // ACL_MEMCPY_DEVICE_TO_HOST

	// Status returned by the native wrapper when a constructor returns NULL.
	nullHandleStatus = 500000
)

// Runtime implements acl.Runtime on top of libascendcl.
type Runtime struct {
	configPath string
}

var _ acl.Runtime = (*Runtime)(nil)

// New returns the native runtime. config is the path to the aclInit JSON configuration, optionally empty.
func New(config string) (acl.Runtime, error) {
	return &Runtime{configPath: config}, nil
}

type context struct{ c C.aclrtContext }
type devicePtr struct{ p unsafe.Pointer }
type dataBuffer struct{ c *C.aclDataBuffer }
type dataset struct{ c *C.aclmdlDataset }
type modelDesc struct{ c *C.aclmdlDesc }

func check(operation string, ret C.aclError) error {
	return acl.Check(operation, int(ret))
}

func castHandle[T any](operation string, handle any) (T, error) {
	h, ok := handle.(T)
	if !ok {
		var zero T
		return zero, errors.Errorf("%s: invalid handle of type %T", operation, handle)
	}
	return h, nil
}

// Name implements acl.Runtime.
func (r *Runtime) Name() string { return RuntimeName }

// Init implements acl.Runtime.
func (r *Runtime) Init(configPath string) error {
	if configPath == "" {
		configPath = r.configPath
	}
	var cPath *C.char
	if configPath != "" {
		cPath = C.CString(configPath)
		defer C.free(unsafe.Pointer(cPath))
	}
	klog.V(1).Infof("aclInit(%q)", configPath)
	return check(acl.OpInit, C.aclInit(cPath))
}

// Finalize implements acl.Runtime.
func (r *Runtime) Finalize() error {
	return check(acl.OpFinalize, C.aclFinalize())
}

// SetDevice implements acl.Runtime.
func (r *Runtime) SetDevice(deviceID int) error {
	return check(acl.OpSetDevice, C.aclrtSetDevice(C.int32_t(deviceID)))
}

// ResetDevice implements acl.Runtime.
func (r *Runtime) ResetDevice(deviceID int) error {
	return check(acl.OpResetDevice, C.aclrtResetDevice(C.int32_t(deviceID)))
}

// CreateContext implements acl.Runtime.
func (r *Runtime) CreateContext(deviceID int) (acl.Context, error) {
	ctx := &context{}
	if err := check(acl.OpCreateContext, C.aclrtCreateContext(&ctx.c, C.int32_t(deviceID))); err != nil {
		return nil, err
	}
	return ctx, nil
}

// DestroyContext implements acl.Runtime.
func (r *Runtime) DestroyContext(handle acl.Context) error {
	ctx, err := castHandle[*context](acl.OpDestroyContext, handle)
	if err != nil {
		return err
	}
	return check(acl.OpDestroyContext, C.aclrtDestroyContext(ctx.c))
}

// SetCurrentContext implements acl.Runtime.
func (r *Runtime) SetCurrentContext(handle acl.Context) error {
	ctx, err := castHandle[*context](acl.OpSetCurrentContext, handle)
	if err != nil {
		return err
	}
	return check(acl.OpSetCurrentContext, C.aclrtSetCurrentContext(ctx.c))
}

// Malloc implements acl.Runtime.
func (r *Runtime) Malloc(size int) (acl.DevicePtr, error) {
	ptr := &devicePtr{}
	ret := C.aclrtMalloc(&ptr.p, C.size_t(size), C.aclrtMemMallocPolicy(memMallocHugeFirst))
	if err := check(acl.OpMalloc, ret); err != nil {
		return nil, err
	}
	return ptr, nil
}

// Free implements acl.Runtime.
func (r *Runtime) Free(handle acl.DevicePtr) error {
	ptr, err := castHandle[*devicePtr](acl.OpFree, handle)
	if err != nil {
		return err
	}
	if err = check(acl.OpFree, C.aclrtFree(ptr.p)); err != nil {
		return err
	}
	ptr.p = nil
	return nil
}

// CopyToDevice implements acl.Runtime.
func (r *Runtime) CopyToDevice(dst acl.DevicePtr, dstMax int, src []byte) error {
	ptr, err := castHandle[*devicePtr](acl.OpMemcpy, dst)
	if err != nil {
		return err
	}
	if len(src) > dstMax {
		return errors.WithMessagef(acl.Check(acl.OpMemcpy, int(C.ACL_ERROR_INVALID_PARAM)),
			"copying %d bytes to a device buffer of %d bytes", len(src), dstMax)
	}
	if len(src) == 0 {
		return nil
	}
	ret := C.aclrtMemcpy(ptr.p, C.size_t(dstMax), unsafe.Pointer(&src[0]), C.size_t(len(src)),
		C.aclrtMemcpyKind(memcpyHostToDevice))
	return check(acl.OpMemcpy, ret)
}

// CopyToHost implements acl.Runtime.
func (r *Runtime) CopyToHost(dst []byte, src acl.DevicePtr, count int) error {
	ptr, err := castHandle[*devicePtr](acl.OpMemcpy, src)
	if err != nil {
		return err
	}
	if count > len(dst) {
		return errors.WithMessagef(acl.Check(acl.OpMemcpy, int(C.ACL_ERROR_INVALID_PARAM)),
			"copying %d bytes to a host buffer of %d bytes", count, len(dst))
	}
	if count == 0 {
		return nil
	}
	ret := C.aclrtMemcpy(unsafe.Pointer(&dst[0]), C.size_t(count), ptr.p, C.size_t(count),
		C.aclrtMemcpyKind(memcpyDeviceToHost))
	return check(acl.OpMemcpy, ret)
}

// CreateDataBuffer implements acl.Runtime.
func (r *Runtime) CreateDataBuffer(handle acl.DevicePtr, size int) (acl.DataBuffer, error) {
	ptr, err := castHandle[*devicePtr](acl.OpCreateDataBuffer, handle)
	if err != nil {
		return nil, err
	}
	c := C.aclCreateDataBuffer(ptr.p, C.size_t(size))
	if c == nil {
		return nil, acl.Check(acl.OpCreateDataBuffer, nullHandleStatus)
	}
	return &dataBuffer{c: c}, nil
}

// DestroyDataBuffer implements acl.Runtime.
func (r *Runtime) DestroyDataBuffer(handle acl.DataBuffer) error {
	buf, err := castHandle[*dataBuffer](acl.OpDestroyDataBuffer, handle)
	if err != nil {
		return err
	}
	return check(acl.OpDestroyDataBuffer, C.aclDestroyDataBuffer(buf.c))
}

// CreateDataset implements acl.Runtime.
func (r *Runtime) CreateDataset() (acl.Dataset, error) {
	c := C.aclmdlCreateDataset()
	if c == nil {
		return nil, acl.Check(acl.OpCreateDataset, nullHandleStatus)
	}
	return &dataset{c: c}, nil
}

// DestroyDataset implements acl.Runtime.
func (r *Runtime) DestroyDataset(handle acl.Dataset) error {
	ds, err := castHandle[*dataset](acl.OpDestroyDataset, handle)
	if err != nil {
		return err
	}
	return check(acl.OpDestroyDataset, C.aclmdlDestroyDataset(ds.c))
}

// AddDatasetBuffer implements acl.Runtime.
func (r *Runtime) AddDatasetBuffer(handle acl.Dataset, buffer acl.DataBuffer) error {
	ds, err := castHandle[*dataset](acl.OpAddDatasetBuffer, handle)
	if err != nil {
		return err
	}
	buf, err := castHandle[*dataBuffer](acl.OpAddDatasetBuffer, buffer)
	if err != nil {
		return err
	}
	return check(acl.OpAddDatasetBuffer, C.aclmdlAddDatasetBuffer(ds.c, buf.c))
}

// LoadModel implements acl.Runtime.
func (r *Runtime) LoadModel(path string) (acl.ModelID, error) {
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))
	var id C.uint32_t
	if err := check(acl.OpLoadFromFile, C.aclmdlLoadFromFile(cPath, &id)); err != nil {
		return 0, err
	}
	return acl.ModelID(id), nil
}

// UnloadModel implements acl.Runtime.
func (r *Runtime) UnloadModel(id acl.ModelID) error {
	return check(acl.OpUnload, C.aclmdlUnload(C.uint32_t(id)))
}

// CreateDesc implements acl.Runtime.
func (r *Runtime) CreateDesc(id acl.ModelID) (acl.ModelDesc, error) {
	c := C.aclmdlCreateDesc()
	if c == nil {
		return nil, acl.Check(acl.OpGetDesc, nullHandleStatus)
	}
	if err := check(acl.OpGetDesc, C.aclmdlGetDesc(c, C.uint32_t(id))); err != nil {
		if ret := C.aclmdlDestroyDesc(c); ret != 0 {
			klog.Warningf("aclmdlDestroyDesc failed with status %d", int(ret))
		}
		return nil, err
	}
	return &modelDesc{c: c}, nil
}

// DestroyDesc implements acl.Runtime.
func (r *Runtime) DestroyDesc(handle acl.ModelDesc) error {
	desc, err := castHandle[*modelDesc](acl.OpDestroyDesc, handle)
	if err != nil {
		return err
	}
	return check(acl.OpDestroyDesc, C.aclmdlDestroyDesc(desc.c))
}

func descOf(handle acl.ModelDesc) *C.aclmdlDesc {
	desc, ok := handle.(*modelDesc)
	if !ok {
		return nil
	}
	return desc.c
}

// NumInputs implements acl.Runtime.
func (r *Runtime) NumInputs(handle acl.ModelDesc) int {
	return int(C.aclmdlGetNumInputs(descOf(handle)))
}

// NumOutputs implements acl.Runtime.
func (r *Runtime) NumOutputs(handle acl.ModelDesc) int {
	return int(C.aclmdlGetNumOutputs(descOf(handle)))
}

func fromIODims(dims *C.aclmdlIODims) acl.IODims {
	count := int(dims.dimCount)
	result := acl.IODims{
		Name: C.GoString(&dims.name[0]),
		Dims: make([]int, count),
	}
	for ii := range count {
		result.Dims[ii] = int(dims.dims[ii])
	}
	return result
}

func toIODims(dims acl.IODims) (C.aclmdlIODims, error) {
	var c C.aclmdlIODims
	if len(dims.Dims) > len(c.dims) || len(dims.Name) >= len(c.name) {
		return c, errors.Errorf("dims %v (name %q) exceed the ACL limits", dims.Dims, dims.Name)
	}
	for ii, b := range []byte(dims.Name) {
		c.name[ii] = C.char(b)
	}
	c.dimCount = C.size_t(len(dims.Dims))
	for ii, dim := range dims.Dims {
		c.dims[ii] = C.int64_t(dim)
	}
	return c, nil
}

// InputDims implements acl.Runtime.
func (r *Runtime) InputDims(handle acl.ModelDesc, index int) (acl.IODims, error) {
	var dims C.aclmdlIODims
	if err := check(acl.OpGetInputDims, C.aclmdlGetInputDims(descOf(handle), C.size_t(index), &dims)); err != nil {
		return acl.IODims{}, err
	}
	return fromIODims(&dims), nil
}

// OutputDims implements acl.Runtime.
func (r *Runtime) OutputDims(handle acl.ModelDesc, index int) (acl.IODims, error) {
	var dims C.aclmdlIODims
	if err := check(acl.OpGetOutputDims, C.aclmdlGetOutputDims(descOf(handle), C.size_t(index), &dims)); err != nil {
		return acl.IODims{}, err
	}
	return fromIODims(&dims), nil
}

// CurrentOutputDims implements acl.Runtime.
func (r *Runtime) CurrentOutputDims(handle acl.ModelDesc, index int) (acl.IODims, error) {
	var dims C.aclmdlIODims
	if err := check(acl.OpGetCurOutputDims, C.aclmdlGetCurOutputDims(descOf(handle), C.size_t(index), &dims)); err != nil {
		return acl.IODims{}, err
	}
	return fromIODims(&dims), nil
}

// InputDataType implements acl.Runtime.
func (r *Runtime) InputDataType(handle acl.ModelDesc, index int) acl.DataType {
	return acl.DataType(C.aclmdlGetInputDataType(descOf(handle), C.size_t(index)))
}

// OutputDataType implements acl.Runtime.
func (r *Runtime) OutputDataType(handle acl.ModelDesc, index int) acl.DataType {
	return acl.DataType(C.aclmdlGetOutputDataType(descOf(handle), C.size_t(index)))
}

// InputSize implements acl.Runtime.
func (r *Runtime) InputSize(handle acl.ModelDesc, index int) int {
	return int(C.aclmdlGetInputSizeByIndex(descOf(handle), C.size_t(index)))
}

// OutputSize implements acl.Runtime.
func (r *Runtime) OutputSize(handle acl.ModelDesc, index int) int {
	return int(C.aclmdlGetOutputSizeByIndex(descOf(handle), C.size_t(index)))
}

// DynamicBatch implements acl.Runtime.
func (r *Runtime) DynamicBatch(handle acl.ModelDesc) ([]int, error) {
	var batch C.aclmdlBatch
	if err := check(acl.OpGetDynamicBatch, C.aclmdlGetDynamicBatch(descOf(handle), &batch)); err != nil {
		return nil, err
	}
	sizes := make([]int, int(batch.batchCount))
	for ii := range sizes {
		sizes[ii] = int(batch.batch[ii])
	}
	return sizes, nil
}

// DynamicHW implements acl.Runtime.
func (r *Runtime) DynamicHW(handle acl.ModelDesc, index int) ([][2]int, error) {
	var hw C.aclmdlHW
	if err := check(acl.OpGetDynamicHW, C.aclmdlGetDynamicHW(descOf(handle), C.size_t(index), &hw)); err != nil {
		return nil, err
	}
	pairs := make([][2]int, int(hw.hwCount))
	for ii := range pairs {
		pairs[ii] = [2]int{int(hw.hw[ii][0]), int(hw.hw[ii][1])}
	}
	return pairs, nil
}

// InputDynamicDims implements acl.Runtime.
func (r *Runtime) InputDynamicDims(handle acl.ModelDesc, index int) ([]acl.IODims, error) {
	desc := descOf(handle)
	var gearCount C.size_t
	ret := C.aclmdlGetInputDynamicGearCount(desc, C.size_t(index), &gearCount)
	if err := check(acl.OpGetDynamicGearCount, ret); err != nil {
		return nil, err
	}
	if gearCount == 0 {
		return nil, nil
	}
	gears := make([]C.aclmdlIODims, int(gearCount))
	ret = C.aclmdlGetInputDynamicDims(desc, C.size_t(index), &gears[0], gearCount)
	if err := check(acl.OpGetInputDynamicDims, ret); err != nil {
		return nil, err
	}
	profiles := make([]acl.IODims, len(gears))
	for ii := range gears {
		profiles[ii] = fromIODims(&gears[ii])
	}
	return profiles, nil
}

// SetDynamicBatchSize implements acl.Runtime.
func (r *Runtime) SetDynamicBatchSize(id acl.ModelID, handle acl.Dataset, index int, batchSize int) error {
	ds, err := castHandle[*dataset](acl.OpSetDynamicBatchSize, handle)
	if err != nil {
		return err
	}
	ret := C.aclmdlSetDynamicBatchSize(C.uint32_t(id), ds.c, C.size_t(index), C.uint64_t(batchSize))
	return check(acl.OpSetDynamicBatchSize, ret)
}

// SetDynamicHWSize implements acl.Runtime.
func (r *Runtime) SetDynamicHWSize(id acl.ModelID, handle acl.Dataset, index int, height, width int) error {
	ds, err := castHandle[*dataset](acl.OpSetDynamicHWSize, handle)
	if err != nil {
		return err
	}
	ret := C.aclmdlSetDynamicHWSize(C.uint32_t(id), ds.c, C.size_t(index), C.uint64_t(height), C.uint64_t(width))
	return check(acl.OpSetDynamicHWSize, ret)
}

// SetInputDynamicDims implements acl.Runtime.
func (r *Runtime) SetInputDynamicDims(id acl.ModelID, handle acl.Dataset, index int, dims acl.IODims) error {
	ds, err := castHandle[*dataset](acl.OpSetInputDynamicDims, handle)
	if err != nil {
		return err
	}
	cDims, err := toIODims(dims)
	if err != nil {
		return err
	}
	ret := C.aclmdlSetInputDynamicDims(C.uint32_t(id), ds.c, C.size_t(index), &cDims)
	return check(acl.OpSetInputDynamicDims, ret)
}

// Execute implements acl.Runtime.
func (r *Runtime) Execute(id acl.ModelID, inputs, outputs acl.Dataset) error {
	in, err := castHandle[*dataset](acl.OpExecute, inputs)
	if err != nil {
		return err
	}
	out, err := castHandle[*dataset](acl.OpExecute, outputs)
	if err != nil {
		return err
	}
	return check(acl.OpExecute, C.aclmdlExecute(C.uint32_t(id), in.c, out.c))
}
