// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ascend

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/testacc-art/mmdeploy/backends/acl"
)

// DeviceBuffer owns one allocation of device memory and the data buffer descriptor wrapping it.
//
// It is allocated on construction and freed by Finalize, and nowhere else.
type DeviceBuffer struct {
	rt     acl.Runtime
	ptr    acl.DevicePtr
	handle acl.DataBuffer
	size   int
}

// NewDeviceBuffer allocates size bytes of device memory and its data buffer descriptor.
// If the descriptor can't be created the memory is freed before returning the error.
func NewDeviceBuffer(rt acl.Runtime, size int) (*DeviceBuffer, error) {
	ptr, err := rt.Malloc(size)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate %s of device memory", humanize.Bytes(uint64(size)))
	}
	handle, err := rt.CreateDataBuffer(ptr, size)
	if err != nil {
		if freeErr := rt.Free(ptr); freeErr != nil {
			klog.Warningf("failed to free device memory: %+v", freeErr)
		}
		return nil, errors.WithMessagef(err, "failed to create data buffer of %s", humanize.Bytes(uint64(size)))
	}
	return &DeviceBuffer{rt: rt, ptr: ptr, handle: handle, size: size}, nil
}

// Ptr returns the device memory of the buffer.
func (b *DeviceBuffer) Ptr() acl.DevicePtr { return b.ptr }

// Handle returns the native data buffer descriptor.
func (b *DeviceBuffer) Handle() acl.DataBuffer { return b.handle }

// Size in bytes of the buffer.
func (b *DeviceBuffer) Size() int { return b.size }

// Finalize releases the data buffer descriptor and frees the device memory.
// Failures are logged and otherwise ignored. It is safe to call it more than once.
func (b *DeviceBuffer) Finalize() {
	if b.ptr == nil {
		return
	}
	if b.handle != nil {
		if err := b.rt.DestroyDataBuffer(b.handle); err != nil {
			klog.Warningf("failed to destroy data buffer: %+v", err)
		}
		b.handle = nil
	}
	if err := b.rt.Free(b.ptr); err != nil {
		klog.Warningf("failed to free device memory (%s): %+v", humanize.Bytes(uint64(b.size)), err)
	}
	b.ptr = nil
}

// IsFinalized returns whether Finalize was called.
func (b *DeviceBuffer) IsFinalized() bool { return b.ptr == nil }

// BufferSet is an ordered collection of DeviceBuffer and the native dataset grouping them, as given to one
// model execution.
type BufferSet struct {
	rt      acl.Runtime
	dataset acl.Dataset
	buffers []*DeviceBuffer
}

// NewBufferSet creates a dataset with one device buffer per size given, in order.
//
// On failure, everything allocated so far is released before returning the error.
func NewBufferSet(rt acl.Runtime, sizes []int) (*BufferSet, error) {
	dataset, err := rt.CreateDataset()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create dataset")
	}
	set := &BufferSet{rt: rt, dataset: dataset, buffers: make([]*DeviceBuffer, 0, len(sizes))}
	for ii, size := range sizes {
		buffer, err := NewDeviceBuffer(rt, size)
		if err != nil {
			set.Finalize()
			return nil, errors.WithMessagef(err, "buffer #%d", ii)
		}
		set.buffers = append(set.buffers, buffer)
		if err = rt.AddDatasetBuffer(dataset, buffer.Handle()); err != nil {
			set.Finalize()
			return nil, errors.WithMessagef(err, "failed to add buffer #%d to dataset", ii)
		}
	}
	return set, nil
}

// Dataset returns the native dataset handle.
func (s *BufferSet) Dataset() acl.Dataset { return s.dataset }

// Len returns the number of buffers.
func (s *BufferSet) Len() int { return len(s.buffers) }

// Buffer returns the buffer at index ii.
func (s *BufferSet) Buffer(ii int) *DeviceBuffer { return s.buffers[ii] }

// TotalSize returns the sum of the sizes of the buffers, in bytes.
func (s *BufferSet) TotalSize() int {
	var total int
	for _, buffer := range s.buffers {
		total += buffer.Size()
	}
	return total
}

// Finalize destroys the dataset and then releases the buffers, in reverse order of creation.
// Failures are logged and otherwise ignored. It is safe to call it more than once.
func (s *BufferSet) Finalize() {
	if s.dataset != nil {
		if err := s.rt.DestroyDataset(s.dataset); err != nil {
			klog.Warningf("failed to destroy dataset: %+v", err)
		}
		s.dataset = nil
	}
	for ii := len(s.buffers) - 1; ii >= 0; ii-- {
		s.buffers[ii].Finalize()
	}
	s.buffers = nil
}

// IsFinalized returns whether Finalize was called.
func (s *BufferSet) IsFinalized() bool { return s.dataset == nil }
