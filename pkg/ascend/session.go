// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ascend

import (
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/testacc-art/mmdeploy/backends/acl"
	"github.com/testacc-art/mmdeploy/types/shapes"
	"github.com/testacc-art/mmdeploy/types/tensors"
)

// Session runs a model loaded on a device.
//
// It owns the loaded model, its ModelDescriptor, the ShapeResolver and the input and output BufferSet, all
// released by Finalize. Forward calls are serialized, and the session can be used from any goroutine.
type Session struct {
	id        uuid.UUID
	contexts  *ContextRegistry
	rt        acl.Runtime
	deviceID  int
	ctx       acl.Context
	modelPath string
	metrics   *Metrics

	// mu serializes Forward and Finalize.
	mu          sync.Mutex
	modelID     acl.ModelID
	loaded      bool
	desc        *ModelDescriptor
	resolver    *ShapeResolver
	inputs      *BufferSet
	outputs     *BufferSet
	bufferBytes int
	finalized   bool
}

// Open loads the model at modelPath on the device, using the device context held by contexts.
//
// It describes the model, classifies its shape mode and allocates the device buffers of its inputs
// (including the dynamic shape control input) and outputs. On failure, everything acquired so far is released.
func Open(contexts *ContextRegistry, modelPath string, deviceID int) (*Session, error) {
	s := &Session{
		id:        uuid.New(),
		contexts:  contexts,
		rt:        contexts.Runtime(),
		deviceID:  deviceID,
		modelPath: modelPath,
		metrics:   contexts.Metrics(),
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := s.open(); err != nil {
		s.release()
		return nil, err
	}
	s.bufferBytes = s.inputs.TotalSize() + s.outputs.TotalSize()
	s.metrics.sessionOpened(s.bufferBytes)
	klog.V(1).Infof("session %s: loaded %q on device %d: %d inputs, %d outputs, shape mode %s, "+
		"device buffers %s (inputs) and %s (outputs)", s.id, modelPath, deviceID,
		len(s.desc.Inputs()), len(s.desc.Outputs()), s.resolver.Mode(),
		humanize.Bytes(uint64(s.inputs.TotalSize())), humanize.Bytes(uint64(s.outputs.TotalSize())))
	return s, nil
}

func (s *Session) open() error {
	var err error
	s.ctx, err = s.contexts.Acquire(s.deviceID)
	if err != nil {
		return err
	}
	if err = s.rt.SetCurrentContext(s.ctx); err != nil {
		return errors.WithMessagef(err, "failed to set context of device %d", s.deviceID)
	}
	s.modelID, err = s.rt.LoadModel(s.modelPath)
	if err != nil {
		return wrapError(err, ErrModelLoad, "%q", s.modelPath)
	}
	s.loaded = true
	s.desc, err = NewModelDescriptor(s.rt, s.modelID)
	if err != nil {
		return errors.WithMessagef(err, "model %q", s.modelPath)
	}
	s.resolver, err = NewShapeResolver(s.desc)
	if err != nil {
		return errors.WithMessagef(err, "model %q", s.modelPath)
	}
	s.inputs, err = NewBufferSet(s.rt, s.desc.InputBufferSizes())
	if err != nil {
		return errors.WithMessagef(err, "failed to allocate input buffers of model %q", s.modelPath)
	}
	s.outputs, err = NewBufferSet(s.rt, s.desc.OutputBufferSizes())
	if err != nil {
		return errors.WithMessagef(err, "failed to allocate output buffers of model %q", s.modelPath)
	}
	return nil
}

// release frees whatever the session holds, in reverse order of acquisition: output buffers, input buffers,
// model description, model and the reference to the device context.
func (s *Session) release() {
	if s.ctx != nil {
		if err := s.rt.SetCurrentContext(s.ctx); err != nil {
			klog.Warningf("session %s: failed to set context of device %d: %+v", s.id, s.deviceID, err)
		}
	}
	if s.outputs != nil {
		s.outputs.Finalize()
		s.outputs = nil
	}
	if s.inputs != nil {
		s.inputs.Finalize()
		s.inputs = nil
	}
	if s.desc != nil {
		s.desc.Finalize()
	}
	if s.loaded {
		if err := s.rt.UnloadModel(s.modelID); err != nil {
			klog.Warningf("session %s: failed to unload model %q: %+v", s.id, s.modelPath, err)
		}
		s.loaded = false
	}
	if s.ctx != nil {
		s.contexts.Release(s.deviceID)
		s.ctx = nil
	}
}

// Finalize releases the device buffers, the model and the reference to the device context.
// Failures are logged and otherwise ignored. It is safe to call it more than once.
func (s *Session) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	s.release()
	s.finalized = true
	s.metrics.sessionClosed(s.bufferBytes)
	klog.V(1).Infof("session %s: finalized", s.id)
}

// IsFinalized returns whether Finalize was called.
func (s *Session) IsFinalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// ID uniquely identifies the session in the logs.
func (s *Session) ID() uuid.UUID { return s.id }

// ModelPath returns the path the model was loaded from.
func (s *Session) ModelPath() string { return s.modelPath }

// DeviceID returns the device the model was loaded on.
func (s *Session) DeviceID() int { return s.deviceID }

// Descriptor returns the description of the model.
// After Finalize it still lists the bindings, but it can no longer query the native description.
func (s *Session) Descriptor() *ModelDescriptor { return s.desc }

// Resolver returns the shape resolver of the model.
func (s *Session) Resolver() *ShapeResolver { return s.resolver }

// ShapeMode returns the shape mode of the model.
func (s *Session) ShapeMode() ShapeMode { return s.resolver.Mode() }

// InputNames returns the names of the model inputs, in model order.
func (s *Session) InputNames() []string { return s.desc.InputNames() }

// OutputNames returns the names of the model outputs, in model order.
func (s *Session) OutputNames() []string { return s.desc.OutputNames() }

// Forward runs the model with the given inputs, keyed by input name, and returns the outputs keyed by
// output name.
//
// Inputs whose dtype differs from the binding are converted. Inputs not used by the model are ignored.
// Errors in the inputs (ErrMissingInput, ErrShapeMismatch, unsupported dynamic shapes or dtypes, ...) are
// returned before any native call. Those errors, as well as failing native calls, leave the session usable.
func (s *Session) Forward(inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	outputs, selection, err := s.forward(inputs)
	elapsed := time.Since(start)
	if s.resolver != nil {
		s.metrics.forward(s.resolver.Mode(), err, elapsed)
	}
	if err != nil {
		return nil, err
	}
	if klog.V(2).Enabled() {
		klog.Infof("session %s: forward with %s took %s", s.id, selection, elapsed)
	}
	return outputs, nil
}

func (s *Session) forward(inputs map[string]*tensors.Tensor) (map[string]*tensors.Tensor, ShapeSelection, error) {
	if s.finalized {
		return nil, ShapeSelection{}, newError(ErrSessionFinalized, "session %s", s.id)
	}
	bindings := s.desc.Inputs()
	ordered := make([]*tensors.Tensor, len(bindings))
	inputDims := make([][]int, len(bindings))
	for ii, binding := range bindings {
		tensor, found := inputs[binding.Name]
		if !found || tensor == nil {
			return nil, ShapeSelection{}, newError(ErrMissingInput, "input %q not given", binding.Name)
		}
		ordered[ii] = tensor
		inputDims[ii] = tensor.Shape().Dimensions
	}
	selection, err := s.resolver.Plan(inputDims)
	if err != nil {
		return nil, ShapeSelection{}, err
	}
	for ii, binding := range bindings {
		if ordered[ii].DType() == binding.DType {
			continue
		}
		if ordered[ii], err = ordered[ii].ConvertDType(binding.DType); err != nil {
			return nil, ShapeSelection{}, errors.WithMessagef(err, "input %q", binding.Name)
		}
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err = s.rt.SetCurrentContext(s.ctx); err != nil {
		return nil, ShapeSelection{}, errors.WithMessagef(err, "failed to set context of device %d", s.deviceID)
	}
	if err = s.resolver.Apply(s.rt, s.modelID, s.inputs.Dataset(), selection); err != nil {
		return nil, ShapeSelection{}, err
	}
	s.metrics.shapeSelection(selection)
	outputDims, err := s.desc.CurrentOutputShapes()
	if err != nil {
		return nil, ShapeSelection{}, err
	}

	for ii, binding := range bindings {
		tensor := ordered[ii]
		buffer := s.inputs.Buffer(binding.Index)
		if err = s.rt.CopyToDevice(buffer.Ptr(), buffer.Size(), tensor.Bytes()); err != nil {
			return nil, ShapeSelection{}, errors.WithMessagef(err, "failed to copy input %q (%s) to device", binding.Name,
				humanize.Bytes(uint64(tensor.Memory())))
		}
	}

	if err = s.rt.Execute(s.modelID, s.inputs.Dataset(), s.outputs.Dataset()); err != nil {
		return nil, ShapeSelection{}, wrapError(err, ErrExecution, "model %q", s.modelPath)
	}

	outputs := make(map[string]*tensors.Tensor, len(s.desc.Outputs()))
	for ii, binding := range s.desc.Outputs() {
		dims := outputDims[ii]
		if slices.ContainsFunc(dims, func(dim int) bool { return dim < 0 }) {
			return nil, ShapeSelection{}, errors.Errorf("output %q has unresolved dimensions %v", binding.Name, dims)
		}
		tensor := tensors.FromShape(shapes.Make(binding.DType, dims...))
		data := tensor.Bytes()
		if err = s.rt.CopyToHost(data, s.outputs.Buffer(ii).Ptr(), len(data)); err != nil {
			return nil, ShapeSelection{}, errors.WithMessagef(err, "failed to copy output %q (%s) from device", binding.Name,
				humanize.Bytes(uint64(len(data))))
		}
		outputs[binding.Name] = tensor
	}
	return outputs, selection, nil
}
