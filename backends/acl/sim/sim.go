// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sim implements a simulated ACL runtime: the "device" memory lives on the host, models are described
// by a Model definition (given programmatically with AddModel or read from a YAML file) and executed by a Go
// function.
//
// It registers itself as the "sim" runtime, and it keeps counters of every call (see Stats) and supports
// fault injection (see FailOn), which makes it the device double for the tests of the inference session.
package sim

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/testacc-art/mmdeploy/backends/acl"
)

// RuntimeName to be used in the configuration given to acl.NewWithConfig.
const RuntimeName = "sim"

func init() {
	acl.Register(RuntimeName, func(config string) (acl.Runtime, error) {
		if config != "" {
			klog.V(1).Infof("sim runtime ignores configuration %q", config)
		}
		return New(), nil
	})
}

// Status codes returned by the simulated runtime, the same ones the native library uses.
const (
	CodeInvalidParam     = 100000
	CodeUninitialized    = 100001
	CodeRepeatInitialize = 100002
	CodeInvalidFile      = 100003
	CodeInvalidModelID   = 100011
	CodeBadAlloc         = 200000
	CodeFailure          = 500000
)

// CopyRecord records the bounds of a host to device copy.
type CopyRecord struct {
	DstMax, Count int
}

// Stats counts the calls made to the simulated runtime. Only successful calls are counted.
type Stats struct {
	Inits, Finalizes                         int
	DeviceSets, DeviceResets                 int
	ContextsCreated, ContextsDestroyed       int
	Mallocs, Frees                           int
	DataBuffersCreated, DataBuffersDestroyed int
	DatasetsCreated, DatasetsDestroyed       int
	ModelsLoaded, ModelsUnloaded             int
	DescsCreated, DescsDestroyed             int
	ShapeSelections                          int
	Executes                                 int
	CopiesToDevice, CopiesToHost             int

	// LastCopyToDevice holds the bounds of the last host to device copy.
	LastCopyToDevice CopyRecord
}

// LiveAllocations returns the number of device allocations not yet freed.
func (s Stats) LiveAllocations() int { return s.Mallocs - s.Frees }

// LiveHandles returns the number of native handles (contexts, data buffers, datasets, models and descriptions)
// not yet released.
func (s Stats) LiveHandles() int {
	return s.ContextsCreated - s.ContextsDestroyed +
		s.DataBuffersCreated - s.DataBuffersDestroyed +
		s.DatasetsCreated - s.DatasetsDestroyed +
		s.ModelsLoaded - s.ModelsUnloaded +
		s.DescsCreated - s.DescsDestroyed
}

type deviceContext struct {
	deviceID  int
	destroyed bool
}

type block struct {
	data  []byte
	freed bool
}

type dataBuffer struct {
	block     *block
	size      int
	destroyed bool
}

type dataset struct {
	buffers   []*dataBuffer
	destroyed bool
}

type loadedModel struct {
	id       acl.ModelID
	path     string
	model    *Model
	selected selection
	unloaded bool
}

type desc struct {
	model     *loadedModel
	destroyed bool
}

type fault struct {
	skip, code int
}

// Runtime is the simulated runtime. It implements acl.Runtime and it is safe for concurrent use.
type Runtime struct {
	mu          sync.Mutex
	initialized bool
	devices     map[int]bool
	current     *deviceContext
	definitions map[string]*Model
	models      map[acl.ModelID]*loadedModel
	nextModelID acl.ModelID
	faults      map[string]*fault
	stats       Stats
}

// Compile-time check that the simulated runtime implements acl.Runtime.
var _ acl.Runtime = (*Runtime)(nil)

// New returns a new simulated runtime with no models defined.
func New() *Runtime {
	return &Runtime{
		devices:     make(map[int]bool),
		definitions: make(map[string]*Model),
		models:      make(map[acl.ModelID]*loadedModel),
		nextModelID: 1,
		faults:      make(map[string]*fault),
	}
}

// AddModel defines the model to be loaded from path. Paths without a definition are read as YAML model files.
func (r *Runtime) AddModel(path string, model *Model) error {
	if err := model.validate(); err != nil {
		return errors.WithMessagef(err, "sim.AddModel(%q)", path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[path] = model
	return nil
}

// FailOn makes the next call to the native operation (one of the acl.Op* names) fail with the given status code.
func (r *Runtime) FailOn(operation string, code int) {
	r.FailOnCall(operation, 0, code)
}

// FailOnCall makes a future call to the native operation fail with the given status code, after skip
// successful calls.
func (r *Runtime) FailOnCall(operation string, skip, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[operation] = &fault{skip: skip, code: code}
}

// Stats returns a copy of the call counters.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// check returns the injected fault for operation, if it is due. It must be called with the lock held.
func (r *Runtime) check(operation string) error {
	f, found := r.faults[operation]
	if !found {
		return nil
	}
	if f.skip > 0 {
		f.skip--
		return nil
	}
	delete(r.faults, operation)
	klog.V(2).Infof("sim: injected failure of %s with status %d", operation, f.code)
	return acl.Check(operation, f.code)
}

// Name implements acl.Runtime.
func (r *Runtime) Name() string { return RuntimeName }

// Init implements acl.Runtime.
func (r *Runtime) Init(configPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpInit); err != nil {
		return err
	}
	if r.initialized {
		return acl.Check(acl.OpInit, CodeRepeatInitialize)
	}
	r.initialized = true
	r.stats.Inits++
	return nil
}

// Finalize implements acl.Runtime.
func (r *Runtime) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpFinalize); err != nil {
		return err
	}
	if !r.initialized {
		return acl.Check(acl.OpFinalize, CodeUninitialized)
	}
	r.initialized = false
	r.stats.Finalizes++
	return nil
}

// SetDevice implements acl.Runtime.
func (r *Runtime) SetDevice(deviceID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpSetDevice); err != nil {
		return err
	}
	if !r.initialized {
		return acl.Check(acl.OpSetDevice, CodeUninitialized)
	}
	if deviceID < 0 {
		return acl.Check(acl.OpSetDevice, CodeInvalidParam)
	}
	r.devices[deviceID] = true
	r.stats.DeviceSets++
	return nil
}

// ResetDevice implements acl.Runtime.
func (r *Runtime) ResetDevice(deviceID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpResetDevice); err != nil {
		return err
	}
	if !r.devices[deviceID] {
		return acl.Check(acl.OpResetDevice, CodeInvalidParam)
	}
	delete(r.devices, deviceID)
	r.stats.DeviceResets++
	return nil
}

// CreateContext implements acl.Runtime.
func (r *Runtime) CreateContext(deviceID int) (acl.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpCreateContext); err != nil {
		return nil, err
	}
	if !r.devices[deviceID] {
		return nil, acl.Check(acl.OpCreateContext, CodeInvalidParam)
	}
	ctx := &deviceContext{deviceID: deviceID}
	r.current = ctx
	r.stats.ContextsCreated++
	return ctx, nil
}

// DestroyContext implements acl.Runtime.
func (r *Runtime) DestroyContext(handle acl.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpDestroyContext); err != nil {
		return err
	}
	ctx, ok := handle.(*deviceContext)
	if !ok || ctx.destroyed {
		return acl.Check(acl.OpDestroyContext, CodeInvalidParam)
	}
	ctx.destroyed = true
	if r.current == ctx {
		r.current = nil
	}
	r.stats.ContextsDestroyed++
	return nil
}

// SetCurrentContext implements acl.Runtime.
func (r *Runtime) SetCurrentContext(handle acl.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpSetCurrentContext); err != nil {
		return err
	}
	ctx, ok := handle.(*deviceContext)
	if !ok || ctx.destroyed {
		return acl.Check(acl.OpSetCurrentContext, CodeInvalidParam)
	}
	r.current = ctx
	return nil
}

// Malloc implements acl.Runtime.
func (r *Runtime) Malloc(size int) (acl.DevicePtr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpMalloc); err != nil {
		return nil, err
	}
	if r.current == nil {
		return nil, acl.Check(acl.OpMalloc, CodeInvalidParam)
	}
	if size <= 0 {
		return nil, acl.Check(acl.OpMalloc, CodeInvalidParam)
	}
	r.stats.Mallocs++
	return &block{data: make([]byte, size)}, nil
}

// Free implements acl.Runtime.
func (r *Runtime) Free(ptr acl.DevicePtr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpFree); err != nil {
		return err
	}
	b, ok := ptr.(*block)
	if !ok || b.freed {
		return acl.Check(acl.OpFree, CodeInvalidParam)
	}
	b.freed = true
	b.data = nil
	r.stats.Frees++
	return nil
}

func liveBlock(ptr acl.DevicePtr) (*block, bool) {
	b, ok := ptr.(*block)
	if !ok || b.freed {
		return nil, false
	}
	return b, true
}

// CopyToDevice implements acl.Runtime.
func (r *Runtime) CopyToDevice(dst acl.DevicePtr, dstMax int, src []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpMemcpy); err != nil {
		return err
	}
	b, ok := liveBlock(dst)
	if !ok || dstMax > len(b.data) || len(src) > dstMax {
		return acl.Check(acl.OpMemcpy, CodeInvalidParam)
	}
	copy(b.data, src)
	r.stats.CopiesToDevice++
	r.stats.LastCopyToDevice = CopyRecord{DstMax: dstMax, Count: len(src)}
	return nil
}

// CopyToHost implements acl.Runtime.
func (r *Runtime) CopyToHost(dst []byte, src acl.DevicePtr, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpMemcpy); err != nil {
		return err
	}
	b, ok := liveBlock(src)
	if !ok || count < 0 || count > len(dst) || count > len(b.data) {
		return acl.Check(acl.OpMemcpy, CodeInvalidParam)
	}
	copy(dst[:count], b.data[:count])
	r.stats.CopiesToHost++
	return nil
}

// CreateDataBuffer implements acl.Runtime.
func (r *Runtime) CreateDataBuffer(ptr acl.DevicePtr, size int) (acl.DataBuffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpCreateDataBuffer); err != nil {
		return nil, err
	}
	b, ok := liveBlock(ptr)
	if !ok || size > len(b.data) {
		return nil, acl.Check(acl.OpCreateDataBuffer, CodeInvalidParam)
	}
	r.stats.DataBuffersCreated++
	return &dataBuffer{block: b, size: size}, nil
}

// DestroyDataBuffer implements acl.Runtime.
func (r *Runtime) DestroyDataBuffer(handle acl.DataBuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpDestroyDataBuffer); err != nil {
		return err
	}
	buf, ok := handle.(*dataBuffer)
	if !ok || buf.destroyed {
		return acl.Check(acl.OpDestroyDataBuffer, CodeInvalidParam)
	}
	buf.destroyed = true
	r.stats.DataBuffersDestroyed++
	return nil
}

// CreateDataset implements acl.Runtime.
func (r *Runtime) CreateDataset() (acl.Dataset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpCreateDataset); err != nil {
		return nil, err
	}
	r.stats.DatasetsCreated++
	return &dataset{}, nil
}

// DestroyDataset implements acl.Runtime.
func (r *Runtime) DestroyDataset(handle acl.Dataset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpDestroyDataset); err != nil {
		return err
	}
	ds, ok := handle.(*dataset)
	if !ok || ds.destroyed {
		return acl.Check(acl.OpDestroyDataset, CodeInvalidParam)
	}
	ds.destroyed = true
	ds.buffers = nil
	r.stats.DatasetsDestroyed++
	return nil
}

// AddDatasetBuffer implements acl.Runtime.
func (r *Runtime) AddDatasetBuffer(handle acl.Dataset, buffer acl.DataBuffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpAddDatasetBuffer); err != nil {
		return err
	}
	ds, ok := handle.(*dataset)
	buf, bufOk := buffer.(*dataBuffer)
	if !ok || !bufOk || ds.destroyed || buf.destroyed {
		return acl.Check(acl.OpAddDatasetBuffer, CodeInvalidParam)
	}
	ds.buffers = append(ds.buffers, buf)
	return nil
}

// LoadModel implements acl.Runtime.
func (r *Runtime) LoadModel(path string) (acl.ModelID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpLoadFromFile); err != nil {
		return 0, err
	}
	if !r.initialized || r.current == nil {
		return 0, acl.Check(acl.OpLoadFromFile, CodeUninitialized)
	}
	model, found := r.definitions[path]
	if !found {
		var err error
		model, err = ReadModelFile(path)
		if err != nil {
			return 0, errors.WithMessage(acl.Check(acl.OpLoadFromFile, CodeInvalidFile), err.Error())
		}
	}
	id := r.nextModelID
	r.nextModelID++
	r.models[id] = &loadedModel{id: id, path: path, model: model}
	r.stats.ModelsLoaded++
	klog.V(2).Infof("sim: loaded model %q as #%d", path, id)
	return id, nil
}

// liveModel returns the loaded model with the given id. It must be called with the lock held.
func (r *Runtime) liveModel(id acl.ModelID) (*loadedModel, bool) {
	m, found := r.models[id]
	if !found || m.unloaded {
		return nil, false
	}
	return m, true
}

// UnloadModel implements acl.Runtime.
func (r *Runtime) UnloadModel(id acl.ModelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpUnload); err != nil {
		return err
	}
	m, ok := r.liveModel(id)
	if !ok {
		return acl.Check(acl.OpUnload, CodeInvalidModelID)
	}
	m.unloaded = true
	delete(r.models, id)
	r.stats.ModelsUnloaded++
	return nil
}

// CreateDesc implements acl.Runtime.
func (r *Runtime) CreateDesc(id acl.ModelID) (acl.ModelDesc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpGetDesc); err != nil {
		return nil, err
	}
	m, ok := r.liveModel(id)
	if !ok {
		return nil, acl.Check(acl.OpGetDesc, CodeInvalidModelID)
	}
	r.stats.DescsCreated++
	return &desc{model: m}, nil
}

// DestroyDesc implements acl.Runtime.
func (r *Runtime) DestroyDesc(handle acl.ModelDesc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpDestroyDesc); err != nil {
		return err
	}
	d, ok := handle.(*desc)
	if !ok || d.destroyed {
		return acl.Check(acl.OpDestroyDesc, CodeInvalidParam)
	}
	d.destroyed = true
	r.stats.DescsDestroyed++
	return nil
}

// modelOf returns the model definition behind a live description, or nil.
func modelOf(handle acl.ModelDesc) *loadedModel {
	d, ok := handle.(*desc)
	if !ok || d.destroyed {
		return nil
	}
	return d.model
}

// controlDims returns the dimensions of the dynamic shape control input.
func (m *Model) controlDims() []int {
	switch {
	case len(m.DynamicHW) > 0 && len(m.DynamicBatch) == 0 && len(m.DynamicDims) == 0:
		return []int{2}
	case len(m.DynamicDims) > 0 && len(m.DynamicBatch) == 0:
		return []int{len(m.DynamicDims[0])}
	}
	return []int{1}
}

// NumInputs implements acl.Runtime.
func (r *Runtime) NumInputs(handle acl.ModelDesc) int {
	lm := modelOf(handle)
	if lm == nil {
		return 0
	}
	if lm.model.isDynamic() {
		return len(lm.model.Inputs) + 1
	}
	return len(lm.model.Inputs)
}

// NumOutputs implements acl.Runtime.
func (r *Runtime) NumOutputs(handle acl.ModelDesc) int {
	lm := modelOf(handle)
	if lm == nil {
		return 0
	}
	return len(lm.model.Outputs)
}

func (r *Runtime) inputInfo(handle acl.ModelDesc, index int) (name string, dims []int, dtype acl.DataType, size int, ok bool) {
	lm := modelOf(handle)
	if lm == nil || index < 0 {
		return
	}
	m := lm.model
	if index == len(m.Inputs) && m.isDynamic() {
		dims = m.controlDims()
		return acl.DynamicTensorName, dims, acl.Int64, numElements(dims) * acl.Int64.ElementSize(), true
	}
	if index >= len(m.Inputs) {
		return
	}
	tensor := &m.Inputs[index]
	dtype, _ = tensor.dataType()
	size = tensor.Size
	if size == 0 {
		size = numElements(m.inputDims(m.largestSelection())[index]) * dtype.ElementSize()
	}
	return tensor.Name, slices.Clone(tensor.Dims), dtype, size, true
}

func (r *Runtime) outputInfo(handle acl.ModelDesc, index int) (name string, dims []int, dtype acl.DataType, size int, ok bool) {
	lm := modelOf(handle)
	if lm == nil || index < 0 || index >= len(lm.model.Outputs) {
		return
	}
	m := lm.model
	tensor := &m.Outputs[index]
	dtype, _ = tensor.dataType()
	size = tensor.Size
	if size == 0 {
		size = numElements(m.outputDims(m.largestSelection())[index]) * dtype.ElementSize()
	}
	return tensor.Name, slices.Clone(tensor.Dims), dtype, size, true
}

// InputDims implements acl.Runtime.
func (r *Runtime) InputDims(handle acl.ModelDesc, index int) (acl.IODims, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpGetInputDims); err != nil {
		return acl.IODims{}, err
	}
	name, dims, _, _, ok := r.inputInfo(handle, index)
	if !ok {
		return acl.IODims{}, acl.Check(acl.OpGetInputDims, CodeInvalidParam)
	}
	return acl.IODims{Name: name, Dims: dims}, nil
}

// OutputDims implements acl.Runtime.
func (r *Runtime) OutputDims(handle acl.ModelDesc, index int) (acl.IODims, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpGetOutputDims); err != nil {
		return acl.IODims{}, err
	}
	name, dims, _, _, ok := r.outputInfo(handle, index)
	if !ok {
		return acl.IODims{}, acl.Check(acl.OpGetOutputDims, CodeInvalidParam)
	}
	return acl.IODims{Name: name, Dims: dims}, nil
}

// CurrentOutputDims implements acl.Runtime.
//
// Before any shape is selected, a dynamic model reports the output dimensions of its largest shapes.
func (r *Runtime) CurrentOutputDims(handle acl.ModelDesc, index int) (acl.IODims, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpGetCurOutputDims); err != nil {
		return acl.IODims{}, err
	}
	name, _, _, _, ok := r.outputInfo(handle, index)
	if !ok {
		return acl.IODims{}, acl.Check(acl.OpGetCurOutputDims, CodeInvalidParam)
	}
	lm := modelOf(handle)
	sel := lm.selected
	if sel.kind == selectNone {
		sel = lm.model.largestSelection()
	}
	return acl.IODims{Name: name, Dims: lm.model.outputDims(sel)[index]}, nil
}

// InputDataType implements acl.Runtime.
func (r *Runtime) InputDataType(handle acl.ModelDesc, index int) acl.DataType {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _, dtype, _, ok := r.inputInfo(handle, index)
	if !ok {
		return acl.DataTypeUndefined
	}
	return dtype
}

// OutputDataType implements acl.Runtime.
func (r *Runtime) OutputDataType(handle acl.ModelDesc, index int) acl.DataType {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _, dtype, _, ok := r.outputInfo(handle, index)
	if !ok {
		return acl.DataTypeUndefined
	}
	return dtype
}

// InputSize implements acl.Runtime.
func (r *Runtime) InputSize(handle acl.ModelDesc, index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _, _, size, _ := r.inputInfo(handle, index)
	return size
}

// OutputSize implements acl.Runtime.
func (r *Runtime) OutputSize(handle acl.ModelDesc, index int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _, _, size, _ := r.outputInfo(handle, index)
	return size
}

// DynamicBatch implements acl.Runtime.
func (r *Runtime) DynamicBatch(handle acl.ModelDesc) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpGetDynamicBatch); err != nil {
		return nil, err
	}
	lm := modelOf(handle)
	if lm == nil {
		return nil, acl.Check(acl.OpGetDynamicBatch, CodeInvalidParam)
	}
	return slices.Clone(lm.model.DynamicBatch), nil
}

// DynamicHW implements acl.Runtime.
func (r *Runtime) DynamicHW(handle acl.ModelDesc, index int) ([][2]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpGetDynamicHW); err != nil {
		return nil, err
	}
	lm := modelOf(handle)
	if lm == nil || index < acl.AllInputs || index >= len(lm.model.Inputs) {
		return nil, acl.Check(acl.OpGetDynamicHW, CodeInvalidParam)
	}
	return slices.Clone(lm.model.DynamicHW), nil
}

// InputDynamicDims implements acl.Runtime.
func (r *Runtime) InputDynamicDims(handle acl.ModelDesc, index int) ([]acl.IODims, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpGetDynamicGearCount); err != nil {
		return nil, err
	}
	lm := modelOf(handle)
	if lm == nil || index < acl.AllInputs || index >= len(lm.model.Inputs) {
		return nil, acl.Check(acl.OpGetDynamicGearCount, CodeInvalidParam)
	}
	if len(lm.model.DynamicDims) == 0 {
		return nil, nil
	}
	if err := r.check(acl.OpGetInputDynamicDims); err != nil {
		return nil, err
	}
	gears := make([]acl.IODims, len(lm.model.DynamicDims))
	for ii, profile := range lm.model.DynamicDims {
		gears[ii] = acl.IODims{Dims: slices.Clone(profile)}
	}
	return gears, nil
}

// controlBuffer returns the buffer of the dataset at the index of the dynamic shape control input.
func controlBuffer(lm *loadedModel, handle acl.Dataset, index int) (*dataBuffer, bool) {
	ds, ok := handle.(*dataset)
	if !ok || ds.destroyed || !lm.model.isDynamic() || index != len(lm.model.Inputs) || index >= len(ds.buffers) {
		return nil, false
	}
	buf := ds.buffers[index]
	if buf.destroyed || buf.block.freed {
		return nil, false
	}
	return buf, true
}

// writeControl writes the shape selection values into the control buffer, as int64 values.
func writeControl(buf *dataBuffer, values ...int) {
	data := buf.block.data[:buf.size]
	for ii, value := range values {
		if (ii+1)*8 > len(data) {
			return
		}
		binary.NativeEndian.PutUint64(data[ii*8:], uint64(int64(value)))
	}
}

// SetDynamicBatchSize implements acl.Runtime.
func (r *Runtime) SetDynamicBatchSize(id acl.ModelID, ds acl.Dataset, index int, batchSize int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpSetDynamicBatchSize); err != nil {
		return err
	}
	lm, ok := r.liveModel(id)
	if !ok {
		return acl.Check(acl.OpSetDynamicBatchSize, CodeInvalidModelID)
	}
	buf, ok := controlBuffer(lm, ds, index)
	if !ok || !slices.Contains(lm.model.DynamicBatch, batchSize) {
		return acl.Check(acl.OpSetDynamicBatchSize, CodeInvalidParam)
	}
	writeControl(buf, batchSize)
	lm.selected = selection{kind: selectBatch, batch: batchSize}
	r.stats.ShapeSelections++
	return nil
}

// SetDynamicHWSize implements acl.Runtime.
func (r *Runtime) SetDynamicHWSize(id acl.ModelID, ds acl.Dataset, index int, height, width int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpSetDynamicHWSize); err != nil {
		return err
	}
	lm, ok := r.liveModel(id)
	if !ok {
		return acl.Check(acl.OpSetDynamicHWSize, CodeInvalidModelID)
	}
	buf, ok := controlBuffer(lm, ds, index)
	if !ok || !slices.Contains(lm.model.DynamicHW, [2]int{height, width}) {
		return acl.Check(acl.OpSetDynamicHWSize, CodeInvalidParam)
	}
	writeControl(buf, height, width)
	lm.selected = selection{kind: selectHW, height: height, width: width}
	r.stats.ShapeSelections++
	return nil
}

// SetInputDynamicDims implements acl.Runtime.
func (r *Runtime) SetInputDynamicDims(id acl.ModelID, ds acl.Dataset, index int, dims acl.IODims) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpSetInputDynamicDims); err != nil {
		return err
	}
	lm, ok := r.liveModel(id)
	if !ok {
		return acl.Check(acl.OpSetInputDynamicDims, CodeInvalidModelID)
	}
	buf, ok := controlBuffer(lm, ds, index)
	if !ok {
		return acl.Check(acl.OpSetInputDynamicDims, CodeInvalidParam)
	}
	found := slices.ContainsFunc(lm.model.DynamicDims, func(profile []int) bool {
		return slices.Equal(profile, dims.Dims)
	})
	if !found {
		return acl.Check(acl.OpSetInputDynamicDims, CodeInvalidParam)
	}
	writeControl(buf, dims.Dims...)
	lm.selected = selection{kind: selectDims, dims: slices.Clone(dims.Dims)}
	r.stats.ShapeSelections++
	return nil
}

// Execute implements acl.Runtime.
//
// The model computation sees the input and output buffers trimmed to the sizes of the currently selected shapes.
func (r *Runtime) Execute(id acl.ModelID, inputs, outputs acl.Dataset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(acl.OpExecute); err != nil {
		return err
	}
	lm, ok := r.liveModel(id)
	if !ok {
		return acl.Check(acl.OpExecute, CodeInvalidModelID)
	}
	m := lm.model
	inDS, inOk := inputs.(*dataset)
	outDS, outOk := outputs.(*dataset)
	numInputs := len(m.Inputs)
	if m.isDynamic() {
		numInputs++
	}
	if !inOk || !outOk || inDS.destroyed || outDS.destroyed ||
		len(inDS.buffers) != numInputs || len(outDS.buffers) != len(m.Outputs) {
		return acl.Check(acl.OpExecute, CodeInvalidParam)
	}
	sel := lm.selected
	if m.isDynamic() && sel.kind == selectNone {
		return acl.Check(acl.OpExecute, CodeInvalidParam)
	}

	inputDims := m.inputDims(sel)
	inData := make([][]byte, len(m.Inputs))
	for ii := range m.Inputs {
		dtype, _ := m.Inputs[ii].dataType()
		data, err := trimmed(inDS.buffers[ii], numElements(inputDims[ii])*dtype.ElementSize())
		if err != nil {
			return err
		}
		inData[ii] = data
	}
	outputDims := m.outputDims(sel)
	outData := make([][]byte, len(m.Outputs))
	for ii := range m.Outputs {
		dtype, _ := m.Outputs[ii].dataType()
		data, err := trimmed(outDS.buffers[ii], numElements(outputDims[ii])*dtype.ElementSize())
		if err != nil {
			return err
		}
		outData[ii] = data
	}

	compute := m.Compute
	if compute == nil {
		compute = identity
	}
	if err := compute(inData, outData); err != nil {
		return errors.WithMessage(acl.Check(acl.OpExecute, CodeFailure), err.Error())
	}
	r.stats.Executes++
	return nil
}

func trimmed(buf *dataBuffer, size int) ([]byte, error) {
	if buf.destroyed || buf.block.freed || size > buf.size {
		return nil, acl.Check(acl.OpExecute, CodeInvalidParam)
	}
	return buf.block.data[:size], nil
}

// identity copies input (i % numInputs) to output i, zero-padding what is left.
func identity(inputs, outputs [][]byte) error {
	for ii, output := range outputs {
		n := copy(output, inputs[ii%len(inputs)])
		clear(output[n:])
	}
	return nil
}
