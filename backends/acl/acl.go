// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package acl defines the interface to the Ascend Computing Language (ACL) runtime that the inference
// session needs: device and context management, device memory, host/device copies, model loading and
// description, dynamic shape selection and model execution.
//
// It is modeled after the ACL C API (acl/acl.h), but every handle is opaque from the session perspective:
// a Runtime implementation is free to represent them as it sees fit.
//
// Implementations:
//
//   - github.com/testacc-art/mmdeploy/backends/acl/native: cgo binding to libascendcl (build tag "ascend").
//   - github.com/testacc-art/mmdeploy/backends/acl/sim: a simulated accelerator running on host memory,
//     used for tests and for trying out models described in YAML.
//
// Implementations register themselves with Register during initialization, and New (or NewWithConfig) creates
// a Runtime from a configuration string.
package acl

// Context is an opaque handle to a device context (aclrtContext).
type Context any

// DevicePtr is an opaque handle to an allocation in device memory.
type DevicePtr any

// DataBuffer is an opaque handle to a data buffer descriptor (aclDataBuffer) wrapping device memory.
type DataBuffer any

// Dataset is an opaque handle to a model dataset (aclmdlDataset), the ordered collection of data buffers
// given as input or output of a model execution.
type Dataset any

// ModelDesc is an opaque handle to a model description (aclmdlDesc).
type ModelDesc any

// ModelID identifies a loaded model.
type ModelID uint32

// DynamicTensorName is the name of the extra input a model compiled with dynamic shapes uses to receive
// the shape selection (ACL_DYNAMIC_TENSOR_NAME).
const DynamicTensorName = "ascend_mbatch_shape_data"

// AllInputs is passed as the input index of queries that apply to the model as a whole
// (e.g.: the dynamic height/width list of a model).
const AllInputs = -1

// IODims is the name and dimensions of a model input or output, or of one dynamic dims profile (aclmdlIODims).
// Dynamic axes have dimension -1.
type IODims struct {
	Name string
	Dims []int
}

// Runtime is the API the inference session needs from the accelerator runtime.
//
// Failures are reported as *NativeCallError with the name of the native operation and its status code.
// Methods are synchronous. The caller is responsible for making the right device context current on the
// calling thread (SetCurrentContext) before using device memory or models.
type Runtime interface {
	// Name of the runtime implementation, e.g.: "native" or "sim".
	Name() string

	// Init initializes the runtime (aclInit). configPath is optional.
	Init(configPath string) error

	// Finalize releases the runtime (aclFinalize).
	Finalize() error

	// SetDevice opens the device for the process (aclrtSetDevice).
	SetDevice(deviceID int) error

	// ResetDevice releases the device resources of the process (aclrtResetDevice).
	ResetDevice(deviceID int) error

	// CreateContext creates a context on the device (aclrtCreateContext).
	CreateContext(deviceID int) (Context, error)

	// DestroyContext destroys a context created with CreateContext.
	DestroyContext(ctx Context) error

	// SetCurrentContext makes ctx the current context of the calling thread.
	SetCurrentContext(ctx Context) error

	// Malloc allocates size bytes of device memory.
	Malloc(size int) (DevicePtr, error)

	// Free releases memory allocated with Malloc.
	Free(ptr DevicePtr) error

	// CopyToDevice copies src to device memory dst, which holds at most dstMax bytes.
	// Transfers larger than dstMax are rejected.
	CopyToDevice(dst DevicePtr, dstMax int, src []byte) error

	// CopyToHost copies count bytes from device memory src into dst.
	// Transfers larger than len(dst) are rejected.
	CopyToHost(dst []byte, src DevicePtr, count int) error

	// CreateDataBuffer creates a data buffer descriptor for size bytes of device memory at ptr.
	CreateDataBuffer(ptr DevicePtr, size int) (DataBuffer, error)

	// DestroyDataBuffer destroys the descriptor, but not the device memory it points to.
	DestroyDataBuffer(buffer DataBuffer) error

	// CreateDataset creates an empty dataset.
	CreateDataset() (Dataset, error)

	// DestroyDataset destroys the dataset, but not the data buffers added to it.
	DestroyDataset(dataset Dataset) error

	// AddDatasetBuffer appends the buffer to the dataset.
	AddDatasetBuffer(dataset Dataset, buffer DataBuffer) error

	// LoadModel loads the compiled model file at path.
	LoadModel(path string) (ModelID, error)

	// UnloadModel unloads a model loaded with LoadModel.
	UnloadModel(id ModelID) error

	// CreateDesc creates the description of the loaded model (aclmdlCreateDesc + aclmdlGetDesc).
	CreateDesc(id ModelID) (ModelDesc, error)

	// DestroyDesc destroys a description created with CreateDesc.
	DestroyDesc(desc ModelDesc) error

	// NumInputs returns the number of inputs of the model, including the dynamic shape control input if any.
	NumInputs(desc ModelDesc) int

	// NumOutputs returns the number of outputs of the model.
	NumOutputs(desc ModelDesc) int

	// InputDims returns the name and declared dimensions of the input.
	InputDims(desc ModelDesc, index int) (IODims, error)

	// OutputDims returns the name and declared dimensions of the output.
	OutputDims(desc ModelDesc, index int) (IODims, error)

	// CurrentOutputDims returns the dimensions of the output for the currently selected dynamic shape.
	CurrentOutputDims(desc ModelDesc, index int) (IODims, error)

	// InputDataType returns the data type code of the input.
	InputDataType(desc ModelDesc, index int) DataType

	// OutputDataType returns the data type code of the output.
	OutputDataType(desc ModelDesc, index int) DataType

	// InputSize returns the size in bytes of the input, for its largest admissible shape.
	InputSize(desc ModelDesc, index int) int

	// OutputSize returns the size in bytes of the output, for its largest admissible shape.
	OutputSize(desc ModelDesc, index int) int

	// DynamicBatch returns the admissible batch sizes of a dynamic batch model, in the order the model reports them.
	// It is empty for models without dynamic batch.
	DynamicBatch(desc ModelDesc) ([]int, error)

	// DynamicHW returns the admissible [height, width] pairs of a dynamic image size model.
	// Use index AllInputs to query the model as a whole.
	DynamicHW(desc ModelDesc, index int) ([][2]int, error)

	// InputDynamicDims returns the admissible profiles ("gears") of a dynamic dims model.
	// Use index AllInputs to query the model as a whole.
	InputDynamicDims(desc ModelDesc, index int) ([]IODims, error)

	// SetDynamicBatchSize selects the batch size for the next executions with the input dataset.
	// index is the index of the dynamic shape control input.
	SetDynamicBatchSize(id ModelID, dataset Dataset, index int, batchSize int) error

	// SetDynamicHWSize selects the image height and width for the next executions with the input dataset.
	SetDynamicHWSize(id ModelID, dataset Dataset, index int, height, width int) error

	// SetInputDynamicDims selects the dims profile for the next executions with the input dataset.
	SetInputDynamicDims(id ModelID, dataset Dataset, index int, dims IODims) error

	// Execute runs the model synchronously.
	Execute(id ModelID, inputs, outputs Dataset) error
}
