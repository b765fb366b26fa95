// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ascend

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/testacc-art/mmdeploy/backends/acl"
	"github.com/testacc-art/mmdeploy/backends/acl/sim"
	"github.com/testacc-art/mmdeploy/types/tensors"
)

// Model paths registered in the simulated runtime by newTestEnv.
const (
	staticPath = "static.om"
	sumPath    = "sum.om"
	batchPath  = "batch.om"
	hwPath     = "hw.om"
	dimsPath   = "dims.om"
)

func testModels() map[string]*sim.Model {
	return map[string]*sim.Model{
		staticPath: {
			Inputs:  []sim.Tensor{{Name: "input", Dims: []int{1, 3, 2, 2}}},
			Outputs: []sim.Tensor{{Name: "output", Dims: []int{1, 3, 2, 2}}},
		},
		sumPath: {
			Inputs:  []sim.Tensor{{Name: "values", Dims: []int{1, 4}}},
			Outputs: []sim.Tensor{{Name: "sum", Dims: []int{1}}},
			Compute: sumCompute,
		},
		batchPath: {
			Inputs:       []sim.Tensor{{Name: "input", Dims: []int{-1, 3}}},
			Outputs:      []sim.Tensor{{Name: "model:0:probs", Dims: []int{-1, 3}}},
			DynamicBatch: []int{8, 1, 4, 2},
		},
		hwPath: {
			Inputs:    []sim.Tensor{{Name: "image", Dims: []int{1, 3, -1, -1}}},
			Outputs:   []sim.Tensor{{Name: "mask", Dims: []int{1, 2, -1, -1}}},
			DynamicHW: [][2]int{{32, 32}, {64, 48}},
		},
		dimsPath: {
			Inputs: []sim.Tensor{
				{Name: "a", Dims: []int{-1, 3}},
				{Name: "b", Dims: []int{-1, -1}, DType: "int64"},
			},
			Outputs:     []sim.Tensor{{Name: "y", Dims: []int{-1, -1}}},
			DynamicDims: [][]int{{2, 3, 2, 5}, {4, 3, 4, 5}, {4, 3, 4, 6}},
		},
	}
}

// sumCompute writes the sum of the float32 input values to the single float32 output.
func sumCompute(inputs, outputs [][]byte) error {
	var sum float32
	for ii := 0; ii+4 <= len(inputs[0]); ii += 4 {
		sum += math.Float32frombits(binary.NativeEndian.Uint32(inputs[0][ii:]))
	}
	binary.NativeEndian.PutUint32(outputs[0], math.Float32bits(sum))
	return nil
}

type testEnv struct {
	rt       *sim.Runtime
	contexts *ContextRegistry
}

func newTestEnv(t *testing.T) *testEnv {
	rt := sim.New()
	for path, model := range testModels() {
		require.NoError(t, rt.AddModel(path, model))
	}
	return &testEnv{rt: rt, contexts: NewContextRegistry(rt, "")}
}

func (e *testEnv) open(t *testing.T, path string) *Session {
	s, err := Open(e.contexts, path, 0)
	require.NoError(t, err)
	return s
}

// requireNoLeaks finalizes the registry and checks every native resource was released.
func (e *testEnv) requireNoLeaks(t *testing.T) {
	require.NoError(t, e.contexts.Finalize())
	stats := e.rt.Stats()
	require.Equal(t, 0, stats.LiveAllocations(), "device allocations leaked: %+v", stats)
	require.Equal(t, 0, stats.LiveHandles(), "native handles leaked: %+v", stats)
}

func iota32(n int) []float32 {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = float32(ii + 1)
	}
	return values
}

func TestShapeModeString(t *testing.T) {
	require.Equal(t, "Static", Static.String())
	require.Equal(t, "DynamicHW", DynamicHW.String())
	require.Equal(t, "ShapeMode(7)", ShapeMode(7).String())
	require.Equal(t, "batch size 4", ShapeSelection{Mode: DynamicBatch, BatchSize: 4}.String())
}

func TestBufferSet(t *testing.T) {
	env := newTestEnv(t)
	ctx, err := env.contexts.Acquire(0)
	require.NoError(t, err)
	require.NoError(t, env.rt.SetCurrentContext(ctx))

	set, err := NewBufferSet(env.rt, []int{16, 32})
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())
	require.Equal(t, 48, set.TotalSize())
	require.Equal(t, 32, set.Buffer(1).Size())
	set.Finalize()
	set.Finalize()
	require.True(t, set.IsFinalized())

	// A failure half-way releases what was already allocated.
	env.rt.FailOnCall(acl.OpAddDatasetBuffer, 2, 507899)
	_, err = NewBufferSet(env.rt, []int{8, 8, 8, 8})
	code, ok := acl.StatusCode(err)
	require.True(t, ok)
	require.Equal(t, 507899, code)
	require.Equal(t, 0, env.rt.Stats().LiveAllocations())

	env.rt.FailOn(acl.OpCreateDataBuffer, 100000)
	_, err = NewDeviceBuffer(env.rt, 8)
	require.Error(t, err)
	require.Equal(t, 0, env.rt.Stats().LiveAllocations())

	env.contexts.Release(0)
	env.requireNoLeaks(t)
}

func TestContextRegistry(t *testing.T) {
	env := newTestEnv(t)
	s1 := env.open(t, staticPath)
	s2 := env.open(t, batchPath)
	require.Equal(t, 2, env.contexts.References(0))
	stats := env.rt.Stats()
	require.Equal(t, 1, stats.Inits)
	require.Equal(t, 1, stats.ContextsCreated)

	s1.Finalize()
	require.ErrorIs(t, env.contexts.Finalize(), ErrContextsInUse)
	s2.Finalize()
	require.Equal(t, 0, env.contexts.References(0))
	env.requireNoLeaks(t)
	stats = env.rt.Stats()
	require.Equal(t, 1, stats.Finalizes)
	require.Equal(t, 1, stats.DeviceResets)

	// The registry can be used again after Finalize.
	s3 := env.open(t, staticPath)
	s3.Finalize()
	env.requireNoLeaks(t)
	require.Equal(t, 2, env.rt.Stats().Inits)
}

func TestContextRegistryFailures(t *testing.T) {
	env := newTestEnv(t)
	env.rt.FailOn(acl.OpCreateContext, 100000)
	_, err := Open(env.contexts, staticPath, 0)
	require.Error(t, err)
	require.Equal(t, 1, env.rt.Stats().DeviceResets, "device must be reset if its context can't be created")

	env.rt.FailOn(acl.OpDestroyContext, 100000)
	s := env.open(t, staticPath)
	s.Finalize()
	require.NoError(t, env.contexts.Finalize(), "release failures are only logged")
}

func TestModelDescriptor(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, batchPath)
	md := s.Descriptor()

	require.Len(t, md.Inputs(), 1)
	require.Equal(t, []string{"input"}, s.InputNames())
	require.Equal(t, []string{"probs"}, s.OutputNames())
	require.NotNil(t, md.Control())
	require.Equal(t, acl.DynamicTensorName, md.Control().Name)
	require.Equal(t, 1, md.Control().Index)
	require.Equal(t, []int{8 * 3 * 4, 8}, md.InputBufferSizes())
	require.Equal(t, []int{8 * 3 * 4}, md.OutputBufferSizes())
	require.Contains(t, md.Inputs()[0].Shape().String(), "[-1 3]")

	batches, err := md.DynamicBatch()
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 4, 8}, batches)
	require.Equal(t, DynamicBatch, s.ShapeMode())
	require.Equal(t, []int{1, 2, 4, 8}, s.Resolver().BatchSizes())

	s.Finalize()
	require.True(t, md.IsFinalized())
	require.Same(t, md, s.Descriptor())
	require.Equal(t, []string{"input"}, s.InputNames(), "bindings are kept after Finalize")
	require.Equal(t, []string{"probs"}, s.OutputNames())
	require.Equal(t, DynamicBatch, s.ShapeMode())
	env.requireNoLeaks(t)
}

func TestOpenFailures(t *testing.T) {
	t.Run("ModelLoad", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := Open(env.contexts, "missing.om", 0)
		require.ErrorIs(t, err, ErrModelLoad)
		var nativeErr *acl.NativeCallError
		require.ErrorAs(t, err, &nativeErr)
		require.Equal(t, acl.OpLoadFromFile, nativeErr.Operation)
		require.Equal(t, sim.CodeInvalidFile, nativeErr.Code)
		require.Equal(t, 0, env.contexts.References(0))
		env.requireNoLeaks(t)
	})

	t.Run("UnsupportedDType", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.rt.AddModel("f16.om", &sim.Model{
			Inputs:  []sim.Tensor{{Name: "x", Dims: []int{4}}},
			Outputs: []sim.Tensor{{Name: "y", Dims: []int{4}, DType: "float16"}},
		}))
		_, err := Open(env.contexts, "f16.om", 0)
		require.ErrorIs(t, err, ErrUnsupportedDType)
		require.ErrorContains(t, err, "ACL_FLOAT16")
		env.requireNoLeaks(t)
	})

	t.Run("UndeterminedShapeMode", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.rt.AddModel("control.om", &sim.Model{
			Inputs:  []sim.Tensor{{Name: "x", Dims: []int{-1, 4}}},
			Outputs: []sim.Tensor{{Name: "y", Dims: []int{-1, 4}}},
			Control: true,
		}))
		_, err := Open(env.contexts, "control.om", 0)
		require.ErrorIs(t, err, ErrUndeterminedShapeMode)
		env.requireNoLeaks(t)
	})

	// Every failing native call while opening a model must release everything acquired so far.
	for _, operation := range []string{
		acl.OpMalloc, acl.OpCreateDataBuffer, acl.OpCreateDataset, acl.OpAddDatasetBuffer,
		acl.OpGetDesc, acl.OpGetInputDims, acl.OpGetOutputDims, acl.OpGetDynamicBatch,
	} {
		for skip := range 3 {
			env := newTestEnv(t)
			env.rt.FailOnCall(operation, skip, 207001)
			s, err := Open(env.contexts, batchPath, 0)
			if err == nil {
				s.Finalize()
			} else {
				code, ok := acl.StatusCode(err)
				require.True(t, ok, "%s (skip %d): %+v", operation, skip, err)
				require.Equal(t, 207001, code)
			}
			env.requireNoLeaks(t)
		}
	}
}

// unknownRankRuntime reports the dimensions of every input as [-2], as ACL does for inputs of unknown rank.
type unknownRankRuntime struct {
	*sim.Runtime
}

func (r unknownRankRuntime) InputDims(desc acl.ModelDesc, index int) (acl.IODims, error) {
	dims, err := r.Runtime.InputDims(desc, index)
	if err != nil {
		return dims, err
	}
	dims.Dims = []int{-2}
	return dims, nil
}

func TestUnsupportedDims(t *testing.T) {
	rt := unknownRankRuntime{sim.New()}
	require.NoError(t, rt.AddModel(staticPath, testModels()[staticPath]))
	contexts := NewContextRegistry(rt, "")
	_, err := Open(contexts, staticPath, 0)
	require.ErrorIs(t, err, ErrUnsupportedDims)
	require.ErrorContains(t, err, "[-2]")
	require.NoError(t, contexts.Finalize())
	stats := rt.Stats()
	require.Equal(t, 0, stats.LiveAllocations())
	require.Equal(t, 0, stats.LiveHandles())

	r := &ShapeResolver{mode: Static, inputs: []*Binding{{Name: "x", Dims: []int{-2}}}}
	require.NotPanics(t, func() {
		_, err = r.Plan([][]int{{1, 3, 224, 224}})
	})
	require.ErrorIs(t, err, ErrUnsupportedDims)
}

func TestStatic(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, staticPath)
	require.Equal(t, Static, s.ShapeMode())

	input := tensors.FromFlatDataAndDimensions(iota32(12), 1, 3, 2, 2)
	outputs, err := s.Forward(map[string]*tensors.Tensor{"input": input, "unused": input})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	output := outputs["output"]
	require.Equal(t, []int{1, 3, 2, 2}, output.Shape().Dimensions)
	require.Equal(t, iota32(12), tensors.CopyFlatData[float32](output))

	stats := env.rt.Stats()
	require.Equal(t, 0, stats.ShapeSelections, "static models make no shape selection")
	require.Equal(t, 1, stats.Executes)

	// Inputs are converted to the dtype of the binding.
	outputs, err = s.Forward(map[string]*tensors.Tensor{
		"input": tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, 1, 3, 2, 2),
	})
	require.NoError(t, err)
	require.Equal(t, iota32(12), tensors.CopyFlatData[float32](outputs["output"]))

	_, err = s.Forward(map[string]*tensors.Tensor{"other": input})
	require.ErrorIs(t, err, ErrMissingInput)
	_, err = s.Forward(map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions(iota32(6), 1, 3, 2)})
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = s.Forward(map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions(iota32(24), 2, 3, 2, 2)})
	require.ErrorIs(t, err, ErrShapeMismatch)

	s.Finalize()
	s.Finalize()
	_, err = s.Forward(map[string]*tensors.Tensor{"input": input})
	require.ErrorIs(t, err, ErrSessionFinalized)
	env.requireNoLeaks(t)
}

func TestCompute(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, sumPath)
	outputs, err := s.Forward(map[string]*tensors.Tensor{"values": tensors.FromFlatDataAndDimensions(iota32(4), 1, 4)})
	require.NoError(t, err)
	require.Equal(t, []float32{10}, tensors.CopyFlatData[float32](outputs["sum"]))
	s.Finalize()
	env.requireNoLeaks(t)
}

func TestDynamicBatch(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, batchPath)

	input := tensors.FromFlatDataAndDimensions(iota32(9), 3, 3)
	outputs, err := s.Forward(map[string]*tensors.Tensor{"input": input})
	require.NoError(t, err)
	probs := outputs["probs"]
	require.Equal(t, []int{4, 3}, probs.Shape().Dimensions, "batch 3 runs with the next admissible size")
	require.Equal(t, iota32(9), tensors.CopyFlatData[float32](probs)[:9])

	stats := env.rt.Stats()
	require.Equal(t, 1, stats.ShapeSelections)
	require.Equal(t, sim.CopyRecord{DstMax: 8 * 3 * 4, Count: 3 * 3 * 4}, stats.LastCopyToDevice)

	outputs, err = s.Forward(map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions(iota32(24), 8, 3)})
	require.NoError(t, err)
	require.Equal(t, []int{8, 3}, outputs["probs"].Shape().Dimensions)

	_, err = s.Forward(map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions(iota32(27), 9, 3)})
	require.ErrorIs(t, err, ErrUnsupportedBatchSize)
	_, err = s.Forward(map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions(iota32(8), 2, 4)})
	require.ErrorIs(t, err, ErrShapeMismatch)

	// Errors in the inputs leave the session usable.
	_, err = s.Forward(map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions(iota32(3), 1, 3)})
	require.NoError(t, err)

	s.Finalize()
	env.requireNoLeaks(t)
}

func TestPlanBatch(t *testing.T) {
	r := &ShapeResolver{
		mode: DynamicBatch,
		inputs: []*Binding{
			{Index: 0, Name: "a", Dims: []int{-1, 3}},
			{Index: 1, Name: "b", Dims: []int{-1, 2}},
			{Index: 2, Name: "c", Dims: []int{5}},
		},
		batchSizes: []int{1, 2, 4, 8},
	}
	sel, err := r.Plan([][]int{{3, 3}, {3, 2}, {5}})
	require.NoError(t, err)
	require.Equal(t, ShapeSelection{Mode: DynamicBatch, BatchSize: 4}, sel)

	sel, err = r.Plan([][]int{{2, 3}, {2, 2}, {5}})
	require.NoError(t, err)
	require.Equal(t, 2, sel.BatchSize, "exact sizes are selected")

	_, err = r.Plan([][]int{{2, 3}, {3, 2}, {5}})
	require.ErrorIs(t, err, ErrInconsistentBatchSize)
	_, err = r.Plan([][]int{{2, 3}, {2, 2}})
	require.ErrorIs(t, err, ErrArityMismatch)

	static := &ShapeResolver{mode: DynamicBatch, inputs: []*Binding{{Name: "x", Dims: []int{1, 3}}}, batchSizes: []int{1}}
	_, err = static.Plan([][]int{{1, 3}})
	require.ErrorIs(t, err, ErrUndeterminedBatchSize)
}

func TestDynamicHW(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, hwPath)
	require.Equal(t, DynamicHW, s.ShapeMode())

	outputs, err := s.Forward(map[string]*tensors.Tensor{"image": tensors.FromFlatDataAndDimensions(iota32(3*64*48), 1, 3, 64, 48)})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 64, 48}, outputs["mask"].Shape().Dimensions)

	outputs, err = s.Forward(map[string]*tensors.Tensor{"image": tensors.FromFlatDataAndDimensions(iota32(3*32*32), 1, 3, 32, 32)})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 32, 32}, outputs["mask"].Shape().Dimensions)
	require.Equal(t, iota32(2*32*32), tensors.CopyFlatData[float32](outputs["mask"]))

	_, err = s.Forward(map[string]*tensors.Tensor{"image": tensors.FromFlatDataAndDimensions(iota32(3*40*40), 1, 3, 40, 40)})
	require.ErrorIs(t, err, ErrUnsupportedImageSize)
	_, err = s.Forward(map[string]*tensors.Tensor{"image": tensors.FromFlatDataAndDimensions(iota32(3*48*64), 1, 3, 48, 64)})
	require.ErrorIs(t, err, ErrUnsupportedImageSize, "height and width are not interchangeable")

	s.Finalize()
	env.requireNoLeaks(t)
}

func TestPlanHW(t *testing.T) {
	r := &ShapeResolver{
		mode: DynamicHW,
		inputs: []*Binding{
			{Name: "image", Dims: []int{1, 3, -1, -1}},
			{Name: "mask", Dims: []int{1, -1, -1}},
			{Name: "scale", Dims: []int{2}},
		},
		imageSizes: [][2]int{{32, 32}, {64, 48}},
	}
	sel, err := r.Plan([][]int{{1, 3, 64, 48}, {1, 64, 48}, {2}})
	require.NoError(t, err)
	require.Equal(t, ShapeSelection{Mode: DynamicHW, Height: 64, Width: 48}, sel)

	_, err = r.Plan([][]int{{1, 3, 64, 48}, {1, 32, 32}, {2}})
	require.ErrorIs(t, err, ErrInconsistentImageSize)

	static := &ShapeResolver{mode: DynamicHW, inputs: []*Binding{{Name: "x", Dims: []int{1, 3}}}, imageSizes: [][2]int{{1, 3}}}
	_, err = static.Plan([][]int{{1, 3}})
	require.ErrorIs(t, err, ErrUndeterminedImageSize)
}

func TestDynamicDims(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, dimsPath)
	require.Equal(t, DynamicDims, s.ShapeMode())
	require.Len(t, s.Resolver().Profiles(), 3)

	forward := func(aBatch, bBatch, bWidth int) (map[string]*tensors.Tensor, error) {
		return s.Forward(map[string]*tensors.Tensor{
			"a": tensors.FromFlatDataAndDimensions(iota32(aBatch*3), aBatch, 3),
			"b": tensors.FromFlatDataAndDimensions(make([]int64, bBatch*bWidth), bBatch, bWidth),
		})
	}

	// The leading axis accepts any size up to the profile's.
	outputs, err := forward(3, 3, 5)
	require.NoError(t, err)
	require.Equal(t, []int{4, 3}, outputs["y"].Shape().Dimensions)

	_, err = forward(4, 4, 6)
	require.NoError(t, err)
	_, err = forward(5, 5, 5)
	require.ErrorIs(t, err, ErrNoMatchingProfile)
	_, err = forward(2, 2, 7)
	require.ErrorIs(t, err, ErrNoMatchingProfile)
	require.Equal(t, 2, env.rt.Stats().ShapeSelections)

	s.Finalize()
	env.requireNoLeaks(t)
}

func TestPlanDims(t *testing.T) {
	r := &ShapeResolver{
		mode: DynamicDims,
		inputs: []*Binding{
			{Name: "a", Dims: []int{-1, 3}},
			{Name: "b", Dims: []int{-1, -1}},
		},
		profiles: []acl.IODims{
			{Dims: []int{2, 3, 2, 5}},
			{Dims: []int{4, 3, 4, 5}},
			{Dims: []int{4, 3, 4, 6}},
			{Dims: []int{4, 3}},
		},
	}
	sel, err := r.Plan([][]int{{1, 3}, {1, 5}})
	require.NoError(t, err)
	require.Equal(t, 0, sel.ProfileIndex, "first matching profile wins")
	require.Equal(t, []int{2, 3, 2, 5}, sel.Profile.Dims)

	sel, err = r.Plan([][]int{{3, 3}, {2, 6}})
	require.NoError(t, err)
	require.Equal(t, 2, sel.ProfileIndex)

	_, err = r.Plan([][]int{{3, 3}, {3, 7}})
	require.ErrorIs(t, err, ErrNoMatchingProfile, "short profiles never match")
	_, err = r.Plan([][]int{{3, 4}, {3, 5}})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

// requireNativeFailure checks err was caused by the failing native operation.
func requireNativeFailure(t *testing.T, err error, operation string, code int) {
	var nativeErr *acl.NativeCallError
	require.ErrorAs(t, err, &nativeErr)
	require.Equal(t, operation, nativeErr.Operation)
	require.Equal(t, code, nativeErr.Code)
}

func TestExecutionError(t *testing.T) {
	input := map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions(iota32(12), 1, 3, 2, 2)}

	t.Run("Execute", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.open(t, staticPath)
		env.rt.FailOn(acl.OpExecute, 507011)
		_, err := s.Forward(input)
		require.ErrorIs(t, err, ErrExecution)
		code, ok := acl.StatusCode(err)
		require.True(t, ok)
		require.Equal(t, 507011, code)
		requireNativeFailure(t, err, acl.OpExecute, 507011)

		_, err = s.Forward(input)
		require.NoError(t, err)
		s.Finalize()
		env.requireNoLeaks(t)
	})

	t.Run("CopyInput", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.open(t, staticPath)
		env.rt.FailOn(acl.OpMemcpy, 507899)
		_, err := s.Forward(input)
		require.ErrorContains(t, err, "input")
		requireNativeFailure(t, err, acl.OpMemcpy, 507899)
		require.Equal(t, 0, env.rt.Stats().Executes)

		_, err = s.Forward(input)
		require.NoError(t, err)
		s.Finalize()
		env.requireNoLeaks(t)
	})

	t.Run("CopyOutput", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.open(t, staticPath)
		// The first copy is the input's.
		env.rt.FailOnCall(acl.OpMemcpy, 1, 507899)
		_, err := s.Forward(input)
		require.ErrorContains(t, err, "output")
		requireNativeFailure(t, err, acl.OpMemcpy, 507899)
		require.Equal(t, 1, env.rt.Stats().Executes)

		outputs, err := s.Forward(input)
		require.NoError(t, err)
		require.Equal(t, iota32(12), tensors.CopyFlatData[float32](outputs["output"]))
		s.Finalize()
		env.requireNoLeaks(t)
	})

	t.Run("CurrentOutputDims", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.open(t, staticPath)
		env.rt.FailOn(acl.OpGetCurOutputDims, 100000)
		_, err := s.Forward(input)
		requireNativeFailure(t, err, acl.OpGetCurOutputDims, 100000)
		require.Equal(t, 0, env.rt.Stats().Executes)

		_, err = s.Forward(input)
		require.NoError(t, err)
		s.Finalize()
		env.requireNoLeaks(t)
	})

	t.Run("ShapeSelection", func(t *testing.T) {
		env := newTestEnv(t)
		s := env.open(t, batchPath)
		batch := map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions(iota32(6), 2, 3)}
		env.rt.FailOn(acl.OpSetDynamicBatchSize, 100000)
		_, err := s.Forward(batch)
		requireNativeFailure(t, err, acl.OpSetDynamicBatchSize, 100000)
		require.ErrorContains(t, err, "batch size 2")
		require.Equal(t, 0, env.rt.Stats().ShapeSelections)

		outputs, err := s.Forward(batch)
		require.NoError(t, err)
		require.Equal(t, []int{2, 3}, outputs["probs"].Shape().Dimensions)
		s.Finalize()
		env.requireNoLeaks(t)
	})
}

func TestInputConversionError(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, batchPath)
	_, err := s.Forward(map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions(make([]complex64, 3), 1, 3)})
	require.ErrorContains(t, err, `input "input"`)
	stats := env.rt.Stats()
	require.Equal(t, 0, stats.ShapeSelections, "conversion errors are reported before the shape selection")
	require.Equal(t, 0, stats.CopiesToDevice)

	_, err = s.Forward(map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions([]float64{1, 2, 3}, 1, 3)})
	require.NoError(t, err)
	s.Finalize()
	env.requireNoLeaks(t)
}

func TestConcurrentForward(t *testing.T) {
	env := newTestEnv(t)
	s := env.open(t, batchPath)
	const numGoroutines = 8
	errs := make(chan error, numGoroutines)
	for ii := range numGoroutines {
		go func() {
			batch := ii%8 + 1
			outputs, err := s.Forward(map[string]*tensors.Tensor{
				"input": tensors.FromFlatDataAndDimensions(iota32(batch*3), batch, 3),
			})
			if err == nil {
				got := tensors.CopyFlatData[float32](outputs["probs"])
				if len(got) < batch*3 || got[batch*3-1] != float32(batch*3) {
					err = ErrExecution
				}
			}
			errs <- err
		}()
	}
	for range numGoroutines {
		require.NoError(t, <-errs)
	}
	s.Finalize()
	env.requireNoLeaks(t)
}
