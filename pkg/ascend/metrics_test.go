// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ascend

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testacc-art/mmdeploy/backends/acl"
	"github.com/testacc-art/mmdeploy/backends/acl/sim"
	"github.com/testacc-art/mmdeploy/types/tensors"
)

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	env.contexts.SetMetrics(metrics)
	require.Same(t, metrics, env.contexts.Metrics())

	s := env.open(t, batchPath)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sessions))
	// input [8, 3] float32, control [1] int64 and output [8, 3] float32.
	assert.Equal(t, float64(96+8+96), testutil.ToFloat64(metrics.deviceBytes))

	_, err := s.Forward(map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions(iota32(9), 3, 3)})
	require.NoError(t, err)
	_, err = s.Forward(map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions(iota32(27), 9, 3)})
	require.ErrorIs(t, err, ErrUnsupportedBatchSize)
	_, err = s.Forward(map[string]*tensors.Tensor{})
	require.ErrorIs(t, err, ErrMissingInput)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.forwards.WithLabelValues("DynamicBatch", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.forwards.WithLabelValues("DynamicBatch", "unsupported_batch_size")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.forwards.WithLabelValues("DynamicBatch", "missing_input")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.shapeSelected.WithLabelValues("DynamicBatch", "batch size 4")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.forwardTime))

	s.Finalize()
	s.Finalize()
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.sessions))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.deviceBytes))
	env.requireNoLeaks(t)
}

func TestNilMetrics(t *testing.T) {
	var metrics *Metrics
	metrics.sessionOpened(10)
	metrics.forward(Static, nil, 0)
	metrics.shapeSelection(ShapeSelection{Mode: DynamicBatch, BatchSize: 2})
	metrics.sessionClosed(10)

	env := newTestEnv(t)
	s := env.open(t, staticPath)
	_, err := s.Forward(map[string]*tensors.Tensor{"input": tensors.FromFlatDataAndDimensions(iota32(12), 1, 3, 2, 2)})
	require.NoError(t, err)
	s.Finalize()
	env.requireNoLeaks(t)
}

func TestErrorKindLabel(t *testing.T) {
	assert.Equal(t, "no_matching_profile", errorKindLabel(newError(ErrNoMatchingProfile, "inputs")))
	nativeErr := acl.Check(acl.OpExecute, sim.CodeFailure)
	assert.Equal(t, "execution", errorKindLabel(wrapError(nativeErr, ErrExecution, "model")))
	assert.Equal(t, "native", errorKindLabel(errors.WithMessage(nativeErr, "copy")))
	assert.Equal(t, "other", errorKindLabel(errors.New("unknown")))
}
