// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ascend

import (
	"maps"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/testacc-art/mmdeploy/backends/acl"
)

// ContextRegistry holds the device contexts shared by the sessions of a process.
//
// The runtime is initialized on the first Acquire, and the device is opened and its context created on the
// first Acquire for the device. Later acquisitions share the context and count references.
// Release only drops a reference: contexts live until the host program calls Finalize.
//
// It is safe for concurrent use.
type ContextRegistry struct {
	rt         acl.Runtime
	configPath string

	mu          sync.Mutex
	initialized bool
	devices     map[int]*sharedContext
	metrics     *Metrics
}

type sharedContext struct {
	ctx  acl.Context
	refs int
}

// NewContextRegistry creates a registry for the runtime. configPath is passed to the runtime Init, and it
// can be empty.
func NewContextRegistry(rt acl.Runtime, configPath string) *ContextRegistry {
	return &ContextRegistry{
		rt:         rt,
		configPath: configPath,
		devices:    make(map[int]*sharedContext),
	}
}

// Runtime returns the runtime of the registry.
func (r *ContextRegistry) Runtime() acl.Runtime { return r.rt }

// SetMetrics sets the metrics where sessions opened afterward report to. nil disables metrics.
func (r *ContextRegistry) SetMetrics(m *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Metrics returns the metrics set with SetMetrics, or nil.
func (r *ContextRegistry) Metrics() *Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// Acquire returns the context of the device, creating it if needed, and adds a reference to it.
func (r *ContextRegistry) Acquire(deviceID int) (acl.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if shared, found := r.devices[deviceID]; found {
		shared.refs++
		return shared.ctx, nil
	}
	if !r.initialized {
		if err := r.rt.Init(r.configPath); err != nil {
			return nil, errors.WithMessagef(err, "failed to initialize ACL runtime %q", r.rt.Name())
		}
		r.initialized = true
	}
	if err := r.rt.SetDevice(deviceID); err != nil {
		return nil, errors.WithMessagef(err, "failed to open device %d", deviceID)
	}
	ctx, err := r.rt.CreateContext(deviceID)
	if err != nil {
		if resetErr := r.rt.ResetDevice(deviceID); resetErr != nil {
			klog.Warningf("failed to reset device %d: %+v", deviceID, resetErr)
		}
		return nil, errors.WithMessagef(err, "failed to create context on device %d", deviceID)
	}
	r.devices[deviceID] = &sharedContext{ctx: ctx, refs: 1}
	klog.V(1).Infof("created context for device %d", deviceID)
	return ctx, nil
}

// Release drops a reference to the context of the device. The context itself is kept until Finalize.
func (r *ContextRegistry) Release(deviceID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shared, found := r.devices[deviceID]
	if !found || shared.refs == 0 {
		klog.Warningf("ContextRegistry.Release(%d): device context not acquired", deviceID)
		return
	}
	shared.refs--
}

// References returns the number of references held to the context of the device.
func (r *ContextRegistry) References(deviceID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if shared, found := r.devices[deviceID]; found {
		return shared.refs
	}
	return 0
}

// Finalize destroys every context, resets the devices and finalizes the runtime.
//
// It fails with ErrContextsInUse, without releasing anything, if any context is still referenced.
// Failures of the native calls are logged and otherwise ignored.
// The registry can be used again afterward.
func (r *ContextRegistry) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	deviceIDs := slices.Sorted(maps.Keys(r.devices))
	for _, deviceID := range deviceIDs {
		if refs := r.devices[deviceID].refs; refs > 0 {
			return newError(ErrContextsInUse, "device %d has %d references", deviceID, refs)
		}
	}
	for _, deviceID := range deviceIDs {
		if err := r.rt.DestroyContext(r.devices[deviceID].ctx); err != nil {
			klog.Warningf("failed to destroy context of device %d: %+v", deviceID, err)
		}
		if err := r.rt.ResetDevice(deviceID); err != nil {
			klog.Warningf("failed to reset device %d: %+v", deviceID, err)
		}
		delete(r.devices, deviceID)
	}
	if r.initialized {
		if err := r.rt.Finalize(); err != nil {
			klog.Warningf("failed to finalize ACL runtime %q: %+v", r.rt.Name(), err)
		}
		r.initialized = false
	}
	return nil
}
