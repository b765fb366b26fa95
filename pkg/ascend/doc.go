// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ascend runs compiled models on a Huawei Ascend accelerator through an ACL runtime
// (see package backends/acl).
//
// A Session owns a loaded model, its description (ModelDescriptor), the device buffers backing its inputs and
// outputs (two BufferSet) and the ShapeResolver that maps the shapes of the inputs given to each Forward call
// to the shape selection the model requires.
//
// Models compiled with dynamic shapes are classified once, when the model is loaded, into one ShapeMode:
//
//   - Static: the model has fixed shapes.
//   - DynamicBatch: the leading axis can take one of an enumerated list of batch sizes. Inputs are run with the
//     smallest admissible batch size that fits them.
//   - DynamicDims: the inputs can take one of an enumerated list of "profiles" (gears), each giving the
//     dimensions of every input axis. The first profile that matches the inputs is used.
//   - DynamicHW: the image height and width can take one of an enumerated list of sizes.
//
// Device contexts are shared by the sessions of a process through a ContextRegistry, created by the host program
// and finalized by it once every session is finalized:
//
//	rt, err := acl.New()
//	contexts := ascend.NewContextRegistry(rt, "")
//	defer contexts.Finalize()
//	session, err := ascend.Open(contexts, "model.om", 0)
//	defer session.Finalize()
//	outputs, err := session.Forward(map[string]*tensors.Tensor{"input": input})
//
// Sessions report Prometheus metrics if the registry is given a Metrics with ContextRegistry.SetMetrics
// before they are opened.
package ascend
