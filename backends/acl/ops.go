// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package acl

// Names of the native operations, as reported in NativeCallError.Operation.
const (
	OpInit                = "aclInit"
	OpFinalize            = "aclFinalize"
	OpSetDevice           = "aclrtSetDevice"
	OpResetDevice         = "aclrtResetDevice"
	OpCreateContext       = "aclrtCreateContext"
	OpDestroyContext      = "aclrtDestroyContext"
	OpSetCurrentContext   = "aclrtSetCurrentContext"
	OpMalloc              = "aclrtMalloc"
	OpFree                = "aclrtFree"
	OpMemcpy              = "aclrtMemcpy"
	OpCreateDataBuffer    = "aclCreateDataBuffer"
	OpDestroyDataBuffer   = "aclDestroyDataBuffer"
	OpCreateDataset       = "aclmdlCreateDataset"
	OpDestroyDataset      = "aclmdlDestroyDataset"
	OpAddDatasetBuffer    = "aclmdlAddDatasetBuffer"
	OpLoadFromFile        = "aclmdlLoadFromFile"
	OpUnload              = "aclmdlUnload"
	OpGetDesc             = "aclmdlGetDesc"
	OpDestroyDesc         = "aclmdlDestroyDesc"
	OpGetInputDims        = "aclmdlGetInputDims"
	OpGetOutputDims       = "aclmdlGetOutputDims"
	OpGetCurOutputDims    = "aclmdlGetCurOutputDims"
	OpGetDynamicBatch     = "aclmdlGetDynamicBatch"
	OpGetDynamicHW        = "aclmdlGetDynamicHW"
	OpGetInputDynamicDims = "aclmdlGetInputDynamicDims"
	OpGetDynamicGearCount = "aclmdlGetInputDynamicGearCount"
	OpSetDynamicBatchSize = "aclmdlSetDynamicBatchSize"
	OpSetDynamicHWSize    = "aclmdlSetDynamicHWSize"
	OpSetInputDynamicDims = "aclmdlSetInputDynamicDims"
	OpExecute             = "aclmdlExecute"
)
