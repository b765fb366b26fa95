// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !(ascend && cgo)

// Package native provides the ACL runtime backed by libascendcl.
// This file is a stub for builds without the "ascend" build tag or without cgo.
package native

import (
	"github.com/pkg/errors"

	"github.com/testacc-art/mmdeploy/backends/acl"
)

// RuntimeName to be used in MMDEPLOY_ACL_RUNTIME to specify this runtime.
const RuntimeName = "native"

// New returns an error: the native runtime requires building with cgo and the "ascend" build tag.
func New(config string) (acl.Runtime, error) {
	return nil, errors.New(`the native ACL runtime is only available when built with cgo and "-tags ascend"`)
}
