// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build ascend && cgo

package native

import (
	"github.com/testacc-art/mmdeploy/backends/acl"
)

func init() {
	acl.Register(RuntimeName, New)
}
