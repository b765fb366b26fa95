// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package acl

import (
	"fmt"

	"github.com/pkg/errors"
)

// NativeCallError is returned by a Runtime when a native call fails.
// It carries the name of the failing operation and its native status code.
type NativeCallError struct {
	Operation string
	Code      int
}

// Error implements error.
func (e *NativeCallError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Operation, e.Code)
}

// Check returns a *NativeCallError (with a stack trace) if code is not 0, and nil otherwise.
func Check(operation string, code int) error {
	if code == 0 {
		return nil
	}
	return errors.WithStack(&NativeCallError{Operation: operation, Code: code})
}

// StatusCode returns the native status code of the first *NativeCallError in err's chain, and whether there was one.
func StatusCode(err error) (code int, ok bool) {
	var nativeErr *NativeCallError
	if errors.As(err, &nativeErr) {
		return nativeErr.Code, true
	}
	return 0, false
}
