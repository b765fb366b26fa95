// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ascend

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/testacc-art/mmdeploy/backends/acl"
)

// Error kinds returned by the package. Use errors.Is to test for them.
//
// When the error was caused by a failing native call, the *acl.NativeCallError is also in the chain,
// and it can be retrieved with errors.As.
var (
	ErrModelLoad             = errors.New("failed to load model")
	ErrUnsupportedDType      = errors.New("unsupported data type")
	ErrUnsupportedDims       = errors.New("unsupported model dimensions")
	ErrUndeterminedShapeMode = errors.New("can't infer the dynamic shape mode of the model")
	ErrArityMismatch         = errors.New("number of inputs mismatch")
	ErrShapeMismatch         = errors.New("input shape mismatch")
	ErrInconsistentBatchSize = errors.New("inconsistent batch size")
	ErrUndeterminedBatchSize = errors.New("can't determine batch size")
	ErrUnsupportedBatchSize  = errors.New("batch size not supported")
	ErrInconsistentImageSize = errors.New("inconsistent image size")
	ErrUndeterminedImageSize = errors.New("can't determine image size")
	ErrUnsupportedImageSize  = errors.New("image size not supported")
	ErrNoMatchingProfile     = errors.New("no matching dynamic dims profile found")
	ErrMissingInput          = errors.New("missing input")
	ErrExecution             = errors.New("model execution failed")
	ErrContextsInUse         = errors.New("device contexts still in use")
	ErrSessionFinalized      = errors.New("session already finalized")
)

// kindError tags an error with one of the error kinds above, and optionally a cause.
type kindError struct {
	kind, cause error
	msg         string
}

// Error implements error.
func (e *kindError) Error() string {
	msg := e.kind.Error()
	if e.msg != "" {
		msg += ": " + e.msg
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *kindError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// newError returns an error of the given kind, with a stack trace.
func newError(kind error, format string, args ...any) error {
	return errors.WithStack(&kindError{kind: kind, msg: fmt.Sprintf(format, args...)})
}

// wrapError returns an error of the given kind caused by cause, with a stack trace.
func wrapError(cause, kind error, format string, args ...any) error {
	return errors.WithStack(&kindError{kind: kind, cause: cause, msg: fmt.Sprintf(format, args...)})
}

var errorKindLabels = []struct {
	kind  error
	label string
}{
	{ErrModelLoad, "model_load"},
	{ErrUnsupportedDType, "unsupported_dtype"},
	{ErrUnsupportedDims, "unsupported_dims"},
	{ErrUndeterminedShapeMode, "undetermined_shape_mode"},
	{ErrArityMismatch, "arity_mismatch"},
	{ErrShapeMismatch, "shape_mismatch"},
	{ErrInconsistentBatchSize, "inconsistent_batch_size"},
	{ErrUndeterminedBatchSize, "undetermined_batch_size"},
	{ErrUnsupportedBatchSize, "unsupported_batch_size"},
	{ErrInconsistentImageSize, "inconsistent_image_size"},
	{ErrUndeterminedImageSize, "undetermined_image_size"},
	{ErrUnsupportedImageSize, "unsupported_image_size"},
	{ErrNoMatchingProfile, "no_matching_profile"},
	{ErrMissingInput, "missing_input"},
	{ErrExecution, "execution"},
	{ErrContextsInUse, "contexts_in_use"},
	{ErrSessionFinalized, "session_finalized"},
}

// errorKindLabel returns a short label of the kind of err, used in metrics labels.
// Errors without a kind are labeled "native" if caused by a failing native call, "other" otherwise.
func errorKindLabel(err error) string {
	for _, entry := range errorKindLabels {
		if errors.Is(err, entry.kind) {
			return entry.label
		}
	}
	var nativeErr *acl.NativeCallError
	if errors.As(err, &nativeErr) {
		return "native"
	}
	return "other"
}
