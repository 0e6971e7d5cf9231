// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fallback classifies the errors surfaced by the custom-function
// invocation bridge, so the execution engine's dispatcher can decide -- without
// string matching -- whether to abort or to retry the computation on a slower,
// non-bridged execution path.
//
// Errors are tagged by wrapping one of the package sentinels; test with
// errors.Is (for a specific kind) or Eligible (for "may the engine fall
// back?"). Only failures of the opaque custom function itself are
// fallback-eligible: contract violations and malformed inputs/outputs indicate
// integration bugs that a retry cannot fix.
package fallback

import "github.com/pkg/errors"

var (
	// ErrExecution tags failures raised inside the opaque custom function
	// (forward or backward). The bridged path is abandoned for this call, but the
	// engine may retry via its default, non-bridged execution -- see Eligible.
	ErrExecution = errors.New("custom function execution failed")

	// ErrIO tags unsupported input/output structure at the bridge boundary:
	// results that are neither a tensor nor a sequence, and buffer interchange or
	// materialization failures. Not retryable.
	ErrIO = errors.New("custom function returned unsupported input/output")

	// ErrContract tags violations of the caller's declared contracts: an aliasing
	// declaration that does not match detected behavior, a backward argument
	// requiring gradients, an unknown differentiation context. These signal bugs
	// in the declaration or the engine integration and are never retried.
	ErrContract = errors.New("custom function call contract violated")
)

// classified attaches a kind sentinel to an underlying cause, keeping both
// visible to errors.Is/errors.As.
type classified struct {
	kind  error
	cause error
}

func (c *classified) Error() string {
	return c.kind.Error() + ": " + c.cause.Error()
}

func (c *classified) Unwrap() []error {
	return []error{c.kind, c.cause}
}

// Classify tags err with the given kind (one of the package sentinels),
// preserving err as the cause for errors.Is/errors.As. A nil err returns nil.
func Classify(kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, cause: err}
}

// Eligible reports whether err allows the engine to retry via its default,
// non-bridged execution path.
func Eligible(err error) bool {
	return errors.Is(err, ErrExecution)
}

// Kind returns a short label for err's classification ("execution", "io",
// "contract"), or "" if err carries none. Meant for logs and reports.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrExecution):
		return "execution"
	case errors.Is(err, ErrIO):
		return "io"
	case errors.Is(err, ErrContract):
		return "contract"
	}
	return ""
}
