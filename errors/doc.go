// Package errors provides standardized error handling for depthgraph.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input, do not retry) and Fatal (stop processing). Classification works
// with errors.Is and errors.As through wrapping chains.
//
// # Domain taxonomy
//
// Graph construction:
//
//	ErrPortNotFound        a named port does not exist on the node
//	ErrNoCompatiblePort    heuristic search found no type-compatible candidate
//	ErrConnectionNotFound  unlink found no matching live connection
//
// Device sessions:
//
//	ErrDeviceUnavailable   nothing is plugged in
//	ErrDeviceInUse         devices are plugged in but claimed; see DeviceInUseError.Count
//
// Queues and handles:
//
//	ErrQueueClosed         the queue was closed
//	ErrQueueTimeout        a bounded wait expired (distinct from closed and empty)
//	ErrInvalidHandle       nil or released handle
//
// Linking and session errors are returned to the caller and never retried
// implicitly. A caller that wants to wait for a device can opt in with
// RetryConfig and pkg/retry.
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: %w":
//
//	errors.WrapInvalid(err, "Linker", "Link", "resolve output")
//	errors.WrapTransient(err, "Broker", "Open", "select device")
//
// # Last error
//
// Record, LastError, TakeLastError and ClearLastError maintain a
// process-wide "last error" string for call sites that cannot propagate a
// typed error, for example across a C ABI. Public operations in pipeline,
// device and queue record every failure they return.
package errors
