package errors

import "sync"

// The last-error slot serves call sites that cannot carry a typed error,
// such as a C ABI shim. It always holds the most recent recorded failure.
var lastErr struct {
	mu  sync.Mutex
	msg string
}

// SetLastError stores err's message as the process-wide last error.
// A nil err clears the slot.
func SetLastError(err error) {
	lastErr.mu.Lock()
	defer lastErr.mu.Unlock()
	if err == nil {
		lastErr.msg = ""
		return
	}
	lastErr.msg = err.Error()
}

// LastError returns the most recent recorded failure, or "" if none.
func LastError() string {
	lastErr.mu.Lock()
	defer lastErr.mu.Unlock()
	return lastErr.msg
}

// ClearLastError empties the last-error slot.
func ClearLastError() {
	SetLastError(nil)
}

// TakeLastError returns the last error and clears the slot in one step.
func TakeLastError() string {
	lastErr.mu.Lock()
	defer lastErr.mu.Unlock()
	msg := lastErr.msg
	lastErr.msg = ""
	return msg
}

// Record stores err in the last-error slot and returns it unchanged.
// Nil errors pass through without touching the slot.
//
//	return errors.Record(errors.WrapInvalid(err, "Linker", "Link", "resolve output"))
func Record(err error) error {
	if err != nil {
		SetLastError(err)
	}
	return err
}
