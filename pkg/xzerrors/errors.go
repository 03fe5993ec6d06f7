// Package xzerrors provides structured error handling for xzcore with error
// categorization, key-value context and stack traces. Every failure that
// crosses a service boundary (store operations, event delivery, service
// lifecycle) is reported as an *Error so callers can branch on its Type.
//
// # Basic Usage
//
//	// Create a new error
//	err := xzerrors.New(xzerrors.ErrorTypeConfig, "unknown database type").
//	    WithDetail("type", "oracle")
//
//	// Wrap existing errors
//	if _, err := conn.ExecContext(ctx, stmt, args...); err != nil {
//	    return xzerrors.Wrap(err, xzerrors.ErrorTypeQuery, "statement failed").
//	        WithDetail("statement", stmt)
//	}
//
// # Error Types
//
// The types mirror the runtime's failure taxonomy:
//   - config: missing or invalid settings, fatal at startup
//   - pool_exhausted / connection_timeout: no pooled connection within the acquire timeout
//   - query: a statement failed; the owning future resolves failed
//   - transaction: a transaction was rolled back
//   - service_init: a service failed to initialize, aborting startup
//   - subscriber: an event handler failed; delivery to other handlers continues
//   - not_initialized: a call was made outside a service's lifecycle window
//   - cancelled: a queued or running operation was force-cancelled at shutdown
//
// None of the types are retried automatically by the runtime.
package xzerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error.
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents invalid arguments
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents missing or invalid configuration
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypePoolExhausted represents a pool with every connection checked out
	ErrorTypePoolExhausted ErrorType = "pool_exhausted"
	// ErrorTypeConnectionTimeout represents a driver that could not connect in time
	ErrorTypeConnectionTimeout ErrorType = "connection_timeout"
	// ErrorTypeConnection represents other connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeQuery represents statement execution errors
	ErrorTypeQuery ErrorType = "query"
	// ErrorTypeTransaction represents rolled back transactions
	ErrorTypeTransaction ErrorType = "transaction"
	// ErrorTypeServiceInit represents a service that failed to initialize
	ErrorTypeServiceInit ErrorType = "service_init"
	// ErrorTypeSubscriber represents a failing event subscriber
	ErrorTypeSubscriber ErrorType = "subscriber"
	// ErrorTypeNotInitialized represents calls outside the lifecycle window
	ErrorTypeNotInitialized ErrorType = "not_initialized"
	// ErrorTypeCancelled represents operations cancelled at shutdown
	ErrorTypeCancelled ErrorType = "cancelled"
	// ErrorTypePermission represents permission errors
	ErrorTypePermission ErrorType = "permission"
)

// Error represents a structured error with context.
//
// Fields:
//   - Type: Categorizes the error for handling strategies
//   - Message: Human-readable error description
//   - Cause: The underlying error that caused this error
//   - Details: Key-value pairs providing additional context
//   - Stack: Call stack at the point of error creation
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string // Fully qualified function name
	File     string // Source file path
	Line     int    // Line number in source file
}

// Error implements the error interface, returning a formatted error message
// that includes the error type, message, and cause (if present).
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error, enabling compatibility with errors.Is
// and errors.As for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. This method can be chained
// for adding multiple details.
//
// Example:
//
//	err := xzerrors.New(xzerrors.ErrorTypeServiceInit, "service failed to initialize").
//	    WithDetail("service", "database(sqlite)")
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail value previously attached with WithDetail.
func (e *Error) Detail(key string) (interface{}, bool) {
	v, ok := e.Details[key]
	return v, ok
}

// New creates a new error with the given type and message, automatically
// capturing the call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf is New with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the original
// error as the cause. If the error is already a structured Error, its stack
// trace is preserved. Returns nil if the input error is nil.
//
// Example:
//
//	rows, err := conn.QueryContext(ctx, stmt, args...)
//	if err != nil {
//	    return xzerrors.Wrap(err, xzerrors.ErrorTypeQuery, "query failed").
//	        WithDetail("statement", stmt)
//	}
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsType checks if the error, or any error in its chain, is of the given type.
//
// Example:
//
//	if xzerrors.IsType(err, xzerrors.ErrorTypeNotInitialized) {
//	    // the bus is not running yet; drop the event
//	}
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the type of the outermost structured error in err's chain,
// or ErrorTypeInternal when err carries none.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// IsPoolExhausted reports whether err means no pooled connection could be
// obtained within the acquire timeout, for either reason.
func IsPoolExhausted(err error) bool {
	return IsType(err, ErrorTypePoolExhausted) || IsType(err, ErrorTypeConnectionTimeout)
}

// captureStack captures the current call stack up to maxFrames deep,
// skipping the specified number of frames from the top.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
