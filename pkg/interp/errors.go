// Package interp - error taxonomy, grounded on pkg/vm/errors.go's
// RuntimeError/StackFrame shape but retargeted to spec.md §7's table
// instead of smog's generic runtime-error-with-stack-trace.
package interp

import "fmt"

// PrimitiveFailureError is returned internally by a primitive handler when
// it declines to handle a send (wrong type, out of range, overflow); the
// interpreter catches it and falls through to the method's bytecode body
// (spec.md §7).
type PrimitiveFailureError struct {
	Reason string
}

func (e *PrimitiveFailureError) Error() string { return "primitive failed: " + e.Reason }

// DoesNotUnderstandError is raised when method lookup walks off the top of
// the hierarchy even for the #doesNotUnderstand: retry (spec.md §4.3): "a
// properly bootstrapped image always defines DNU on Object" — so this
// indicates a fatally broken image, not an ordinary Smalltalk-level DNU
// (those are handled by re-dispatching to doesNotUnderstand:, never by
// this Go error).
type DoesNotUnderstandError struct {
	Selector string
}

func (e *DoesNotUnderstandError) Error() string {
	return fmt.Sprintf("does not understand #%s, and Object itself has no doesNotUnderstand:", e.Selector)
}

// BadReceiverError reports an opcode or primitive that required a
// specific kind of object but received something else (spec.md §7).
type BadReceiverError struct {
	Reason string
}

func (e *BadReceiverError) Error() string { return "bad receiver: " + e.Reason }

// CannotReturnError is raised when a non-local return (opcode 125) or
// a method return targets a context that has already returned (its
// Returned flag is set). Run stops with this error; no cannotReturn:
// message is sent to the image.
type CannotReturnError struct {
	Reason string
}

func (e *CannotReturnError) Error() string { return "cannot return: " + e.Reason }

// BadImageError mirrors pkg/image.BadImageError for interpreter-level
// checks performed after loading (e.g. a missing well-known special
// object) that only become apparent once the VM starts bootstrapping.
type BadImageError struct {
	Reason string
}

func (e *BadImageError) Error() string { return "bad image: " + e.Reason }

// StackOverflowError is raised when a context's operand stack would grow
// past its frame size. Run stops with this error; no low-space
// semaphore is signalled.
type StackOverflowError struct{}

func (e *StackOverflowError) Error() string { return "operand stack overflow" }

// UnimplementedError is raised for an opcode with no handler installed
// (spec.md §7): "Fatal interpreter error".
type UnimplementedError struct {
	Opcode byte
}

func (e *UnimplementedError) Error() string {
	return fmt.Sprintf("unimplemented opcode %d", e.Opcode)
}
