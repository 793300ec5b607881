// Package interp implements the bytecode interpreter: the fetch-decode-
// execute loop over the 256-entry opcode table, the send/return
// algorithms, and the activation-record (context/block-closure) model of
// spec.md §4.2 and §4.5.
//
// Contexts are kept as native Go structs rather than always-materialized
// heap objects; a Context is reified into a real Spur Context heap object
// (format 3, class index 36) only when thisContext (opcode 137) is
// observed or a primitive hands one to the image (the handler and unwind
// searches of primitives 195/197 call ReifyContext). Every field a
// reified context exposes (sender, pc, stackp, stack contents) is copied
// in at reification time, so observers always see consistent state; this
// implementation does not write changes back into a once-reified heap
// context, which is sufficient for the core's scope (debugger/inspector
// primitives read a snapshot, they do not mutate it back into a live
// activation).
package interp

import "github.com/kristofer/stvm/pkg/oop"
import "github.com/kristofer/stvm/pkg/memory"

// Context is an activation record: spec.md §3's "sender, pc, stackp,
// method, closureOrNil, receiver, and an array-part serving as the
// operand stack plus temporaries".
type Context struct {
	Sender   *Context
	Method   *memory.Method
	PC       int
	Stack    []oop.OOP
	StackP   int
	Receiver oop.OOP

	// Closure is non-nil when this context is a block activation; it
	// carries the defining BlockClosure so non-local return (opcode 125)
	// can find closure.OuterContext.Sender.
	Closure *BlockClosure

	// heapOOP is set once this context has been reified via
	// thisContext; future reads of the *same* activation return the
	// same oop (idempotent per spec.md §4.1).
	heapOOP oop.OOP
	reified bool

	// Returned marks a context whose activation has already produced a
	// result (by any of the return families). A later attempt to return
	// through it again — the "home context already returned" case of
	// spec.md §7's CannotReturn error — is only detectable because of
	// this flag, since a returned-from Context is otherwise still a
	// perfectly well-formed Go value that a stale BlockClosure could
	// still point at.
	Returned bool
}

// BlockClosure is spec.md §3/§4.5's first-class function value: "a format-3
// object whose instance slots are: outerContext, startpc, numArgs,
// followed by an array of copied values captured at closure creation".
type BlockClosure struct {
	OuterContext *Context
	StartPC      int
	NumArgs      int
	NumCopied    int
	Copied       []oop.OOP
	// HeapOOP is set when the closure has been materialized as a real
	// BlockClosure heap object (always, in this implementation — closures
	// are created by opcode 143 directly as heap objects since they can
	// outlive their creating context).
	HeapOOP oop.OOP
}

// NewMethodContext builds a fresh activation for a method send: args sit
// at the bottom of the stack, remaining temp slots are nil, per spec.md
// §4.2 send algorithm step 5.
func NewMethodContext(sender *Context, method *memory.Method, receiver oop.OOP, args []oop.OOP, nilOOP oop.OOP) *Context {
	frame := method.Header.FrameSize()
	stack := make([]oop.OOP, frame)
	copy(stack, args)
	for i := len(args); i < int(method.Header.NumTemps); i++ {
		stack[i] = nilOOP
	}
	return &Context{
		Sender:   sender,
		Method:   method,
		PC:       int(method.InitialPC()),
		Stack:    stack,
		StackP:   int(method.Header.NumTemps),
		Receiver: receiver,
	}
}

// NewBlockContext builds the activation used to evaluate a BlockClosure
// (primitives 201+): its method and receiver come from the closure's
// outer context, its Closure field points to this block and its PC is
// the closure's startpc. Its stack holds the block's arguments followed
// by the closure's copied values, and every remaining frame slot is nil;
// the outer context's temporaries are not copied into it.
func NewBlockContext(closure *BlockClosure, args []oop.OOP, nilOOP oop.OOP) *Context {
	outer := closure.OuterContext
	frame := outer.Method.Header.FrameSize()
	stack := make([]oop.OOP, frame)
	n := copy(stack, args)
	n += copy(stack[n:], closure.Copied)
	for i := n; i < frame; i++ {
		stack[i] = nilOOP
	}
	return &Context{
		Sender:   nil, // installed by the send site when the block is invoked
		Method:   outer.Method,
		PC:       closure.StartPC,
		Stack:    stack,
		StackP:   n,
		Receiver: outer.Receiver,
		Closure:  closure,
	}
}

// Push pushes a value onto the context's operand stack.
func (c *Context) Push(v oop.OOP) error {
	if c.StackP >= len(c.Stack) {
		return &StackOverflowError{}
	}
	c.Stack[c.StackP] = v
	c.StackP++
	return nil
}

// Pop removes and returns the top of the operand stack.
func (c *Context) Pop() (oop.OOP, error) {
	if c.StackP == 0 {
		return 0, &BadReceiverError{Reason: "stack underflow"}
	}
	c.StackP--
	v := c.Stack[c.StackP]
	return v, nil
}

// Top returns the top of the operand stack without popping it.
func (c *Context) Top() (oop.OOP, error) {
	if c.StackP == 0 {
		return 0, &BadReceiverError{Reason: "stack underflow"}
	}
	return c.Stack[c.StackP-1], nil
}

// PopN pops and returns the top n values in original (bottom-to-top)
// order, used by send to collect arguments (spec.md §4.2 send algorithm
// step 1).
func (c *Context) PopN(n int) ([]oop.OOP, error) {
	if c.StackP < n {
		return nil, &BadReceiverError{Reason: "stack underflow popping arguments"}
	}
	args := make([]oop.OOP, n)
	copy(args, c.Stack[c.StackP-n:c.StackP])
	c.StackP -= n
	return args, nil
}

// Depth returns the current operand stack height.
func (c *Context) Depth() int { return c.StackP }

// OuterSender returns the context a non-local return targets: the sender
// of the block's defining (home) context, or the context's own sender for
// a plain method return (spec.md §4.5).
func (c *Context) OuterSender() *Context {
	if c.Closure != nil {
		return c.Closure.OuterContext.Sender
	}
	return c.Sender
}
