package emu

import "fmt"

// ErrorKind classifies machine-level failures.
type ErrorKind int

const (
	InvalidProgram ErrorKind = iota
	IllegalOperation
	MaxInstructionsReached
	MisalignedInstruction
	IllegalOpcode
	GuestPageFault
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidProgram:
		return "invalid program"
	case IllegalOperation:
		return "illegal operation"
	case MaxInstructionsReached:
		return "max instructions reached"
	case MisalignedInstruction:
		return "misaligned instruction"
	case IllegalOpcode:
		return "illegal opcode"
	case GuestPageFault:
		return "guest page fault"
	}
	return fmt.Sprintf("machine error %d", int(k))
}

// MachineError is a failure raised by segment construction, translation
// activation or guest execution.
type MachineError struct {
	Kind  ErrorKind
	Msg   string
	Data  uint64
	Cause error
}

func (e *MachineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	if e.Data != 0 {
		return fmt.Sprintf("%s: %s (%#x)", e.Kind, e.Msg, e.Data)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *MachineError) Unwrap() error { return e.Cause }

func (e *MachineError) Is(target error) bool {
	t, ok := target.(*MachineError)
	return ok && t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// Errorf creates a machine error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *MachineError {
	return &MachineError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsMachineError reports whether err carries the given kind.
func IsMachineError(err error, kind ErrorKind) bool {
	if me, ok := err.(*MachineError); ok {
		return me.Kind == kind
	}
	return false
}
