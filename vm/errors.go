package vm

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("npcscript.vm")

var (
	// ErrNotSuspended is returned when resuming an instance that is not waiting.
	ErrNotSuspended = errors.New("instance is not suspended")
	// ErrNoSuchInstance is returned for an unknown or released instance id.
	ErrNoSuchInstance = errors.New("no such instance")
	// ErrUnknownLabel is returned when a label is not exported by a unit.
	ErrUnknownLabel = errors.New("unknown label")
	// ErrUnknownUnit is returned when a unit name is not registered.
	ErrUnknownUnit = errors.New("unknown unit")
)

// ErrorKind classifies runtime failures.
type ErrorKind uint8

const (
	KindType       ErrorKind = iota // wrong cell tag for an operation
	KindExhaustion                  // stack, depth or array bound exceeded
	KindScheduler                   // illegal resume or attach
)

func (k ErrorKind) String() string {
	switch k {
	case KindType:
		return "type error"
	case KindExhaustion:
		return "resource exhaustion"
	case KindScheduler:
		return "scheduler violation"
	}
	return "runtime error"
}

// RuntimeError is a recoverable failure raised while executing a unit.
// The interpreter logs it and continues with the statement neutralised.
type RuntimeError struct {
	Kind    ErrorKind
	Unit    string
	Line    int
	Message string
}

func (e *RuntimeError) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("%s:%d: %s: %s", e.Unit, e.Line, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is a RuntimeError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Kind == k
}

func typeError(format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: KindType, Message: fmt.Sprintf(format, args...)}
}

func exhaustion(format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: KindExhaustion, Message: fmt.Sprintf(format, args...)}
}

func violation(format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: KindScheduler, Message: fmt.Sprintf(format, args...)}
}
