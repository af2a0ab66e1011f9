// Package dbgerr defines the error taxonomy shared by all layers of the
// debug stack. Errors carry a Kind so that callers can tell a transient
// WAIT timeout from a wedged AHB transaction or an exhausted breakpoint
// unit without string matching. Errors created here interoperate with
// errors.Trace/Annotatef chains: predicates look through errors.Cause.
package dbgerr

import (
	"fmt"

	"github.com/cesanta/errors"
)

type Kind int

const (
	// Timeout: a polled wait exceeded its deadline.
	Timeout Kind = iota
	// BusFault: MEM-AP fault or ACK=FAULT on the DP.
	BusFault
	// ProtocolError: unexpected ACK, bad parity, malformed ROM table.
	ProtocolError
	// ProbeFailure: no target claimed the DP. Expected during enumeration.
	ProbeFailure
	// Flash operation failures, by phase.
	FlashErase
	FlashProgram
	FlashVerify
	FlashLocked
	// OutOfRange: address not covered by any flash region.
	OutOfRange
	// NoResource: breakpoint/watchpoint unit exhausted.
	NoResource
	// LogicError: internal invariant breached.
	LogicError
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case BusFault:
		return "bus fault"
	case ProtocolError:
		return "protocol error"
	case ProbeFailure:
		return "probe failure"
	case FlashErase:
		return "flash erase failed"
	case FlashProgram:
		return "flash program failed"
	case FlashVerify:
		return "flash verify failed"
	case FlashLocked:
		return "flash locked"
	case OutOfRange:
		return "address out of range"
	case NoResource:
		return "no hardware resource"
	case LogicError:
		return "logic error"
	}
	return fmt.Sprintf("kind %d", int(k))
}

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func New(kind Kind) error {
	return &Error{Kind: kind}
}

func Newf(kind Kind, f string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(f, args...)}
}

// KindOf returns the Kind of err, unwrapping annotations.
// The second return is false if err did not originate here.
func KindOf(err error) (Kind, bool) {
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Kind, true
	}
	return 0, false
}

func is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func IsTimeout(err error) bool { return is(err, Timeout) }
func IsBusFault(err error) bool { return is(err, BusFault) }
func IsProtocolError(err error) bool { return is(err, ProtocolError) }
func IsProbeFailure(err error) bool { return is(err, ProbeFailure) }
func IsOutOfRange(err error) bool { return is(err, OutOfRange) }
func IsNoResource(err error) bool { return is(err, NoResource) }
