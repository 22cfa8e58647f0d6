package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/embuer/embuer/internal/update"
	"github.com/embuer/embuer/internal/ws"
)

// Kind classifies client failures. Each kind has a stable exit code.
type Kind int

const (
	Runtime Kind = iota
	InvalidArgument
	Connection
	ServiceFault
	Encoding
	Busy
	NoPendingUpdate
)

var kindNames = map[Kind]string{
	Runtime:         "runtime error",
	InvalidArgument: "invalid argument",
	Connection:      "connection error",
	ServiceFault:    "service error",
	Encoding:        "encoding error",
	Busy:            "busy",
	NoPendingUpdate: "no pending update",
}

func (k Kind) String() string {
	return kindNames[k]
}

// Exit codes. The first five match the C client header; Busy and
// NoPendingUpdate extend it.
const (
	ExitOK              = 0
	ExitInvalidArgument = -1
	ExitConnection      = -2
	ExitServiceFault    = -3
	ExitEncoding        = -4
	ExitRuntime         = -5
	ExitBusy            = -6
	ExitNoPendingUpdate = -7
)

var kindCodes = map[Kind]int{
	InvalidArgument: ExitInvalidArgument,
	Connection:      ExitConnection,
	ServiceFault:    ExitServiceFault,
	Encoding:        ExitEncoding,
	Runtime:         ExitRuntime,
	Busy:            ExitBusy,
	NoPendingUpdate: ExitNoPendingUpdate,
}

// kindSentinels lets callers use errors.Is with the service's sentinels.
var kindSentinels = map[Kind]error{
	Busy:            update.ErrBusy,
	NoPendingUpdate: update.ErrNoPendingUpdate,
	InvalidArgument: update.ErrInvalidArgument,
}

var ErrClientClosed = errors.New("client closed")

// Error is returned by every Client call that fails.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	return errs
}

// KindOf reports the Kind of err. Errors not produced by this package are
// Runtime.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Runtime
}

// ExitCode maps err to a process exit status; nil is ExitOK.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	return kindCodes[KindOf(err)]
}

func kindForCode(code ws.ErrorCode) Kind {
	switch code {
	case ws.CodeBusy:
		return Busy
	case ws.CodeNoPendingUpdate:
		return NoPendingUpdate
	case ws.CodeInvalidArgument:
		return InvalidArgument
	case ws.CodeEncoding:
		return Encoding
	default:
		return ServiceFault
	}
}

// transportError classifies an error from the HTTP or WebSocket layer.
func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Runtime, Op: op, Err: err}
	}
	return &Error{Kind: Connection, Op: op, Err: err}
}
