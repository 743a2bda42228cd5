package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can handle them exhaustively.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindPermissionDenied
	KindValidation
	KindExecution
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindValidation:
		return "validation_error"
	case KindExecution:
		return "execution_failure"
	case KindTransport:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is against any *Error of the same kind.
var (
	ErrNotFound         = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied, Msg: "permission denied"}
	ErrValidation       = &Error{Kind: KindValidation, Msg: "validation error"}
	ErrExecution        = &Error{Kind: KindExecution, Msg: "execution failure"}
	ErrTransport        = &Error{Kind: KindTransport, Msg: "transport failure"}
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func PermissionDeniedf(format string, args ...any) error {
	return &Error{Kind: KindPermissionDenied, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func ExecutionFailuref(format string, args ...any) error {
	return &Error{Kind: KindExecution, Msg: fmt.Sprintf(format, args...)}
}

// Transport wraps a storage or queue failure.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}
