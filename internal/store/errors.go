package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("not found")

const (
	CodeConnectionFailed   = "ConnectionFailed"
	CodeTimeout            = "Timeout"
	CodeServiceUnavailable = "ServiceUnavailable"
	CodeConflict           = "Conflict"
	CodeInvalidRecord      = "InvalidRecord"
)

// Error is a classified remote failure. It satisfies smithy.APIError so
// callers can inspect code and fault without knowing the backend: a server
// fault is transient and may be retried, a client fault is permanent.
type Error struct {
	Op      string
	Code    string
	Message string
	Fault   smithy.ErrorFault
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

func (e *Error) Unwrap() error                 { return e.Err }
func (e *Error) ErrorCode() string             { return e.Code }
func (e *Error) ErrorMessage() string          { return e.Message }
func (e *Error) ErrorFault() smithy.ErrorFault { return e.Fault }

// Transient builds a retryable error, mostly for fakes and tests.
func Transient(op, code string, err error) error {
	return &Error{Op: op, Code: code, Message: errMessage(err), Fault: smithy.FaultServer, Err: err}
}

func Permanent(op, code string, err error) error {
	return &Error{Op: op, Code: code, Message: errMessage(err), Fault: smithy.FaultClient, Err: err}
}

// IsTransient reports whether err may succeed on retry. Timeouts count as
// transient; a missing record never does.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		return true
	}
	switch apiErr.ErrorCode() {
	case CodeConnectionFailed, CodeTimeout, CodeServiceUnavailable:
		return true
	default:
		return false
	}
}

// IsConnectionError reports link loss, as opposed to a transient fault on a
// reachable server.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == CodeConnectionFailed || code == CodeTimeout
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return err
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, CodeTimeout, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return Transient(op, CodeConnectionFailed, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return Transient(op, CodeConflict, err)
		case strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return Transient(op, CodeServiceUnavailable, err)
		default:
			return Permanent(op, pgErr.Code, err)
		}
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || pgconn.SafeToRetry(err) {
		return Transient(op, CodeConnectionFailed, err)
	}
	return Permanent(op, CodeInvalidRecord, err)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
