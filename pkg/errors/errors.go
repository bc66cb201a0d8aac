package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeIdempotency           Code = "IDEMPOTENCY_KEY_REUSED"
	CodeInsufficientInventory Code = "INSUFFICIENT_INVENTORY"
	CodeLockContention        Code = "LOCK_CONTENTION"
	CodeBusy                  Code = "BUSY"
	CodeInternal              Code = "INTERNAL_ERROR"
	CodeDependency            Code = "DEPENDENCY_ERROR"
)

// Metadata describes how a code is surfaced at the process edges: the ops
// HTTP surface and the CLI exit status.
type Metadata struct {
	HTTPStatus     int
	ExitCode       int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

// Exit codes follow the sysexits convention where one applies.
const (
	exitUsage       = 64
	exitData        = 65
	exitUnavailable = 69
	exitSoftware    = 70
	exitTempFail    = 75
)

var metadataByCode = map[Code]Metadata{}

func register(code Code, status, exit int, retryable, details bool, public string) {
	metadataByCode[code] = Metadata{
		HTTPStatus:     status,
		ExitCode:       exit,
		Retryable:      retryable,
		PublicMessage:  public,
		DetailsAllowed: details,
	}
}

func init() {
	register(CodeValidation, http.StatusBadRequest, exitUsage, false, true, "validation failed")
	register(CodeNotFound, http.StatusNotFound, exitData, false, false, "resource not found")
	register(CodeConflict, http.StatusConflict, exitData, false, false, "conflict detected")
	register(CodeIdempotency, http.StatusConflict, exitData, false, true, "idempotency key reused")
	register(CodeInsufficientInventory, http.StatusConflict, exitData, false, true, "insufficient inventory")
	// The executor converts lock contention into CodeBusy once its retries run out.
	register(CodeLockContention, http.StatusConflict, exitTempFail, true, false, "inventory row locked")
	register(CodeBusy, http.StatusServiceUnavailable, exitTempFail, true, false, "inventory busy, retry later")
	register(CodeInternal, http.StatusInternalServerError, exitSoftware, true, false, "internal server error")
	register(CodeDependency, http.StatusServiceUnavailable, exitUnavailable, true, true, "dependency unavailable")
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}

// CodeOf returns the outermost code in the chain, CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

// Public is the caller-safe rendering of an error.
type Public struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// PublicFor hides internal messages and drops details the code does not allow.
func PublicFor(err error) Public {
	typed := As(err)
	if typed == nil {
		meta := MetadataFor(CodeInternal)
		return Public{Code: CodeInternal, Message: meta.PublicMessage}
	}
	meta := MetadataFor(typed.Code())
	out := Public{Code: typed.Code(), Message: typed.Message()}
	if typed.Code() == CodeInternal || out.Message == "" {
		out.Message = meta.PublicMessage
	}
	if meta.DetailsAllowed {
		out.Details = typed.Details()
	}
	return out
}
