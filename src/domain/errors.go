package domain

import (
	"errors"
	"net/http"
)

// ErrorCode names a class of failure visible to API callers.
type ErrorCode struct {
	Name       string
	StatusCode int
}

var (
	ErrorCodeParameterInvalid = ErrorCode{Name: "PARAMETER_INVALID", StatusCode: http.StatusBadRequest}
	ErrorCodeResourceNotFound = ErrorCode{Name: "RESOURCE_NOT_FOUND", StatusCode: http.StatusNotFound}
	ErrorCodeSimulationFailed = ErrorCode{Name: "SIMULATION_FAILED", StatusCode: http.StatusOK}
	ErrorCodeOpcodeValidation = ErrorCode{Name: "OPCODE_VALIDATION", StatusCode: http.StatusOK}
	ErrorCodeInternalProcess  = ErrorCode{Name: "INTERNAL_PROCESS", StatusCode: http.StatusInternalServerError}
	ErrorCodeRemoteProcess    = ErrorCode{Name: "REMOTE_PROCESS_ERROR", StatusCode: http.StatusBadGateway}
)

// DomainError wraps an internal error with a client safe message. The zero
// value reports an internal error.
type DomainError struct {
	code      ErrorCode
	err       error
	clientMsg string
	detail    map[string]interface{}
}

type ErrorOption func(*DomainError)

// WithMsg sets the message returned to callers. The wrapped error is never
// exposed.
func WithMsg(msg string) ErrorOption {
	return func(e *DomainError) { e.clientMsg = msg }
}

// WithDetail attaches structured data that is safe to return to callers.
func WithDetail(key string, value interface{}) ErrorOption {
	return func(e *DomainError) {
		if e.detail == nil {
			e.detail = make(map[string]interface{})
		}
		e.detail[key] = value
	}
}

func NewError(code ErrorCode, err error, opts ...ErrorOption) error {
	if err == nil {
		err = errors.New(code.Name)
	}
	e := DomainError{code: code, err: err}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e DomainError) Error() string {
	if e.err == nil {
		return ErrorCodeInternalProcess.Name
	}
	return e.err.Error()
}

func (e DomainError) Unwrap() error { return e.err }

func (e DomainError) Name() string {
	if e.code.Name == "" {
		return ErrorCodeInternalProcess.Name
	}
	return e.code.Name
}

func (e DomainError) HTTPStatus() int {
	if e.code.StatusCode == 0 {
		return http.StatusInternalServerError
	}
	return e.code.StatusCode
}

func (e DomainError) ClientMsg() string { return e.clientMsg }

func (e DomainError) Detail() map[string]interface{} { return e.detail }

// Is matches on error code so callers can test errors.Is(err, domain.ErrorCodeX).
func (e DomainError) Is(target error) bool {
	t, ok := target.(DomainError)
	return ok && t.code == e.code && t.err == nil
}

// CodeError returns a bare DomainError usable as an errors.Is target.
func CodeError(code ErrorCode) error {
	return DomainError{code: code}
}
