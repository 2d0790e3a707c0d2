package srvcerror

import (
	"errors"
	"net/http"
)

type Error struct {
	errorCode  string
	msgToUser  string // public
	dbgInfoErr error  // private, for debugging

	httpStatus int // optional, for HTTP responses
}

func (e *Error) Error() string {
	return e.msgToUser
}

func (e *Error) ErrorCode() string {
	return e.errorCode
}

func (e *Error) DebugInfo() error {
	return e.dbgInfoErr
}

// Unwrap exposes the debug error so errors.Is can reach sentinel causes.
func (e *Error) Unwrap() error {
	return e.dbgInfoErr
}

func (e *Error) SetDebug(err error) *Error {
	e.dbgInfoErr = err
	return e
}

func (e *Error) HttpStatusCode() int {
	if e.httpStatus == 0 {
		return http.StatusInternalServerError
	}
	return e.httpStatus
}

func (e *Error) SetHttpStatusCode(code int) *Error {
	e.httpStatus = code
	return e
}

func New(errorCode string, msgToUser string) *Error {
	return &Error{
		errorCode: errorCode,
		msgToUser: msgToUser,
	}
}

// Code returns the error code of the first *Error in err's chain, or "".
func Code(err error) string {
	var srvcErr *Error
	if errors.As(err, &srvcErr) {
		return srvcErr.errorCode
	}
	return ""
}

// HasCode reports whether err's chain contains an *Error with the given code.
func HasCode(err error, code string) bool {
	for err != nil {
		var srvcErr *Error
		if !errors.As(err, &srvcErr) {
			return false
		}
		if srvcErr.errorCode == code {
			return true
		}
		err = srvcErr.dbgInfoErr
	}
	return false
}

const ErrCodeInternalServerError = "internal_server_error"

func ErrInternalSE() *Error {
	return New(
		ErrCodeInternalServerError,
		"internal server error",
	).SetHttpStatusCode(http.StatusInternalServerError)
}

const ErrCodeInvalidInput = "invalid_input"

func ErrInvalidInput(msg string) *Error {
	return New(ErrCodeInvalidInput, msg).
		SetHttpStatusCode(http.StatusBadRequest)
}
