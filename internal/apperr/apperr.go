package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeInvalidState     Code = "INVALID_STATE"
	CodeRaceLost         Code = "RACE_LOST"
	CodeNoCandidates     Code = "NO_CANDIDATES"
	CodeDeliveryFailure  Code = "DELIVERY_FAILURE"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeInternal         Code = "INTERNAL_ERROR"
)

type Metadata struct {
	HTTPStatus int
	// Expected codes are normal business outcomes and are not logged as errors.
	Expected bool
}

var metadataByCode = map[Code]Metadata{
	CodeNotFound:         {HTTPStatus: http.StatusNotFound, Expected: true},
	CodeInvalidState:     {HTTPStatus: http.StatusConflict, Expected: true},
	CodeRaceLost:         {HTTPStatus: http.StatusConflict, Expected: true},
	CodeNoCandidates:     {HTTPStatus: http.StatusServiceUnavailable, Expected: true},
	CodeDeliveryFailure:  {HTTPStatus: http.StatusBadGateway},
	CodeValidation:       {HTTPStatus: http.StatusBadRequest, Expected: true},
	CodeStoreUnavailable: {HTTPStatus: http.StatusServiceUnavailable},
	CodeInternal:         {HTTPStatus: http.StatusInternalServerError},
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
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
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

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
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
	if errors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}
