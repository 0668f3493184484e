package alpaca

import (
	"errors"
	"fmt"
)

// ASCOM error numbers returned in the ErrorNumber field of a response.
const (
	CodeNotImplemented       = 0x400
	CodeInvalidValue         = 0x401
	CodeValueNotSet          = 0x402
	CodeNotConnected         = 0x407
	CodeInvalidWhileParked   = 0x408
	CodeInvalidWhileSlaved   = 0x409
	CodeInvalidOperation     = 0x40B
	CodeActionNotImplemented = 0x40C
	CodeUnspecified          = 0x500
)

var (
	ErrNotConnected           = errors.New("device not connected")
	ErrPropertyNotImplemented = errors.New("property or method not implemented")
	ErrInvalidValue           = errors.New("invalid value")
	ErrInvalidOperation       = errors.New("invalid operation")
	ErrNotImageBytes          = errors.New("response is not in ImageBytes format")
)

// Error is a device-reported failure, i.e. a response with a non-zero ErrorNumber.
type Error struct {
	Method  string
	Number  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("alpaca %s: error 0x%X: %s", e.Method, e.Number, e.Message)
}

// Is maps the standard ASCOM error numbers onto the package sentinels so that
// callers can use errors.Is without inspecting the number.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotConnected:
		return e.Number == CodeNotConnected
	case ErrPropertyNotImplemented:
		return e.Number == CodeNotImplemented || e.Number == CodeActionNotImplemented
	case ErrInvalidValue:
		return e.Number == CodeInvalidValue
	case ErrInvalidOperation:
		return e.Number == CodeInvalidOperation
	}
	return false
}

// HTTPError is returned when the server answers with a non-200 status. Alpaca
// servers use 400 for malformed requests and 500 for driver exceptions.
type HTTPError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("alpaca %s: http %d: %s", e.Method, e.StatusCode, e.Body)
}
