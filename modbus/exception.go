package modbus

import (
	"errors"
	"fmt"
)

// ExceptionCode is the code carried by an exception response. It implements
// error, so operate hooks can fail with an exception code directly.
type ExceptionCode uint8

// Exception codes.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

var exceptionNames = map[ExceptionCode]string{
	ExceptionIllegalFunction:                    "illegal function",
	ExceptionIllegalDataAddress:                 "illegal data address",
	ExceptionIllegalDataValue:                   "illegal data value",
	ExceptionServerDeviceFailure:                "server device failure",
	ExceptionAcknowledge:                        "acknowledge",
	ExceptionServerDeviceBusy:                   "server device busy",
	ExceptionMemoryParityError:                  "memory parity error",
	ExceptionGatewayPathUnavailable:             "gateway path unavailable",
	ExceptionGatewayTargetDeviceFailedToRespond: "gateway target failed to respond",
}

// String returns the name of this exception code.
func (ec ExceptionCode) String() string {
	if name, ok := exceptionNames[ec]; ok {
		return name
	}
	return fmt.Sprintf("exception 0x%02X", uint8(ec))
}

// Error implements error.
func (ec ExceptionCode) Error() string {
	return "modbus: " + ec.String()
}

// ExceptionResponse reports the failure of a request.
type ExceptionResponse struct {
	// Function is the function code of the failed request, with or without the
	// error bit. It is always encoded with the error bit set.
	Function FunctionCode

	// Code is the exception code.
	Code ExceptionCode
}

// NewExceptionResponse returns the exception response for a request with the
// given function code.
func NewExceptionResponse(fc FunctionCode, code ExceptionCode) ExceptionResponse {
	return ExceptionResponse{
		Function: fc.AsError(),
		Code:     code,
	}
}

// FunctionCode implements PDU.
func (e ExceptionResponse) FunctionCode() FunctionCode {
	return e.Function.AsError()
}

// Error implements error, so that exception responses can be returned as
// errors by convenience methods.
func (e ExceptionResponse) Error() string {
	return fmt.Sprintf("modbus: %s: %s", e.Function.Base(), e.Code.String())
}

// Unwrap returns the exception code.
func (e ExceptionResponse) Unwrap() error {
	return e.Code
}

// ExceptionFor maps an error to the exception code a server reports for it.
// Errors which are already exception codes map to themselves. Errors outside
// the PDU error taxonomy map to ExceptionServerDeviceFailure.
func ExceptionFor(err error) ExceptionCode {
	var ec ExceptionCode
	switch {
	case errors.As(err, &ec):
		return ec
	case errors.Is(err, ErrUnsupportedFunctionCode):
		return ExceptionIllegalFunction
	case errors.Is(err, ErrIllegalDataAddress):
		return ExceptionIllegalDataAddress
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrMalformedPDU):
		return ExceptionIllegalDataValue
	default:
		return ExceptionServerDeviceFailure
	}
}
