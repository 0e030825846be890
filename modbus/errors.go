package modbus

import (
	"errors"
)

// Framing errors. They are unrecoverable for the connection they occur on.
var (
	// ErrTruncatedFrame is returned if fewer bytes are available than the
	// MBAP header or its declared length require.
	ErrTruncatedFrame = errors.New("modbus: truncated frame")

	// ErrUnexpectedProtocolID is returned if the MBAP protocol identifier is
	// not zero.
	ErrUnexpectedProtocolID = errors.New("modbus: unexpected protocol identifier")

	// ErrMalformedFrame is returned if the declared MBAP length is out of range
	// or does not match the bytes of a complete frame.
	ErrMalformedFrame = errors.New("modbus: malformed frame")

	// ErrEncodingOverflow is returned if a PDU is too long for the MBAP length
	// field.
	ErrEncodingOverflow = errors.New("modbus: encoding overflow")
)

// PDU errors. A server recovers from them with an exception response.
var (
	// ErrInvalidQuantity is returned for a register quantity outside the range
	// allowed by the function code.
	ErrInvalidQuantity = errors.New("modbus: invalid quantity")

	// ErrIllegalDataAddress is returned for an address range outside the extent
	// of a register store.
	ErrIllegalDataAddress = errors.New("modbus: illegal data address")

	// ErrUnsupportedFunctionCode is returned for a function code without a
	// registered codec.
	ErrUnsupportedFunctionCode = errors.New("modbus: unsupported function code")

	// ErrMalformedPDU is returned if a PDU payload does not have the shape its
	// function code requires.
	ErrMalformedPDU = errors.New("modbus: malformed PDU")
)

// Client errors. They leave the underlying connection open.
var (
	// ErrUnsolicitedResponse is returned for a response whose transaction
	// identifier does not match the outstanding request.
	ErrUnsolicitedResponse = errors.New("modbus: unsolicited response")

	// ErrRequestTimedOut is returned if no matching response arrived within
	// the request timeout.
	ErrRequestTimedOut = errors.New("modbus: request timed out")

	// ErrSessionBusy is returned if a request is issued while another one is
	// outstanding and the session is configured to fail fast.
	ErrSessionBusy = errors.New("modbus: session busy")

	// ErrUnexpectedResponse is returned if a response carries a function code
	// other than the one of the request.
	ErrUnexpectedResponse = errors.New("modbus: unexpected response function code")

	// ErrInvalidState is returned for a transaction transition that is not
	// legal in the current state.
	ErrInvalidState = errors.New("modbus: invalid transaction state")

	// ErrSessionClosed is returned for requests on a closed client session.
	ErrSessionClosed = errors.New("modbus: session closed")
)
