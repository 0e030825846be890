package modbus

import (
	"fmt"
	"sort"
)

// FunctionCode is the first byte of every PDU. Responses reporting an
// exception carry the request's function code with FunctionError set.
type FunctionCode uint8

// Public function codes. Only the holding register codes have codecs in
// DefaultRegistry; the others name requests a server rejects with
// ExceptionIllegalFunction.
const (
	FunctionReadCoils                  FunctionCode = 1
	FunctionReadDiscreteInputs         FunctionCode = 2
	FunctionReadHoldingRegisters       FunctionCode = 3
	FunctionReadInputRegisters         FunctionCode = 4
	FunctionWriteSingleCoil            FunctionCode = 5
	FunctionWriteSingleRegister        FunctionCode = 6
	FunctionWriteMultipleCoils         FunctionCode = 15
	FunctionWriteMultipleRegisters     FunctionCode = 16
	FunctionMaskWriteRegister          FunctionCode = 22
	FunctionReadWriteMultipleRegisters FunctionCode = 23
)

// FunctionError is the function code bit marking an exception response.
const FunctionError FunctionCode = 0x80

var functionNames = map[FunctionCode]string{
	FunctionReadCoils:                  "read coils",
	FunctionReadDiscreteInputs:         "read discrete inputs",
	FunctionReadHoldingRegisters:       "read holding registers",
	FunctionReadInputRegisters:         "read input registers",
	FunctionWriteSingleCoil:            "write single coil",
	FunctionWriteSingleRegister:        "write single register",
	FunctionWriteMultipleCoils:         "write multiple coils",
	FunctionWriteMultipleRegisters:     "write multiple registers",
	FunctionMaskWriteRegister:          "mask write register",
	FunctionReadWriteMultipleRegisters: "read/write multiple registers",
}

// reservedFunctionCodes lists the function codes reserved by Annex A of the
// Modbus application protocol specification, in increasing order.
var reservedFunctionCodes = [...]FunctionCode{
	9, 10, 13, 14, 41, 42, 90, 91, 125, 126, 127,
}

// String returns the name of this function code, ignoring the error bit.
func (fc FunctionCode) String() string {
	if name, ok := functionNames[fc.Base()]; ok {
		return name
	}
	return fmt.Sprintf("function 0x%02X", uint8(fc.Base()))
}

// IsReserved reports whether the base of this function code is reserved.
func (fc FunctionCode) IsReserved() bool {
	fc = fc.Base()
	idx := sort.Search(len(reservedFunctionCodes), func(i int) bool {
		return fc <= reservedFunctionCodes[i]
	})
	return idx < len(reservedFunctionCodes) && fc == reservedFunctionCodes[idx]
}

// IsError reports whether this function code marks an exception response.
func (fc FunctionCode) IsError() bool {
	return fc&FunctionError != 0
}

// AsError returns this function code with the error bit set.
func (fc FunctionCode) AsError() FunctionCode {
	return fc | FunctionError
}

// Base returns this function code with the error bit cleared.
func (fc FunctionCode) Base() FunctionCode {
	return fc &^ FunctionError
}
