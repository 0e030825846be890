package modbus

// PDU is a decoded Modbus protocol data unit. Exactly one of the variant types
// below is carried per frame.
type PDU interface {
	// FunctionCode returns the function code as it appears on the wire, i. e.,
	// with the error bit set for exception responses.
	FunctionCode() FunctionCode
}

// ReadHoldingRegistersRequest requests Quantity holding registers starting at
// Address.
type ReadHoldingRegistersRequest struct {
	Address  uint16
	Quantity uint16
}

// FunctionCode implements PDU.
func (ReadHoldingRegistersRequest) FunctionCode() FunctionCode {
	return FunctionReadHoldingRegisters
}

// ReadHoldingRegistersResponse carries the register values read, in address
// order.
type ReadHoldingRegistersResponse struct {
	Values []uint16
}

// FunctionCode implements PDU.
func (ReadHoldingRegistersResponse) FunctionCode() FunctionCode {
	return FunctionReadHoldingRegisters
}

// WriteMultipleRegistersRequest writes Values to consecutive holding registers
// starting at Address.
type WriteMultipleRegistersRequest struct {
	Address uint16
	Values  []uint16
}

// FunctionCode implements PDU.
func (WriteMultipleRegistersRequest) FunctionCode() FunctionCode {
	return FunctionWriteMultipleRegisters
}

// WriteMultipleRegistersResponse confirms a WriteMultipleRegistersRequest.
type WriteMultipleRegistersResponse struct {
	Address  uint16
	Quantity uint16
}

// FunctionCode implements PDU.
func (WriteMultipleRegistersResponse) FunctionCode() FunctionCode {
	return FunctionWriteMultipleRegisters
}
