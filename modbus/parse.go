package modbus

import (
	"encoding/binary"
	"fmt"
)

const (
	// maxReadWords is the maximum number of words which can be read in a single
	// ReadHoldingRegisters request.
	maxReadWords = 125

	// maxWriteWords is the maximum number of words which can be written in a
	// single WriteMultipleRegisters request.
	maxWriteWords = 123
)

// readHoldingRegistersCodec is the codec for FunctionReadHoldingRegisters.
var readHoldingRegistersCodec = Codec{
	EncodeRequest:  encodeReadHoldingRegistersRequest,
	DecodeRequest:  decodeReadHoldingRegistersRequest,
	EncodeResponse: encodeReadHoldingRegistersResponse,
	DecodeResponse: decodeReadHoldingRegistersResponse,
}

// writeMultipleRegistersCodec is the codec for
// FunctionWriteMultipleRegisters.
var writeMultipleRegistersCodec = Codec{
	EncodeRequest:  encodeWriteMultipleRegistersRequest,
	DecodeRequest:  decodeWriteMultipleRegistersRequest,
	EncodeResponse: encodeWriteMultipleRegistersResponse,
	DecodeResponse: decodeWriteMultipleRegistersResponse,
}

// checkQuantity checks a register quantity against its maximum.
func checkQuantity(n, maxNumValues int) error {
	if n <= 0 || n > maxNumValues {
		return fmt.Errorf("%w: %d not in [1,%d]", ErrInvalidQuantity, n, maxNumValues)
	}
	return nil
}

// checkRange checks a register quantity against its maximum and the address
// space. Only the receiving side checks the address space: a request beyond
// it is still sent, and the server answers with an exception.
func checkRange(start uint16, n, maxNumValues int) error {
	if err := checkQuantity(n, maxNumValues); err != nil {
		return err
	}
	if int(start)+n > 1<<16 {
		return fmt.Errorf("%w: %d registers from %d exceed address space",
			ErrIllegalDataAddress, n, start)
	}
	return nil
}

// parseReadRequest parses a Modbus read request with the common 4-byte
// structure (2 bytes start address, 2 bytes number of values to read).
func parseReadRequest(data []byte, maxNumValues int) (
	start uint16, n int, err error,
) {
	if len(data) != 4 {
		return 0, 0, fmt.Errorf("%w: read request payload has %d bytes",
			ErrMalformedPDU, len(data))
	}
	start = binary.BigEndian.Uint16(data[0:2])
	n = int(binary.BigEndian.Uint16(data[2:4]))
	if err := checkRange(start, n, maxNumValues); err != nil {
		return 0, 0, err
	}
	return
}

// parseWordValues decodes a byte count followed by big endian words. The byte
// count must describe the rest of data exactly.
func parseWordValues(data []byte, maxNumValues int) ([]uint16, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: missing byte count", ErrMalformedPDU)
	}
	numBytes := int(data[0])
	data = data[1:]
	switch {
	case numBytes%2 != 0:
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedPDU, numBytes)
	case numBytes > 2*maxNumValues:
		return nil, fmt.Errorf("%w: byte count %d exceeds %d",
			ErrMalformedPDU, numBytes, 2*maxNumValues)
	case numBytes != len(data):
		return nil, fmt.Errorf("%w: byte count %d, have %d bytes",
			ErrMalformedPDU, numBytes, len(data))
	}
	values := make([]uint16, numBytes/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return values, nil
}

// appendWordValues appends a byte count and the given words in big endian.
func appendWordValues(dst []byte, values []uint16) []byte {
	dst = append(dst, byte(2*len(values)))
	for _, v := range values {
		dst = binary.BigEndian.AppendUint16(dst, v)
	}
	return dst
}

func encodeReadHoldingRegistersRequest(p PDU) ([]byte, error) {
	req, ok := p.(ReadHoldingRegistersRequest)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a read holding registers request",
			ErrMalformedPDU, p)
	}
	if err := checkQuantity(int(req.Quantity), maxReadWords); err != nil {
		return nil, err
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], req.Address)
	binary.BigEndian.PutUint16(data[2:4], req.Quantity)
	return data, nil
}

func decodeReadHoldingRegistersRequest(data []byte) (PDU, error) {
	start, n, err := parseReadRequest(data, maxReadWords)
	if err != nil {
		return nil, err
	}
	return ReadHoldingRegistersRequest{Address: start, Quantity: uint16(n)}, nil
}

func encodeReadHoldingRegistersResponse(p PDU) ([]byte, error) {
	resp, ok := p.(ReadHoldingRegistersResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a read holding registers response",
			ErrMalformedPDU, p)
	}
	if len(resp.Values) > maxReadWords {
		return nil, fmt.Errorf("%w: %d values exceed %d",
			ErrInvalidQuantity, len(resp.Values), maxReadWords)
	}
	return appendWordValues(make([]byte, 0, 1+2*len(resp.Values)), resp.Values), nil
}

func decodeReadHoldingRegistersResponse(data []byte) (PDU, error) {
	values, err := parseWordValues(data, maxReadWords)
	if err != nil {
		return nil, err
	}
	return ReadHoldingRegistersResponse{Values: values}, nil
}

func encodeWriteMultipleRegistersRequest(p PDU) ([]byte, error) {
	req, ok := p.(WriteMultipleRegistersRequest)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a write multiple registers request",
			ErrMalformedPDU, p)
	}
	if err := checkQuantity(len(req.Values), maxWriteWords); err != nil {
		return nil, err
	}
	data := make([]byte, 4, 5+2*len(req.Values))
	binary.BigEndian.PutUint16(data[0:2], req.Address)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(req.Values)))
	return appendWordValues(data, req.Values), nil
}

// decodeWriteMultipleRegistersRequest parses a Modbus WriteMultipleRegisters
// request: start address, number of registers, byte count, and the values.
func decodeWriteMultipleRegistersRequest(data []byte) (PDU, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: write request payload has %d bytes",
			ErrMalformedPDU, len(data))
	}
	start := binary.BigEndian.Uint16(data[0:2])
	n := int(binary.BigEndian.Uint16(data[2:4]))
	if err := checkRange(start, n, maxWriteWords); err != nil {
		return nil, err
	}
	values, err := parseWordValues(data[4:], maxWriteWords)
	if err != nil {
		return nil, err
	}
	if len(values) != n {
		return nil, fmt.Errorf("%w: quantity %d but %d values",
			ErrMalformedPDU, n, len(values))
	}
	return WriteMultipleRegistersRequest{Address: start, Values: values}, nil
}

func encodeWriteMultipleRegistersResponse(p PDU) ([]byte, error) {
	resp, ok := p.(WriteMultipleRegistersResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a write multiple registers response",
			ErrMalformedPDU, p)
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], resp.Address)
	binary.BigEndian.PutUint16(data[2:4], resp.Quantity)
	return data, nil
}

func decodeWriteMultipleRegistersResponse(data []byte) (PDU, error) {
	if len(data) != 4 {
		return nil, fmt.Errorf("%w: write response payload has %d bytes",
			ErrMalformedPDU, len(data))
	}
	return WriteMultipleRegistersResponse{
		Address:  binary.BigEndian.Uint16(data[0:2]),
		Quantity: binary.BigEndian.Uint16(data[2:4]),
	}, nil
}
