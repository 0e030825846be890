package modbus

import (
	"fmt"
	"sync"
)

// Codec holds the payload codecs for one function code. Payloads exclude the
// function code byte. A server needs DecodeRequest and EncodeResponse, a
// client needs EncodeRequest and DecodeResponse; unused directions may be nil.
type Codec struct {
	EncodeRequest  func(PDU) ([]byte, error)
	DecodeRequest  func([]byte) (PDU, error)
	EncodeResponse func(PDU) ([]byte, error)
	DecodeResponse func([]byte) (PDU, error)
}

// Registry maps function codes to their codecs. Exception responses are
// handled for all function codes and need no registration.
//
// A Registry is safe for concurrent use.
type Registry struct {
	// mx protects codecs.
	mx sync.RWMutex

	// codecs maps function codes to their codec.
	codecs map[FunctionCode]Codec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		codecs: make(map[FunctionCode]Codec),
	}
}

// DefaultRegistry returns a registry with the codecs for
// FunctionReadHoldingRegisters and FunctionWriteMultipleRegisters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.codecs[FunctionReadHoldingRegisters] = readHoldingRegistersCodec
	r.codecs[FunctionWriteMultipleRegisters] = writeMultipleRegistersCodec
	return r
}

// Register adds the codec for the given function code. Error function codes,
// reserved function codes and function codes already registered are
// rejected.
func (r *Registry) Register(fc FunctionCode, c Codec) error {
	if fc.IsError() {
		return fmt.Errorf("error function code %d not permitted", fc)
	}
	if fc == 0 || fc.IsReserved() {
		return fmt.Errorf("reserved function code %d not permitted", fc)
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.codecs[fc]; ok {
		return fmt.Errorf("codec for function code %d already present", fc)
	}
	r.codecs[fc] = c
	return nil
}

// Unregister removes the codec for the given function code, if any.
func (r *Registry) Unregister(fc FunctionCode) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.codecs, fc)
}

// lookup returns the codec for the given function code.
func (r *Registry) lookup(fc FunctionCode) (Codec, error) {
	r.mx.RLock()
	c, ok := r.codecs[fc]
	r.mx.RUnlock()
	if !ok {
		return Codec{}, fmt.Errorf("%w: %d", ErrUnsupportedFunctionCode, fc)
	}
	return c, nil
}

// EncodeRequest encodes a request PDU, including its function code.
func (r *Registry) EncodeRequest(p PDU) ([]byte, error) {
	fc := p.FunctionCode()
	c, err := r.lookup(fc)
	if err != nil {
		return nil, err
	}
	if c.EncodeRequest == nil {
		return nil, fmt.Errorf("%w: no request encoder for %d",
			ErrUnsupportedFunctionCode, fc)
	}
	return withFunctionCode(fc, c.EncodeRequest, p)
}

// DecodeRequest decodes the payload of a request with the given function
// code.
func (r *Registry) DecodeRequest(fc FunctionCode, payload []byte) (PDU, error) {
	c, err := r.lookup(fc)
	if err != nil {
		return nil, err
	}
	if c.DecodeRequest == nil {
		return nil, fmt.Errorf("%w: no request decoder for %d",
			ErrUnsupportedFunctionCode, fc)
	}
	return c.DecodeRequest(payload)
}

// EncodeResponse encodes a response PDU, including its function code.
func (r *Registry) EncodeResponse(p PDU) ([]byte, error) {
	if e, ok := p.(ExceptionResponse); ok {
		return []byte{byte(e.FunctionCode()), byte(e.Code)}, nil
	}
	fc := p.FunctionCode()
	c, err := r.lookup(fc)
	if err != nil {
		return nil, err
	}
	if c.EncodeResponse == nil {
		return nil, fmt.Errorf("%w: no response encoder for %d",
			ErrUnsupportedFunctionCode, fc)
	}
	return withFunctionCode(fc, c.EncodeResponse, p)
}

// DecodeResponse decodes the payload of a response with the given function
// code. Function codes with the error bit set decode to an
// ExceptionResponse.
func (r *Registry) DecodeResponse(fc FunctionCode, payload []byte) (PDU, error) {
	if fc.IsError() {
		if len(payload) != 1 {
			return nil, fmt.Errorf("%w: exception payload has %d bytes",
				ErrMalformedPDU, len(payload))
		}
		return ExceptionResponse{Function: fc, Code: ExceptionCode(payload[0])}, nil
	}
	c, err := r.lookup(fc)
	if err != nil {
		return nil, err
	}
	if c.DecodeResponse == nil {
		return nil, fmt.Errorf("%w: no response decoder for %d",
			ErrUnsupportedFunctionCode, fc)
	}
	return c.DecodeResponse(payload)
}

// withFunctionCode runs enc and prefixes its output with fc.
func withFunctionCode(
	fc FunctionCode, enc func(PDU) ([]byte, error), p PDU,
) ([]byte, error) {
	payload, err := enc(p)
	if err != nil {
		return nil, err
	}
	pdu := make([]byte, 1+len(payload))
	pdu[0] = byte(fc)
	copy(pdu[1:], payload)
	return pdu, nil
}
