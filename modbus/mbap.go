package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// mbapLen is the length of the MBAP header, in bytes.
	mbapLen = 7

	// minPDULen is the minimum PDU length, in bytes.
	minPDULen = 1

	// maxPDULen is the maximum PDU length, in bytes, accepted from a stream.
	maxPDULen = 253

	// maxEncodablePDULen is the largest PDU whose length still fits into the
	// MBAP length field (which also counts the unit identifier).
	maxEncodablePDULen = math.MaxUint16 - 1
)

// UnitID is the unit identifier of an MBAP header. Over TCP it selects a
// sub-device behind a gateway and is carried through encode and decode
// unmodified.
type UnitID uint8

const (
	// UnitIndividualMax is the largest unit identifier addressing an
	// individual serial device behind a gateway.
	UnitIndividualMax UnitID = 247

	// UnitTCP addresses the Modbus/TCP device itself.
	UnitTCP UnitID = 255
)

// IsValid reports whether this unit identifier may be used in a request:
// zero (broadcast), a serial device, or UnitTCP.
func (uid UnitID) IsValid() bool {
	return uid == UnitTCP || uid <= UnitIndividualMax
}

// MBAPHeader is the Modbus application protocol header preceding each PDU on
// a TCP stream.
type MBAPHeader struct {
	// TransactionID correlates a response with its request.
	TransactionID uint16

	// ProtocolID is zero for Modbus.
	ProtocolID uint16

	// Length is the number of bytes following the length field, i. e., the
	// unit identifier and the PDU.
	Length uint16

	// UnitID is the unit identifier.
	UnitID UnitID
}

// PDULen returns the PDU length declared by this header.
func (h MBAPHeader) PDULen() int {
	return int(h.Length) - 1
}

// mbap is the wire form of the MBAP header.
type mbap [mbapLen]byte

// header decodes this MBAP.
func (m *mbap) header() MBAPHeader {
	return MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(m[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(m[2:4]),
		Length:        binary.BigEndian.Uint16(m[4:6]),
		UnitID:        UnitID(m[6]),
	}
}

// Validate validates this MBAP. The declared PDU length must not exceed
// maxLen.
func (m *mbap) Validate(maxLen int) error {
	h := m.header()
	if h.ProtocolID != 0 {
		return fmt.Errorf("%w: %d", ErrUnexpectedProtocolID, h.ProtocolID)
	}
	if n := h.PDULen(); n < minPDULen || n > maxLen {
		return fmt.Errorf("%w: declared PDU length %d", ErrMalformedFrame, n)
	}
	return nil
}

// EncodeADU serializes an MBAP header followed by the given PDU (function
// code and payload). The length field is computed from the PDU; the Length
// field of h is ignored.
func EncodeADU(h MBAPHeader, pdu []byte) ([]byte, error) {
	if len(pdu) < minPDULen {
		return nil, fmt.Errorf("%w: empty PDU", ErrMalformedPDU)
	}
	if len(pdu) > maxEncodablePDULen {
		return nil, fmt.Errorf("%w: PDU length %d", ErrEncodingOverflow, len(pdu))
	}
	adu := make([]byte, mbapLen+len(pdu))
	binary.BigEndian.PutUint16(adu[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(adu[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(adu[4:6], uint16(len(pdu)+1))
	adu[6] = byte(h.UnitID)
	copy(adu[mbapLen:], pdu)
	return adu, nil
}

// DecodeADU decodes a complete ADU. It returns the header, the function code
// and a view of the remaining payload. The declared length must match the
// buffer exactly.
func DecodeADU(adu []byte) (MBAPHeader, FunctionCode, []byte, error) {
	if len(adu) < mbapLen {
		return MBAPHeader{}, 0, nil, fmt.Errorf(
			"%w: %d header bytes", ErrTruncatedFrame, len(adu))
	}
	var m mbap
	copy(m[:], adu)
	h := m.header()
	if h.ProtocolID != 0 {
		return h, 0, nil, fmt.Errorf("%w: %d", ErrUnexpectedProtocolID, h.ProtocolID)
	}
	if h.PDULen() < minPDULen {
		return h, 0, nil, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, h.Length)
	}
	available := len(adu) - mbapLen
	switch {
	case h.PDULen() > available:
		return h, 0, nil, fmt.Errorf("%w: declared PDU length %d, have %d bytes",
			ErrTruncatedFrame, h.PDULen(), available)
	case h.PDULen() < available:
		return h, 0, nil, fmt.Errorf("%w: declared PDU length %d, have %d bytes",
			ErrMalformedFrame, h.PDULen(), available)
	}
	return h, FunctionCode(adu[mbapLen]), adu[mbapLen+1:], nil
}

// ReadADU reads one complete ADU from r, accumulating partial reads until the
// declared length is available. It returns io.EOF if the stream ends cleanly
// before the first byte of a frame.
func ReadADU(r io.Reader) ([]byte, error) {
	return readADU(r, maxPDULen, nil)
}

// readADU reads one complete ADU from r. If started is not nil, it is called
// once the first byte of the frame has arrived.
func readADU(r io.Reader, maxLen int, started func() error) ([]byte, error) {
	var m mbap
	if _, err := io.ReadFull(r, m[:1]); err != nil {
		return nil, err
	}
	if started != nil {
		if err := started(); err != nil {
			return nil, err
		}
	}
	if _, err := io.ReadFull(r, m[1:]); err != nil {
		return nil, truncated(err)
	}
	if err := m.Validate(maxLen); err != nil {
		return nil, err
	}
	adu := make([]byte, mbapLen+m.header().PDULen())
	copy(adu, m[:])
	if _, err := io.ReadFull(r, adu[mbapLen:]); err != nil {
		return nil, truncated(err)
	}
	return adu, nil
}

// truncated converts an error in the middle of a frame into ErrTruncatedFrame.
func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncatedFrame
	}
	return fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
}
