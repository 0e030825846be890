package modbus

// Address is the transport address of one end of a session, as seen by an
// OperateFunc.
type Address interface {
	// Protocol returns "mbap" for plain TCP or "mbaps" for TLS.
	Protocol() string

	// String returns the address as protocol://host:port.
	String() string
}

// Frame is the unit of exchange on a Modbus/TCP connection: an MBAP header
// and the PDU it carries.
type Frame struct {
	Header MBAPHeader
	PDU    PDU
}

// Request describes a decoded request and its provenance, as handed to an
// OperateFunc.
type Request struct {
	Frame

	// From and To are the low-level addresses of the client and the server,
	// respectively.
	From, To Address
}
