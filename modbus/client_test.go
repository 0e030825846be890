package modbus

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// newPipeClient starts a client whose peer is served by serve. The peer
// connection is closed when serve returns.
func newPipeClient(t *testing.T, serve func(conn net.Conn), opts ...ClientOption) *Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer serverConn.Close()
		serve(serverConn)
	}()
	c, err := NewClient(clientConn, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.Close()
		<-done
	})
	return c
}

// readRequest reads a request frame on the peer side.
func readRequest(t *testing.T, conn net.Conn) (MBAPHeader, []byte) {
	t.Helper()
	adu, err := ReadADU(conn)
	if err != nil {
		t.Errorf("read request: %v", err)
		return MBAPHeader{}, nil
	}
	h, _, _, err := DecodeADU(adu)
	if err != nil {
		t.Errorf("decode request: %v", err)
	}
	return h, adu
}

// writeResponse writes a response frame with the given PDU on the peer side.
func writeResponse(t *testing.T, conn net.Conn, tid uint16, pdu ...byte) {
	t.Helper()
	adu, err := EncodeADU(MBAPHeader{TransactionID: tid, UnitID: UnitTCP}, pdu)
	if err != nil {
		t.Errorf("encode response: %v", err)
		return
	}
	if _, err := conn.Write(adu); err != nil {
		t.Errorf("write response: %v", err)
	}
}

func TestClientReadHoldingRegisters(t *testing.T) {
	c := newPipeClient(t, func(conn net.Conn) {
		_, adu := readRequest(t, conn)
		want := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x06, 0xFF, 0x03, 0x00, 0x00, 0x00, 0x01}
		if diff := cmp.Diff(want, adu); diff != "" {
			t.Errorf("request mismatch (-want +got):\n%s", diff)
		}
		if _, err := conn.Write([]byte{
			0x00, 0x00, 0x00, 0x00, 0x00, 0x05, 0xFF, 0x03, 0x02, 0x12, 0x34,
		}); err != nil {
			t.Error(err)
		}
		io.Copy(io.Discard, conn)
	})
	values, err := c.ReadHoldingRegisters(context.Background(), 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{0x1234}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestClientTimeout(t *testing.T) {
	const timeout = 50 * time.Millisecond
	c := newPipeClient(t, func(conn net.Conn) {
		first, _ := readRequest(t, conn)
		second, _ := readRequest(t, conn)
		if first.TransactionID == second.TransactionID {
			t.Errorf("transaction id %d reused after timeout", first.TransactionID)
		}
		// The late response to the first request must be discarded.
		writeResponse(t, conn, first.TransactionID, 0x03, 0x02, 0xDE, 0xAD)
		writeResponse(t, conn, second.TransactionID, 0x03, 0x02, 0x12, 0x34)
		io.Copy(io.Discard, conn)
	}, WithRequestTimeout(timeout))

	start := time.Now()
	_, err := c.ReadHoldingRegisters(context.Background(), 0, 1)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrRequestTimedOut) {
		t.Fatalf("expected ErrRequestTimedOut, got %v", err)
	}
	if elapsed < timeout || elapsed > 250*time.Millisecond {
		t.Errorf("timed out after %s, expected about %s", elapsed, timeout)
	}

	values, err := c.ReadHoldingRegisters(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("request after timeout: %v", err)
	}
	if diff := cmp.Diff([]uint16{0x1234}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestClientDiscardsUnsolicited(t *testing.T) {
	c := newPipeClient(t, func(conn net.Conn) {
		h, _ := readRequest(t, conn)
		writeResponse(t, conn, h.TransactionID+99, 0x03, 0x02, 0xDE, 0xAD)
		writeResponse(t, conn, h.TransactionID, 0x03, 0x04, 0x12, 0x34, 0x56, 0x78)
		io.Copy(io.Discard, conn)
	})
	values, err := c.ReadHoldingRegisters(context.Background(), 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{0x1234, 0x5678}, values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestClientException(t *testing.T) {
	c := newPipeClient(t, func(conn net.Conn) {
		h, _ := readRequest(t, conn)
		writeResponse(t, conn, h.TransactionID, 0x83, 0x02)
		io.Copy(io.Discard, conn)
	})
	_, err := c.ReadHoldingRegisters(context.Background(), 0xFFFF, 1)
	if !errors.Is(err, ExceptionIllegalDataAddress) {
		t.Fatalf("expected illegal data address, got %v", err)
	}
	var er ExceptionResponse
	if !errors.As(err, &er) || er.FunctionCode() != 0x83 {
		t.Errorf("expected exception response for function 0x83, got %v", err)
	}
}

func TestClientUnexpectedFunction(t *testing.T) {
	c := newPipeClient(t, func(conn net.Conn) {
		h, _ := readRequest(t, conn)
		writeResponse(t, conn, h.TransactionID, 0x10, 0x00, 0x00, 0x00, 0x01)
		io.Copy(io.Discard, conn)
	})
	_, err := c.ReadHoldingRegisters(context.Background(), 0, 1)
	if !errors.Is(err, ErrUnexpectedResponse) {
		t.Errorf("expected ErrUnexpectedResponse, got %v", err)
	}
}

func TestClientFailFast(t *testing.T) {
	received := make(chan uint16)
	release := make(chan struct{})
	c := newPipeClient(t, func(conn net.Conn) {
		h, _ := readRequest(t, conn)
		received <- h.TransactionID
		<-release
		writeResponse(t, conn, h.TransactionID, 0x03, 0x02, 0x00, 0x01)
		io.Copy(io.Discard, conn)
	}, WithBusyPolicy(BusyFailFast))

	errc := make(chan error, 1)
	go func() {
		_, err := c.ReadHoldingRegisters(context.Background(), 0, 1)
		errc <- err
	}()
	<-received
	if _, err := c.ReadHoldingRegisters(context.Background(), 0, 1); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy, got %v", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Errorf("outstanding request failed: %v", err)
	}
}

func TestClientQueue(t *testing.T) {
	const requests = 5
	c := newPipeClient(t, func(conn net.Conn) {
		for i := 0; i < requests; i++ {
			h, _ := readRequest(t, conn)
			writeResponse(t, conn, h.TransactionID, 0x03, 0x02, 0x00, byte(h.TransactionID))
		}
		io.Copy(io.Discard, conn)
	})
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.ReadHoldingRegisters(context.Background(), 0, 1); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}

func TestClientContextCancel(t *testing.T) {
	c := newPipeClient(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.ReadHoldingRegisters(ctx, 0, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if state := c.tm.State(); state != StateIdle {
		t.Errorf("expected idle transaction manager, got %s", state)
	}
}

func TestClientClosed(t *testing.T) {
	c := newPipeClient(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadHoldingRegisters(context.Background(), 0, 1); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestClientFramingError(t *testing.T) {
	c := newPipeClient(t, func(conn net.Conn) {
		h, _ := readRequest(t, conn)
		conn.Write([]byte{byte(h.TransactionID >> 8), byte(h.TransactionID),
			0x00, 0x01, 0x00, 0x05, 0xFF, 0x03, 0x02, 0x12, 0x34})
		io.Copy(io.Discard, conn)
	})
	_, err := c.ReadHoldingRegisters(context.Background(), 0, 1)
	if !errors.Is(err, ErrSessionClosed) || !errors.Is(err, ErrUnexpectedProtocolID) {
		t.Errorf("expected closed session due to protocol identifier, got %v", err)
	}
}

func TestClientOptions(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()
	tests := []struct {
		name string
		opts []ClientOption
	}{
		{"duplicate unit", []ClientOption{WithUnitID(1), WithUnitID(2)}},
		{"invalid unit", []ClientOption{WithUnitID(250)}},
		{"zero timeout", []ClientOption{WithRequestTimeout(0)}},
		{"nil registry", []ClientOption{WithClientRegistry(nil)}},
		{"unknown policy", []ClientOption{WithBusyPolicy(7)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(conn, tt.opts...); err == nil {
				t.Error("expected error")
			}
		})
	}
}
