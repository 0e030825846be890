package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// defaultRequestTimeout is the default client request timeout.
const defaultRequestTimeout = 5 * time.Second

// BusyPolicy determines what a client does with a request issued while
// another request is outstanding.
type BusyPolicy uint8

// Busy policies.
const (
	// BusyQueue makes the request wait until the session is idle.
	BusyQueue BusyPolicy = iota

	// BusyFailFast makes the request fail with ErrSessionBusy.
	BusyFailFast
)

// ParseBusyPolicy parses "queue" or "fail".
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch s {
	case "queue":
		return BusyQueue, nil
	case "fail":
		return BusyFailFast, nil
	default:
		return 0, fmt.Errorf("unknown busy policy '%s'", s)
	}
}

// clientOptions describes options for Modbus/TCP clients.
type clientOptions struct {
	// unit is the unit identifier put into requests.
	unit *UnitID

	// timeout is the request timeout.
	timeout time.Duration

	// registry holds the PDU codecs.
	registry *Registry

	// busy is the busy policy.
	busy *BusyPolicy

	// log is the client logger.
	log *zerolog.Logger
}

// Validate fills in default values where appropriate.
func (opt *clientOptions) Validate() error {
	if opt.unit == nil {
		unit := UnitTCP
		opt.unit = &unit
	}
	if opt.timeout == 0 {
		opt.timeout = defaultRequestTimeout
	}
	if opt.registry == nil {
		opt.registry = DefaultRegistry()
	}
	if opt.busy == nil {
		busy := BusyQueue
		opt.busy = &busy
	}
	if opt.log == nil {
		log := zerolog.Nop()
		opt.log = &log
	}
	return nil
}

// ClientOption describes an option to be passed to NewClient or DialTCP.
type ClientOption func(*clientOptions) error

// WithUnitID selects the unit identifier put into requests. The default is
// UnitTCP.
func WithUnitID(unit UnitID) ClientOption {
	return func(opt *clientOptions) error {
		if !unit.IsValid() {
			return fmt.Errorf("invalid unit identifier %d", unit)
		}
		if opt.unit != nil {
			return errors.New("WithUnitID specified multiple times")
		}
		opt.unit = &unit
		return nil
	}
}

// WithRequestTimeout selects the time a request waits for its response.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(opt *clientOptions) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", timeout)
		}
		if opt.timeout != 0 {
			return errors.New("WithRequestTimeout specified multiple times")
		}
		opt.timeout = timeout
		return nil
	}
}

// WithClientRegistry selects the PDU codecs of the client. The default is
// DefaultRegistry().
func WithClientRegistry(r *Registry) ClientOption {
	return func(opt *clientOptions) error {
		if r == nil {
			return errors.New("nil registry")
		}
		if opt.registry != nil {
			return errors.New("WithClientRegistry specified multiple times")
		}
		opt.registry = r
		return nil
	}
}

// WithBusyPolicy selects the behaviour for concurrent requests. The default
// is BusyQueue.
func WithBusyPolicy(p BusyPolicy) ClientOption {
	return func(opt *clientOptions) error {
		if p != BusyQueue && p != BusyFailFast {
			return fmt.Errorf("unknown busy policy %d", p)
		}
		if opt.busy != nil {
			return errors.New("WithBusyPolicy specified multiple times")
		}
		opt.busy = &p
		return nil
	}
}

// WithClientLogger selects the client logger. The default discards all
// output.
func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(opt *clientOptions) error {
		if opt.log != nil {
			return errors.New("WithClientLogger specified multiple times")
		}
		opt.log = &log
		return nil
	}
}

// response is a matched response handed from the reader to the waiting
// request.
type response struct {
	// id is the transaction identifier of the response.
	id uint16

	// pdu is the decoded PDU.
	pdu PDU

	// err is the decoding error, if any.
	err error
}

// Client is a Modbus/TCP client session over a single connection. One
// request may be outstanding at a time. A reader goroutine decodes incoming
// frames and hands matching responses to the waiting request; the requesting
// goroutine does all writes.
type Client struct {
	// conn is the underlying connection.
	conn io.ReadWriteCloser

	// unit is the unit identifier put into requests.
	unit UnitID

	// registry holds the PDU codecs.
	registry *Registry

	// tm tracks the outstanding request.
	tm *TransactionManager

	// busy is the busy policy.
	busy BusyPolicy

	// log is the client logger.
	log zerolog.Logger

	// sem is held by the goroutine allowed to send the next request.
	sem chan struct{}

	// responses carries matched responses from the reader.
	responses chan response

	// done is closed when the reader exits.
	done chan struct{}

	// closeOnce guards closing conn.
	closeOnce sync.Once

	// mx protects err.
	mx sync.Mutex

	// err is the error which ended the session.
	err error
}

// NewClient starts a client session on the given connection. The client
// owns the connection and closes it on Close or on a framing error.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) (*Client, error) {
	if conn == nil {
		return nil, errors.New("nil connection")
	}
	localOpts := &clientOptions{}
	for _, opt := range opts {
		if err := opt(localOpts); err != nil {
			return nil, err
		}
	}
	if err := localOpts.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		conn:      conn,
		unit:      *localOpts.unit,
		registry:  localOpts.registry,
		tm:        NewTransactionManager(localOpts.timeout, *localOpts.log),
		busy:      *localOpts.busy,
		log:       *localOpts.log,
		sem:       make(chan struct{}, 1),
		responses: make(chan response, 1),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the session and its connection.
func (c *Client) Close() error {
	err := c.shutdown(ErrSessionClosed)
	<-c.done
	return err
}

// shutdown records the cause of the session end and closes the connection.
func (c *Client) shutdown(cause error) (err error) {
	c.mx.Lock()
	if c.err == nil {
		c.err = cause
	}
	c.mx.Unlock()
	err = errors.New("already closed")
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// closedErr returns the error for requests on an ended session.
func (c *Client) closedErr() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.err == nil || errors.Is(c.err, ErrSessionClosed) {
		return ErrSessionClosed
	}
	return fmt.Errorf("%w: %w", ErrSessionClosed, c.err)
}

// readLoop reads frames until the connection fails. Responses which do not
// match the outstanding request are discarded.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		adu, err := ReadADU(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warn().Err(err).Msg("closing client session")
			}
			c.shutdown(err)
			return
		}
		c.log.Trace().Hex("adu", adu).Msg("rx")
		h, fc, payload, err := DecodeADU(adu)
		if err != nil {
			c.log.Warn().Err(err).Msg("closing client session")
			c.shutdown(err)
			return
		}
		rec, err := c.tm.OnResponse(h)
		if err != nil {
			c.log.Debug().Err(err).Msg("discarding frame")
			continue
		}
		resp := response{id: rec.ID}
		resp.pdu, resp.err = c.registry.DecodeResponse(fc, payload)
		if resp.err == nil && fc.Base() != rec.ExpectedFunction {
			resp.pdu, resp.err = nil, fmt.Errorf("%w: sent %d, got %d",
				ErrUnexpectedResponse, rec.ExpectedFunction, fc)
		}
		c.responses <- resp
	}
}

// acquire waits for the right to send a request.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	if c.busy == BusyFailFast {
		select {
		case c.sem <- struct{}{}:
			return nil
		default:
			return ErrSessionBusy
		}
	}
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

// release returns the right to send a request.
func (c *Client) release() {
	<-c.sem
}

// write writes adu to the connection, bounded by the request timeout if the
// connection supports deadlines.
func (c *Client) write(adu []byte) error {
	if dl, ok := c.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		if err := dl.SetWriteDeadline(time.Now().Add(c.tm.Timeout())); err != nil {
			return err
		}
	}
	c.log.Trace().Hex("adu", adu).Msg("tx")
	_, err := c.conn.Write(adu)
	return err
}

// Request sends a request PDU and waits for the matching response. An
// exception response is returned as an ExceptionResponse PDU, not as an
// error. If no response arrives within the request timeout, Request returns
// ErrRequestTimedOut and the session remains usable.
func (c *Client) Request(ctx context.Context, req PDU) (PDU, error) {
	pdu, err := c.registry.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()
	rec, err := c.tm.Send(req.FunctionCode())
	if err != nil {
		return nil, err
	}
	adu, err := EncodeADU(MBAPHeader{TransactionID: rec.ID, UnitID: c.unit}, pdu)
	if err != nil {
		c.tm.Cancel(rec.ID)
		return nil, err
	}
	if err := c.write(adu); err != nil {
		c.tm.Cancel(rec.ID)
		c.log.Warn().Err(err).Msg("closing client session")
		c.shutdown(err)
		return nil, c.closedErr()
	}
	return c.await(ctx, rec)
}

// await waits for the response to rec.
func (c *Client) await(ctx context.Context, rec TransactionRecord) (PDU, error) {
	timer := time.NewTimer(c.tm.Timeout())
	defer timer.Stop()
	ctxDone := ctx.Done()
	for {
		select {
		case resp := <-c.responses:
			if resp.id != rec.ID {
				continue
			}
			return resp.pdu, resp.err
		case <-timer.C:
			now := c.tm.now()
			if err := c.tm.CheckTimeout(now); err != nil {
				return nil, err
			}
			if _, ok := c.tm.Outstanding(); ok {
				timer.Reset(rec.SentAt.Add(c.tm.Timeout()).Sub(now))
			}
			// Otherwise the response was matched concurrently and is on its way.
		case <-ctxDone:
			if c.tm.Cancel(rec.ID) {
				return nil, ctx.Err()
			}
			ctxDone = nil
		case <-c.done:
			select {
			case resp := <-c.responses:
				if resp.id == rec.ID {
					return resp.pdu, resp.err
				}
			default:
			}
			c.tm.Cancel(rec.ID)
			return nil, c.closedErr()
		}
	}
}

// ReadHoldingRegisters reads quantity holding registers starting at address.
// An exception response is returned as an ExceptionResponse error.
func (c *Client) ReadHoldingRegisters(
	ctx context.Context, address, quantity uint16,
) ([]uint16, error) {
	resp, err := c.Request(ctx, ReadHoldingRegistersRequest{
		Address:  address,
		Quantity: quantity,
	})
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case ReadHoldingRegistersResponse:
		return r.Values, nil
	case ExceptionResponse:
		return nil, r
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResponse, resp)
	}
}

// WriteMultipleRegisters writes values to consecutive holding registers
// starting at address. An exception response is returned as an
// ExceptionResponse error.
func (c *Client) WriteMultipleRegisters(
	ctx context.Context, address uint16, values []uint16,
) error {
	resp, err := c.Request(ctx, WriteMultipleRegistersRequest{
		Address: address,
		Values:  values,
	})
	if err != nil {
		return err
	}
	switch r := resp.(type) {
	case WriteMultipleRegistersResponse:
		if r.Address != address || int(r.Quantity) != len(values) {
			return fmt.Errorf("%w: confirmed %d registers at %d",
				ErrUnexpectedResponse, r.Quantity, r.Address)
		}
		return nil
	case ExceptionResponse:
		return r
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedResponse, resp)
	}
}
