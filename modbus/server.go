package modbus

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
)

const (
	// defaultIdleTimeout is the default time a server connection may go without
	// a request.
	// Since we allow multiple parallel connections, i. e., a crashed client can
	// reconnect immediately after a restart, the considerations in § 4.2.2.3 of
	// the Modbus TCP/IP messaging implementation guide do not apply and we can
	// afford a long timeout.
	defaultIdleTimeout = 75 * time.Second

	// defaultFrameGrace is the default time the rest of a frame may take to
	// arrive after its first byte.
	defaultFrameGrace = 5 * time.Second

	// defaultProcessingTimeout is the default time an OperateFunc may take.
	defaultProcessingTimeout = 10 * time.Second

	// writeTimeout is the time a response may take to be sent. It starts
	// after processing, so a late exception response can still be written.
	writeTimeout = 5 * time.Second
)

// serverOptions describes options for Modbus/TCP servers.
type serverOptions struct {
	// registry holds the PDU codecs.
	registry *Registry

	// operate executes requests.
	operate OperateFunc

	// shared is the store shared by all sessions, if any.
	shared *Store

	// newStore creates a store per session.
	newStore func() (*Store, error)

	// idleTimeout, frameGrace and processingTimeout are the server timeouts.
	idleTimeout, frameGrace, processingTimeout time.Duration

	// log is the server logger.
	log *zerolog.Logger
}

// Validate fills in default values where appropriate.
func (opt *serverOptions) Validate() error {
	if opt.shared != nil && opt.newStore != nil {
		return errors.New("cannot use WithSharedStore together with WithStoreFactory")
	}
	if opt.registry == nil {
		opt.registry = DefaultRegistry()
	}
	if opt.operate == nil {
		opt.operate = StoreOperate
	}
	if opt.shared == nil && opt.newStore == nil {
		opt.newStore = func() (*Store, error) {
			return NewStore(RegisterRange{Len: addressSpace})
		}
	}
	if opt.idleTimeout == 0 {
		opt.idleTimeout = defaultIdleTimeout
	}
	if opt.frameGrace == 0 {
		opt.frameGrace = defaultFrameGrace
	}
	if opt.processingTimeout == 0 {
		opt.processingTimeout = defaultProcessingTimeout
	}
	if opt.log == nil {
		log := zerolog.Nop()
		opt.log = &log
	}
	return nil
}

// ServerOption describes an option to be passed to NewServer.
type ServerOption func(*serverOptions) error

// WithServerRegistry selects the PDU codecs of the server. Requests with
// function codes not in the registry are answered with
// ExceptionIllegalFunction. The default is DefaultRegistry().
func WithServerRegistry(r *Registry) ServerOption {
	return func(opt *serverOptions) error {
		if r == nil {
			return errors.New("nil registry")
		}
		if opt.registry != nil {
			return errors.New("WithServerRegistry specified multiple times")
		}
		opt.registry = r
		return nil
	}
}

// WithOperate selects the function executing decoded requests. The default
// is StoreOperate.
func WithOperate(f OperateFunc) ServerOption {
	return func(opt *serverOptions) error {
		if f == nil {
			return errors.New("nil operate function")
		}
		if opt.operate != nil {
			return errors.New("WithOperate specified multiple times")
		}
		opt.operate = f
		return nil
	}
}

// WithSharedStore makes all sessions of the server operate on the same
// store.
func WithSharedStore(s *Store) ServerOption {
	return func(opt *serverOptions) error {
		if s == nil {
			return errors.New("nil store")
		}
		if opt.shared != nil {
			return errors.New("WithSharedStore specified multiple times")
		}
		opt.shared = s
		return nil
	}
}

// WithStoreFactory selects the function creating the store of each session.
// By default, each session gets a store covering the whole address space.
func WithStoreFactory(f func() (*Store, error)) ServerOption {
	return func(opt *serverOptions) error {
		if f == nil {
			return errors.New("nil store factory")
		}
		if opt.newStore != nil {
			return errors.New("WithStoreFactory specified multiple times")
		}
		opt.newStore = f
		return nil
	}
}

// durationOption returns an option setting a positive duration once.
func durationOption(
	name string, d time.Duration, dst func(*serverOptions) *time.Duration,
) ServerOption {
	return func(opt *serverOptions) error {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
		p := dst(opt)
		if *p != 0 {
			return fmt.Errorf("%s specified multiple times", name)
		}
		*p = d
		return nil
	}
}

// WithIdleTimeout selects the time after which a connection without requests
// is closed.
func WithIdleTimeout(d time.Duration) ServerOption {
	return durationOption("idle timeout", d, func(opt *serverOptions) *time.Duration {
		return &opt.idleTimeout
	})
}

// WithFrameGrace selects the time the rest of a frame may take to arrive
// after its first byte. If it is exceeded, the connection is closed with
// ErrTruncatedFrame.
func WithFrameGrace(d time.Duration) ServerOption {
	return durationOption("frame grace", d, func(opt *serverOptions) *time.Duration {
		return &opt.frameGrace
	})
}

// WithProcessingTimeout limits the processing time of a request. If it is
// exceeded, ExceptionServerDeviceBusy is sent back to the client.
func WithProcessingTimeout(d time.Duration) ServerOption {
	return durationOption("processing timeout", d, func(opt *serverOptions) *time.Duration {
		return &opt.processingTimeout
	})
}

// WithLogger selects the server logger. The default discards all output.
func WithLogger(log zerolog.Logger) ServerOption {
	return func(opt *serverOptions) error {
		if opt.log != nil {
			return errors.New("WithLogger specified multiple times")
		}
		opt.log = &log
		return nil
	}
}

// Server describes a Modbus/TCP server. It serves each connection in its own
// session.
type Server struct {
	opts serverOptions
}

// NewServer returns a new server.
func NewServer(opts ...ServerOption) (*Server, error) {
	localOpts := serverOptions{}
	for _, opt := range opts {
		if err := opt(&localOpts); err != nil {
			return nil, err
		}
	}
	if err := localOpts.Validate(); err != nil {
		return nil, err
	}
	return &Server{opts: localOpts}, nil
}

// session is the state of one served connection.
type session struct {
	// conn is the served connection.
	conn net.Conn

	// store is the register store of this session.
	store *Store

	// from and to are the addresses of client and server.
	from, to Address

	// log is the session logger.
	log zerolog.Logger
}

// ServeConn serves requests on conn until the client disconnects, a framing
// error occurs, the connection is idle for too long, or ctx is done. It
// closes conn before returning. A clean disconnect between frames yields a
// nil error.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	store := s.opts.shared
	if store == nil {
		var err error
		if store, err = s.opts.newStore(); err != nil {
			return fmt.Errorf("create store: %w", err)
		}
	}
	protocol := "mbap"
	if _, ok := conn.(*tls.Conn); ok {
		protocol = "mbaps"
	}
	sess := &session{
		conn:  conn,
		store: store,
		from:  &tcpAddress{protocol: protocol, underlying: conn.RemoteAddr()},
		to:    &tcpAddress{protocol: protocol, underlying: conn.LocalAddr()},
	}
	sess.log = s.opts.log.With().Stringer("remote", sess.from).Logger()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	sess.log.Info().Msg("session started")
	err := s.serveRequests(ctx, sess)
	if ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		sess.log.Warn().Err(err).Msg("session closed")
	} else {
		sess.log.Info().Msg("session closed")
	}
	return err
}

// serveRequests serves incoming requests of the given session.
func (s *Server) serveRequests(ctx context.Context, sess *session) error {
	conn := sess.conn
	r := bufio.NewReaderSize(conn, 320)
	w := bufio.NewWriterSize(conn, 320)
	startFrame := func() error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.frameGrace))
	}
	for {
		// Read request
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.idleTimeout)); err != nil {
			if isClosed(err) {
				// Closed between frames.
				return nil
			}
			return err
		}
		adu, err := readADU(r, maxPDULen, startFrame)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		sess.log.Trace().Hex("adu", adu).Msg("rx")
		h, fc, payload, err := DecodeADU(adu)
		if err != nil {
			return err
		}
		// Process request
		deadline := time.Now().Add(s.opts.processingTimeout)
		resp, answer := s.handleRequest(ctx, sess, h, fc, payload, deadline)
		if !answer {
			continue
		}
		out, err := s.opts.registry.EncodeResponse(resp)
		if err != nil {
			sess.log.Error().Err(err).Msg("encode response")
			out, _ = s.opts.registry.EncodeResponse(
				NewExceptionResponse(fc, ExceptionServerDeviceFailure))
		}
		// The response is correlated with the request solely by the echoed
		// transaction identifier.
		adu, err = EncodeADU(MBAPHeader{
			TransactionID: h.TransactionID,
			UnitID:        h.UnitID,
		}, out)
		if err != nil {
			return err
		}
		// Send response
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}
		sess.log.Trace().Hex("adu", adu).Msg("tx")
		if _, err := w.Write(adu); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

// handleRequest decodes and executes one request. Errors are turned into
// exception responses. If answer is false, no response is sent.
func (s *Server) handleRequest(
	ctx context.Context, sess *session,
	h MBAPHeader, fc FunctionCode, payload []byte, deadline time.Time,
) (resp PDU, answer bool) {
	pdu, err := s.opts.registry.DecodeRequest(fc, payload)
	if err != nil {
		sess.log.Debug().Err(err).Stringer("function", fc).Msg("bad request")
		return NewExceptionResponse(fc, ExceptionFor(err)), true
	}
	req := &Request{
		Frame: Frame{Header: h, PDU: pdu},
		From:  sess.from,
		To:    sess.to,
	}
	resp, answer, err = s.process(ctx, sess.store, req, deadline)
	if err != nil {
		sess.log.Debug().Err(err).Stringer("function", fc).Msg("request failed")
		return NewExceptionResponse(fc, ExceptionFor(err)), true
	}
	return resp, answer
}

// process runs the OperateFunc on req. It gives up waiting for an answer
// once the given deadline is exceeded. A nil PDU without error means the
// request is not answered.
func (s *Server) process(
	ctx context.Context, store *Store, req *Request, deadline time.Time,
) (resp PDU, answer bool, err error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	type result struct {
		resp PDU
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.opts.operate(ctx, store, req)
		done <- result{resp: resp, err: err}
	}()
	select {
	case res := <-done:
		return res.resp, res.resp != nil || res.err != nil, res.err
	case <-ctx.Done():
		return nil, true, ExceptionServerDeviceBusy
	}
}

// isClosed reports whether err stems from a connection closed by either end.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
