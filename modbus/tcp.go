package modbus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
)

// defaultTCPAddr is the default listening address for the MBAP protocol.
const defaultTCPAddr = "127.0.0.1:502"

// Listener is a running Modbus/TCP listener.
type Listener interface {
	// Addr returns the local address the listener accepts connections on.
	Addr() net.Addr

	// Close stops accepting connections, ends all sessions and waits for
	// them to finish.
	Close() error
}

// tcpAddress describes a TCP address.
type tcpAddress struct {
	// protocol is the Modbus protocol used (mbap or mbaps).
	protocol string

	// underlying is the underlying TCP address.
	underlying net.Addr
}

// Protocol implements Address.
func (addr *tcpAddress) Protocol() string {
	return addr.protocol
}

// String implements Address.
func (addr *tcpAddress) String() string {
	return fmt.Sprintf("%s://%s", addr.protocol, addr.underlying)
}

// tcpOptions describes options for Modbus/TCP listeners.
type tcpOptions struct {
	// addr is the local address the TCP listener should listen on.
	addr string

	// insecure determines whether the listener is permitted to be insecure.
	insecure bool

	// tlsConfig is the server TLS configuration.
	tlsConfig *tls.Config
}

// Validate performs cursory validation of these TCP options.
// It also fills in default values where appropriate.
func (opt *tcpOptions) Validate() error {
	if opt.tlsConfig == nil && !opt.insecure {
		return errors.New("need WithInsecure() option for insecure operation")
	}
	if opt.addr == "" {
		opt.addr = defaultTCPAddr
	}
	return nil
}

// TCPOption describes an option to be passed to ListenTCP.
type TCPOption func(*tcpOptions) error

// WithListenAddress instructs ListenTCP to use the specified local
// TCP address to listen on.
func WithListenAddress(addr string) TCPOption {
	return func(opt *tcpOptions) error {
		if opt.addr != "" {
			return errors.New("duplicate specification of listen address")
		}
		if addr == "" {
			return errors.New("empty listen address")
		}
		opt.addr = addr
		return nil
	}
}

// WithInsecure instructs ListenTCP to use the insecure mbap protocol.
func WithInsecure() TCPOption {
	return func(opt *tcpOptions) error {
		if opt.tlsConfig != nil {
			return errors.New("cannot use WithInsecure together with TLS config")
		}
		opt.insecure = true
		return nil
	}
}

// WithTLSConfig instructs ListenTCP to use the secure mbaps protocol with the
// given configuration.
func WithTLSConfig(config *tls.Config) TCPOption {
	return func(opt *tcpOptions) error {
		if config == nil {
			return errors.New("nil TLS config")
		}
		if opt.insecure {
			return errors.New("cannot use TLS config together with WithInsecure")
		}
		if opt.tlsConfig != nil {
			return errors.New("WithTLSConfig specified multiple times")
		}
		opt.tlsConfig = config
		return nil
	}
}

// tcpListener describes a Modbus/TCP listener (optionally secure).
type tcpListener struct {
	// underlying is the underlying net.Listener.
	underlying net.Listener

	// srv is the server serving the accepted connections.
	srv *Server

	// activeConns keeps track of the active connections for this listener.
	activeConns sync.WaitGroup

	// ctx is cancelled when this listener is closed.
	ctx context.Context

	// cancel cancels ctx.
	cancel context.CancelFunc

	// closeOnce guards Close.
	closeOnce sync.Once

	// accepting is closed when the accept loop exits.
	accepting chan struct{}
}

// ListenTCP creates a mbap or mbaps TCP listener and serves each accepted
// connection in its own session of the given server.
func ListenTCP(srv *Server, opts ...TCPOption) (Listener, error) {
	if srv == nil {
		return nil, errors.New("nil server")
	}
	localOpts := &tcpOptions{}
	for _, opt := range opts {
		if err := opt(localOpts); err != nil {
			return nil, err
		}
	}
	if err := localOpts.Validate(); err != nil {
		return nil, err
	}
	underlying, err := net.Listen("tcp", localOpts.addr)
	if err != nil {
		return nil, fmt.Errorf("listen on tcp socket '%s': %w", localOpts.addr, err)
	}
	if localOpts.tlsConfig != nil {
		underlying = tls.NewListener(underlying, localOpts.tlsConfig)
	}
	result := &tcpListener{
		underlying: underlying,
		srv:        srv,
		accepting:  make(chan struct{}),
	}
	result.ctx, result.cancel = context.WithCancel(context.Background())
	srv.opts.log.Info().Stringer("addr", underlying.Addr()).Msg("listening")
	go result.handleConnections()
	return result, nil
}

// Addr implements Listener.
func (l *tcpListener) Addr() net.Addr {
	return l.underlying.Addr()
}

// Close closes this listener and waits for its sessions to end.
func (l *tcpListener) Close() error {
	err := errors.New("already closed")
	l.closeOnce.Do(func() {
		err = l.underlying.Close()
		l.cancel()
	})
	<-l.accepting
	l.activeConns.Wait()
	return err
}

// handleConnections handles incoming connections for this listener.
func (l *tcpListener) handleConnections() {
	defer close(l.accepting)
	for {
		conn, err := l.underlying.Accept()
		if err != nil {
			if l.ctx.Err() == nil {
				l.srv.opts.log.Error().Err(err).Msg("accept")
			}
			return
		}
		l.activeConns.Add(1)
		go func() {
			defer l.activeConns.Done()
			l.srv.ServeConn(l.ctx, conn)
		}()
	}
}

// DialTCP connects to a Modbus/TCP server and starts a client session on the
// connection.
func DialTCP(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial '%s': %w", addr, err)
	}
	c, err := NewClient(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}
