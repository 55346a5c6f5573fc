// Package network carries HoloNet envelopes over a reliable byte stream.
//
// Every connection carries exactly one message in each direction. The
// sender half-closes after writing. Servers also accept peers that never
// half-close: a request ends once its bytes form a complete message.
package network

import (
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"

	DefaultMaxMessageBytes = 64 << 10
	readChunk              = 4 << 10
	drainLimit             = 1 << 20
	drainWait              = 500 * time.Millisecond
)

var (
	ErrMessageTooLarge  = errors.New("network: message exceeds size limit")
	ErrUnknownTransport = errors.New("network: unknown transport")
	ErrListenerClosed   = errors.New("network: listener closed")
)

// Conn is one accepted or dialed stream.
type Conn interface {
	io.Reader
	io.Writer
	// CloseWrite signals end of message to the peer. Reads stay open.
	CloseWrite() error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// Listen opens a listener for transport on addr.
func Listen(transport, addr string) (Listener, error) {
	switch normalize(transport) {
	case TransportTCP:
		return listenTCP(addr)
	case TransportQUIC:
		return listenQUIC(addr)
	default:
		return nil, errors.Wrap(ErrUnknownTransport, transport)
	}
}

// Dial opens a fresh connection to addr.
func Dial(ctx context.Context, transport, addr string) (Conn, error) {
	switch normalize(transport) {
	case TransportTCP:
		return dialTCP(ctx, addr)
	case TransportQUIC:
		return dialQUIC(ctx, addr)
	default:
		return nil, errors.Wrap(ErrUnknownTransport, transport)
	}
}

func ValidTransport(transport string) bool {
	switch normalize(transport) {
	case TransportTCP, TransportQUIC:
		return true
	}
	return false
}

func normalize(transport string) string {
	t := strings.ToLower(strings.TrimSpace(transport))
	if t == "" {
		return TransportTCP
	}
	return t
}

// ReadMessage reads until EOF. Input longer than max is rejected with
// ErrMessageTooLarge. A zero timeout means no deadline.
func ReadMessage(c Conn, max int64, timeout time.Duration) ([]byte, error) {
	return readMessage(c, max, timeout, nil)
}

// Complete reports whether buf already holds a whole message.
type Complete func(buf []byte) bool

// ReadRequest reads one inbound message from a peer that may or may not
// half-close. It returns at EOF, as soon as complete accepts the bytes read
// so far, or when the deadline fires after some bytes arrived.
func ReadRequest(c Conn, max int64, timeout time.Duration, complete Complete) ([]byte, error) {
	return readMessage(c, max, timeout, complete)
}

func readMessage(c Conn, max int64, timeout time.Duration, complete Complete) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxMessageBytes
	}
	if timeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(timeout))
		defer c.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)
	for {
		n, err := c.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if int64(len(buf)) > max {
			Drain(c, drainWait)
			return buf[:max], ErrMessageTooLarge
		}
		if n > 0 && complete != nil && complete(buf) {
			return buf, nil
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return buf, nil
		case complete != nil && len(buf) > 0 && isTimeout(err):
			return buf, nil
		default:
			return buf, errors.Wrap(err, "read message")
		}
	}
}

// Drain discards up to drainLimit pending bytes for at most wait, so that a
// following Close does not reset the connection before the peer reads the
// reply.
func Drain(c Conn, wait time.Duration) {
	_ = c.SetReadDeadline(time.Now().Add(wait))
	_, _ = io.Copy(io.Discard, io.LimitReader(c, drainLimit))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// WriteMessage writes data and half-closes the connection.
func WriteMessage(c Conn, data []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(timeout))
		defer c.SetWriteDeadline(time.Time{})
	}
	if _, err := c.Write(data); err != nil {
		return errors.Wrap(err, "write message")
	}
	return errors.Wrap(c.CloseWrite(), "close write")
}

// Exchange writes req on a fresh connection and returns the reply.
func Exchange(ctx context.Context, transport, addr string, req []byte, opts ExchangeOptions) ([]byte, error) {
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	c, err := Dial(ctx, transport, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	defer c.Close()
	stop := closeOnDone(ctx, c)
	defer stop()

	if err := WriteMessage(c, req, opts.WriteTimeout); err != nil {
		return nil, err
	}
	return ReadMessage(c, opts.MaxMessageBytes, opts.ReadTimeout)
}

type ExchangeOptions struct {
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

// closeOnDone closes c when ctx ends before stop is called.
func closeOnDone(ctx context.Context, c Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// HostOf returns the IP part of addr, or addr itself when it has no port.
func HostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
