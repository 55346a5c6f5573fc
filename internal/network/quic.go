package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	quic "github.com/quic-go/quic-go"
)

const (
	alpnHoloNet = "holonet-quic"

	quicIdleTimeout      = 30 * time.Second
	quicHandshakeTimeout = 5 * time.Second
	// quicLinger bounds how long a server stream waits for the client to
	// finish reading before the connection is torn down.
	quicLinger = 2 * time.Second

	envDevTLSCAPath = "HOLONET_DEVTLS_CA_PATH"
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a fixed self-signed certificate. QUIC needs TLS; peer
// authentication happens in the message envelope, not here.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("holonet-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnHoloNet},
	}, nil
}

// clientTLSConfig trusts the dev certificate, or the CA in caPath (falling
// back to HOLONET_DEVTLS_CA_PATH) when one is given.
func clientTLSConfig(caPath string) (*tls.Config, error) {
	if caPath == "" {
		caPath = os.Getenv(envDevTLSCAPath)
	}
	pool := x509.NewCertPool()
	if caPath != "" {
		raw, err := os.ReadFile(caPath)
		if err != nil {
			return nil, errors.Wrap(err, "read dev tls ca")
		}
		if !pool.AppendCertsFromPEM(raw) {
			return nil, errors.Errorf("no certificates in %s", caPath)
		}
	} else {
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		NextProtos: []string{alpnHoloNet},
	}, nil
}

// DevTLSCAPEM returns the dev certificate in PEM form, for writing a CA file.
func DevTLSCAPEM() ([]byte, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       quicIdleTimeout,
		HandshakeIdleTimeout: quicHandshakeTimeout,
	}
}

type quicListener struct {
	ln *quic.Listener
}

func listenQUIC(addr string) (*quicListener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "quic listen %s", addr)
	}
	return &quicListener{ln: ln}, nil
}

// Accept returns the first stream of the next connection.
func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return nil, ErrListenerClosed
			}
			return nil, err
		}
		sctx, cancel := context.WithTimeout(ctx, quicHandshakeTimeout)
		stream, err := conn.AcceptStream(sctx)
		cancel()
		if err != nil {
			_ = conn.CloseWithError(0, "no stream")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return &quicConn{conn: conn, stream: stream, server: true}, nil
	}
}

func (l *quicListener) Close() error   { return l.ln.Close() }
func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func dialQUIC(ctx context.Context, addr string) (Conn, error) {
	tlsConf, err := clientTLSConfig("")
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

// quicConn maps one bidirectional stream onto Conn.
type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
	server bool
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

// CloseWrite closes the send direction of the stream.
func (c *quicConn) CloseWrite() error { return c.stream.Close() }

func (c *quicConn) Close() error {
	c.stream.CancelRead(0)
	if c.server {
		// let the client drain the response before tearing down
		select {
		case <-c.conn.Context().Done():
		case <-time.After(quicLinger):
		}
	}
	return c.conn.CloseWithError(0, "")
}

func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }
func (c *quicConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
