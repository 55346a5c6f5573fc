// Package client sends HoloNet requests. Each call opens its own connection.
package client

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"holonet/internal/network"
	"holonet/internal/node"
	"holonet/internal/proto"
)

var (
	// ErrSignerMismatch means a sealed response was signed by a key other
	// than the one the trust store holds for the endpoint.
	ErrSignerMismatch = errors.New("client: response signer does not match server key")
	ErrBootstrap      = errors.New("client: server key bootstrap failed")
	// ErrUnsealedReply means a success status arrived in the clear. Only
	// error replies may skip sealing.
	ErrUnsealedReply = errors.New("client: unsealed reply with success status")
)

type Options struct {
	Transport       string
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	Logger          zerolog.Logger
}

type Client struct {
	self *node.Node
	opts Options
	log  zerolog.Logger
}

func New(self *node.Node, opts Options) *Client {
	return &Client{
		self: self,
		opts: opts,
		log:  opts.Logger.With().Str("component", "client").Logger(),
	}
}

// Response is a decoded server reply.
type Response struct {
	*proto.Response
	// Authenticated is true when the reply was sealed and signed by the
	// expected server key. Error replies are sent in the clear and are not
	// authenticated.
	Authenticated bool
	Signer        string
}

func (c *Client) exchange(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	return network.Exchange(ctx, c.opts.Transport, endpoint, payload, network.ExchangeOptions{
		DialTimeout:     c.opts.DialTimeout,
		ReadTimeout:     c.opts.ReadTimeout,
		WriteTimeout:    c.opts.WriteTimeout,
		MaxMessageBytes: c.opts.MaxMessageBytes,
	})
}

// ServerKey returns the fingerprint for endpoint, fetching the key on first
// contact.
func (c *Client) ServerKey(ctx context.Context, endpoint string) (string, error) {
	return c.self.Trust.Resolve(ctx, endpoint, c.FetchServerKey)
}

// FetchServerKey performs the unauthenticated bootstrap exchange and returns
// the key block the server advertised. Nothing vouches for that key.
func (c *Client) FetchServerKey(ctx context.Context, endpoint string) (string, error) {
	req, err := proto.EncodeRequest(proto.NewRequest(proto.MethodRead, proto.ResourceServerKey, c.self.PublicKeyB64, nil, nil))
	if err != nil {
		return "", err
	}
	raw, err := c.exchange(ctx, endpoint, req)
	if err != nil {
		return "", err
	}
	opened, err := c.self.Adapter.Unwrap(raw, c.self.Identity)
	if err != nil {
		return "", errors.Wrap(ErrBootstrap, err.Error())
	}
	resp, err := proto.ParseResponse(opened.Plaintext)
	if err != nil {
		return "", errors.Wrap(ErrBootstrap, err.Error())
	}
	if resp.Status != proto.StatusOK {
		return "", errors.Wrapf(ErrBootstrap, "%d %s: %s", resp.Status, resp.Keyword, resp.Body)
	}
	var body struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(resp.Body, &body); err == nil && body.Key != "" &&
		strings.TrimSpace(body.Key) != strings.TrimSpace(resp.PublicKey) {
		return "", errors.Wrap(ErrBootstrap, "advertised key differs from envelope key")
	}
	c.log.Warn().Str("endpoint", endpoint).Msg("fetched server key over unauthenticated bootstrap")
	return resp.PublicKey, nil
}

// Send resolves the server key, seals the request for it and returns the
// decoded reply.
func (c *Client) Send(ctx context.Context, endpoint string, method proto.Method, resource string, headers proto.Headers, body []byte) (*Response, error) {
	serverKey, err := c.ServerKey(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	plain, err := proto.EncodeRequest(proto.NewRequest(method, resource, c.self.PublicKeyB64, headers, body))
	if err != nil {
		return nil, err
	}
	sealed, err := c.self.Adapter.Seal(plain, serverKey, c.self.Identity)
	if err != nil {
		return nil, err
	}
	raw, err := c.exchange(ctx, endpoint, sealed)
	if err != nil {
		return nil, err
	}
	opened, err := c.self.Adapter.Unwrap(raw, c.self.Identity)
	if err != nil {
		return nil, err
	}
	if opened.Sealed && !strings.EqualFold(opened.Signer, serverKey) {
		c.log.Error().Str("endpoint", endpoint).Str("expected", serverKey).Str("signer", opened.Signer).
			Msg("response signer mismatch")
		return nil, ErrSignerMismatch
	}
	resp, err := proto.ParseResponse(opened.Plaintext)
	if err != nil {
		return nil, err
	}
	if !opened.Sealed {
		if resp.Status < proto.StatusBadRequest {
			c.log.Error().Str("endpoint", endpoint).Int("status", resp.Status).Msg("unsealed success reply")
			return nil, ErrUnsealedReply
		}
		c.log.Debug().Str("endpoint", endpoint).Int("status", resp.Status).Msg("unauthenticated reply")
	}
	return &Response{Response: resp, Authenticated: opened.Sealed, Signer: opened.Signer}, nil
}
