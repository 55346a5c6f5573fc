package daemon

import (
	"context"
	"sync"

	"holonet/internal/proto"
)

// Request is a decoded request plus what the dispatcher learned about its
// sender.
type Request struct {
	*proto.Request
	// Signer is the verified fingerprint of the sender. For the plaintext
	// bootstrap request it is the fingerprint of the advertised key block,
	// which nothing has verified.
	Signer string
	Sealed bool
	ConnID string
	Remote string
}

// Reply is what a handler returns. The dispatcher adds the server key block
// and encrypts it for the requester.
type Reply struct {
	Status  int
	Keyword string
	Headers proto.Headers
	Body    []byte
}

// OK is a 200 reply with a Content-Type header.
func OK(contentType string, body []byte) *Reply {
	r := &Reply{Status: proto.StatusOK, Keyword: proto.KeywordOK, Body: body}
	if contentType != "" {
		r.Headers.Set("Content-Type", contentType)
	}
	return r
}

type Handler func(ctx context.Context, req *Request) (*Reply, error)

type routeKey struct {
	method   proto.Method
	resource string
}

// Router maps (method, resource) to handlers. Lookups are exact.
type Router struct {
	mu     sync.RWMutex
	routes map[routeKey]Handler
}

func NewRouter() *Router {
	return &Router{routes: make(map[routeKey]Handler)}
}

// Handle registers h, replacing any handler for the same route.
func (r *Router) Handle(method proto.Method, resource string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey{method: method, resource: resource}] = h
}

// Route runs the handler for req. Unknown routes are ROUTE_NOT_FOUND.
func (r *Router) Route(ctx context.Context, req *Request) (*Reply, error) {
	r.mu.RLock()
	h, ok := r.routes[routeKey{method: req.Method, resource: req.Resource}]
	r.mu.RUnlock()
	if !ok {
		return nil, proto.RouteNotFound()
	}
	reply, err := h(ctx, req)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, proto.Internal(errNilReply)
	}
	return reply, nil
}
