package daemon

import (
	"context"
	"encoding/json"

	"holonet/internal/proto"
)

const (
	welcomeBody    = "Welcome to HoloNet!"
	helloWorldBody = "Hello World!"
	serverKeyNote  = "This is an unsecure exchange. It works, but could theoretically still allow a MITM-attack. " +
		"Instead please retrieve the server key from a trusted root server preprogrammed into your client."
)

// ServerKeyBody is the JSON body of READ /server-key.
type ServerKeyBody struct {
	Message string `json:"message"`
	Key     string `json:"key"`
}

// RegisterBuiltins installs the default resources. serverKey is this
// server's key block.
func RegisterBuiltins(r *Router, serverKey string) {
	r.Handle(proto.MethodRead, "/", func(ctx context.Context, req *Request) (*Reply, error) {
		return OK("text/plain", []byte(welcomeBody)), nil
	})
	r.Handle(proto.MethodRead, "/hello-world", func(ctx context.Context, req *Request) (*Reply, error) {
		return OK("text/plain", []byte(helloWorldBody)), nil
	})
	r.Handle(proto.MethodRead, proto.ResourceServerKey, func(ctx context.Context, req *Request) (*Reply, error) {
		body, err := json.Marshal(ServerKeyBody{Message: serverKeyNote, Key: serverKey})
		if err != nil {
			return nil, proto.Internal(err)
		}
		return OK("text/json", body), nil
	})
}
