package proto

import (
	"testing"

	"holonet/internal/testutil"
)

func FuzzParseRequest(f *testing.F) {
	f.Add([]byte("HLN/0.1 READ /\n\nKEY\n\n\n\n"))
	f.Add([]byte("HLN/0.1 WRITE /x\n\nKEY\n\nA: b\n\nbody"))
	f.Add([]byte("\n\n\n\n\n\n"))
	f.Fuzz(func(t *testing.T, data []byte) {
		testutil.FuzzDecode(t, data, func(data []byte) {
			req, err := ParseRequest(data)
			if err != nil {
				if AsError(err).Status < StatusBadRequest {
					t.Errorf("parse error without error status: %v", err)
				}
				return
			}
			if !req.Method.Valid() || req.Protocol != ProtocolTag {
				t.Errorf("accepted invalid request line: %+v", req.RequestLine)
			}
		})
	})
}

func FuzzParseResponse(f *testing.F) {
	f.Add([]byte("HLN/0.1 200 OK\n\nKEY\n\nContent-Type: text/plain\n\nHello World!"))
	f.Fuzz(func(t *testing.T, data []byte) {
		testutil.FuzzDecode(t, data, func(data []byte) {
			_, _ = ParseResponse(data)
		})
	})
}
