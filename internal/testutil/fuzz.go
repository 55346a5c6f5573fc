package testutil

import (
	"testing"
	"time"

	"holonet/internal/network"
)

const (
	// MaxFuzzInput is the largest message a server reads off the wire.
	MaxFuzzInput    = int(network.DefaultMaxMessageBytes)
	FuzzCaseTimeout = 250 * time.Millisecond
)

// FuzzDecode runs decode on data cut to MaxFuzzInput and fails t when a
// single case runs past FuzzCaseTimeout.
func FuzzDecode(t testing.TB, data []byte, decode func([]byte)) {
	t.Helper()
	if len(data) > MaxFuzzInput {
		data = data[:MaxFuzzInput]
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		decode(data)
	}()
	timer := time.NewTimer(FuzzCaseTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("decode of %d bytes still running after %s", len(data), FuzzCaseTimeout)
	}
}
