// Package secure wraps a cryptographic engine so that every message leaving
// the process is signed and encrypted, and every inbound message is decrypted
// and verified before the envelope codec sees it.
//
// The one exception is the bootstrap exchange: a peer that does not yet know
// the server key sends READ /server-key in the clear and receives the key in
// the clear. That exchange is unauthenticated. Whoever can intercept the first
// contact can substitute their own key (trust on first use). Distribute server
// keys out of band when that matters.
package secure

import (
	"bytes"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"holonet/internal/proto"
)

// Engine is the capability the adapter needs from a crypto backend.
type Engine interface {
	EncryptAndSign(plaintext []byte, recipientKeyID, senderKeyID, passphrase string) ([]byte, error)
	DecryptAndVerify(ciphertext []byte, selfKeyID, passphrase string) (plaintext []byte, signerKeyID string, err error)
	ImportKey(material []byte) (string, error)
	ExportKey(keyID string) ([]byte, error)
	KeyID(material []byte) (string, error)
}

// Identity is the local signing identity passed into every crypto call.
type Identity struct {
	KeyID      string
	Passphrase string
}

func (i Identity) String() string {
	if i.Passphrase == "" {
		return fmt.Sprintf("Identity{%s}", i.KeyID)
	}
	return fmt.Sprintf("Identity{%s, passphrase=REDACTED}", i.KeyID)
}

func (i Identity) GoString() string { return i.String() }

// Opened is an unwrapped inbound message.
type Opened struct {
	Plaintext []byte
	// Signer is the verified sender key id. Empty for plaintext input.
	Signer string
	// Sealed is false when the input was a plaintext envelope.
	Sealed bool
}

type Adapter struct {
	engine Engine
}

func NewAdapter(engine Engine) *Adapter {
	return &Adapter{engine: engine}
}

// LooksPlaintext reports whether raw already carries the protocol tag.
// Sealed messages are armored and never contain it.
func LooksPlaintext(raw []byte) bool {
	return bytes.Contains(raw, []byte(proto.ProtocolTag))
}

// MessageComplete reports whether raw holds a whole inbound message: a
// plaintext envelope with all four sections, or a full armored block.
// Bytes past the section delimiters of a plaintext envelope are not waited
// for; only the bodiless bootstrap request travels in the clear.
func MessageComplete(raw []byte) bool {
	if LooksPlaintext(raw) {
		return bytes.Count(raw, []byte(proto.SectionDelimiter)) >= 3
	}
	block, _ := pem.Decode(raw)
	return block != nil
}

// Seal signs and encrypts plaintext for recipientKeyID.
func (a *Adapter) Seal(plaintext []byte, recipientKeyID string, id Identity) ([]byte, error) {
	out, err := a.engine.EncryptAndSign(plaintext, recipientKeyID, id.KeyID, id.Passphrase)
	if err != nil {
		return nil, proto.EncryptFailed(err)
	}
	return out, nil
}

// Open decrypts and verifies raw for id.
func (a *Adapter) Open(raw []byte, id Identity) (Opened, error) {
	plain, signer, err := a.engine.DecryptAndVerify(raw, id.KeyID, id.Passphrase)
	if err != nil {
		return Opened{}, proto.DecryptFailed(err)
	}
	return Opened{Plaintext: plain, Signer: signer, Sealed: true}, nil
}

// Unwrap passes plaintext envelopes through and opens everything else.
func (a *Adapter) Unwrap(raw []byte, id Identity) (Opened, error) {
	if LooksPlaintext(raw) {
		return Opened{Plaintext: raw}, nil
	}
	return a.Open(raw, id)
}

// PublicKeyBlock returns id's exported key as a single-line envelope key block.
func (a *Adapter) PublicKeyBlock(id Identity) (string, error) {
	material, err := a.engine.ExportKey(id.KeyID)
	if err != nil {
		return "", err
	}
	return EncodeKeyBlock(material), nil
}

func EncodeKeyBlock(material []byte) string {
	return base64.StdEncoding.EncodeToString(material)
}

// DecodeKeyBlock reverses EncodeKeyBlock.
func DecodeKeyBlock(block string) ([]byte, error) {
	block = strings.TrimSpace(block)
	if block == "" {
		return nil, errors.New("secure: empty key block")
	}
	material, err := base64.StdEncoding.DecodeString(block)
	if err != nil {
		return nil, errors.Wrap(err, "secure: decode key block")
	}
	return material, nil
}
