package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"strings"

	"github.com/pkg/errors"
)

const (
	keyVersion byte = 1

	boxKeySize = 32
	// PublicKeySize is the length of an encoded public bundle.
	PublicKeySize  = 1 + ed25519.PublicKeySize + boxKeySize
	privateKeySize = 1 + ed25519.SeedSize + boxKeySize

	FingerprintSize = 20

	pemPublicKey  = "HOLONET PUBLIC KEY"
	pemPrivateKey = "HOLONET PRIVATE KEY"
	pemMessage    = "HOLONET MESSAGE"

	labelFingerprint = "holonet:fpr:v1"
)

// PublicKey is a peer identity: a signing key plus a box key.
type PublicKey struct {
	Sign ed25519.PublicKey
	Box  []byte
}

func (p PublicKey) Bytes() []byte {
	out := make([]byte, 0, PublicKeySize)
	out = append(out, keyVersion)
	out = append(out, p.Sign...)
	out = append(out, p.Box...)
	return out
}

func (p PublicKey) fingerprintBytes() []byte {
	return KDF(labelFingerprint, p.Bytes())[:FingerprintSize]
}

// Fingerprint is the key id: 40 upper-case hex characters.
func (p PublicKey) Fingerprint() string {
	return strings.ToUpper(hex.EncodeToString(p.fingerprintBytes()))
}

func (p PublicKey) Equal(o PublicKey) bool {
	return bytes.Equal(p.Bytes(), o.Bytes())
}

// MarshalPEM returns the exportable key material.
func (p PublicKey) MarshalPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:    pemPublicKey,
		Headers: map[string]string{"Fingerprint": p.Fingerprint()},
		Bytes:   p.Bytes(),
	})
}

func ParsePublicKey(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize || b[0] != keyVersion {
		return PublicKey{}, errors.Wrapf(ErrInvalidKey, "public key: %d bytes", len(b))
	}
	sign := make([]byte, ed25519.PublicKeySize)
	copy(sign, b[1:1+ed25519.PublicKeySize])
	box := make([]byte, boxKeySize)
	copy(box, b[1+ed25519.PublicKeySize:])
	if _, err := ecdh.X25519().NewPublicKey(box); err != nil {
		return PublicKey{}, errors.Wrap(ErrInvalidKey, err.Error())
	}
	return PublicKey{Sign: ed25519.PublicKey(sign), Box: box}, nil
}

// ParsePublicKeyPEM decodes exported key material. Trailing data after the
// PEM block is rejected.
func ParsePublicKeyPEM(material []byte) (PublicKey, error) {
	block, rest := pem.Decode(material)
	if block == nil || block.Type != pemPublicKey {
		return PublicKey{}, errors.Wrap(ErrInvalidKey, "no public key block")
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return PublicKey{}, errors.Wrap(ErrInvalidKey, "trailing data after public key block")
	}
	return ParsePublicKey(block.Bytes)
}

// PrivateKey holds both secret halves of an identity.
type PrivateKey struct {
	Public PublicKey
	sign   ed25519.PrivateKey
	box    *ecdh.PrivateKey
}

func (k *PrivateKey) String() string {
	return "PrivateKey{" + k.Public.Fingerprint() + "}"
}

func (k *PrivateKey) GoString() string {
	return "crypto.PrivateKey{REDACTED}"
}

func GenerateKey() (*PrivateKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	box, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newPrivateKey(seed, box), nil
}

func newPrivateKey(seed []byte, box *ecdh.PrivateKey) *PrivateKey {
	sign := ed25519.NewKeyFromSeed(seed)
	return &PrivateKey{
		Public: PublicKey{
			Sign: sign.Public().(ed25519.PublicKey),
			Box:  box.PublicKey().Bytes(),
		},
		sign: sign,
		box:  box,
	}
}

func (k *PrivateKey) bytes() []byte {
	out := make([]byte, 0, privateKeySize)
	out = append(out, keyVersion)
	out = append(out, k.sign.Seed()...)
	out = append(out, k.box.Bytes()...)
	return out
}

func parsePrivateKey(b []byte) (*PrivateKey, error) {
	if len(b) != privateKeySize || b[0] != keyVersion {
		return nil, errors.Wrapf(ErrInvalidKey, "private key: %d bytes", len(b))
	}
	box, err := ecdh.X25519().NewPrivateKey(b[1+ed25519.SeedSize:])
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	return newPrivateKey(b[1:1+ed25519.SeedSize], box), nil
}
