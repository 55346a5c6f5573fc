// Package crypto is the HoloNet cryptographic engine.
//
// Suite: Ed25519 signatures, ephemeral X25519 agreement, XChaCha20-Poly1305
// sealing, SHA3-256 for fingerprints and key derivation, Argon2id for
// passphrase-locked private keys. Key material and sealed messages travel as
// PEM armor so they stay printable inside the text protocol.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

const (
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
)

var (
	ErrEncryptFailed = errors.New("crypto: encryption failed")
	ErrDecryptFailed = errors.New("crypto: decryption failed")
	ErrUnknownKey    = errors.New("crypto: unknown key")
	ErrInvalidKey    = errors.New("crypto: invalid key material")
	ErrBadPassphrase = errors.New("crypto: bad passphrase")
)

// KDF derives 32 bytes from a domain label and the given parts:
// SHA3-256(label | parts...).
func KDF(label string, parts ...[]byte) []byte {
	h := sha3.New256()
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// XSeal seals plaintext under a fresh random nonce.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, errors.Errorf("bad key size %d, need %d", len(key32), XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, errors.Errorf("bad key size %d, need %d", len(key32), XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, errors.Errorf("bad nonce size %d, need %d", len(nonce24), XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// Ephemeral is a one-shot X25519 key used for a single sealed message.
type Ephemeral struct {
	priv      *ecdh.PrivateKey
	pub       []byte
	destroyed bool
}

func (e *Ephemeral) String() string {
	return "Ephemeral{REDACTED}"
}

func (e *Ephemeral) GoString() string {
	return "crypto.Ephemeral{REDACTED}"
}

func (e *Ephemeral) Public() ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	out := make([]byte, len(e.pub))
	copy(out, e.pub)
	return out, nil
}

func (e *Ephemeral) Shared(peerPub []byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	return X25519Shared(e.priv, peerPub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	e.priv = nil
	e.destroyed = true
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ephemeral{priv: priv, pub: priv.PublicKey().Bytes()}, nil
}

func X25519Shared(priv *ecdh.PrivateKey, peerPub []byte) ([]byte, error) {
	if priv == nil || len(peerPub) == 0 {
		return nil, errors.New("empty key material")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	return priv.ECDH(pub)
}
