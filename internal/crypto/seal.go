package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/pem"
	"strings"

	"github.com/pkg/errors"
)

const (
	messageVersion byte = 1

	labelSeal = "holonet:seal:v1"
	labelSig  = "holonet:sig:v1"

	messageHeaderSize = 1 + FingerprintSize + boxKeySize
)

// Seal signs plaintext with sender and encrypts it for recipient.
//
// Layout inside the HOLONET MESSAGE armor:
//
//	header: version | recipient fingerprint | ephemeral X25519 pub
//	then:   nonce | XChaCha20-Poly1305(sender bundle | signature | plaintext)
//
// The header is bound as associated data.
func Seal(plaintext []byte, recipient PublicKey, sender *PrivateKey) ([]byte, error) {
	if sender == nil {
		return nil, ErrUnknownKey
	}
	eph, err := GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Destroy()
	ephPub, err := eph.Public()
	if err != nil {
		return nil, err
	}
	shared, err := eph.Shared(recipient.Box)
	if err != nil {
		return nil, err
	}
	rcptFpr := recipient.fingerprintBytes()
	header := make([]byte, 0, messageHeaderSize)
	header = append(header, messageVersion)
	header = append(header, rcptFpr...)
	header = append(header, ephPub...)

	sig := ed25519.Sign(sender.sign, signedBytes(rcptFpr, plaintext))
	inner := make([]byte, 0, PublicKeySize+ed25519.SignatureSize+len(plaintext))
	inner = append(inner, sender.Public.Bytes()...)
	inner = append(inner, sig...)
	inner = append(inner, plaintext...)

	key := KDF(labelSeal, shared, ephPub, recipient.Box)
	nonce, ct, err := XSeal(key, inner, header)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 0, len(header)+len(nonce)+len(ct))
	body = append(body, header...)
	body = append(body, nonce...)
	body = append(body, ct...)
	return pem.EncodeToMemory(&pem.Block{Type: pemMessage, Bytes: body}), nil
}

// Open decrypts a sealed message with self and verifies the embedded
// signature. It returns the plaintext and the signer's public key.
func Open(ciphertext []byte, self *PrivateKey) ([]byte, PublicKey, error) {
	if self == nil {
		return nil, PublicKey{}, ErrUnknownKey
	}
	body, err := messageBody(ciphertext)
	if err != nil {
		return nil, PublicKey{}, err
	}
	header := body[:messageHeaderSize]
	rcptFpr := header[1 : 1+FingerprintSize]
	if !bytes.Equal(rcptFpr, self.Public.fingerprintBytes()) {
		return nil, PublicKey{}, errors.New("message is not addressed to this key")
	}
	ephPub := header[1+FingerprintSize:]
	shared, err := X25519Shared(self.box, ephPub)
	if err != nil {
		return nil, PublicKey{}, err
	}
	key := KDF(labelSeal, shared, ephPub, self.Public.Box)
	rest := body[messageHeaderSize:]
	inner, err := XOpen(key, rest[:XNonceSize], rest[XNonceSize:], header)
	if err != nil {
		return nil, PublicKey{}, errors.Wrap(err, "open")
	}
	if len(inner) < PublicKeySize+ed25519.SignatureSize {
		return nil, PublicKey{}, errors.New("sealed payload too short")
	}
	signer, err := ParsePublicKey(inner[:PublicKeySize])
	if err != nil {
		return nil, PublicKey{}, err
	}
	sig := inner[PublicKeySize : PublicKeySize+ed25519.SignatureSize]
	plaintext := inner[PublicKeySize+ed25519.SignatureSize:]
	if !ed25519.Verify(signer.Sign, signedBytes(rcptFpr, plaintext), sig) {
		return nil, PublicKey{}, errors.New("bad signature")
	}
	return plaintext, signer, nil
}

// MessageRecipient returns the fingerprint a sealed message is addressed to.
func MessageRecipient(ciphertext []byte) (string, error) {
	body, err := messageBody(ciphertext)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(body[1 : 1+FingerprintSize])), nil
}

// IsSealed reports whether data is armored as a sealed message.
func IsSealed(data []byte) bool {
	block, _ := pem.Decode(data)
	return block != nil && block.Type == pemMessage
}

func messageBody(ciphertext []byte) ([]byte, error) {
	block, _ := pem.Decode(ciphertext)
	if block == nil || block.Type != pemMessage {
		return nil, errors.New("not a sealed message")
	}
	body := block.Bytes
	if len(body) < messageHeaderSize+XNonceSize || body[0] != messageVersion {
		return nil, errors.New("malformed sealed message")
	}
	return body, nil
}

func signedBytes(rcptFpr, plaintext []byte) []byte {
	buf := make([]byte, 0, len(labelSig)+len(rcptFpr)+len(plaintext))
	buf = append(buf, labelSig...)
	buf = append(buf, rcptFpr...)
	buf = append(buf, plaintext...)
	return buf
}
