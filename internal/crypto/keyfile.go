package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for new key files. Files record the parameters they
// were written with.
const (
	argonTime    uint32 = 2
	argonMemory  uint32 = 19 * 1024
	argonThreads uint8  = 1
	argonSaltLen        = 16

	labelKeyLock = "holonet:keylock:v1"
)

// LockedKey is a private key as stored on disk. When it was saved without a
// passphrase it is held in the clear and Unlock ignores the passphrase.
type LockedKey struct {
	Public PublicKey

	plain   *PrivateKey
	salt    []byte
	nonce   []byte
	sealed  []byte
	time    uint32
	memory  uint32
	threads uint8
}

func (l *LockedKey) Encrypted() bool {
	return l != nil && l.plain == nil
}

// Unlock returns the private key, deriving the lock key from passphrase.
func (l *LockedKey) Unlock(passphrase string) (*PrivateKey, error) {
	if l == nil {
		return nil, ErrUnknownKey
	}
	if l.plain != nil {
		return l.plain, nil
	}
	key := argon2.IDKey([]byte(passphrase), l.salt, l.time, l.memory, l.threads, XKeySize)
	raw, err := XOpen(key, l.nonce, l.sealed, []byte(labelKeyLock))
	if err != nil {
		return nil, ErrBadPassphrase
	}
	priv, err := parsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	if !priv.Public.Equal(l.Public) {
		return nil, errors.Wrap(ErrInvalidKey, "locked key does not match its public half")
	}
	return priv, nil
}

// Lock wraps priv for storage. An empty passphrase stores it unencrypted.
func Lock(priv *PrivateKey, passphrase string) (*LockedKey, error) {
	if priv == nil {
		return nil, ErrUnknownKey
	}
	if passphrase == "" {
		return &LockedKey{Public: priv.Public, plain: priv}, nil
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, XKeySize)
	nonce, sealed, err := XSeal(key, priv.bytes(), []byte(labelKeyLock))
	if err != nil {
		return nil, err
	}
	return &LockedKey{
		Public:  priv.Public,
		salt:    salt,
		nonce:   nonce,
		sealed:  sealed,
		time:    argonTime,
		memory:  argonMemory,
		threads: argonThreads,
	}, nil
}

func (l *LockedKey) MarshalPEM() []byte {
	headers := map[string]string{
		"Fingerprint": l.Public.Fingerprint(),
		"Public":      base64.StdEncoding.EncodeToString(l.Public.Bytes()),
	}
	if l.plain != nil {
		return pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Headers: headers, Bytes: l.plain.bytes()})
	}
	headers["KDF"] = "argon2id"
	headers["Salt"] = hex.EncodeToString(l.salt)
	headers["Nonce"] = hex.EncodeToString(l.nonce)
	headers["Time"] = strconv.FormatUint(uint64(l.time), 10)
	headers["Memory"] = strconv.FormatUint(uint64(l.memory), 10)
	headers["Threads"] = strconv.FormatUint(uint64(l.threads), 10)
	return pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Headers: headers, Bytes: l.sealed})
}

func ParseLockedKeyPEM(data []byte) (*LockedKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemPrivateKey {
		return nil, errors.Wrap(ErrInvalidKey, "no private key block")
	}
	pubRaw, err := base64.StdEncoding.DecodeString(block.Headers["Public"])
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, "bad public header")
	}
	pub, err := ParsePublicKey(pubRaw)
	if err != nil {
		return nil, err
	}
	if block.Headers["KDF"] == "" {
		priv, err := parsePrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if !priv.Public.Equal(pub) {
			return nil, errors.Wrap(ErrInvalidKey, "private key does not match its public half")
		}
		return &LockedKey{Public: pub, plain: priv}, nil
	}
	if block.Headers["KDF"] != "argon2id" {
		return nil, errors.Wrapf(ErrInvalidKey, "unsupported kdf %q", block.Headers["KDF"])
	}
	l := &LockedKey{Public: pub, sealed: block.Bytes}
	if l.salt, err = hex.DecodeString(block.Headers["Salt"]); err != nil {
		return nil, errors.Wrap(ErrInvalidKey, "bad salt")
	}
	if l.nonce, err = hex.DecodeString(block.Headers["Nonce"]); err != nil {
		return nil, errors.Wrap(ErrInvalidKey, "bad nonce")
	}
	t, err := strconv.ParseUint(block.Headers["Time"], 10, 32)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, "bad time")
	}
	m, err := strconv.ParseUint(block.Headers["Memory"], 10, 32)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, "bad memory")
	}
	p, err := strconv.ParseUint(block.Headers["Threads"], 10, 8)
	if err != nil || p == 0 {
		return nil, errors.Wrap(ErrInvalidKey, "bad threads")
	}
	l.time, l.memory, l.threads = uint32(t), uint32(m), uint8(p)
	return l, nil
}

// SaveKeyFile writes l with owner-only permissions via a temp file and rename.
func SaveKeyFile(path string, l *LockedKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrap(err, "create key dir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, l.MarshalPEM(), 0600); err != nil {
		return errors.Wrap(err, "write key file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "rename key file")
	}
	return nil
}

func LoadKeyFile(path string) (*LockedKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l, err := ParseLockedKeyPEM(data)
	if err != nil {
		return nil, errors.Wrapf(err, "key file %s", path)
	}
	return l, nil
}
