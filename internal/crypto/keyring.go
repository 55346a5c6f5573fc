package crypto

import (
	"crypto/subtle"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

type keyEntry struct {
	pub     PublicKey
	private *LockedKey

	// unlocked caches the private key after the first successful unlock.
	// digest is the sha3 of the passphrase that opened it.
	unlocked *PrivateKey
	digest   [32]byte
}

// Keyring is the process keyring. It is safe for concurrent use; importing
// the same material twice yields the same key id and a single entry.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*keyEntry
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]*keyEntry)}
}

func normalizeKeyID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// KeyID returns the fingerprint of exported material without importing it.
func (k *Keyring) KeyID(material []byte) (string, error) {
	pub, err := ParsePublicKeyPEM(material)
	if err != nil {
		return "", err
	}
	return pub.Fingerprint(), nil
}

// ImportKey adds public key material and returns its fingerprint.
func (k *Keyring) ImportKey(material []byte) (string, error) {
	pub, err := ParsePublicKeyPEM(material)
	if err != nil {
		return "", err
	}
	id := pub.Fingerprint()
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[id]; !ok {
		k.keys[id] = &keyEntry{pub: pub}
	}
	return id, nil
}

// AddPrivateKey installs a local identity, replacing a public-only entry for
// the same key.
func (k *Keyring) AddPrivateKey(l *LockedKey) string {
	id := l.Public.Fingerprint()
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[id] = &keyEntry{pub: l.Public, private: l}
	return id
}

// ExportKey returns the PEM public key material for keyID.
func (k *Keyring) ExportKey(keyID string) ([]byte, error) {
	pub, ok := k.PublicKey(keyID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKey, "export %s", keyID)
	}
	return pub.MarshalPEM(), nil
}

func (k *Keyring) PublicKey(keyID string) (PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ent, ok := k.keys[normalizeKeyID(keyID)]
	if !ok {
		return PublicKey{}, false
	}
	return ent.pub, true
}

func (k *Keyring) HasPrivate(keyID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ent, ok := k.keys[normalizeKeyID(keyID)]
	return ok && ent.private != nil
}

func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// KeyIDs lists every fingerprint in the keyring, sorted.
func (k *Keyring) KeyIDs() []string {
	k.mu.RLock()
	out := make([]string, 0, len(k.keys))
	for id := range k.keys {
		out = append(out, id)
	}
	k.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Unlock checks passphrase against the private key for keyID and keeps the
// unlocked key so later seal and open calls skip the key derivation.
func (k *Keyring) Unlock(keyID, passphrase string) error {
	_, err := k.unlock(keyID, passphrase)
	return err
}

func (k *Keyring) unlock(keyID, passphrase string) (*PrivateKey, error) {
	digest := sha3.Sum256([]byte(passphrase))
	k.mu.RLock()
	ent, ok := k.keys[normalizeKeyID(keyID)]
	var cached *PrivateKey
	if ok && ent.unlocked != nil && subtle.ConstantTimeCompare(ent.digest[:], digest[:]) == 1 {
		cached = ent.unlocked
	}
	k.mu.RUnlock()
	if !ok || ent.private == nil {
		return nil, errors.Wrapf(ErrUnknownKey, "no private key for %s", keyID)
	}
	if cached != nil {
		return cached, nil
	}
	priv, err := ent.private.Unlock(passphrase)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	ent.unlocked, ent.digest = priv, digest
	k.mu.Unlock()
	return priv, nil
}

// EncryptAndSign seals plaintext for recipientKeyID, signed by senderKeyID.
func (k *Keyring) EncryptAndSign(plaintext []byte, recipientKeyID, senderKeyID, passphrase string) ([]byte, error) {
	recipient, ok := k.PublicKey(recipientKeyID)
	if !ok {
		return nil, errors.Wrapf(ErrEncryptFailed, "unknown recipient %s", recipientKeyID)
	}
	sender, err := k.unlock(senderKeyID, passphrase)
	if err != nil {
		return nil, errors.Wrapf(ErrEncryptFailed, "sender %s: %v", senderKeyID, err)
	}
	out, err := Seal(plaintext, recipient, sender)
	if err != nil {
		return nil, errors.Wrap(ErrEncryptFailed, err.Error())
	}
	return out, nil
}

// DecryptAndVerify opens a sealed message addressed to selfKeyID and returns
// the plaintext and the signer's fingerprint. An empty selfKeyID accepts any
// local private key the message is addressed to.
func (k *Keyring) DecryptAndVerify(ciphertext []byte, selfKeyID, passphrase string) ([]byte, string, error) {
	recipientID, err := MessageRecipient(ciphertext)
	if err != nil {
		return nil, "", errors.Wrap(ErrDecryptFailed, err.Error())
	}
	if selfKeyID != "" && normalizeKeyID(selfKeyID) != recipientID {
		return nil, "", errors.Wrapf(ErrDecryptFailed, "message is for %s", recipientID)
	}
	self, err := k.unlock(recipientID, passphrase)
	if err != nil {
		return nil, "", errors.Wrap(ErrDecryptFailed, err.Error())
	}
	plaintext, signer, err := Open(ciphertext, self)
	if err != nil {
		return nil, "", errors.Wrap(ErrDecryptFailed, err.Error())
	}
	return plaintext, signer.Fingerprint(), nil
}
