// Package node owns a HoloNet identity: the key file in the home directory,
// the process keyring and the trust store built on top of it.
package node

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"holonet/internal/crypto"
	"holonet/internal/peer"
	"holonet/internal/secure"
	"holonet/internal/store"
)

const IdentityFile = "identity.pem"

type Node struct {
	Home     string
	Keys     *crypto.Keyring
	Identity secure.Identity
	// PublicKeyB64 is the key block this node puts in every envelope.
	PublicKeyB64 string
	Trust        *peer.Store
	Adapter      *secure.Adapter
	// Created reports whether the identity was generated by this call.
	Created bool
}

type Options struct {
	Passphrase string
	// KnownHostsPath enables trust persistence when non-empty.
	KnownHostsPath string
	Logger         zerolog.Logger
}

// NewNode loads the identity in home, generating and saving one on first
// run. The passphrase is checked before returning.
func NewNode(home string, opts Options) (*Node, error) {
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, errors.Wrap(err, "create home")
	}
	path := filepath.Join(home, IdentityFile)
	created := false
	locked, err := crypto.LoadKeyFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "load identity")
		}
		priv, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		locked, err = crypto.Lock(priv, opts.Passphrase)
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveKeyFile(path, locked); err != nil {
			return nil, errors.Wrap(err, "save identity")
		}
		created = true
	}
	keys := crypto.NewKeyring()
	id := secure.Identity{KeyID: keys.AddPrivateKey(locked), Passphrase: opts.Passphrase}
	if err := keys.Unlock(id.KeyID, opts.Passphrase); err != nil {
		return nil, errors.Wrap(err, "unlock identity")
	}
	adapter := secure.NewAdapter(keys)
	block, err := adapter.PublicKeyBlock(id)
	if err != nil {
		return nil, err
	}

	var hosts *store.KnownHosts
	if opts.KnownHostsPath != "" {
		hosts, err = store.NewKnownHosts(opts.KnownHostsPath)
		if err != nil {
			return nil, err
		}
	}
	trust := peer.NewStore(keys, peer.Options{KnownHosts: hosts, Logger: opts.Logger})
	if n, err := trust.Load(); err != nil {
		return nil, err
	} else if n > 0 {
		opts.Logger.Debug().Int("known_hosts", n).Msg("trust store loaded")
	}

	return &Node{
		Home:         home,
		Keys:         keys,
		Identity:     id,
		PublicKeyB64: block,
		Trust:        trust,
		Adapter:      adapter,
		Created:      created,
	}, nil
}

func (n *Node) Fingerprint() string {
	return n.Identity.KeyID
}

// ExportPublicKey returns the PEM public key of this node.
func (n *Node) ExportPublicKey() ([]byte, error) {
	return n.Keys.ExportKey(n.Identity.KeyID)
}
