package out

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"

	sessionout "chorus/internal/modules/session/port/out"
)

var errBadSignature = errors.New("signature does not match public key")

// KeyAuthenticator signs with the node's ed25519 identity, the same key the
// LAN transport uses as its libp2p identity.
type KeyAuthenticator struct {
	priv crypto.PrivKey
	pub  []byte
}

var _ sessionout.Authenticator = (*KeyAuthenticator)(nil)

func NewKeyAuthenticator(priv crypto.PrivKey) (*KeyAuthenticator, error) {
	if priv == nil || priv.Type() != crypto.Ed25519 {
		return nil, errors.New("identity must be an ed25519 key")
	}
	pub, err := priv.GetPublic().Raw()
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &KeyAuthenticator{priv: priv, pub: pub}, nil
}

// GenerateIdentity creates a fresh ed25519 identity.
func GenerateIdentity() (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return priv, nil
}

func (a *KeyAuthenticator) PublicKey() []byte {
	return append([]byte(nil), a.pub...)
}

func (a *KeyAuthenticator) Sign(payload []byte) ([]byte, error) {
	return a.priv.Sign(payload)
}

func (a *KeyAuthenticator) Verify(publicKey, payload, signature []byte) error {
	pub, err := crypto.UnmarshalEd25519PublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	ok, err := pub.Verify(payload, signature)
	if err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	if !ok {
		return errBadSignature
	}
	return nil
}
