package out

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// FileIdentityStore keeps the node's ed25519 key as base64 of its libp2p
// protobuf encoding.
type FileIdentityStore struct {
	path string
}

func NewFileIdentityStore(dataDir string) *FileIdentityStore {
	return &FileIdentityStore{path: filepath.Join(dataDir, "identity.key")}
}

func (s *FileIdentityStore) Path() string {
	return s.path
}

// LoadOrCreate reads the identity, generating and persisting one on first
// use.
func (s *FileIdentityStore) LoadOrCreate() (crypto.PrivKey, error) {
	raw, err := os.ReadFile(s.path)
	if err == nil {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode identity: %w", err)
		}
		priv, err := crypto.UnmarshalPrivateKey(decoded)
		if err != nil {
			return nil, fmt.Errorf("unmarshal identity: %w", err)
		}
		if priv.Type() != crypto.Ed25519 {
			return nil, fmt.Errorf("identity at %s is not an ed25519 key", s.path)
		}
		return priv, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	encoded, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(base64.StdEncoding.EncodeToString(encoded)), 0o600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return priv, nil
}
