package trail

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// signer holds the ledger's ed25519 signing key. The key persists next to
// the chain so transactions written before a restart still verify.
type signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
}

const keyFileName = "signing_key"

// loadSigner reads the key file under dir, erroring when none exists.
func loadSigner(dir string) (*signer, error) {
	path := filepath.Join(dir, keyFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	seed, err := hex.DecodeString(string(raw))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("corrupt signing key at %s", path)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &signer{privKey: priv, pubKey: priv.Public().(ed25519.PublicKey)}, nil
}

// loadOrCreateSigner reads the key file under dir, generating and
// persisting a fresh key when none exists.
func loadOrCreateSigner(dir string) (*signer, error) {
	path := filepath.Join(dir, keyFileName)
	if _, err := os.Stat(path); err == nil {
		return loadSigner(dir)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return &signer{privKey: priv, pubKey: pub}, nil
}

// newEphemeralSigner generates a key that is never persisted (tests, or
// trails with no storage path).
func newEphemeralSigner() (*signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &signer{privKey: priv, pubKey: pub}, nil
}

func (s *signer) sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.privKey, data))
}

func (s *signer) verify(sigHex string, data []byte) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pubKey, data, sig)
}

// PublicKey returns the hex-encoded verification key.
func (s *signer) publicKey() string {
	return hex.EncodeToString(s.pubKey)
}
