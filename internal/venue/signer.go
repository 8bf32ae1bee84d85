package venue

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
)

// Signer authorizes swaps on behalf of the service wallet.
type Signer interface {
	PublicKey() string
	Sign(message []byte) ([]byte, error)
}

// KeypairSigner signs with an in-memory ed25519 keypair.
type KeypairSigner struct {
	key ed25519.PrivateKey
}

// NewKeypairSigner builds a signer from a hex-encoded 32-byte seed. An empty seed
// generates an ephemeral key.
func NewKeypairSigner(hexSeed string) (*KeypairSigner, error) {
	if hexSeed == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		return &KeypairSigner{key: key}, nil
	}

	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("decode signer seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &KeypairSigner{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// PublicKey returns the base58 public key.
func (s *KeypairSigner) PublicKey() string {
	return base58.Encode(s.key.Public().(ed25519.PublicKey))
}

// Sign signs message with the private key.
func (s *KeypairSigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}
