package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// SigningService signs block hashes with the device's ed25519 key.
// It is constructed once at the composition root and passed into the
// Ledger explicitly - there is no ambient signing singleton.
type SigningService struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigningService generates a fresh device keypair.
func NewSigningService() (*SigningService, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &SigningService{priv: priv, pub: pub}, nil
}

// NewSigningServiceFromSeed derives the keypair from a 32-byte seed.
// Used to keep a stable device identity across restarts.
func NewSigningServiceFromSeed(seed []byte) (*SigningService, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &SigningService{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Sign signs a state hash.
func (s *SigningService) Sign(hash []byte) []byte {
	return ed25519.Sign(s.priv, hash)
}

// Verify checks a signature produced by this service's key.
func (s *SigningService) Verify(hash, sig []byte) bool {
	return ed25519.Verify(s.pub, hash, sig)
}

// PublicKey returns the verification key.
func (s *SigningService) PublicKey() ed25519.PublicKey {
	return s.pub
}
