// Package client holds the cosigner-side tooling: key management, digest
// signing and an HTTP query client for the engine's side endpoints.
package client

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/slog"

	"github.com/me-foundation/luckdrop"
	"github.com/me-foundation/luckdrop/engine"
)

// Signer produces the recoverable signatures the engine authenticates
// settlement calls with. One Signer wraps one cosigner private key; the
// matching compressed public key is what operators register on the engine.
type Signer struct {
	priv *secp256k1.PrivateKey
	log  slog.Logger
}

// NewSigner wraps an existing private key.
func NewSigner(priv *secp256k1.PrivateKey, log slog.Logger) *Signer {
	return &Signer{priv: priv, log: log}
}

// GenerateSigner creates a Signer with a fresh random key.
func GenerateSigner(log slog.Logger) (*Signer, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Signer{priv: priv, log: log}, nil
}

// LoadSigner reads a hex-encoded private key from path. Surrounding
// whitespace is tolerated.
func LoadSigner(path string, log slog.Logger) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return SignerFromHex(strings.TrimSpace(string(raw)), log)
}

// SignerFromHex parses a 32-byte hex private key.
func SignerFromHex(hexKey string, log slog.Logger) (*Signer, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("key is %d bytes, want 32", len(b))
	}
	return &Signer{priv: secp256k1.PrivKeyFromBytes(b), log: log}, nil
}

// SaveKey writes the private key hex to path with owner-only permissions.
func (s *Signer) SaveKey(path string) error {
	return os.WriteFile(path, []byte(hex.EncodeToString(s.priv.Serialize())+"\n"), 0o600)
}

// PubKey returns the 33-byte compressed public key.
func (s *Signer) PubKey() []byte {
	return s.priv.PubKey().SerializeCompressed()
}

// PubKeyHex returns the compressed public key as hex, the form the engine's
// cosigner set uses.
func (s *Signer) PubKeyHex() string {
	return hex.EncodeToString(s.PubKey())
}

// SignDigest signs an arbitrary 32-byte digest recoverably.
func (s *Signer) SignDigest(digest [32]byte) []byte {
	return luckdrop.SignDigest(s.priv, digest)
}

// SignCommit computes and signs the commit digest for the given fields. The
// returned signature both authorizes settlement and seeds the draw.
func (s *Signer) SignCommit(id uint64, receiver zkidentity.ShortID, seed, counter uint64,
	payloadHash [32]byte, amountAtoms uint64, reward engine.RewardSpec) ([32]byte, []byte) {

	digest := luckdrop.CommitDigest(id, receiver, s.PubKey(), seed, counter,
		payloadHash, amountAtoms, reward)
	if s.log != nil {
		s.log.Debugf("Signing commit %d digest %x", id, digest)
	}
	return digest, s.SignDigest(digest)
}

// SignFulfillment signs the fulfillment terms bound to a commit digest.
func (s *Signer) SignFulfillment(terms *luckdrop.FulfillmentTerms) []byte {
	digest := terms.Digest()
	if s.log != nil {
		s.log.Debugf("Signing fulfillment terms digest %x", digest)
	}
	return s.SignDigest(digest)
}
