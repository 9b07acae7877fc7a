package luckdrop

import (
	"encoding/binary"
	"fmt"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/me-foundation/luckdrop/engine"
)

// Domain-separation tags for the two authorization digests and the draw
// extractor. Changing any of these invalidates every outstanding signature.
const (
	commitDigestTag  = "luckdrop/commit/v1"
	fulfillDigestTag = "luckdrop/fulfill/v1"
	drawTag          = "luckdrop/draw/v1"
)

// CompressedPubKeyLen is the length of a serialized cosigner public key.
const CompressedPubKeyLen = 33

// SignatureLen is the length of a compact recoverable ECDSA signature.
const SignatureLen = 65

// Choice is the receiver's declared fulfillment preference for tiered
// commits.
type Choice byte

const (
	ChoiceCash Choice = 0
	ChoiceItem Choice = 1
)

// CommitDigest computes the domain-separated hash over the full commit
// tuple. Every field is length-fixed or hashed so the encoding is
// unambiguous; mutating any field changes the digest.
func CommitDigest(id uint64, receiver zkidentity.ShortID, cosigner []byte,
	seed, counter uint64, payloadHash [32]byte, amountAtoms uint64,
	reward engine.RewardSpec) [32]byte {

	h := blake256.New()
	h.Write([]byte(commitDigestTag))
	var u8 [8]byte
	binary.BigEndian.PutUint64(u8[:], id)
	h.Write(u8[:])
	h.Write(receiver[:])
	h.Write(cosigner)
	binary.BigEndian.PutUint64(u8[:], seed)
	h.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], counter)
	h.Write(u8[:])
	h.Write(payloadHash[:])
	binary.BigEndian.PutUint64(u8[:], amountAtoms)
	h.Write(u8[:])
	h.Write(reward.AppendCanonical(nil))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// FulfillmentTerms are the cosigner-authorized settlement parameters. They
// are bound to the commit digest so fulfillment terms cannot be substituted
// independently of the commit they settle.
type FulfillmentTerms struct {
	CommitDigest [32]byte
	Target       string
	CallData     []byte
	OrderAtoms   uint64
	Asset        string
	AssetID      uint64
	PayoutAtoms  uint64
	Choice       Choice
}

// Digest computes the domain-separated hash over the fulfillment tuple.
func (t FulfillmentTerms) Digest() [32]byte {
	h := blake256.New()
	h.Write([]byte(fulfillDigestTag))
	h.Write(t.CommitDigest[:])
	var u8 [8]byte
	binary.BigEndian.PutUint64(u8[:], uint64(len(t.Target)))
	h.Write(u8[:])
	h.Write([]byte(t.Target))
	dataHash := blake256.Sum256(t.CallData)
	h.Write(dataHash[:])
	binary.BigEndian.PutUint64(u8[:], t.OrderAtoms)
	h.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(len(t.Asset)))
	h.Write(u8[:])
	h.Write([]byte(t.Asset))
	binary.BigEndian.PutUint64(u8[:], t.AssetID)
	h.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], t.PayoutAtoms)
	h.Write(u8[:])
	h.Write([]byte{byte(t.Choice)})

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SignDigest produces a compact recoverable signature over a digest.
func SignDigest(priv *secp256k1.PrivateKey, digest [32]byte) []byte {
	return ecdsa.SignCompact(priv, digest[:], true)
}

// RecoverSigner recovers the compressed public key that produced a compact
// signature over the given digest.
func RecoverSigner(digest [32]byte, sig []byte) ([]byte, error) {
	if len(sig) != SignatureLen {
		return nil, fmt.Errorf("signature is %d bytes, want %d", len(sig), SignatureLen)
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return nil, fmt.Errorf("recover signer: %w", err)
	}
	return pub.SerializeCompressed(), nil
}

// DrawFromSignature is the default deterministic extraction function: the
// verified commit signature's raw bytes map to a draw in [0, 10000). It is a
// pure black box to the rest of the engine; outcome policy lives in the
// engine package.
func DrawFromSignature(sig []byte) uint32 {
	h := blake256.New()
	h.Write([]byte(drawTag))
	h.Write(sig)
	sum := h.Sum(nil)
	return uint32(binary.BigEndian.Uint64(sum[:8]) % engine.BpsDenom)
}
